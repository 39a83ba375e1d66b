//go:build harness

// Package harness provides host-side test and dev-loop infrastructure:
// a terminal console CharDevice, a file-backed BlockDevice, an in-memory
// pipe FileRef with backpressure, and an fsnotify-based script watcher
// for the test suite's dev loop. None of it ships in the freestanding
// kernel build — every file here is guarded by the harness build tag.
package harness
