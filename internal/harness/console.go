//go:build harness

package harness

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ErrNoTTY is returned by NewConsole when stdin is not a terminal.
var ErrNoTTY = errors.New("harness: console: not a tty")

// Console adapts the host terminal into a device.CharDevice, grounded on
// smoynes-elsie's internal/tty.Console: it puts the terminal in raw mode
// on construction and restores it on Restore, so a byte written to the
// kernel's console device shows up on the operator's screen immediately,
// without line buffering or local echo getting in the way.
type Console struct {
	in    *os.File
	out   *os.File
	fd    int
	state *term.State
}

// NewConsole wraps in/out as a raw-mode console. in must be a terminal.
func NewConsole(in, out *os.File) (*Console, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return nil, ErrNoTTY
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("harness: console: make raw: %w", err)
	}
	return &Console{in: in, out: out, fd: fd, state: state}, nil
}

// Read implements device.CharDevice.
func (c *Console) Read(buf []byte) (int, error) {
	return c.in.Read(buf)
}

// Write implements device.CharDevice.
func (c *Console) Write(buf []byte) (int, error) {
	return c.out.Write(buf)
}

// Restore returns the terminal to the state it had before NewConsole.
func (c *Console) Restore() error {
	return term.Restore(c.fd, c.state)
}

// winsize reports the terminal's current row/column count, used by a
// manual test session to size an initial pty-backed login shell; plumbed
// through unix.IoctlGetWinsize rather than term.GetSize; the pixel
// dimensions in the ioctl's result are not returned.
func winsize(fd int) (rows, cols uint16, err error) {
	ws, err := unix.IoctlGetWinsize(fd, unix.TIOCGWINSZ)
	if err != nil {
		return 0, 0, err
	}
	return ws.Row, ws.Col, nil
}
