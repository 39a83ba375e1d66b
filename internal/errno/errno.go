// Package errno defines the Linux errno values the kernel core returns to
// user space, and the typed error wrapping biscuit's raw negative-int
// Err_t convention into something errors.Is/errors.As-friendly.
package errno

import "fmt"

// Errno identifies a Linux errno; its numeric value is internal, and
// Negate gives the negated Linux number. The zero value means "no error", matching
// the convention that a syscall handler returns 0 on success.
type Errno int

// Resource errors.
const (
	ENOMEM Errno = iota + 1
	EAGAIN
	EBUSY
	EMFILE
	ENFILE
)

// Access errors.
const (
	EPERM Errno = iota + 100
	EACCES
	EFAULT
)

// Identity errors.
const (
	ESRCH Errno = iota + 200
	EBADF
	ENOENT
	EEXIST
	ENOTDIR
	EISDIR
)

// Argument errors.
const (
	EINVAL Errno = iota + 300
	ERANGE
	ENAMETOOLONG
)

// State errors.
const (
	EPIPE Errno = iota + 400
	EINTR
	ECHILD
)

var names = map[Errno]string{
	ENOMEM: "ENOMEM", EAGAIN: "EAGAIN", EBUSY: "EBUSY", EMFILE: "EMFILE", ENFILE: "ENFILE",
	EPERM: "EPERM", EACCES: "EACCES", EFAULT: "EFAULT",
	ESRCH: "ESRCH", EBADF: "EBADF", ENOENT: "ENOENT", EEXIST: "EEXIST", ENOTDIR: "ENOTDIR", EISDIR: "EISDIR",
	EINVAL: "EINVAL", ERANGE: "ERANGE", ENAMETOOLONG: "ENAMETOOLONG",
	EPIPE: "EPIPE", EINTR: "EINTR", ECHILD: "ECHILD",
}

// linuxValue is the on-the-wire errno number the dispatcher negates into a0.
// Values follow the RISC-V Linux asm-generic errno table.
var linuxValue = map[Errno]int64{
	ENOMEM: 12, EAGAIN: 11, EBUSY: 16, EMFILE: 24, ENFILE: 23,
	EPERM: 1, EACCES: 13, EFAULT: 14,
	ESRCH: 3, EBADF: 9, ENOENT: 2, EEXIST: 17, ENOTDIR: 20, EISDIR: 21,
	EINVAL: 22, ERANGE: 34, ENAMETOOLONG: 36,
	EPIPE: 32, EINTR: 4, ECHILD: 10,
}

// Error implements the error interface.
func (e Errno) Error() string {
	if n, ok := names[e]; ok {
		return n
	}
	return fmt.Sprintf("errno(%d)", int(e))
}

// Negate returns the value to place in a0 for this error: the negated
// Linux errno number. Negate panics if e is the zero Errno, since there is
// nothing to negate on success.
func (e Errno) Negate() int64 {
	v, ok := linuxValue[e]
	if !ok {
		panic(fmt.Sprintf("errno: no linux value for %v", e))
	}
	return -v
}

// Wrap builds an error that wraps e with additional context, so callers can
// still errors.Is(err, errno.ENOMEM) after the wrap.
func Wrap(e Errno, format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, e)...)
}
