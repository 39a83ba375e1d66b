package vmarea

import (
	"encoding/binary"

	"github.com/mankoros/mankoros/internal/memory"
)

// Aux vector types, the standard Linux set named in spec section 6.
const (
	AtNull     = 0
	AtIgnore   = 1
	AtExecFd   = 2
	AtPhdr     = 3
	AtPhent    = 4
	AtPhnum    = 5
	AtPagesz   = 6
	AtBase     = 7
	AtFlags    = 8
	AtEntry    = 9
	AtNotelf   = 10
	AtUID      = 11
	AtEUID     = 12
	AtGID      = 13
	AtEGID     = 14
	AtPlatform = 15
	AtHwcap    = 16
	AtClktck   = 17
	AtSecure   = 23
	AtRandom   = 25
)

// AuxEntry is one {type, value} pair of the aux vector.
type AuxEntry struct {
	Type  uint64
	Value uint64
}

// randomBytes is the fixed 16-byte value AT_RANDOM points at in the initial
// stack layout's "16 random bytes" slot; a freestanding kernel without an
// entropy source wired in yet (spec section 7's 2D: randomness not in
// scope) uses a fixed, clearly-not-secret filler instead of claiming
// randomness it cannot provide.
var randomBytes = [16]byte{'m', 'a', 'n', 'k', 'o', 'r', 'o', 's', '!', '?', '!', '?', '!', '?', '!', '\n'}

// platformString is pushed verbatim onto the stack per spec section 4.4.
const platformString = "RISC-V64"

// InitialStack is the materialized result of BuildInitialStack: the bytes
// to copy into the process's address space starting at Base, which is also
// the initial sp execve(2) hands to the new program (argc is read back
// from *sp so it isn't returned separately).
type InitialStack struct {
	Buf  []byte
	Base memory.VirtAddr // virtual address Buf[0] must land at; also the initial sp
}

// stackBuilder assembles the stack from the top down, mirroring how a
// real stack grows: every push lowers the cursor and prepends its bytes,
// so buf[0] always corresponds to the current cursor address. Grounded on
// original_source's UserSpace::init_stack (process/user_space.rs), which
// builds the same layout via raw pointer writes; here there is no such
// pointer to write through yet since the destination pages may not even
// be mapped, so the builder produces a plain byte buffer for the caller
// to install (e.g. through the area map's own page-fault path, or copied
// directly once the stack's pages are mapped).
type stackBuilder struct {
	cursor memory.VirtAddr
	buf    []byte
}

func newStackBuilder(top memory.VirtAddr) *stackBuilder {
	return &stackBuilder{cursor: top}
}

func (b *stackBuilder) pushBytes(p []byte) memory.VirtAddr {
	b.cursor -= memory.VirtAddr(len(p))
	b.buf = append(append([]byte(nil), p...), b.buf...)
	return b.cursor
}

func (b *stackBuilder) pushString(s string) memory.VirtAddr {
	return b.pushBytes(append([]byte(s), 0))
}

func (b *stackBuilder) pushUint64(v uint64) memory.VirtAddr {
	var enc [8]byte
	binary.LittleEndian.PutUint64(enc[:], v)
	return b.pushBytes(enc[:])
}

func (b *stackBuilder) pushAux(e AuxEntry) {
	b.pushUint64(e.Value)
	b.pushUint64(e.Type)
}

// alignForTail pads the cursor so that, after tailBytes more bytes are
// pushed, the final cursor lands on a 16-byte boundary — the "random-
// alignment pad" spec section 4.4 places ahead of a fixed-size tail
// (auxv+envp+argv+argc) whose length depends on argument/environment
// counts that aren't themselves a multiple of 16.
func (b *stackBuilder) alignForTail(tailBytes uint64) {
	pad := (uint64(b.cursor) - tailBytes) % 16
	if pad > 0 {
		b.pushBytes(make([]byte, pad))
	}
}

// BuildInitialStack lays out argc/argv/envp/auxv/platform-string/random-
// bytes/argument-and-environment-strings below top, per spec section 4.4's
// stack initial layout diagram (top of stack downward):
//
//	argc
//	argv[0..argc-1], NULL
//	envp[0..envc-1], NULL
//	auxv pairs, AT_NULL
//	[random-alignment pad]
//	platform string "RISC-V64\0"
//	16 random bytes
//	[16-byte align pad]
//	argument strings
//	environment strings
//
// The returned sp is already 16-byte aligned, as alloc_stack's contract
// with its caller (the ELF loader) requires.
func BuildInitialStack(top memory.VirtAddr, args, envp []string, auxv []AuxEntry) *InitialStack {
	b := newStackBuilder(top)

	// Strings first, environment then arguments, each in reverse so the
	// final in-memory order (reading upward) matches the input order.
	envAddrs := make([]memory.VirtAddr, len(envp))
	for i := len(envp) - 1; i >= 0; i-- {
		envAddrs[i] = b.pushString(envp[i])
	}
	argAddrs := make([]memory.VirtAddr, len(args))
	for i := len(args) - 1; i >= 0; i-- {
		argAddrs[i] = b.pushString(args[i])
	}

	if pad := uint64(b.cursor) % 16; pad > 0 {
		b.pushBytes(make([]byte, pad)) // 16-byte align pad above the random bytes
	}
	randAddr := b.pushBytes(randomBytes[:])
	b.pushString(platformString)

	// AT_RANDOM points at the random-bytes slot just pushed; the platform
	// string's address is not put in the aux vector (DefaultAuxv's
	// AT_PLATFORM entry carries 0).
	full := make([]AuxEntry, 0, len(auxv)+2)
	full = append(full, auxv...)
	full = append(full, AuxEntry{Type: AtRandom, Value: uint64(randAddr)})
	full = append(full, AuxEntry{Type: AtNull})

	tailBytes := uint64(len(full))*16 + uint64(len(envAddrs)+1)*8 + uint64(len(argAddrs)+1)*8 + 8
	b.alignForTail(tailBytes)

	for i := len(full) - 1; i >= 0; i-- {
		b.pushAux(full[i])
	}

	b.pushUint64(0) // envp terminator
	for i := len(envAddrs) - 1; i >= 0; i-- {
		b.pushUint64(uint64(envAddrs[i]))
	}

	b.pushUint64(0) // argv terminator
	for i := len(argAddrs) - 1; i >= 0; i-- {
		b.pushUint64(uint64(argAddrs[i]))
	}

	b.pushUint64(uint64(len(args))) // argc

	return &InitialStack{Buf: b.buf, Base: b.cursor}
}

// DefaultAuxv builds the standard aux vector entries an ELF loader supplies
// from the program header table and entry point, per spec section 6's
// "Aux vector" list (AT_RANDOM and AT_NULL are appended by BuildInitialStack
// itself, not here).
func DefaultAuxv(phdrAddr memory.VirtAddr, phentSize, phnum int, entry memory.VirtAddr) []AuxEntry {
	return []AuxEntry{
		{Type: AtPhdr, Value: uint64(phdrAddr)},
		{Type: AtPhent, Value: uint64(phentSize)},
		{Type: AtPhnum, Value: uint64(phnum)},
		{Type: AtPagesz, Value: memory.PageSize},
		{Type: AtBase, Value: 0},
		{Type: AtFlags, Value: 0},
		{Type: AtEntry, Value: uint64(entry)},
		{Type: AtNotelf, Value: 0x112d},
		{Type: AtUID, Value: 0},
		{Type: AtEUID, Value: 0},
		{Type: AtGID, Value: 0},
		{Type: AtEGID, Value: 0},
		{Type: AtPlatform, Value: 0},
		{Type: AtHwcap, Value: 0},
		{Type: AtClktck, Value: 100},
		{Type: AtSecure, Value: 0},
	}
}
