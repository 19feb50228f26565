// Completion: 90% - Trampoline encoders for aarch64 and x86_64, riscv64 pending
package patch67

// Encoder emits the machine code of one jump trampoline: load a 64-bit
// absolute address piecewise into a scratch register, then jump through it
// unconditionally. One implementation per architecture; adding an
// architecture means adding an encoder, not touching the stub logic.
type Encoder interface {
	// Name returns the architecture name of this encoder
	Name() string
	// TrampolineSize is the fixed byte length of one trampoline
	TrampolineSize() int
	// Trampoline encodes a jump to the given absolute runtime address
	Trampoline(addr uint64) []byte
}

// NewEncoder selects the trampoline encoder for the target architecture
func NewEncoder(arch Arch) (Encoder, error) {
	switch arch {
	case ArchARM64:
		return arm64Encoder{}, nil
	case ArchX86_64:
		return x86_64Encoder{}, nil
	default:
		// TODO: riscv64 needs an li64 expansion (lui/addi/slli chain)
		return nil, unsupportedErr("no trampoline encoder for %s", arch)
	}
}
