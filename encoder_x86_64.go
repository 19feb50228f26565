// Completion: 100% - x86_64 trampoline encoding complete
package patch67

import "encoding/binary"

// x86_64 trampolines use the one instruction that does carry a full 64-bit
// immediate, then an indirect jump:
//
//	mov rax, imm64   ; 48 B8 <8 bytes>
//	jmp rax          ; FF E0
//
// rax is caller-clobbered in the System V and Windows ABIs. The 12-byte
// sequence is padded with int3 to 16 bytes so trampolines stay aligned.
type x86_64Encoder struct{}

func (x86_64Encoder) Name() string {
	return "x86_64"
}

func (x86_64Encoder) TrampolineSize() int {
	return 16
}

func (x86_64Encoder) Trampoline(addr uint64) []byte {
	out := make([]byte, 16)
	out[0] = 0x48 // REX.W
	out[1] = 0xb8 // MOV RAX, imm64
	binary.LittleEndian.PutUint64(out[2:], addr)
	out[10] = 0xff // JMP r/m64
	out[11] = 0xe0 // ModRM: reg=4 (JMP), r/m=rax
	for i := 12; i < 16; i++ {
		out[i] = 0xcc // int3 padding
	}
	return out
}
