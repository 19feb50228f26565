// Completion: 100% - ARM64 trampoline encoding complete
package patch67

import "encoding/binary"

// ARM64 trampolines build the 64-bit target in x9 (a caller-clobbered
// scratch register in the AAPCS64 ABI) 16 bits at a time, then branch
// through it:
//
//	movz x9, #addr[15:0]
//	movk x9, #addr[31:16], lsl #16
//	movk x9, #addr[47:32], lsl #32
//	movk x9, #addr[63:48], lsl #48
//	br   x9
//
// All four moves are always emitted so every trampoline has the same size.
type arm64Encoder struct{}

const arm64ScratchReg = 9

func (arm64Encoder) Name() string {
	return "aarch64"
}

func (arm64Encoder) TrampolineSize() int {
	return 20
}

func (arm64Encoder) Trampoline(addr uint64) []byte {
	chunk := func(shift uint) uint32 {
		return uint32(addr>>shift) & 0xffff
	}

	instrs := [5]uint32{
		// MOVZ Xd, #imm16: sf=1, opc=10, hw=00
		0xd2800000 | chunk(0)<<5 | arm64ScratchReg,
		// MOVK Xd, #imm16, LSL #16/#32/#48: hw selects the 16-bit lane
		0xf2a00000 | chunk(16)<<5 | arm64ScratchReg,
		0xf2c00000 | chunk(32)<<5 | arm64ScratchReg,
		0xf2e00000 | chunk(48)<<5 | arm64ScratchReg,
		// BR Xn: opc=00, op2=11111, op3=000000, op4=00000
		0xd61f0000 | arm64ScratchReg<<5,
	}

	out := make([]byte, 0, len(instrs)*4)
	var buf [4]byte
	for _, instr := range instrs {
		binary.LittleEndian.PutUint32(buf[:], instr)
		out = append(out, buf[:]...)
	}
	return out
}
