package patch67

import (
	"bytes"
	"testing"
)

func TestArm64Trampoline(t *testing.T) {
	enc, err := NewEncoder(ArchARM64)
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}

	out := enc.Trampoline(0x1122334455667788)
	if len(out) != enc.TrampolineSize() {
		t.Fatalf("Expected %d bytes, got %d", enc.TrampolineSize(), len(out))
	}

	// movz x9, #0x7788; movk x9, #0x5566/#0x3344/#0x1122 lsl 16/32/48; br x9
	want := []byte{
		0x09, 0xf1, 0x8e, 0xd2,
		0xc9, 0xac, 0xaa, 0xf2,
		0x89, 0x68, 0xc6, 0xf2,
		0x49, 0x24, 0xe2, 0xf2,
		0x20, 0x01, 0x1f, 0xd6,
	}
	if !bytes.Equal(out, want) {
		t.Errorf("Trampoline encoding mismatch:\n got %x\nwant %x", out, want)
	}
}

func TestArm64TrampolineZeroAddress(t *testing.T) {
	enc, _ := NewEncoder(ArchARM64)
	out := enc.Trampoline(0)

	// All four moves are still present so trampolines are uniform
	want := []byte{
		0x09, 0x00, 0x80, 0xd2,
		0x09, 0x00, 0xa0, 0xf2,
		0x09, 0x00, 0xc0, 0xf2,
		0x09, 0x00, 0xe0, 0xf2,
		0x20, 0x01, 0x1f, 0xd6,
	}
	if !bytes.Equal(out, want) {
		t.Errorf("Trampoline encoding mismatch:\n got %x\nwant %x", out, want)
	}
}

func TestX86_64Trampoline(t *testing.T) {
	enc, err := NewEncoder(ArchX86_64)
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}

	out := enc.Trampoline(0x1122334455667788)
	if len(out) != enc.TrampolineSize() {
		t.Fatalf("Expected %d bytes, got %d", enc.TrampolineSize(), len(out))
	}

	// mov rax, imm64; jmp rax; int3 padding
	want := []byte{
		0x48, 0xb8, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11,
		0xff, 0xe0,
		0xcc, 0xcc, 0xcc, 0xcc,
	}
	if !bytes.Equal(out, want) {
		t.Errorf("Trampoline encoding mismatch:\n got %x\nwant %x", out, want)
	}
}

func TestNewEncoderUnsupported(t *testing.T) {
	for _, arch := range []Arch{ArchRiscv64, ArchWasm32, ArchUnknown} {
		if _, err := NewEncoder(arch); !IsKind(err, KindUnsupported) {
			t.Errorf("%s: expected KindUnsupported, got %v", arch, err)
		}
	}
}
