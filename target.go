// Completion: 100% - Target triple handling complete
package patch67

import (
	"fmt"
	"strings"
)

// Architecture type
type Arch int

const (
	ArchUnknown Arch = iota
	ArchX86_64
	ArchARM64
	ArchRiscv64
	ArchWasm32
)

func (a Arch) String() string {
	switch a {
	case ArchX86_64:
		return "x86_64"
	case ArchARM64:
		return "aarch64"
	case ArchRiscv64:
		return "riscv64"
	case ArchWasm32:
		return "wasm32"
	default:
		return "unknown"
	}
}

// ParseArch parses an architecture string (like GOARCH values)
func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(s) {
	case "x86_64", "amd64", "x86-64":
		return ArchX86_64, nil
	case "aarch64", "arm64":
		return ArchARM64, nil
	case "riscv64", "riscv", "rv64":
		return ArchRiscv64, nil
	case "wasm32", "wasm":
		return ArchWasm32, nil
	default:
		return 0, fmt.Errorf("unsupported architecture: %s (supported: amd64, arm64, riscv64, wasm32)", s)
	}
}

// OS type
type OS int

const (
	OSLinux OS = iota
	OSDarwin
	OSFreeBSD
	OSWindows
	OSWasi
)

func (o OS) String() string {
	switch o {
	case OSLinux:
		return "linux"
	case OSDarwin:
		return "darwin"
	case OSFreeBSD:
		return "freebsd"
	case OSWindows:
		return "windows"
	case OSWasi:
		return "wasi"
	default:
		return "unknown"
	}
}

// ParseOS parses an operating system string (like GOOS values)
func ParseOS(s string) (OS, error) {
	switch strings.ToLower(s) {
	case "linux":
		return OSLinux, nil
	case "darwin", "macos", "osx", "ios":
		return OSDarwin, nil
	case "freebsd":
		return OSFreeBSD, nil
	case "windows":
		return OSWindows, nil
	case "wasi", "unknown":
		return OSWasi, nil
	default:
		return 0, fmt.Errorf("unsupported operating system: %s", s)
	}
}

// Format identifies the object container format
type Format int

const (
	FormatUnknown Format = iota
	FormatELF
	FormatMachO
	FormatPE
	FormatWasm
)

func (f Format) String() string {
	switch f {
	case FormatELF:
		return "elf"
	case FormatMachO:
		return "mach-o"
	case FormatPE:
		return "pe"
	case FormatWasm:
		return "wasm"
	default:
		return "unknown"
	}
}

// Target represents a patch target (architecture + OS), reused from the
// original build. The container format and byte order follow from it.
type Target struct {
	Arch Arch
	OS   OS
}

// NewTarget creates a Target for the given architecture and OS
func NewTarget(arch Arch, os OS) Target {
	return Target{Arch: arch, OS: os}
}

// ParseTarget parses a target string like "arm64-darwin" or "x86_64-linux".
// A bare architecture defaults to linux (wasm32 defaults to wasi).
func ParseTarget(s string) (Target, error) {
	parts := strings.SplitN(s, "-", 2)
	arch, err := ParseArch(parts[0])
	if err != nil {
		return Target{}, err
	}
	if len(parts) == 1 {
		if arch == ArchWasm32 {
			return Target{Arch: arch, OS: OSWasi}, nil
		}
		return Target{Arch: arch, OS: OSLinux}, nil
	}
	os, err := ParseOS(parts[1])
	if err != nil {
		return Target{}, err
	}
	return Target{Arch: arch, OS: os}, nil
}

// String returns the full target string like "aarch64-darwin"
func (t Target) String() string {
	return t.Arch.String() + "-" + t.OS.String()
}

// Format returns the object container format this target uses
func (t Target) Format() Format {
	if t.Arch == ArchWasm32 {
		return FormatWasm
	}
	switch t.OS {
	case OSDarwin:
		return FormatMachO
	case OSWindows:
		return FormatPE
	default:
		return FormatELF
	}
}

// IsELF returns true if the target uses the ELF format
func (t Target) IsELF() bool {
	return t.Format() == FormatELF
}

// IsMachO returns true if the target uses the Mach-O format
func (t Target) IsMachO() bool {
	return t.Format() == FormatMachO
}

// IsPE returns true if the target uses the PE format
func (t Target) IsPE() bool {
	return t.Format() == FormatPE
}

// IsWasm returns true if the target is a WebAssembly module
func (t Target) IsWasm() bool {
	return t.Format() == FormatWasm
}
