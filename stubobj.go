// Completion: 90% - Stub object emission complete for ELF, Mach-O and COFF
package patch67

// stubEntry is one symbol of the synthetic stub object. Code entries own a
// trampoline at offset inside the text section; data entries are emitted as
// absolute-address symbols with no bytes of their own.
type stubEntry struct {
	name    string // unmangled; writers re-apply format mangling
	offset  uint64
	size    uint64
	code    bool
	absAddr uint64
}

// writeStubObject emits a minimal relocatable object containing the given
// text bytes and exported symbols, in the target's container format.
func writeStubObject(target Target, text []byte, entries []stubEntry) ([]byte, error) {
	switch target.Format() {
	case FormatELF:
		return writeStubELF(target, text, entries)
	case FormatMachO:
		return writeStubMachO(target, text, entries)
	case FormatPE:
		return writeStubCOFF(target, text, entries)
	default:
		return nil, unsupportedErr("no stub object writer for %s", target.Format())
	}
}
