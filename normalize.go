// Completion: 100% - Symbol name normalization complete
package patch67

import "strings"

// Symbol name normalization.
//
// Mach-O mangles every C-level symbol with a single leading underscore, so the
// same function is "_foo" in a Mach-O symbol table and "foo" everywhere else.
// The engine reasons about unmangled names only: parsers strip the prefix on
// the way in, and the stub writer and executable lookups re-apply it on the
// way out.

// demangleName converts an object-file symbol name to its unmangled form
func demangleName(format Format, name string) string {
	if format == FormatMachO {
		return strings.TrimPrefix(name, "_")
	}
	return name
}

// mangleName converts an unmangled name back to the form the given container
// format stores in its symbol table
func mangleName(format Format, name string) string {
	if format == FormatMachO {
		return "_" + name
	}
	return name
}

// isLocalName reports whether a symbol name follows the file-local naming
// convention for the given format. Local names are not globally unique, so
// the diff engine disambiguates them with the owning file's name.
func isLocalName(format Format, name string) bool {
	switch format {
	case FormatMachO:
		// assembler temporaries and file-private labels
		return strings.HasPrefix(name, "l") || strings.HasPrefix(name, "ltmp")
	default:
		return strings.HasPrefix(name, ".L")
	}
}

// entryPointName is the unmangled name of the program entry point used for
// ASLR slide computation and as the terminator of diagnostic call paths.
const entryPointName = "main"

// isEntryPointName reports whether a symbol name marks a program entry point
func isEntryPointName(name string) bool {
	return name == entryPointName || strings.HasSuffix(name, "_main")
}
