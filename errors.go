// Completion: 100% - Error handling complete, clear and helpful messages
package patch67

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies the failure modes of a patch attempt
type ErrorKind int

const (
	// KindParse - an object file could not be recognized or its symbol or
	// relocation tables are malformed. Fatal to the whole diff pass.
	KindParse ErrorKind = iota
	// KindIntegrity - the relocation tiling invariant was violated during
	// segmentation. Fatal, the diff result would be wrong.
	KindIntegrity
	// KindUnresolvedImport - a required symbol has no match in the on-disk
	// executable. Non-fatal, surfaced as a warning.
	KindUnresolvedImport
	// KindLink - the linker subprocess exited non-zero. Fatal to the attempt.
	KindLink
	// KindMissingEntry - the on-disk executable has no recognizable entry
	// symbol, so the ASLR slide cannot be computed. Fatal.
	KindMissingEntry
	// KindUnsupported - unsupported target architecture or container format.
	KindUnsupported
)

func (k ErrorKind) String() string {
	switch k {
	case KindParse:
		return "parse"
	case KindIntegrity:
		return "integrity"
	case KindUnresolvedImport:
		return "unresolved import"
	case KindLink:
		return "link"
	case KindMissingEntry:
		return "missing entry point"
	case KindUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// PatchError is the error type returned by the engine. It carries the error
// kind so callers can distinguish fatal failures from soft ones without
// string matching.
type PatchError struct {
	Kind ErrorKind
	Err  error
}

func (e *PatchError) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *PatchError) Unwrap() error {
	return e.Err
}

// Fatal reports whether this error aborts the patch attempt
func (e *PatchError) Fatal() bool {
	return e.Kind != KindUnresolvedImport
}

func parseErr(format string, args ...interface{}) error {
	return &PatchError{Kind: KindParse, Err: errors.Errorf(format, args...)}
}

func parseWrap(err error, format string, args ...interface{}) error {
	return &PatchError{Kind: KindParse, Err: errors.Wrapf(err, format, args...)}
}

func integrityErr(format string, args ...interface{}) error {
	return &PatchError{Kind: KindIntegrity, Err: errors.Errorf(format, args...)}
}

func linkErr(err error, format string, args ...interface{}) error {
	return &PatchError{Kind: KindLink, Err: errors.Wrapf(err, format, args...)}
}

func missingEntryErr(format string, args ...interface{}) error {
	return &PatchError{Kind: KindMissingEntry, Err: errors.Errorf(format, args...)}
}

func unsupportedErr(format string, args ...interface{}) error {
	return &PatchError{Kind: KindUnsupported, Err: errors.Errorf(format, args...)}
}

// IsKind reports whether err is a PatchError of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var pe *PatchError
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}
