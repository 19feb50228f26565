// Completion: 100% - Masked comparison complete
package patch67

import (
	"bytes"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// compareMasked reports whether two versions of the same symbol encode the
// same compiled artifact. Bytes occupied by relocations necessarily differ
// between builds (they are patched with concrete addresses at link time), so
// those ranges are masked out; everything else, including which named symbol
// each relocation targets, must match exactly.
//
// The relocation lists are in descending offset order and are correlated
// pairwise by position, not by offset.
func compareMasked(oldView, newView *ObjectView, left, right *RelocatedSymbol) bool {
	if len(left.Relocs) != len(right.Relocs) {
		return false
	}
	if len(left.Data) != len(right.Data) {
		return false
	}
	if left.Name != right.Name {
		return false
	}

	// The walk goes from the end of the data towards the start, masking each
	// relocation site as it passes it. last is the exclusive end of the next
	// unmasked span.
	last := uint64(len(left.Data))

	for i := range left.Relocs {
		leftReloc := left.Relocs[i]
		rightReloc := right.Relocs[i]

		// The targets might differ by index between builds but must resolve
		// to the same name. Targets without a name (raw sections, absolute
		// values) are exempt from the name check but still masked below.
		leftName, leftOK := oldView.symbolNameOfReloc(leftReloc.Target)
		rightName, rightOK := newView.symbolNameOfReloc(rightReloc.Target)
		if leftOK && rightOK && leftName != rightName {
			return false
		}

		relOff := leftReloc.Offset - left.Offset
		size := uint64(leftReloc.SizeBits) / 8

		// Two fix-ups can land on the same site; the first pass already
		// masked and checked that range.
		if relOff == last {
			continue
		}

		start := relOff + size
		if start > last || last > uint64(len(left.Data)) {
			return false
		}

		if !bytes.Equal(left.Data[start:last], right.Data[start:last]) {
			return false
		}

		if !leftReloc.flagsEqual(rightReloc) {
			return false
		}

		last = relOff
	}

	// The span from the symbol start up to the first relocation
	return bytes.Equal(left.Data[:last], right.Data[:last])
}

// Fingerprint returns a content hash of the symbol's bytes and relocation
// shape, for change logging and diagnostics. It is not used for correctness.
func (rs *RelocatedSymbol) Fingerprint() uint64 {
	d := xxhash.New()
	_, _ = d.Write(rs.Data)
	var buf [8]byte
	for _, r := range rs.Relocs {
		binary.LittleEndian.PutUint64(buf[:], r.Offset)
		_, _ = d.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], uint64(r.Type)|uint64(r.SizeBits)<<32)
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}
