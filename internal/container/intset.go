package container

import (
	"encoding/binary"
	"sort"

	"usvfscore/internal/segment"
)

// intNodeSize is next(8) + value(8).
const intNodeSize = 16

// IntSet is an on-segment sorted set of uint64 values, used for the
// registered-PID set (spec §4.4's processList).
type IntSet struct {
	alloc  Allocator
	header segment.Offset
}

// OpenIntSet returns an IntSet view over the header at headerOffset.
func OpenIntSet(alloc Allocator, headerOffset segment.Offset) *IntSet {
	return &IntSet{alloc: alloc, header: headerOffset}
}

func (s *IntSet) readNode(off segment.Offset) (next segment.Offset, value uint64, err error) {
	b, err := s.alloc.Bytes(off, intNodeSize)
	if err != nil {
		return 0, 0, err
	}
	return segment.Offset(binary.LittleEndian.Uint64(b[0:8])), binary.LittleEndian.Uint64(b[8:16]), nil
}

func (s *IntSet) writeNode(off, next segment.Offset, value uint64) error {
	b, err := s.alloc.Bytes(off, intNodeSize)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b[0:8], uint64(next))
	binary.LittleEndian.PutUint64(b[8:16], value)
	return nil
}

// Contains reports whether value is a member.
func (s *IntSet) Contains(value uint64) (bool, error) {
	head, _, err := readHeader(s.alloc, s.header)
	if err != nil {
		return false, err
	}
	for cur := head; cur != 0; {
		next, v, err := s.readNode(cur)
		if err != nil {
			return false, err
		}
		if v == value {
			return true, nil
		}
		cur = next
	}
	return false, nil
}

// Add inserts value if absent. It reports whether the set changed.
func (s *IntSet) Add(value uint64) (bool, error) {
	if ok, err := s.Contains(value); err != nil {
		return false, err
	} else if ok {
		return false, nil
	}
	nodeOff, err := s.alloc.Alloc(intNodeSize)
	if err != nil {
		return false, err
	}
	head, count, err := readHeader(s.alloc, s.header)
	if err != nil {
		return false, err
	}
	if err := s.writeNode(nodeOff, head, value); err != nil {
		return false, err
	}
	return true, writeHeader(s.alloc, s.header, nodeOff, count+1)
}

// Remove deletes value if present. It reports whether the set changed.
func (s *IntSet) Remove(value uint64) (bool, error) {
	head, count, err := readHeader(s.alloc, s.header)
	if err != nil {
		return false, err
	}
	var prev segment.Offset
	for cur := head; cur != 0; {
		next, v, err := s.readNode(cur)
		if err != nil {
			return false, err
		}
		if v == value {
			if prev == 0 {
				head = next
			} else {
				_, pv, err := s.readNode(prev)
				if err != nil {
					return false, err
				}
				if err := s.writeNode(prev, next, pv); err != nil {
					return false, err
				}
			}
			if err := writeHeader(s.alloc, s.header, head, count-1); err != nil {
				return false, err
			}
			return true, s.alloc.Free(cur, intNodeSize)
		}
		prev = cur
		cur = next
	}
	return false, nil
}

// Items returns every member in ascending order.
func (s *IntSet) Items() ([]uint64, error) {
	head, count, err := readHeader(s.alloc, s.header)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, 0, count)
	for cur := head; cur != 0; {
		next, v, err := s.readNode(cur)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		cur = next
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Len returns the number of members.
func (s *IntSet) Len() (int, error) {
	_, count, err := readHeader(s.alloc, s.header)
	return int(count), err
}
