package container

import (
	"encoding/binary"
	"sort"
	"strings"

	"usvfscore/internal/segment"
)

// setNodeSize is next(8) + keyOff(8) + keyLen(8).
const setNodeSize = 24

// StringSet is an on-segment set of strings, ordered by lexicographic
// UTF-8 byte compare over the case-folded key (spec §4.2 Ordering). It
// is a view over a fixed HeaderSize-byte region inside a caller-owned
// construct (typically a Config) — StringSet itself holds no data.
type StringSet struct {
	alloc  Allocator
	header segment.Offset
}

// OpenStringSet returns a StringSet view over the header at headerOffset.
func OpenStringSet(alloc Allocator, headerOffset segment.Offset) *StringSet {
	return &StringSet{alloc: alloc, header: headerOffset}
}

func (s *StringSet) readNode(off segment.Offset) (next segment.Offset, keyOff segment.Offset, keyLen uint64, err error) {
	b, err := s.alloc.Bytes(off, setNodeSize)
	if err != nil {
		return 0, 0, 0, err
	}
	return segment.Offset(binary.LittleEndian.Uint64(b[0:8])),
		segment.Offset(binary.LittleEndian.Uint64(b[8:16])),
		binary.LittleEndian.Uint64(b[16:24]), nil
}

func (s *StringSet) writeNode(off, next, keyOff segment.Offset, keyLen uint64) error {
	b, err := s.alloc.Bytes(off, setNodeSize)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b[0:8], uint64(next))
	binary.LittleEndian.PutUint64(b[8:16], uint64(keyOff))
	binary.LittleEndian.PutUint64(b[16:24], keyLen)
	return nil
}

// Contains reports whether value (case-folded) is a member of the set.
func (s *StringSet) Contains(value string) (bool, error) {
	folded := FoldKey(value)
	head, _, err := readHeader(s.alloc, s.header)
	if err != nil {
		return false, err
	}
	for cur := head; cur != 0; {
		next, keyOff, keyLen, err := s.readNode(cur)
		if err != nil {
			return false, err
		}
		key, err := readString(s.alloc, keyOff, keyLen)
		if err != nil {
			return false, err
		}
		if key == folded {
			return true, nil
		}
		cur = next
	}
	return false, nil
}

// Add inserts value (case-folded) if absent. It reports whether the set
// changed.
func (s *StringSet) Add(value string) (bool, error) {
	folded := FoldKey(value)
	if ok, err := s.Contains(folded); err != nil {
		return false, err
	} else if ok {
		return false, nil
	}

	keyOff, keyLen, err := writeString(s.alloc, folded)
	if err != nil {
		return false, err
	}
	nodeOff, err := s.alloc.Alloc(setNodeSize)
	if err != nil {
		return false, err
	}
	head, count, err := readHeader(s.alloc, s.header)
	if err != nil {
		return false, err
	}
	if err := s.writeNode(nodeOff, head, keyOff, keyLen); err != nil {
		return false, err
	}
	return true, writeHeader(s.alloc, s.header, nodeOff, count+1)
}

// Remove deletes value (case-folded) if present. It reports whether the
// set changed.
func (s *StringSet) Remove(value string) (bool, error) {
	folded := FoldKey(value)
	head, count, err := readHeader(s.alloc, s.header)
	if err != nil {
		return false, err
	}

	var prev segment.Offset
	for cur := head; cur != 0; {
		next, keyOff, keyLen, err := s.readNode(cur)
		if err != nil {
			return false, err
		}
		key, err := readString(s.alloc, keyOff, keyLen)
		if err != nil {
			return false, err
		}
		if key == folded {
			if prev == 0 {
				head = next
			} else {
				_, pKeyOff, pKeyLen, err := s.readNode(prev)
				if err != nil {
					return false, err
				}
				if err := s.writeNode(prev, next, pKeyOff, pKeyLen); err != nil {
					return false, err
				}
			}
			if err := writeHeader(s.alloc, s.header, head, count-1); err != nil {
				return false, err
			}
			return true, s.alloc.Free(cur, setNodeSize)
		}
		prev = cur
		cur = next
	}
	return false, nil
}

// Clear removes every member of the set. Idempotent: calling it twice
// in a row leaves the same (empty) state both times.
func (s *StringSet) Clear() error {
	head, _, err := readHeader(s.alloc, s.header)
	if err != nil {
		return err
	}
	for cur := head; cur != 0; {
		next, _, _, err := s.readNode(cur)
		if err != nil {
			return err
		}
		if err := s.alloc.Free(cur, setNodeSize); err != nil {
			return err
		}
		cur = next
	}
	return writeHeader(s.alloc, s.header, 0, 0)
}

// Len returns the number of members.
func (s *StringSet) Len() (int, error) {
	_, count, err := readHeader(s.alloc, s.header)
	return int(count), err
}

// Items returns every member, sorted by folded-key byte order.
func (s *StringSet) Items() ([]string, error) {
	head, count, err := readHeader(s.alloc, s.header)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, count)
	for cur := head; cur != 0; {
		next, keyOff, keyLen, err := s.readNode(cur)
		if err != nil {
			return nil, err
		}
		key, err := readString(s.alloc, keyOff, keyLen)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
		cur = next
	}
	sort.Strings(out)
	return out, nil
}

// AnySuffixOf reports whether any member of the set is a case-folded
// suffix of s — the matching rule spec §4.4 uses for
// ExecutableBlacklisted's application-name check.
func (s *StringSet) AnySuffixOf(value string) (bool, error) {
	folded := FoldKey(value)
	items, err := s.Items()
	if err != nil {
		return false, err
	}
	for _, item := range items {
		if len(item) <= len(folded) && folded[len(folded)-len(item):] == item {
			return true, nil
		}
	}
	return false, nil
}

// AnySubstringOf reports whether any member of the set occurs anywhere
// inside s — the matching rule §4.4 uses for the command-line check.
func (s *StringSet) AnySubstringOf(value string) (bool, error) {
	folded := FoldKey(value)
	items, err := s.Items()
	if err != nil {
		return false, err
	}
	for _, item := range items {
		if item == "" {
			continue
		}
		if strings.Contains(folded, item) {
			return true, nil
		}
	}
	return false, nil
}
