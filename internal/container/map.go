package container

import (
	"encoding/binary"
	"sort"

	"usvfscore/internal/segment"
)

// mapNodeSize is next(8) + keyOff(8) + keyLen(8) + valOff(8) + valLen(8).
const mapNodeSize = 40

// StringMap is an on-segment ordered map from string to string, keyed
// by case-folded host path (spec §4.2's offset-map, used for the
// deleted-file and faked-directory tables). Like StringSet, it is a
// view over a caller-owned header region, not a value type.
type StringMap struct {
	alloc  Allocator
	header segment.Offset
}

// OpenStringMap returns a StringMap view over the header at headerOffset.
func OpenStringMap(alloc Allocator, headerOffset segment.Offset) *StringMap {
	return &StringMap{alloc: alloc, header: headerOffset}
}

type mapNode struct {
	next   segment.Offset
	keyOff segment.Offset
	keyLen uint64
	valOff segment.Offset
	valLen uint64
}

func (m *StringMap) readNode(off segment.Offset) (mapNode, error) {
	b, err := m.alloc.Bytes(off, mapNodeSize)
	if err != nil {
		return mapNode{}, err
	}
	return mapNode{
		next:   segment.Offset(binary.LittleEndian.Uint64(b[0:8])),
		keyOff: segment.Offset(binary.LittleEndian.Uint64(b[8:16])),
		keyLen: binary.LittleEndian.Uint64(b[16:24]),
		valOff: segment.Offset(binary.LittleEndian.Uint64(b[24:32])),
		valLen: binary.LittleEndian.Uint64(b[32:40]),
	}, nil
}

func (m *StringMap) writeNode(off segment.Offset, n mapNode) error {
	b, err := m.alloc.Bytes(off, mapNodeSize)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b[0:8], uint64(n.next))
	binary.LittleEndian.PutUint64(b[8:16], uint64(n.keyOff))
	binary.LittleEndian.PutUint64(b[16:24], n.keyLen)
	binary.LittleEndian.PutUint64(b[24:32], uint64(n.valOff))
	binary.LittleEndian.PutUint64(b[32:40], n.valLen)
	return nil
}

func (m *StringMap) find(folded string) (segment.Offset, mapNode, bool, error) {
	head, _, err := readHeader(m.alloc, m.header)
	if err != nil {
		return 0, mapNode{}, false, err
	}
	for cur := head; cur != 0; {
		n, err := m.readNode(cur)
		if err != nil {
			return 0, mapNode{}, false, err
		}
		key, err := readString(m.alloc, n.keyOff, n.keyLen)
		if err != nil {
			return 0, mapNode{}, false, err
		}
		if key == folded {
			return cur, n, true, nil
		}
		cur = n.next
	}
	return 0, mapNode{}, false, nil
}

// Get returns the value stored for key (case-folded), if present.
func (m *StringMap) Get(key string) (string, bool, error) {
	_, n, ok, err := m.find(FoldKey(key))
	if err != nil || !ok {
		return "", false, err
	}
	v, err := readString(m.alloc, n.valOff, n.valLen)
	return v, true, err
}

// Exists reports whether key (case-folded) has an entry.
func (m *StringMap) Exists(key string) (bool, error) {
	_, _, ok, err := m.find(FoldKey(key))
	return ok, err
}

// Put inserts or replaces the entry for key (case-folded) with value.
// Replacing an existing key's value frees its old backing bytes.
func (m *StringMap) Put(key, value string) error {
	folded := FoldKey(key)
	cur, existing, ok, err := m.find(folded)
	if err != nil {
		return err
	}

	valOff, valLen, err := writeString(m.alloc, value)
	if err != nil {
		return err
	}

	if ok {
		if existing.valLen > 0 {
			if err := m.alloc.Free(existing.valOff, existing.valLen); err != nil {
				return err
			}
		}
		existing.valOff, existing.valLen = valOff, valLen
		return m.writeNode(cur, existing)
	}

	keyOff, keyLen, err := writeString(m.alloc, folded)
	if err != nil {
		return err
	}
	nodeOff, err := m.alloc.Alloc(mapNodeSize)
	if err != nil {
		return err
	}
	head, count, err := readHeader(m.alloc, m.header)
	if err != nil {
		return err
	}
	if err := m.writeNode(nodeOff, mapNode{next: head, keyOff: keyOff, keyLen: keyLen, valOff: valOff, valLen: valLen}); err != nil {
		return err
	}
	return writeHeader(m.alloc, m.header, nodeOff, count+1)
}

// Delete removes the entry for key (case-folded), if present. It
// reports whether the map changed.
func (m *StringMap) Delete(key string) (bool, error) {
	folded := FoldKey(key)
	head, count, err := readHeader(m.alloc, m.header)
	if err != nil {
		return false, err
	}

	var prev segment.Offset
	for cur := head; cur != 0; {
		n, err := m.readNode(cur)
		if err != nil {
			return false, err
		}
		k, err := readString(m.alloc, n.keyOff, n.keyLen)
		if err != nil {
			return false, err
		}
		if k == folded {
			if prev == 0 {
				head = n.next
			} else {
				pn, err := m.readNode(prev)
				if err != nil {
					return false, err
				}
				pn.next = n.next
				if err := m.writeNode(prev, pn); err != nil {
					return false, err
				}
			}
			if err := writeHeader(m.alloc, m.header, head, count-1); err != nil {
				return false, err
			}
			if n.keyLen > 0 {
				if err := m.alloc.Free(n.keyOff, n.keyLen); err != nil {
					return false, err
				}
			}
			if n.valLen > 0 {
				if err := m.alloc.Free(n.valOff, n.valLen); err != nil {
					return false, err
				}
			}
			return true, m.alloc.Free(cur, mapNodeSize)
		}
		prev = cur
		cur = n.next
	}
	return false, nil
}

// Clear removes every entry. Idempotent.
func (m *StringMap) Clear() error {
	head, _, err := readHeader(m.alloc, m.header)
	if err != nil {
		return err
	}
	for cur := head; cur != 0; {
		n, err := m.readNode(cur)
		if err != nil {
			return err
		}
		if n.keyLen > 0 {
			if err := m.alloc.Free(n.keyOff, n.keyLen); err != nil {
				return err
			}
		}
		if n.valLen > 0 {
			if err := m.alloc.Free(n.valOff, n.valLen); err != nil {
				return err
			}
		}
		if err := m.alloc.Free(cur, mapNodeSize); err != nil {
			return err
		}
		cur = n.next
	}
	return writeHeader(m.alloc, m.header, 0, 0)
}

// Len returns the number of entries.
func (m *StringMap) Len() (int, error) {
	_, count, err := readHeader(m.alloc, m.header)
	return int(count), err
}

// Keys returns every key, sorted by folded byte order.
func (m *StringMap) Keys() ([]string, error) {
	head, count, err := readHeader(m.alloc, m.header)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, count)
	for cur := head; cur != 0; {
		n, err := m.readNode(cur)
		if err != nil {
			return nil, err
		}
		k, err := readString(m.alloc, n.keyOff, n.keyLen)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
		cur = n.next
	}
	sort.Strings(out)
	return out, nil
}
