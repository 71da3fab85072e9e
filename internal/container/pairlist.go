package container

import (
	"encoding/binary"
	"strings"

	"usvfscore/internal/segment"
)

// pairNodeSize matches mapNodeSize's layout (next, keyOff, keyLen,
// valOff, valLen) but PairList preserves insertion order and allows
// duplicate keys, unlike StringMap.
const pairNodeSize = 40

// Pair is one (key, value) entry returned by PairList.All.
type Pair struct {
	Key   string
	Value string
}

// PairList is an on-segment list of (key, value) pairs that preserves
// insertion order and permits duplicate keys — the shape spec §3 calls
// out for ForcedLibrary entries, one process name potentially mapping
// to several forced libraries. New entries are pushed to the front, the
// same push_front the original C++ forcedLibraries list used, so the
// most recently registered forced-load wins iteration order.
type PairList struct {
	alloc  Allocator
	header segment.Offset
}

// OpenPairList returns a PairList view over the header at headerOffset.
func OpenPairList(alloc Allocator, headerOffset segment.Offset) *PairList {
	return &PairList{alloc: alloc, header: headerOffset}
}

func (l *PairList) readNode(off segment.Offset) (mapNode, error) {
	b, err := l.alloc.Bytes(off, pairNodeSize)
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

func (l *PairList) writeNode(off segment.Offset, n mapNode) error {
	b, err := l.alloc.Bytes(off, pairNodeSize)
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

// PushFront inserts (key, value) at the head of the list, case-folding
// key so later lookups by ValuesFold are insensitive to case the way
// the original's stricmp process-name comparison was.
func (l *PairList) PushFront(key, value string) error {
	keyOff, keyLen, err := writeString(l.alloc, FoldKey(key))
	if err != nil {
		return err
	}
	valOff, valLen, err := writeString(l.alloc, value)
	if err != nil {
		return err
	}
	nodeOff, err := l.alloc.Alloc(pairNodeSize)
	if err != nil {
		return err
	}
	head, count, err := readHeader(l.alloc, l.header)
	if err != nil {
		return err
	}
	if err := l.writeNode(nodeOff, mapNode{next: head, keyOff: keyOff, keyLen: keyLen, valOff: valOff, valLen: valLen}); err != nil {
		return err
	}
	return writeHeader(l.alloc, l.header, nodeOff, count+1)
}

// ValuesFold returns, in list (most-recently-pushed-first) order, the
// values of every pair whose key case-insensitively equals key.
func (l *PairList) ValuesFold(key string) ([]string, error) {
	folded := FoldKey(key)
	head, _, err := readHeader(l.alloc, l.header)
	if err != nil {
		return nil, err
	}
	var out []string
	for cur := head; cur != 0; {
		n, err := l.readNode(cur)
		if err != nil {
			return nil, err
		}
		k, err := readString(l.alloc, n.keyOff, n.keyLen)
		if err != nil {
			return nil, err
		}
		if strings.EqualFold(k, folded) {
			v, err := readString(l.alloc, n.valOff, n.valLen)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		cur = n.next
	}
	return out, nil
}

// All returns every pair in list order.
func (l *PairList) All() ([]Pair, error) {
	head, count, err := readHeader(l.alloc, l.header)
	if err != nil {
		return nil, err
	}
	out := make([]Pair, 0, count)
	for cur := head; cur != 0; {
		n, err := l.readNode(cur)
		if err != nil {
			return nil, err
		}
		k, err := readString(l.alloc, n.keyOff, n.keyLen)
		if err != nil {
			return nil, err
		}
		v, err := readString(l.alloc, n.valOff, n.valLen)
		if err != nil {
			return nil, err
		}
		out = append(out, Pair{Key: k, Value: v})
		cur = n.next
	}
	return out, nil
}

// Clear removes every pair. Idempotent.
func (l *PairList) Clear() error {
	head, _, err := readHeader(l.alloc, l.header)
	if err != nil {
		return err
	}
	for cur := head; cur != 0; {
		n, err := l.readNode(cur)
		if err != nil {
			return err
		}
		if n.keyLen > 0 {
			if err := l.alloc.Free(n.keyOff, n.keyLen); err != nil {
				return err
			}
		}
		if n.valLen > 0 {
			if err := l.alloc.Free(n.valOff, n.valLen); err != nil {
				return err
			}
		}
		if err := l.alloc.Free(cur, pairNodeSize); err != nil {
			return err
		}
		cur = n.next
	}
	return writeHeader(l.alloc, l.header, 0, 0)
}

// Len returns the number of pairs.
func (l *PairList) Len() (int, error) {
	_, count, err := readHeader(l.alloc, l.header)
	return int(count), err
}
