package container

import (
	"testing"

	"usvfscore/internal/segment"
)

func newTestSegment(t *testing.T) *segment.Segment {
	t.Helper()
	mgr, err := segment.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	seg, err := mgr.OpenOrCreate("test", 64*1024)
	if err != nil {
		t.Fatalf("OpenOrCreate: %v", err)
	}
	return seg
}

func newHeader(t *testing.T, seg *segment.Segment) segment.Offset {
	t.Helper()
	off, err := seg.Alloc(HeaderSize)
	if err != nil {
		t.Fatalf("Alloc header: %v", err)
	}
	return off
}

func TestStringSetAddContainsRemove(t *testing.T) {
	seg := newTestSegment(t)
	set := OpenStringSet(seg, newHeader(t, seg))

	changed, err := set.Add("Launcher.exe")
	if err != nil || !changed {
		t.Fatalf("Add: changed=%v err=%v", changed, err)
	}
	changed, err = set.Add("LAUNCHER.EXE")
	if err != nil || changed {
		t.Fatalf("Add duplicate (case-insensitive): changed=%v err=%v", changed, err)
	}

	ok, err := set.Contains("launcher.exe")
	if err != nil || !ok {
		t.Fatalf("Contains: ok=%v err=%v", ok, err)
	}

	n, err := set.Len()
	if err != nil || n != 1 {
		t.Fatalf("Len: n=%d err=%v", n, err)
	}

	changed, err = set.Remove("LauncheR.exe")
	if err != nil || !changed {
		t.Fatalf("Remove: changed=%v err=%v", changed, err)
	}
	ok, err = set.Contains("launcher.exe")
	if err != nil || ok {
		t.Fatalf("Contains after remove: ok=%v err=%v", ok, err)
	}
}

func TestStringSetClearIdempotent(t *testing.T) {
	seg := newTestSegment(t)
	set := OpenStringSet(seg, newHeader(t, seg))
	set.Add("a.exe")
	set.Add("b.exe")

	if err := set.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	stateAfterFirst, err := set.Items()
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if err := set.Clear(); err != nil {
		t.Fatalf("Clear again: %v", err)
	}
	stateAfterSecond, err := set.Items()
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if len(stateAfterFirst) != 0 || len(stateAfterSecond) != 0 {
		t.Fatalf("expected empty set both times, got %v and %v", stateAfterFirst, stateAfterSecond)
	}
}

func TestStringSetSuffixAndSubstringMatch(t *testing.T) {
	seg := newTestSegment(t)
	set := OpenStringSet(seg, newHeader(t, seg))
	if _, err := set.Add("launcher.exe"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	matched, err := set.AnySuffixOf(`C:\X\LAUNCHER.EXE`)
	if err != nil || !matched {
		t.Fatalf("AnySuffixOf: matched=%v err=%v", matched, err)
	}

	matched, err = set.AnySubstringOf(`"C:\X\LAUNCHER.EXE" --foo`)
	if err != nil || !matched {
		t.Fatalf("AnySubstringOf: matched=%v err=%v", matched, err)
	}

	matched, err = set.AnySuffixOf(`C:\X\other.exe`)
	if err != nil || matched {
		t.Fatalf("AnySuffixOf should not match: matched=%v err=%v", matched, err)
	}
}

func TestStringMapRoundTrip(t *testing.T) {
	seg := newTestSegment(t)
	m := OpenStringMap(seg, newHeader(t, seg))

	if err := m.Put(`C:/x/a.txt`, `C:/x/a.txt`); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, ok, err := m.Get(`c:/x/a.txt`)
	if err != nil || !ok || v != `c:/x/a.txt` {
		t.Fatalf("Get: v=%q ok=%v err=%v", v, ok, err)
	}

	changed, err := m.Delete(`C:/X/A.TXT`)
	if err != nil || !changed {
		t.Fatalf("Delete: changed=%v err=%v", changed, err)
	}
	_, ok, err = m.Get(`C:/x/a.txt`)
	if err != nil || ok {
		t.Fatalf("Get after delete: ok=%v err=%v", ok, err)
	}
}

func TestStringMapPutReplacesValue(t *testing.T) {
	seg := newTestSegment(t)
	m := OpenStringMap(seg, newHeader(t, seg))

	if err := m.Put("k", "v1"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := m.Put("k", "v2"); err != nil {
		t.Fatalf("Put replace: %v", err)
	}
	v, ok, err := m.Get("k")
	if err != nil || !ok || v != "v2" {
		t.Fatalf("Get: v=%q ok=%v err=%v", v, ok, err)
	}
	n, err := m.Len()
	if err != nil || n != 1 {
		t.Fatalf("Len: n=%d err=%v", n, err)
	}
}

func TestStringMapKeysSorted(t *testing.T) {
	seg := newTestSegment(t)
	m := OpenStringMap(seg, newHeader(t, seg))
	for _, k := range []string{"charlie", "alpha", "bravo"} {
		if err := m.Put(k, k); err != nil {
			t.Fatalf("Put %q: %v", k, err)
		}
	}
	keys, err := m.Keys()
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	want := []string{"alpha", "bravo", "charlie"}
	for i, k := range want {
		if keys[i] != k {
			t.Fatalf("Keys[%d] = %q, want %q (all: %v)", i, keys[i], k, keys)
		}
	}
}

func TestPairListForcedLibraries(t *testing.T) {
	seg := newTestSegment(t)
	l := OpenPairList(seg, newHeader(t, seg))

	if err := l.PushFront("game.exe", `C:/d/old.dll`); err != nil {
		t.Fatalf("PushFront: %v", err)
	}
	if err := l.PushFront("game.exe", `C:/d/patch.dll`); err != nil {
		t.Fatalf("PushFront: %v", err)
	}

	values, err := l.ValuesFold("GAME.EXE")
	if err != nil {
		t.Fatalf("ValuesFold: %v", err)
	}
	if len(values) != 2 || values[0] != `C:/d/patch.dll` || values[1] != `C:/d/old.dll` {
		t.Fatalf("ValuesFold = %v, want most-recent-first [patch.dll, old.dll]", values)
	}

	values, err = l.ValuesFold("other.exe")
	if err != nil || len(values) != 0 {
		t.Fatalf("ValuesFold(other.exe) = %v, err=%v, want empty", values, err)
	}
}

func TestIntSetRoundTrip(t *testing.T) {
	seg := newTestSegment(t)
	s := OpenIntSet(seg, newHeader(t, seg))

	for _, pid := range []uint64{42, 7, 100} {
		if _, err := s.Add(pid); err != nil {
			t.Fatalf("Add(%d): %v", pid, err)
		}
	}

	items, err := s.Items()
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	want := []uint64{7, 42, 100}
	for i, v := range want {
		if items[i] != v {
			t.Fatalf("Items[%d] = %d, want %d (all: %v)", i, items[i], v, items)
		}
	}

	changed, err := s.Remove(7)
	if err != nil || !changed {
		t.Fatalf("Remove: changed=%v err=%v", changed, err)
	}
	ok, err := s.Contains(7)
	if err != nil || ok {
		t.Fatalf("Contains after remove: ok=%v err=%v", ok, err)
	}
}

func TestAllocationFailureLeavesArenaUnchanged(t *testing.T) {
	mgr, err := segment.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	// A tiny segment: just enough for one header and nothing else.
	seg, err := mgr.OpenOrCreate("tiny", HeaderSize)
	if err != nil {
		t.Fatalf("OpenOrCreate: %v", err)
	}
	headerOff, err := seg.Alloc(HeaderSize)
	if err != nil {
		t.Fatalf("Alloc header: %v", err)
	}
	set := OpenStringSet(seg, headerOff)

	before := seg.FreeBytes()
	if _, err := set.Add("this-will-not-fit-in-the-remaining-arena-space"); err == nil {
		t.Fatalf("expected OutOfSegmentMemory, got nil")
	}
	after := seg.FreeBytes()
	if before != after {
		t.Fatalf("arena cursor moved on failed allocation: before=%d after=%d", before, after)
	}
}
