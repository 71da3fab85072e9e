package vtree

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestInsertCreatesSyntheticIntermediateDirs(t *testing.T) {
	tree := New()
	if err := tree.Insert("/mods/data/mod.esp", "/real/mod.esp", 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	node, ok := tree.Lookup("/mods")
	if !ok {
		t.Fatalf("Lookup(/mods): not found")
	}
	if node.Kind != KindDirectory || node.Flags&FlagSynthetic == 0 {
		t.Fatalf("intermediate dir %+v is not a synthetic directory", node)
	}

	leaf, ok := tree.Lookup("/mods/data/mod.esp")
	if !ok || leaf.RealPath != "/real/mod.esp" {
		t.Fatalf("Lookup(leaf) = %+v, ok=%v", leaf, ok)
	}
}

func TestLookupCaseInsensitive(t *testing.T) {
	tree := New()
	if err := tree.Insert("/Mods/Mod.esp", "/real/mod.esp", 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, ok := tree.Lookup("/mods/MOD.ESP"); !ok {
		t.Fatalf("Lookup should be case-insensitive")
	}
}

func TestRemoveDetachesSubtree(t *testing.T) {
	tree := New()
	tree.Insert("/mods/a.esp", "/real/a.esp", 0)
	tree.Insert("/mods/b.esp", "/real/b.esp", 0)

	if err := tree.Remove("/mods"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := tree.Lookup("/mods/a.esp"); ok {
		t.Fatalf("expected /mods/a.esp to be gone after removing /mods")
	}
}

func TestEnumerateMergesRealAndSyntheticSortedFolded(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"base.esp", "Zeta.esp"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}

	tree := New()
	if err := tree.Insert("/game/data", dir, 0); err != nil {
		t.Fatalf("Insert dir mapping: %v", err)
	}
	if err := tree.Insert("/game/data/mod.esp", "", FlagSynthetic); err != nil {
		t.Fatalf("Insert synthetic: %v", err)
	}

	entries, err := tree.Enumerate(context.Background(), "/game/data")
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}

	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	want := []string{"base.esp", "mod.esp", "Zeta.esp"}
	if len(names) != len(want) {
		t.Fatalf("Enumerate = %v, want %v", names, want)
	}
	for i, n := range want {
		if names[i] != n {
			t.Fatalf("Enumerate[%d] = %q, want %q (all: %v)", i, names[i], n, names)
		}
	}
}

func TestEnumerateShadowSuppressesRealEntry(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "hidden.esp"), nil, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	tree := New()
	tree.Insert("/game/data", dir, 0)
	if err := tree.Insert("/game/data/hidden.esp", "", FlagSynthetic|FlagShadow); err != nil {
		t.Fatalf("Insert shadow: %v", err)
	}

	entries, err := tree.Enumerate(context.Background(), "/game/data")
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	for _, e := range entries {
		if e.Name == "hidden.esp" && e.RealPath == filepath.Join(dir, "hidden.esp") {
			t.Fatalf("shadowed real entry leaked through: %+v", e)
		}
	}
}

func TestEnumerateUnmappedDirectoryIsEmpty(t *testing.T) {
	tree := New()
	entries, err := tree.Enumerate(context.Background(), "/nowhere")
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %v", entries)
	}
}
