package resolver

import (
	"os"
	"path/filepath"
	"testing"

	"usvfscore/internal/config"
	"usvfscore/internal/params"
	"usvfscore/internal/segment"
	"usvfscore/internal/vtree"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	mgr, err := segment.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	seg, err := mgr.OpenOrCreate("cfg", 64*1024)
	if err != nil {
		t.Fatalf("OpenOrCreate: %v", err)
	}
	cfg, _, err := config.LocateOrConstruct(seg, params.Parameters{InstanceName: "resolver-test"})
	if err != nil {
		t.Fatalf("LocateOrConstruct: %v", err)
	}
	return cfg
}

func TestResolveDeniesTombstonedFile(t *testing.T) {
	cfg := newTestConfig(t)
	tree := vtree.New()

	if err := cfg.DeletedFiles().Put("/vfs/gone.txt", "/real/gone.txt"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	action, err := Resolve(cfg, tree, "/overlay", "/vfs/gone.txt", OpenExisting)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	deny, ok := action.(Deny)
	if !ok {
		t.Fatalf("Resolve = %T, want Deny", action)
	}
	if deny.Reason == nil {
		t.Fatalf("Deny.Reason is nil")
	}
}

func TestResolveSynthesizesVirtualOnlyNode(t *testing.T) {
	cfg := newTestConfig(t)
	tree := vtree.New()
	if err := tree.Insert("/vfs/fakedir", "", vtree.FlagSynthetic); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	action, err := Resolve(cfg, tree, "/overlay", "/vfs/fakedir", Enumerate)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := action.(Synthesize); !ok {
		t.Fatalf("Resolve = %T, want Synthesize", action)
	}
}

func TestResolveRedirectsToExistingRealPath(t *testing.T) {
	dir := t.TempDir()
	realFile := filepath.Join(dir, "mod.esp")
	if err := os.WriteFile(realFile, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := newTestConfig(t)
	tree := vtree.New()
	if err := tree.Insert("/vfs/mod.esp", realFile, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	action, err := Resolve(cfg, tree, "/overlay", "/vfs/mod.esp", OpenExisting)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	redirect, ok := action.(Redirect)
	if !ok {
		t.Fatalf("Resolve = %T, want Redirect", action)
	}
	if redirect.RealPath != realFile {
		t.Fatalf("Redirect.RealPath = %q, want %q", redirect.RealPath, realFile)
	}
}

func TestResolveFallsThroughWhenRedirectTargetMissing(t *testing.T) {
	cfg := newTestConfig(t)
	tree := vtree.New()
	if err := tree.Insert("/vfs/missing.esp", "/does/not/exist.esp", 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	action, err := Resolve(cfg, tree, "/overlay", "/vfs/missing.esp", OpenExisting)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := action.(Passthrough); !ok {
		t.Fatalf("Resolve = %T, want Passthrough (fallthrough on missing redirect target)", action)
	}
}

func TestResolveOpenCreateGoesToOverlay(t *testing.T) {
	cfg := newTestConfig(t)
	tree := vtree.New()

	action, err := Resolve(cfg, tree, "/overlay", "/vfs/new/file.txt", OpenCreate)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	create, ok := action.(CreateInOverlay)
	if !ok {
		t.Fatalf("Resolve = %T, want CreateInOverlay", action)
	}
	want := "/overlay/vfs/new/file.txt"
	if create.RealPath != want {
		t.Fatalf("CreateInOverlay.RealPath = %q, want %q", create.RealPath, want)
	}
}

func TestResolvePlainPassthroughForUnmappedPath(t *testing.T) {
	cfg := newTestConfig(t)
	tree := vtree.New()

	action, err := Resolve(cfg, tree, "/overlay", "/untouched/path.txt", OpenExisting)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	pass, ok := action.(Passthrough)
	if !ok {
		t.Fatalf("Resolve = %T, want Passthrough", action)
	}
	if pass.RealPath != "/untouched/path.txt" {
		t.Fatalf("Passthrough.RealPath = %q", pass.RealPath)
	}
}

func TestResolveRejectsEmptyPath(t *testing.T) {
	cfg := newTestConfig(t)
	tree := vtree.New()

	if _, err := Resolve(cfg, tree, "/overlay", "", OpenExisting); err == nil {
		t.Fatalf("expected InvalidPath error for empty path")
	}
}

func TestResolveDeniesRenameOfTombstonedFile(t *testing.T) {
	cfg := newTestConfig(t)
	tree := vtree.New()

	if err := cfg.DeletedFiles().Put("/vfs/gone.txt", "/real/gone.txt"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	action, err := Resolve(cfg, tree, "/overlay", "/vfs/gone.txt", RenameTo("/vfs/renamed.txt"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	deny, ok := action.(Deny)
	if !ok {
		t.Fatalf("Resolve = %T, want Deny", action)
	}
	if deny.Reason == nil {
		t.Fatalf("Deny.Reason is nil")
	}
}

func TestResolveRenameRedirectsToExistingRealPath(t *testing.T) {
	dir := t.TempDir()
	realFile := filepath.Join(dir, "mod.esp")
	if err := os.WriteFile(realFile, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := newTestConfig(t)
	tree := vtree.New()
	if err := tree.Insert("/vfs/mod.esp", realFile, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	action, err := Resolve(cfg, tree, "/overlay", "/vfs/mod.esp", RenameTo("/vfs/renamed.esp"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	redirect, ok := action.(Redirect)
	if !ok {
		t.Fatalf("Resolve = %T, want Redirect", action)
	}
	if redirect.RealPath != realFile {
		t.Fatalf("Redirect.RealPath = %q, want %q", redirect.RealPath, realFile)
	}
}

func TestResolveSubdirectoryUnderRedirectedMapping(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	realFile := filepath.Join(sub, "nested.txt")
	if err := os.WriteFile(realFile, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := newTestConfig(t)
	tree := vtree.New()
	if err := tree.Insert("/vfs/mount/", dir, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	action, err := Resolve(cfg, tree, "/overlay", "/vfs/mount/sub/nested.txt", OpenExisting)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	redirect, ok := action.(Redirect)
	if !ok {
		t.Fatalf("Resolve = %T, want Redirect", action)
	}
	if redirect.RealPath != realFile {
		t.Fatalf("Redirect.RealPath = %q, want %q", redirect.RealPath, realFile)
	}
}
