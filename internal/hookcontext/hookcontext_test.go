package hookcontext

import (
	"context"
	"testing"
	"time"

	"usvfscore/internal/params"
)

func newTestHookContext(t *testing.T, instance string) *HookContext {
	t.Helper()
	t.Setenv("USVFS_SEGMENT_DIR", t.TempDir())

	hc, err := CreateHookContext(params.Parameters{InstanceName: instance})
	if err != nil {
		t.Fatalf("CreateHookContext: %v", err)
	}
	t.Cleanup(func() { hc.Close() })
	return hc
}

func TestCreateHookContextRejectsSecondInstanceInSameProcess(t *testing.T) {
	newTestHookContext(t, "dup")

	_, err := CreateHookContext(params.Parameters{InstanceName: "dup"})
	if err == nil {
		t.Fatalf("expected DuplicateSingleton, got nil")
	}
}

func TestCloseAllowsReCreate(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("USVFS_SEGMENT_DIR", dir)

	hc, err := CreateHookContext(params.Parameters{InstanceName: "recreate"})
	if err != nil {
		t.Fatalf("CreateHookContext: %v", err)
	}
	if err := hc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	hc2, err := CreateHookContext(params.Parameters{InstanceName: "recreate"})
	if err != nil {
		t.Fatalf("CreateHookContext after Close: %v", err)
	}
	defer hc2.Close()
}

func TestExecutableBlacklistedSuffixAndSubstring(t *testing.T) {
	hc := newTestHookContext(t, "blacklist")

	if err := hc.BlacklistExecutable("launcher.exe"); err != nil {
		t.Fatalf("BlacklistExecutable: %v", err)
	}

	ok, err := hc.ExecutableBlacklisted(`C:\games\LAUNCHER.EXE`, "")
	if err != nil || !ok {
		t.Fatalf("ExecutableBlacklisted(app) = %v, err=%v, want true", ok, err)
	}

	ok, err = hc.ExecutableBlacklisted("other.exe", `"C:\games\Launcher.exe" --windowed`)
	if err != nil || !ok {
		t.Fatalf("ExecutableBlacklisted(cmdline) = %v, err=%v, want true", ok, err)
	}

	ok, err = hc.ExecutableBlacklisted("other.exe", "nothing relevant here")
	if err != nil || ok {
		t.Fatalf("ExecutableBlacklisted should be false: %v, err=%v", ok, err)
	}
}

func TestLibrariesToForceLoadReturnsAllMatchesMostRecentFirst(t *testing.T) {
	hc := newTestHookContext(t, "forceload")

	if err := hc.ForceLoadLibrary("game.exe", `C:/mods/a.dll`); err != nil {
		t.Fatalf("ForceLoadLibrary: %v", err)
	}
	if err := hc.ForceLoadLibrary("game.exe", `C:/mods/b.dll`); err != nil {
		t.Fatalf("ForceLoadLibrary: %v", err)
	}

	libs, err := hc.LibrariesToForceLoad("GAME.EXE")
	if err != nil {
		t.Fatalf("LibrariesToForceLoad: %v", err)
	}
	if len(libs) != 2 || libs[0] != `C:/mods/b.dll` || libs[1] != `C:/mods/a.dll` {
		t.Fatalf("LibrariesToForceLoad = %v, want [b.dll, a.dll]", libs)
	}
}

func TestDeletedFileTombstoneRoundTrip(t *testing.T) {
	hc := newTestHookContext(t, "deleted")

	if err := hc.AddDeletedFile("/vfs/a.txt", "/real/a.txt"); err != nil {
		t.Fatalf("AddDeletedFile: %v", err)
	}
	exists, err := hc.ExistsDeletedFile("/vfs/a.txt")
	if err != nil || !exists {
		t.Fatalf("ExistsDeletedFile = %v, err=%v", exists, err)
	}
	real, err := hc.LookupDeletedFile("/vfs/a.txt")
	if err != nil || real != "/real/a.txt" {
		t.Fatalf("LookupDeletedFile = %q, err=%v", real, err)
	}
	if err := hc.ForgetDeletedFile("/vfs/a.txt"); err != nil {
		t.Fatalf("ForgetDeletedFile: %v", err)
	}
	exists, err = hc.ExistsDeletedFile("/vfs/a.txt")
	if err != nil || exists {
		t.Fatalf("ExistsDeletedFile after forget = %v, err=%v", exists, err)
	}
}

func TestRegisterProcessRoundTrip(t *testing.T) {
	hc := newTestHookContext(t, "procs")

	if err := hc.RegisterProcess(999); err != nil {
		t.Fatalf("RegisterProcess: %v", err)
	}
	procs, err := hc.RegisteredProcesses()
	if err != nil {
		t.Fatalf("RegisteredProcesses: %v", err)
	}
	found := false
	for _, p := range procs {
		if p == 999 {
			found = true
		}
	}
	if !found {
		t.Fatalf("RegisteredProcesses = %v, want to contain 999", procs)
	}
}

func TestCallParametersPublishesSegmentNames(t *testing.T) {
	hc := newTestHookContext(t, "callparams")

	snap, err := hc.CallParameters()
	if err != nil {
		t.Fatalf("CallParameters: %v", err)
	}
	if snap.InstanceName != "callparams" {
		t.Fatalf("Snapshot InstanceName = %q", snap.InstanceName)
	}
	if snap.CurrentSHMName == "" || snap.CurrentInverseSHMName == "" {
		t.Fatalf("CallParameters did not publish segment names: %+v", snap)
	}
}

func TestAwaitDelayedJoinsCompletedWork(t *testing.T) {
	hc := newTestHookContext(t, "delayed")

	done := make(chan struct{})
	hc.RegisterDelayed(func(ctx context.Context) error {
		close(done)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := hc.AwaitDelayed(ctx); err != nil {
		t.Fatalf("AwaitDelayed: %v", err)
	}
	select {
	case <-done:
	default:
		t.Fatalf("delayed work did not run before AwaitDelayed returned")
	}
}

func TestAwaitDelayedAbandonsOnDeadline(t *testing.T) {
	hc := newTestHookContext(t, "delayed-abandon")

	hc.RegisterDelayed(func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
			return nil
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := hc.AwaitDelayed(ctx); err == nil {
		t.Fatalf("expected AwaitDelayed to report the deadline, got nil")
	}
}

func TestReadWriteGuardReleaseIsIdempotent(t *testing.T) {
	hc := newTestHookContext(t, "guards")

	g, err := hc.ReadAccess(context.Background())
	if err != nil {
		t.Fatalf("ReadAccess: %v", err)
	}
	g.Release()
	g.Release() // must not panic or double-unlock

	w, err := hc.WriteAccess(context.Background())
	if err != nil {
		t.Fatalf("WriteAccess: %v", err)
	}
	w.Release()
	w.Release()
}
