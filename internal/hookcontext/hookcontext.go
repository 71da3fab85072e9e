// Package hookcontext implements the Hook Context (HC): the
// process-singleton that owns the shared config and VT segments, guards
// access to them, and exposes every shared-state operation a hook body
// (here, cmd/usvfsd's FUSE methods) needs between attach and teardown.
package hookcontext

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"usvfscore/internal/config"
	"usvfscore/internal/logging"
	"usvfscore/internal/params"
	"usvfscore/internal/segment"
	"usvfscore/internal/usvfserrors"
	"usvfscore/internal/vtree"
)

var hcLogger = logging.GetLogger().WithPrefix("hookcontext")

// guardTimeout is how long a guard acquisition attempt blocks before
// proceeding anyway. The original boost::interprocess mutex in
// hookcontext.cpp waited exactly 200ms (m_Mutex.wait(200)) and then
// continued regardless of whether the lock was obtained; this preserves
// that behavior rather than fixing it into a real mutual-exclusion
// guarantee — see DESIGN.md.
const guardTimeout = 200 * time.Millisecond

const guardRetryDelay = 5 * time.Millisecond

const (
	vtSegmentSize  = 64 * 1024
	cfgSegmentSize = 8 * 1024
)

var (
	singletonMu sync.Mutex
	singleton   atomic.Pointer[HookContext]
)

// SharedGuard is the handle returned by ReadAccess. Release is idempotent
// and safe to call from a defer on every exit path.
type SharedGuard struct {
	once    sync.Once
	release func()
}

// Release returns the guard. Calling it more than once is a no-op.
func (g *SharedGuard) Release() {
	g.once.Do(func() {
		if g.release != nil {
			g.release()
		}
	})
}

// ExclusiveGuard is the handle returned by WriteAccess.
type ExclusiveGuard struct {
	once    sync.Once
	release func()
}

// Release returns the guard. Calling it more than once is a no-op.
func (g *ExclusiveGuard) Release() {
	g.once.Do(func() {
		if g.release != nil {
			g.release()
		}
	})
}

// HookContext is the process-wide singleton coordinating access to the
// config and VT segments.
type HookContext struct {
	mgr *segment.Manager

	cfgSeg *segment.Segment
	vtSeg  *segment.Segment
	invSeg *segment.Segment

	cfg  *config.Config
	tree *vtree.Tree

	fl *flock.Flock

	installDir string

	eg    *errgroup.Group
	egCtx context.Context

	closeOnce sync.Once
}

// segmentDir returns the directory segment files for instanceName live
// in, honoring USVFS_SEGMENT_DIR for tests and multi-instance setups that
// can't share the default temp directory.
func segmentDir(instanceName string) string {
	if dir := os.Getenv("USVFS_SEGMENT_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(os.TempDir(), "usvfs-"+instanceName)
}

// CreateHookContext attaches to (or creates) the instance named by
// p.InstanceName, registers the process-wide singleton, and returns the
// resulting *HookContext. A second call within the same process returns
// usvfserrors.DuplicateSingleton.
func CreateHookContext(p params.Parameters) (*HookContext, error) {
	singletonMu.Lock()
	defer singletonMu.Unlock()

	if singleton.Load() != nil {
		return nil, usvfserrors.New(usvfserrors.OpAttach, p.InstanceName, usvfserrors.DuplicateSingleton)
	}

	p = p.Truncated()
	mgr, err := segment.NewManager(segmentDir(p.InstanceName))
	if err != nil {
		return nil, usvfserrors.New(usvfserrors.OpAttach, p.InstanceName, err)
	}

	cfgSeg, err := mgr.OpenOrCreate(p.InstanceName+"-cfg", cfgSegmentSize)
	if err != nil {
		return nil, usvfserrors.New(usvfserrors.OpAttach, p.InstanceName, err)
	}
	vtSeg, err := mgr.OpenOrCreate(p.InstanceName+"-vt", vtSegmentSize)
	if err != nil {
		return nil, usvfserrors.New(usvfserrors.OpAttach, p.InstanceName, err)
	}
	invSeg, err := mgr.OpenOrCreate(p.InstanceName+"-ivt", vtSegmentSize)
	if err != nil {
		return nil, usvfserrors.New(usvfserrors.OpAttach, p.InstanceName, err)
	}

	cfg, created, err := config.LocateOrConstruct(cfgSeg, p)
	if err != nil {
		return nil, usvfserrors.New(usvfserrors.OpAttach, p.InstanceName, err)
	}
	if created {
		if err := cfg.SetCurrentSHMName(vtSeg.Name()); err != nil {
			return nil, usvfserrors.New(usvfserrors.OpAttach, p.InstanceName, err)
		}
		if err := cfg.SetCurrentInverseSHMName(invSeg.Name()); err != nil {
			return nil, usvfserrors.New(usvfserrors.OpAttach, p.InstanceName, err)
		}
	}

	installDir, err := os.Executable()
	if err != nil {
		installDir = "."
	}

	eg, egCtx := errgroup.WithContext(context.Background())

	hc := &HookContext{
		mgr:        mgr,
		cfgSeg:     cfgSeg,
		vtSeg:      vtSeg,
		invSeg:     invSeg,
		cfg:        cfg,
		tree:       vtree.New(),
		fl:         flock.New(cfgSeg.Path() + ".lock"),
		installDir: filepath.Dir(installDir),
		eg:         eg,
		egCtx:      egCtx,
	}

	if err := hc.withWriteGuard(func() error {
		hc.cfgSeg.IncrUserCount()
		_, err := hc.cfg.Processes().Add(uint64(os.Getpid()))
		return err
	}); err != nil {
		return nil, usvfserrors.New(usvfserrors.OpAttach, p.InstanceName, err)
	}

	singleton.Store(hc)
	hcLogger.Info("attached hook context for instance %q (created=%v)", p.InstanceName, created)
	return hc, nil
}

// Current returns the process-wide HookContext, or nil if none has been
// created yet.
func Current() *HookContext { return singleton.Load() }

// acquireAdvisory attempts try (TryRLockContext or TryLockContext) against
// ctx, logging and proceeding regardless on timeout or error: the guard is
// advisory, matching the original's "wait 200ms then proceed regardless"
// policy (see DESIGN.md's Design Notes entry). It reports whether the lock
// was actually obtained, so the caller knows whether to release it.
func (hc *HookContext) acquireAdvisory(ctx context.Context, kind string, try func(context.Context, time.Duration) (bool, error)) bool {
	acquired, err := try(ctx, guardRetryDelay)
	if err != nil {
		hcLogger.Warn("%s guard acquisition error, proceeding anyway: %v", kind, err)
	} else if !acquired {
		hcLogger.Warn("%s guard timed out after %s, proceeding anyway", kind, guardTimeout)
	}
	return acquired
}

func (hc *HookContext) withReadGuard(fn func() error) error {
	ctx, cancel := context.WithTimeout(context.Background(), guardTimeout)
	defer cancel()
	acquired := hc.acquireAdvisory(ctx, "read", hc.fl.TryRLockContext)
	defer func() {
		if acquired {
			hc.fl.Unlock()
		}
	}()
	return fn()
}

func (hc *HookContext) withWriteGuard(fn func() error) error {
	ctx, cancel := context.WithTimeout(context.Background(), guardTimeout)
	defer cancel()
	acquired := hc.acquireAdvisory(ctx, "write", hc.fl.TryLockContext)
	defer func() {
		if acquired {
			hc.fl.Unlock()
		}
	}()
	return fn()
}

// ReadAccess acquires a shared guard over the config and VT segments,
// blocking up to 200ms. On timeout it returns a guard anyway, per
// acquireAdvisory's policy.
func (hc *HookContext) ReadAccess(ctx context.Context) (*SharedGuard, error) {
	acquired := hc.acquireAdvisory(withGuardDeadline(ctx), "read", hc.fl.TryRLockContext)
	return &SharedGuard{release: func() {
		if acquired {
			hc.fl.Unlock()
		}
	}}, nil
}

// WriteAccess acquires an exclusive guard, with the same advisory timeout
// policy as ReadAccess.
func (hc *HookContext) WriteAccess(ctx context.Context) (*ExclusiveGuard, error) {
	acquired := hc.acquireAdvisory(withGuardDeadline(ctx), "write", hc.fl.TryLockContext)
	return &ExclusiveGuard{release: func() {
		if acquired {
			hc.fl.Unlock()
		}
	}}, nil
}

func withGuardDeadline(parent context.Context) context.Context {
	ctx, cancel := context.WithTimeout(parent, guardTimeout)
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ctx
}

// Tree returns the process's virtual tree.
func (hc *HookContext) Tree() *vtree.Tree { return hc.tree }

// Config returns the shared Config view.
func (hc *HookContext) Config() *config.Config { return hc.cfg }

// --- process registry -------------------------------------------------

// RegisterProcess adds pid to the registered-process set.
func (hc *HookContext) RegisterProcess(pid int) error {
	return hc.withWriteGuard(func() error {
		_, err := hc.cfg.Processes().Add(uint64(pid))
		return err
	})
}

// UnregisterCurrentProcess removes the calling process's PID from the
// registered-process set.
func (hc *HookContext) UnregisterCurrentProcess() error {
	return hc.withWriteGuard(func() error {
		_, err := hc.cfg.Processes().Remove(uint64(os.Getpid()))
		return err
	})
}

// RegisteredProcesses returns every registered PID.
func (hc *HookContext) RegisteredProcesses() ([]int, error) {
	var out []int
	err := hc.withReadGuard(func() error {
		items, err := hc.cfg.Processes().Items()
		if err != nil {
			return err
		}
		out = make([]int, len(items))
		for i, v := range items {
			out[i] = int(v)
		}
		return nil
	})
	return out, err
}

// --- executable blacklist ---------------------------------------------

// BlacklistExecutable adds suffix to the blacklist.
func (hc *HookContext) BlacklistExecutable(suffix string) error {
	return hc.withWriteGuard(func() error {
		_, err := hc.cfg.ProcessBlacklist().Add(suffix)
		return err
	})
}

// ClearExecutableBlacklist empties the blacklist.
func (hc *HookContext) ClearExecutableBlacklist() error {
	return hc.withWriteGuard(func() error {
		return hc.cfg.ProcessBlacklist().Clear()
	})
}

// ExecutableBlacklisted reports whether app or cmdline matches any
// blacklisted suffix — true iff a blacklisted entry is a case-insensitive
// suffix of app, or occurs anywhere (case-insensitively) within cmdline.
func (hc *HookContext) ExecutableBlacklisted(app, cmdline string) (bool, error) {
	var blacklisted bool
	err := hc.withReadGuard(func() error {
		set := hc.cfg.ProcessBlacklist()
		if ok, err := set.AnySuffixOf(app); err != nil {
			return err
		} else if ok {
			blacklisted = true
			return nil
		}
		ok, err := set.AnySubstringOf(cmdline)
		if err != nil {
			return err
		}
		blacklisted = ok
		return nil
	})
	return blacklisted, err
}

// --- forced libraries ---------------------------------------------------

// ForceLoadLibrary records that library should be force-loaded into
// process.
func (hc *HookContext) ForceLoadLibrary(process, library string) error {
	return hc.withWriteGuard(func() error {
		return hc.cfg.ForcedLibraries().PushFront(process, library)
	})
}

// ClearLibraryForceLoads empties the forced-library list.
func (hc *HookContext) ClearLibraryForceLoads() error {
	return hc.withWriteGuard(func() error {
		return hc.cfg.ForcedLibraries().Clear()
	})
}

// LibrariesToForceLoad returns every library forced for process, most
// recently registered first. Unlike a first-match lookup, this returns
// every match the original librariesToForceLoad loop collected.
func (hc *HookContext) LibrariesToForceLoad(process string) ([]string, error) {
	var out []string
	err := hc.withReadGuard(func() error {
		v, err := hc.cfg.ForcedLibraries().ValuesFold(process)
		out = v
		return err
	})
	return out, err
}

// --- deleted files / faked directories ---------------------------------

// AddDeletedFile tombstones path, remembering its original real path.
func (hc *HookContext) AddDeletedFile(virtualPath, realPath string) error {
	return hc.withWriteGuard(func() error {
		return hc.cfg.DeletedFiles().Put(virtualPath, realPath)
	})
}

// ExistsDeletedFile reports whether virtualPath is tombstoned.
func (hc *HookContext) ExistsDeletedFile(virtualPath string) (bool, error) {
	var ok bool
	err := hc.withReadGuard(func() error {
		v, err := hc.cfg.DeletedFiles().Exists(virtualPath)
		ok = v
		return err
	})
	return ok, err
}

// LookupDeletedFile returns the original real path a tombstone remembers,
// or "" if virtualPath is not tombstoned.
func (hc *HookContext) LookupDeletedFile(virtualPath string) (string, error) {
	var realPath string
	err := hc.withReadGuard(func() error {
		v, _, err := hc.cfg.DeletedFiles().Get(virtualPath)
		realPath = v
		return err
	})
	return realPath, err
}

// ForgetDeletedFile removes virtualPath's tombstone, if any.
func (hc *HookContext) ForgetDeletedFile(virtualPath string) error {
	return hc.withWriteGuard(func() error {
		_, err := hc.cfg.DeletedFiles().Delete(virtualPath)
		return err
	})
}

// AddFakeDirectory records virtualPath as a faked directory backed by
// realPath.
func (hc *HookContext) AddFakeDirectory(virtualPath, realPath string) error {
	return hc.withWriteGuard(func() error {
		return hc.cfg.FakeDirectories().Put(virtualPath, realPath)
	})
}

// ExistsFakeDirectory reports whether virtualPath is a faked directory.
func (hc *HookContext) ExistsFakeDirectory(virtualPath string) (bool, error) {
	var ok bool
	err := hc.withReadGuard(func() error {
		v, err := hc.cfg.FakeDirectories().Exists(virtualPath)
		ok = v
		return err
	})
	return ok, err
}

// LookupFakeDirectory returns the real path a faked directory remembers.
func (hc *HookContext) LookupFakeDirectory(virtualPath string) (string, error) {
	var realPath string
	err := hc.withReadGuard(func() error {
		v, _, err := hc.cfg.FakeDirectories().Get(virtualPath)
		realPath = v
		return err
	})
	return realPath, err
}

// ForgetFakeDirectory removes virtualPath's faked-directory entry.
func (hc *HookContext) ForgetFakeDirectory(virtualPath string) error {
	return hc.withWriteGuard(func() error {
		_, err := hc.cfg.FakeDirectories().Delete(virtualPath)
		return err
	})
}

// --- delayed work --------------------------------------------------------

// RegisterDelayed schedules f to run asynchronously, the Go analogue of
// registering a std::future for work an intercepted call kicked off.
func (hc *HookContext) RegisterDelayed(f func(context.Context) error) {
	hc.eg.Go(func() error { return f(hc.egCtx) })
}

// AwaitDelayed joins every registered delayed task, bounded by ctx's
// deadline. Anything still running when the deadline fires is abandoned:
// logged and left running rather than awaited, per the Design Notes'
// resolution of the pending-futures-at-teardown question.
func (hc *HookContext) AwaitDelayed(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- hc.eg.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		hcLogger.Warn("abandoning pending delayed work at teardown deadline")
		return ctx.Err()
	}
}

// --- policy --------------------------------------------------------------

// SetLogLevel updates the shared log level and applies it locally.
func (hc *HookContext) SetLogLevel(level params.LogLevel) error {
	return hc.withWriteGuard(func() error {
		if err := hc.cfg.SetLogLevel(level); err != nil {
			return err
		}
		logging.GetLogger().SetLevel(logging.FromParams(level))
		return nil
	})
}

// SetCrashDumpsType updates the shared crash-dump policy.
func (hc *HookContext) SetCrashDumpsType(t params.CrashDumpsType) error {
	return hc.withWriteGuard(func() error {
		return hc.cfg.SetCrashDumpsType(t)
	})
}

// CallParameters publishes the current VT segment names into Config and
// returns a by-value snapshot — the Go collapse of makeLocal plus the
// publish step that precedes it in the C++ source.
func (hc *HookContext) CallParameters() (params.Parameters, error) {
	var snap params.Parameters
	err := hc.withWriteGuard(func() error {
		if err := hc.cfg.SetCurrentSHMName(hc.vtSeg.Name()); err != nil {
			return err
		}
		if err := hc.cfg.SetCurrentInverseSHMName(hc.invSeg.Name()); err != nil {
			return err
		}
		s, err := hc.cfg.Snapshot()
		snap = s
		return err
	})
	return snap, err
}

// InstallDir returns the directory the running binary lives in — the Go
// analogue of dllPath(), computed once at CreateHookContext time since Go
// binaries have no HMODULE to query later.
func (hc *HookContext) InstallDir() string { return hc.installDir }

// Close unregisters the process-wide singleton, decrements the config
// segment's user count, and — if that count reaches zero — unlinks all
// three backing segments.
func (hc *HookContext) Close() error {
	var closeErr error
	hc.closeOnce.Do(func() {
		singletonMu.Lock()
		defer singletonMu.Unlock()

		if singleton.Load() == hc {
			singleton.Store(nil)
		}

		var remaining uint32
		closeErr = hc.withWriteGuard(func() error {
			if _, err := hc.cfg.Processes().Remove(uint64(os.Getpid())); err != nil {
				return err
			}
			remaining = hc.cfgSeg.DecrUserCount()
			return nil
		})
		if closeErr != nil {
			return
		}

		if remaining == 0 {
			hcLogger.Info("last user detached, unlinking instance segments")
			for _, seg := range []*segment.Segment{hc.cfgSeg, hc.vtSeg, hc.invSeg} {
				if err := hc.mgr.Unlink(seg.Name()); err != nil {
					closeErr = err
				}
			}
		} else {
			hc.mgr.Detach(hc.cfgSeg.Name())
			hc.mgr.Detach(hc.vtSeg.Name())
			hc.mgr.Detach(hc.invSeg.Name())
		}
	})
	return closeErr
}
