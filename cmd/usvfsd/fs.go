// cmd/usvfsd is the FUSE frontend: the only place bazil.org/fuse is
// imported. It plays the role the original DLL's hooked Win32 calls
// played — each Dir method resolves its virtual path through
// internal/resolver under a ReadAccess guard (see FS.resolve), then
// forwards to a real syscall — but arrives at that shape via a
// kernel-routed userspace filesystem instead of import-table patching.
package main

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"syscall"

	"usvfscore/internal/hookcontext"
	"usvfscore/internal/logging"
	"usvfscore/internal/resolver"
	"usvfscore/internal/usvfserrors"
	"usvfscore/internal/vtree"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
)

var fsLogger = logging.GetLogger().WithPrefix("usvfsd")

// FS is the fusefs.FS implementation. sourceDir is the real tree every
// unmapped (Passthrough) virtual path falls through to; overlayDir is
// where new files land (CreateInOverlay) and where renamed files are
// moved to. Deleting unmapped base content records a tombstone and
// touches neither directory.
type FS struct {
	hc         *hookcontext.HookContext
	sourceDir  string
	overlayDir string
	uid, gid   uint32
}

func (fsys *FS) Root() (fusefs.Node, error) {
	return &Dir{fs: fsys, virtual: "/"}, nil
}

// resolve acquires a read guard, calls resolver.Resolve, and releases
// the guard before returning — Resolve never needs the guard held past
// its own return, since it never mutates cfg/tree itself.
func (fsys *FS) resolve(ctx context.Context, virtual string, intent resolver.Intent) (resolver.Action, error) {
	guard, err := fsys.hc.ReadAccess(ctx)
	if err != nil {
		return nil, err
	}
	defer guard.Release()
	return resolver.Resolve(fsys.hc.Config(), fsys.hc.Tree(), fsys.overlayDir, virtual, intent)
}

// realPath turns a resolver verdict into the real filesystem path a
// syscall should actually target. Synthesize and Deny have no real
// path: for Deny it returns the deny reason as the error, for
// Synthesize a generic error. Attr and ReadDirAll call it without
// branching first and treat an error as "no real backing".
func (fsys *FS) realPath(action resolver.Action) (string, error) {
	switch a := action.(type) {
	case resolver.Passthrough:
		return filepath.Join(fsys.sourceDir, a.RealPath), nil
	case resolver.Redirect:
		return a.RealPath, nil
	case resolver.CreateInOverlay:
		return a.RealPath, nil
	case resolver.Deny:
		return "", a.Reason
	default:
		return "", errors.New("usvfsd: no real path for this action")
	}
}

// toErrno maps core and OS errors onto the syscall.Errno values FUSE
// expects, the way internal/fs/errors.go's ToFuseError did for the
// teacher's VMapFS — moved here because only the frontend knows about
// syscall.Errno (see SPEC_FULL.md's error-handling section).
func toErrno(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, usvfserrors.NotFound):
		return syscall.ENOENT
	case errors.Is(err, usvfserrors.InvalidPath):
		return syscall.EINVAL
	case errors.Is(err, usvfserrors.OutOfSegmentMemory):
		return syscall.ENOSPC
	case errors.Is(err, usvfserrors.SegmentUnavailable), errors.Is(err, usvfserrors.SizeMismatch):
		return syscall.EIO
	}
	// An OS errno is passed through as is, before the os.Err* checks:
	// syscall.Errno.Is reports ENOTEMPTY as os.ErrExist, which would
	// otherwise turn it into EEXIST.
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, os.ErrPermission):
		return syscall.EACCES
	case errors.Is(err, os.ErrExist):
		return syscall.EEXIST
	}
	fsLogger.Debug("unmapped error, returning EIO: %v", err)
	return syscall.EIO
}

// Dir is a directory node, identified purely by its virtual path —
// everything about what backs it is re-resolved on demand rather than
// cached, so a Dir stays valid across VT mutations made by concurrent
// hook calls.
type Dir struct {
	fs      *FS
	virtual string
}

func (d *Dir) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = os.ModeDir | 0755
	a.Uid = d.fs.uid
	a.Gid = d.fs.gid

	action, err := d.fs.resolve(ctx, d.virtual, resolver.Enumerate)
	if err != nil {
		return toErrno(err)
	}
	if real, err := d.fs.realPath(action); err == nil && real != "" {
		if info, err := os.Lstat(real); err == nil {
			a.Mtime = info.ModTime()
			a.Mode = os.ModeDir | info.Mode().Perm()
		}
	}
	return nil
}

func (d *Dir) Lookup(ctx context.Context, name string) (fusefs.Node, error) {
	child := path.Join(d.virtual, name)
	action, err := d.fs.resolve(ctx, child, resolver.OpenExisting)
	if err != nil {
		return nil, toErrno(err)
	}

	if syn, ok := action.(resolver.Synthesize); ok {
		if syn.Kind == vtree.KindDirectory {
			return &Dir{fs: d.fs, virtual: child}, nil
		}
		return &File{fs: d.fs, virtual: child}, nil
	}
	if _, ok := action.(resolver.Deny); ok {
		return nil, syscall.ENOENT
	}

	real, err := d.fs.realPath(action)
	if err != nil {
		return nil, toErrno(err)
	}
	info, err := os.Lstat(real)
	if err != nil {
		return nil, toErrno(err)
	}
	if info.IsDir() {
		return &Dir{fs: d.fs, virtual: child}, nil
	}
	return &File{fs: d.fs, virtual: child, real: real}, nil
}

func (d *Dir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	action, err := d.fs.resolve(ctx, d.virtual, resolver.Enumerate)
	if err != nil {
		return nil, toErrno(err)
	}
	if _, ok := action.(resolver.Deny); ok {
		return nil, syscall.ENOENT
	}

	byFold := map[string]fuse.Dirent{}
	if real, err := d.fs.realPath(action); err == nil && real != "" {
		if entries, err := os.ReadDir(real); err == nil {
			for _, e := range entries {
				t := fuse.DT_File
				if e.IsDir() {
					t = fuse.DT_Dir
				}
				byFold[vtree.FoldKey(e.Name())] = fuse.Dirent{Name: e.Name(), Type: t}
			}
		}
	}

	// VT entries always win fold-equal ties over the real listing, per
	// spec §4.3's enumeration merge rule.
	if node, ok := d.fs.hc.Tree().Lookup(d.virtual); ok {
		for key, child := range node.Children {
			if child.Flags.Has(vtree.FlagShadow) {
				delete(byFold, key)
				continue
			}
			t := fuse.DT_File
			if child.Kind == vtree.KindDirectory {
				t = fuse.DT_Dir
			}
			byFold[key] = fuse.Dirent{Name: child.Name, Type: t}
		}
	}

	out := make([]fuse.Dirent, 0, len(byFold)+2)
	out = append(out, fuse.Dirent{Name: ".", Type: fuse.DT_Dir}, fuse.Dirent{Name: "..", Type: fuse.DT_Dir})
	for _, ent := range byFold {
		out = append(out, ent)
	}
	return out, nil
}

func (d *Dir) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fusefs.Node, error) {
	child := path.Join(d.virtual, req.Name)
	action, err := d.fs.resolve(ctx, child, resolver.OpenCreate)
	if err != nil {
		return nil, toErrno(err)
	}
	create, ok := action.(resolver.CreateInOverlay)
	if !ok {
		return nil, syscall.EIO
	}
	if err := os.MkdirAll(create.RealPath, req.Mode); err != nil {
		return nil, toErrno(err)
	}
	if err := d.fs.hc.Tree().Insert(child+"/", create.RealPath, 0); err != nil {
		return nil, toErrno(err)
	}
	return &Dir{fs: d.fs, virtual: child}, nil
}

func (d *Dir) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fusefs.Node, fusefs.Handle, error) {
	child := path.Join(d.virtual, req.Name)
	action, err := d.fs.resolve(ctx, child, resolver.OpenCreate)
	if err != nil {
		return nil, nil, toErrno(err)
	}
	create, ok := action.(resolver.CreateInOverlay)
	if !ok {
		return nil, nil, syscall.EIO
	}
	if err := os.MkdirAll(filepath.Dir(create.RealPath), 0755); err != nil {
		return nil, nil, toErrno(err)
	}
	f, err := os.OpenFile(create.RealPath, int(req.Flags)|os.O_CREATE, req.Mode)
	if err != nil {
		return nil, nil, toErrno(err)
	}
	if err := d.fs.hc.Tree().Insert(child, create.RealPath, 0); err != nil {
		f.Close()
		return nil, nil, toErrno(err)
	}
	node := &File{fs: d.fs, virtual: child, real: create.RealPath}
	return node, &FileHandle{file: f}, nil
}

func (d *Dir) Remove(ctx context.Context, req *fuse.RemoveRequest) error {
	child := path.Join(d.virtual, req.Name)
	action, err := d.fs.resolve(ctx, child, resolver.Delete)
	if err != nil {
		return toErrno(err)
	}

	switch a := action.(type) {
	case resolver.Deny:
		return syscall.ENOENT
	case resolver.Synthesize:
		return d.fs.hc.Tree().Remove(child)
	case resolver.Redirect:
		if err := os.RemoveAll(a.RealPath); err != nil {
			return toErrno(err)
		}
		return d.fs.hc.Tree().Remove(child)
	case resolver.Passthrough:
		real := filepath.Join(d.fs.sourceDir, a.RealPath)
		// Base content is never destroyed: a delete of an unmapped,
		// Passthrough path is recorded as a tombstone instead, the
		// same non-destructive semantics the original deleted-file
		// table exists for.
		return d.fs.hc.AddDeletedFile(child, real)
	default:
		return syscall.EIO
	}
}

func (d *Dir) Rename(ctx context.Context, req *fuse.RenameRequest, newDir fusefs.Node) error {
	target, ok := newDir.(*Dir)
	if !ok {
		return syscall.EXDEV
	}
	oldVirtual := path.Join(d.virtual, req.OldName)
	newVirtual := path.Join(target.virtual, req.NewName)

	action, err := d.fs.resolve(ctx, oldVirtual, resolver.RenameTo(newVirtual))
	if err != nil {
		return toErrno(err)
	}

	var oldReal string
	switch a := action.(type) {
	case resolver.Deny:
		return syscall.ENOENT
	case resolver.Synthesize:
		if err := d.fs.hc.Tree().Remove(oldVirtual); err != nil {
			return toErrno(err)
		}
		return d.fs.hc.Tree().Insert(newVirtual, "", vtree.FlagSynthetic)
	case resolver.Redirect:
		oldReal = a.RealPath
	case resolver.Passthrough:
		oldReal = filepath.Join(d.fs.sourceDir, a.RealPath)
	default:
		return syscall.EIO
	}

	destAction, err := d.fs.resolve(ctx, newVirtual, resolver.OpenCreate)
	if err != nil {
		return toErrno(err)
	}
	create, ok := destAction.(resolver.CreateInOverlay)
	if !ok {
		return syscall.EIO
	}
	if err := os.MkdirAll(filepath.Dir(create.RealPath), 0755); err != nil {
		return toErrno(err)
	}
	if err := os.Rename(oldReal, create.RealPath); err != nil {
		return toErrno(err)
	}
	if err := d.fs.hc.Tree().Remove(oldVirtual); err != nil {
		return toErrno(err)
	}
	return d.fs.hc.Tree().Insert(newVirtual, create.RealPath, 0)
}

// File is a regular-file node. real is empty for a Synthesize-only
// node (no backing content); Open on such a node is an error.
type File struct {
	fs      *FS
	virtual string
	real    string
}

func (f *File) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Uid = f.fs.uid
	a.Gid = f.fs.gid
	if f.real == "" {
		a.Mode = 0644
		return nil
	}
	info, err := os.Lstat(f.real)
	if err != nil {
		return toErrno(err)
	}
	a.Mode = info.Mode()
	a.Size = uint64(info.Size())
	a.Mtime = info.ModTime()
	a.Atime = info.ModTime()
	a.Ctime = info.ModTime()
	return nil
}

func (f *File) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fusefs.Handle, error) {
	if f.real == "" {
		return nil, syscall.ENOENT
	}
	file, err := os.OpenFile(f.real, int(req.Flags), 0)
	if err != nil {
		return nil, toErrno(err)
	}
	resp.Flags |= fuse.OpenDirectIO
	return &FileHandle{file: file}, nil
}

// FileHandle is an open real file descriptor backing a File node.
type FileHandle struct {
	mu   sync.RWMutex
	file *os.File
}

func (fh *FileHandle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	fh.mu.RLock()
	defer fh.mu.RUnlock()
	buf := make([]byte, req.Size)
	n, err := fh.file.ReadAt(buf, req.Offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return toErrno(err)
	}
	resp.Data = buf[:n]
	return nil
}

func (fh *FileHandle) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	n, err := fh.file.WriteAt(req.Data, req.Offset)
	if err != nil {
		return toErrno(err)
	}
	resp.Size = n
	return nil
}

func (fh *FileHandle) Fsync(ctx context.Context, req *fuse.FsyncRequest) error {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	return toErrno(fh.file.Sync())
}

func (fh *FileHandle) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	return toErrno(fh.file.Close())
}
