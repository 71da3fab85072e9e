// Package segment implements the Shared Segment Manager (SSM): it names,
// creates, opens, reference-counts, and destroys the shared-memory
// segments that back the virtual tree and the configuration block.
//
// Go has no relocatable-pointer container type, so every address a
// segment hands out is an Offset — a byte offset from the start of the
// segment's mapping, never a Go pointer. That's the idiomatic-Go reading
// of spec §4.1's "every pointer stored inside a segment must be
// representable as an offset from the segment base": the type itself
// enforces it, instead of an unsafe-pointer convention callers have to
// remember to honor.
package segment

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"usvfscore/internal/logging"
	"usvfscore/internal/usvfserrors"
)

var segLogger = logging.GetLogger().WithPrefix("segment")

// Offset is a byte offset from the start of a segment's mapping. Zero is
// reserved as "no value" — the header and names table always occupy the
// first bytes of a segment, so a real allocation is never at offset 0.
type Offset uint64

const (
	magic       uint32 = 0x55535646 // "USVF"
	headerSize         = 64
	maxNames           = 32
	nameCap            = 64
	nameSlotSize       = 1 + nameCap + 8 + 8 // tag byte, name bytes, offset, size
)

// header field byte offsets within the first headerSize bytes.
const (
	offMagic        = 0
	offVersion      = 4
	offTotalSize    = 8
	offUserCount    = 16
	offArenaCursor  = 24
	offNamesCount   = 32
	offFreeListHead = 40
)

// minBlockSize is the smallest block the free list will track: a freed
// block stores its own next-pointer and size inline, so it must be at
// least large enough to hold both.
const minBlockSize = 16

func namesTableOffset() uint64 { return headerSize }
func arenaStartOffset() uint64 { return headerSize + uint64(maxNames)*nameSlotSize }

// Segment is one named, mmap-backed shared-memory region.
type Segment struct {
	name string
	path string

	mu   sync.Mutex
	file *os.File
	data []byte // the full mmap'd region, including header and names table
}

// Manager opens, creates, and destroys named segments backed by files in
// a single directory. Every hooked process in an instance points its
// Manager at the same directory so that segment names resolve to the
// same backing files.
type Manager struct {
	dir string

	mu       sync.Mutex
	segments map[string]*Segment
}

// NewManager creates a Manager rooted at dir, creating dir if necessary.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, usvfserrors.New(usvfserrors.OpOpenOrCreate, dir, fmt.Errorf("%w: %v", usvfserrors.SegmentUnavailable, err))
	}
	return &Manager{dir: dir, segments: make(map[string]*Segment)}, nil
}

func (m *Manager) pathFor(name string) string {
	return filepath.Join(m.dir, name+".seg")
}

// OpenOrCreate attaches an existing named segment or creates one whose
// arena holds exactly size bytes (the backing file also holds the header
// and names table). On create, the segment is zero-initialized; on open,
// the existing size is honored.
func (m *Manager) OpenOrCreate(name string, size uint64) (*Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.segments[name]; ok {
		return s, nil
	}

	total := headerSize + uint64(maxNames)*nameSlotSize + size
	path := m.pathFor(name)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	created := err == nil
	if err != nil {
		if !os.IsExist(err) {
			segLogger.Error("create %q failed: %v", name, err)
			return nil, usvfserrors.New(usvfserrors.OpOpenOrCreate, name, fmt.Errorf("%w: %v", usvfserrors.SegmentUnavailable, err))
		}
		f, err = os.OpenFile(path, os.O_RDWR, 0600)
		if err != nil {
			segLogger.Error("open %q failed: %v", name, err)
			return nil, usvfserrors.New(usvfserrors.OpOpenOrCreate, name, fmt.Errorf("%w: %v", usvfserrors.SegmentUnavailable, err))
		}
	}

	if created {
		if err := f.Truncate(int64(total)); err != nil {
			f.Close()
			os.Remove(path)
			return nil, usvfserrors.New(usvfserrors.OpOpenOrCreate, name, fmt.Errorf("%w: %v", usvfserrors.SegmentUnavailable, err))
		}
	} else {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, usvfserrors.New(usvfserrors.OpOpenOrCreate, name, fmt.Errorf("%w: %v", usvfserrors.SegmentUnavailable, err))
		}
		if uint64(info.Size()) < total {
			f.Close()
			return nil, usvfserrors.New(usvfserrors.OpOpenOrCreate, name, fmt.Errorf("%w: existing segment is %d bytes, need %d", usvfserrors.SizeMismatch, info.Size(), total))
		}
		total = uint64(info.Size())
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		if created {
			os.Remove(path)
		}
		return nil, usvfserrors.New(usvfserrors.OpOpenOrCreate, name, fmt.Errorf("%w: mmap: %v", usvfserrors.SegmentUnavailable, err))
	}

	s := &Segment{name: name, path: path, file: f, data: data}

	if created {
		binary.LittleEndian.PutUint32(s.data[offMagic:], magic)
		binary.LittleEndian.PutUint32(s.data[offVersion:], 1)
		binary.LittleEndian.PutUint64(s.data[offTotalSize:], total)
		binary.LittleEndian.PutUint32(s.data[offUserCount:], 0)
		binary.LittleEndian.PutUint64(s.data[offArenaCursor:], arenaStartOffset())
		binary.LittleEndian.PutUint32(s.data[offNamesCount:], 0)
		segLogger.Info("created segment %q (%d bytes)", name, total)
	} else {
		if binary.LittleEndian.Uint32(s.data[offMagic:]) != magic {
			unix.Munmap(data)
			f.Close()
			return nil, usvfserrors.New(usvfserrors.OpOpenOrCreate, name, fmt.Errorf("%w: bad magic", usvfserrors.SegmentUnavailable))
		}
		segLogger.Info("attached existing segment %q (%d bytes)", name, total)
	}

	m.segments[name] = s
	return s, nil
}

// Unlink requests OS-level removal of a named segment. Removal becomes
// effective only once every process has unmapped it: POSIX keeps a
// file's data alive for any process still holding it mapped or open even
// after the directory entry is removed.
func (m *Manager) Unlink(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.segments[name]; ok {
		s.close()
		delete(m.segments, name)
	}

	if err := os.Remove(m.pathFor(name)); err != nil && !os.IsNotExist(err) {
		return usvfserrors.New(usvfserrors.OpUnlink, name, err)
	}
	segLogger.Info("unlinked segment %q", name)
	return nil
}

// Detach releases this process's handle on name without removing the
// backing file (used when the process is done with a segment but isn't
// the one responsible for tearing it down).
func (m *Manager) Detach(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.segments[name]; ok {
		s.close()
		delete(m.segments, name)
	}
}

func (s *Segment) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data != nil {
		unix.Munmap(s.data)
		s.data = nil
	}
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
}

// Name returns the segment's name.
func (s *Segment) Name() string { return s.name }

// Path returns the backing file path, used by the hook context to derive
// the lock-file path for its cross-process guard.
func (s *Segment) Path() string { return s.path }

// Size returns the segment's total mapped size, including its header and
// names table.
func (s *Segment) Size() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return binary.LittleEndian.Uint64(s.data[offTotalSize:])
}

// UserCount returns the current reference count.
func (s *Segment) UserCount() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return binary.LittleEndian.Uint32(s.data[offUserCount:])
}

// IncrUserCount increments the reference count and returns the new
// value. Callers must hold the instance's write guard.
func (s *Segment) IncrUserCount() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := binary.LittleEndian.Uint32(s.data[offUserCount:]) + 1
	binary.LittleEndian.PutUint32(s.data[offUserCount:], v)
	return v
}

// DecrUserCount decrements the reference count and returns the new
// value. Callers must hold the instance's write guard.
func (s *Segment) DecrUserCount() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := binary.LittleEndian.Uint32(s.data[offUserCount:])
	if v > 0 {
		v--
	}
	binary.LittleEndian.PutUint32(s.data[offUserCount:], v)
	return v
}

type nameSlot struct {
	used   bool
	name   string
	offset Offset
	size   uint64
	index  int
}

func (s *Segment) readSlot(i int) nameSlot {
	base := namesTableOffset() + uint64(i)*nameSlotSize
	used := s.data[base] != 0
	nameLen := int(s.data[base])
	if nameLen > nameCap {
		nameLen = 0
	}
	name := string(s.data[base+1 : base+1+uint64(nameLen)])
	offset := binary.LittleEndian.Uint64(s.data[base+1+nameCap:])
	size := binary.LittleEndian.Uint64(s.data[base+1+nameCap+8:])
	return nameSlot{used: used, name: name, offset: Offset(offset), size: size, index: i}
}

func (s *Segment) writeSlot(i int, name string, off Offset, size uint64) {
	base := namesTableOffset() + uint64(i)*nameSlotSize
	s.data[base] = byte(len(name))
	copy(s.data[base+1:base+1+nameCap], []byte(name))
	binary.LittleEndian.PutUint64(s.data[base+1+nameCap:], uint64(off))
	binary.LittleEndian.PutUint64(s.data[base+1+nameCap+8:], size)
}

// Find locates a named construct within the segment. It returns
// (offset, size, true) if present, or (0, 0, false) if absent.
func (s *Segment) Find(name string) (Offset, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := int(binary.LittleEndian.Uint32(s.data[offNamesCount:]))
	for i := 0; i < count; i++ {
		slot := s.readSlot(i)
		if slot.used && slot.name == name {
			return slot.offset, slot.size, true
		}
	}
	return 0, 0, false
}

// Construct allocates and registers a named region of size bytes inside
// the segment's arena. It fails with OutOfSegmentMemory if there isn't
// enough free arena space, or if the names table is full.
func (s *Segment) Construct(name string, size uint64) (Offset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(name) > nameCap {
		return 0, usvfserrors.New(usvfserrors.OpConstruct, name, fmt.Errorf("%w: name too long", usvfserrors.InvalidPath))
	}

	count := int(binary.LittleEndian.Uint32(s.data[offNamesCount:]))
	if count >= maxNames {
		return 0, usvfserrors.New(usvfserrors.OpConstruct, name, usvfserrors.OutOfSegmentMemory)
	}

	off, err := s.allocLocked(size)
	if err != nil {
		return 0, usvfserrors.New(usvfserrors.OpConstruct, name, err)
	}

	s.writeSlot(count, name, off, size)
	binary.LittleEndian.PutUint32(s.data[offNamesCount:], uint32(count+1))
	return off, nil
}

// align8 rounds n up to the next multiple of 8, keeping every allocation
// naturally aligned for the binary.LittleEndian reads/writes containers
// perform against it.
func align8(n uint64) uint64 {
	return (n + 7) &^ 7
}

// Alloc bump-allocates size unnamed bytes from the arena, for use by
// container types that need scratch space inside a named construct
// (e.g. a container's list nodes or a string's bytes). It fails with
// OutOfSegmentMemory if the arena is exhausted, leaving the segment
// otherwise unchanged (strong exception safety, per spec §4.2).
func (s *Segment) Alloc(size uint64) (Offset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocLocked(size)
}

func (s *Segment) allocLocked(size uint64) (Offset, error) {
	want := align8(size)
	if want < minBlockSize {
		want = minBlockSize
	}

	// First-fit search of the free list built up by Free. Blocks are
	// reused whole (no splitting) to keep the allocator simple: this
	// module's containers only ever free and re-request the same
	// handful of node sizes, so fragmentation from whole-block reuse
	// is not a practical concern here.
	head := binary.LittleEndian.Uint64(s.data[offFreeListHead:])
	var prev uint64
	for cur := head; cur != 0; {
		blockSize := binary.LittleEndian.Uint64(s.data[cur+8:])
		next := binary.LittleEndian.Uint64(s.data[cur:])
		if blockSize >= want {
			if prev == 0 {
				binary.LittleEndian.PutUint64(s.data[offFreeListHead:], next)
			} else {
				binary.LittleEndian.PutUint64(s.data[prev:], next)
			}
			return Offset(cur), nil
		}
		prev = cur
		cur = next
	}

	total := binary.LittleEndian.Uint64(s.data[offTotalSize:])
	cursor := binary.LittleEndian.Uint64(s.data[offArenaCursor:])
	if cursor+want > total || want < size {
		return 0, usvfserrors.OutOfSegmentMemory
	}
	binary.LittleEndian.PutUint64(s.data[offArenaCursor:], cursor+want)
	return Offset(cursor), nil
}

// Free releases a previously allocated block of size bytes back to the
// segment's free list, so a later Alloc of an equal or smaller size can
// reuse it instead of growing the arena. size must be the same value
// originally passed to Alloc (or Construct) — the allocator does not
// track block sizes itself.
func (s *Segment) Free(off Offset, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := align8(size)
	if want < minBlockSize {
		want = minBlockSize
	}
	total := binary.LittleEndian.Uint64(s.data[offTotalSize:])
	if uint64(off)+want > total {
		return fmt.Errorf("segment %q: free out-of-range offset %d size %d", s.name, off, want)
	}

	head := binary.LittleEndian.Uint64(s.data[offFreeListHead:])
	binary.LittleEndian.PutUint64(s.data[off:], head)
	binary.LittleEndian.PutUint64(s.data[uint64(off)+8:], want)
	binary.LittleEndian.PutUint64(s.data[offFreeListHead:], uint64(off))
	return nil
}

// FreeBytes returns the number of unallocated bytes remaining in the
// arena. Tests use this to assert a failed allocation left the arena
// cursor untouched.
func (s *Segment) FreeBytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := binary.LittleEndian.Uint64(s.data[offTotalSize:])
	cursor := binary.LittleEndian.Uint64(s.data[offArenaCursor:])
	return total - cursor
}

// Bytes returns a slice of the segment's mapping starting at off and
// running for size bytes. Callers (container, vtree) read and write
// through this slice directly; it aliases the mmap'd region, so writes
// are immediately visible to every other process with the segment
// attached, subject to the usual guard discipline.
func (s *Segment) Bytes(off Offset, size uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := binary.LittleEndian.Uint64(s.data[offTotalSize:])
	if uint64(off)+size > total {
		return nil, fmt.Errorf("segment %q: out-of-range access at %d len %d (size %d)", s.name, off, size, total)
	}
	return s.data[off : uint64(off)+size], nil
}
