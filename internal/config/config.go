// Package config defines Config, the single named construct ("parameters")
// every process attaches to inside the shared config segment. It ties
// together the scalar fields of params.Parameters with the five
// containers the hook context exposes: the process blacklist, forced
// libraries, the registered-process set, and the deleted-file and
// faked-directory tables.
package config

import (
	"encoding/binary"

	"usvfscore/internal/container"
	"usvfscore/internal/logging"
	"usvfscore/internal/params"
	"usvfscore/internal/segment"
)

var cfgLogger = logging.GetLogger().WithPrefix("config")

// Name is the well-known name Config is constructed/located under inside
// the config segment, matching spec §4.4's "locate or construct the
// Config named parameters".
const Name = "parameters"

// field byte offsets within Config's fixed-size region. Each string
// field is an (offset, length) pair; scalars are 4-byte aligned.
const (
	offInstanceName          = 0  // 16 bytes: offset+length
	offCurrentSHMName        = 16 // 16 bytes
	offCurrentInverseSHMName = 32 // 16 bytes
	offDebugMode             = 48 // 4 bytes (0/1)
	offLogLevel              = 52 // 4 bytes
	offCrashDumpsType        = 56 // 4 bytes
	offReserved              = 60 // 4 bytes padding
	offCrashDumpsPath        = 64 // 16 bytes

	offBlacklistHeader  = 80
	offForcedLibHeader  = 96
	offProcessHeader    = 112
	offDeletedHeader    = 128
	offFakeDirHeader    = 144

	// Size is the total number of bytes Config occupies in the segment,
	// not counting the nodes its containers allocate from the arena.
	Size = 160
)

// Config is a view over a segment's "parameters" construct. Like the
// container types, it holds no data itself: every read/write goes
// through alloc against the segment's mapped bytes.
type Config struct {
	alloc  container.Allocator
	offset segment.Offset

	blacklist  *container.StringSet
	forcedLibs *container.PairList
	processes  *container.IntSet
	deleted    *container.StringMap
	fakeDirs   *container.StringMap
}

// Open returns a Config view over an already-constructed "parameters"
// region at offset inside seg.
func Open(seg *segment.Segment, offset segment.Offset) *Config {
	return &Config{
		alloc:      seg,
		offset:     offset,
		blacklist:  container.OpenStringSet(seg, offset+offBlacklistHeader),
		forcedLibs: container.OpenPairList(seg, offset+offForcedLibHeader),
		processes:  container.OpenIntSet(seg, offset+offProcessHeader),
		deleted:    container.OpenStringMap(seg, offset+offDeletedHeader),
		fakeDirs:   container.OpenStringMap(seg, offset+offFakeDirHeader),
	}
}

// LocateOrConstruct finds the existing "parameters" construct in seg, or
// creates and zero-initializes one if this is a freshly created segment.
// init supplies the initial scalar values when constructing; it is
// ignored when attaching to an existing Config.
func LocateOrConstruct(seg *segment.Segment, init params.Parameters) (*Config, bool, error) {
	if off, _, ok := seg.Find(Name); ok {
		return Open(seg, off), false, nil
	}

	off, err := seg.Construct(Name, Size)
	if err != nil {
		return nil, false, err
	}
	cfg := Open(seg, off)
	if err := cfg.initialize(init.Truncated()); err != nil {
		return nil, false, err
	}
	cfgLogger.Info("constructed new parameters block for instance %q", init.InstanceName)
	return cfg, true, nil
}

func (c *Config) field(off segment.Offset) (segment.Offset, uint64, error) {
	b, err := c.alloc.Bytes(c.offset+off, 16)
	if err != nil {
		return 0, 0, err
	}
	return segment.Offset(binary.LittleEndian.Uint64(b[0:8])), binary.LittleEndian.Uint64(b[8:16]), nil
}

func (c *Config) setField(off segment.Offset, strOff segment.Offset, strLen uint64) error {
	b, err := c.alloc.Bytes(c.offset+off, 16)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b[0:8], uint64(strOff))
	binary.LittleEndian.PutUint64(b[8:16], strLen)
	return nil
}

func (c *Config) getString(off segment.Offset) (string, error) {
	strOff, strLen, err := c.field(off)
	if err != nil {
		return "", err
	}
	return container.ReadString(c.alloc, strOff, strLen)
}

// setString writes value into the string field at off, freeing the
// field's previous backing bytes first.
func (c *Config) setString(off segment.Offset, value string) error {
	oldOff, oldLen, err := c.field(off)
	if err != nil {
		return err
	}
	newOff, newLen, err := container.WriteString(c.alloc, value)
	if err != nil {
		return err
	}
	if err := c.setField(off, newOff, newLen); err != nil {
		return err
	}
	if oldLen > 0 {
		return c.alloc.Free(oldOff, oldLen)
	}
	return nil
}

func (c *Config) initialize(p params.Parameters) error {
	for off, v := range map[segment.Offset]string{
		offInstanceName:          p.InstanceName,
		offCurrentSHMName:        p.CurrentSHMName,
		offCurrentInverseSHMName: p.CurrentInverseSHMName,
		offCrashDumpsPath:        p.CrashDumpsPath,
	} {
		so, sl, err := container.WriteString(c.alloc, v)
		if err != nil {
			return err
		}
		if err := c.setField(off, so, sl); err != nil {
			return err
		}
	}
	return c.setScalars(p.DebugMode, p.LogLevel, p.CrashDumpsType)
}

func (c *Config) setScalars(debug bool, level params.LogLevel, crash params.CrashDumpsType) error {
	b, err := c.alloc.Bytes(c.offset+offDebugMode, 12)
	if err != nil {
		return err
	}
	v := uint32(0)
	if debug {
		v = 1
	}
	binary.LittleEndian.PutUint32(b[0:4], v)
	binary.LittleEndian.PutUint32(b[4:8], uint32(level))
	binary.LittleEndian.PutUint32(b[8:12], uint32(crash))
	return nil
}

// InstanceName returns the instance name this Config was constructed
// with. It never changes after construction.
func (c *Config) InstanceName() (string, error) { return c.getString(offInstanceName) }

// CurrentSHMName returns the VT segment's name.
func (c *Config) CurrentSHMName() (string, error) { return c.getString(offCurrentSHMName) }

// SetCurrentSHMName publishes the VT segment's name.
func (c *Config) SetCurrentSHMName(name string) error { return c.setString(offCurrentSHMName, name) }

// CurrentInverseSHMName returns the inverse-VT segment's name.
func (c *Config) CurrentInverseSHMName() (string, error) {
	return c.getString(offCurrentInverseSHMName)
}

// SetCurrentInverseSHMName publishes the inverse-VT segment's name.
func (c *Config) SetCurrentInverseSHMName(name string) error {
	return c.setString(offCurrentInverseSHMName, name)
}

// CrashDumpsPath returns the configured crash-dump directory.
func (c *Config) CrashDumpsPath() (string, error) { return c.getString(offCrashDumpsPath) }

func (c *Config) scalars() (debug bool, level params.LogLevel, crash params.CrashDumpsType, err error) {
	b, err := c.alloc.Bytes(c.offset+offDebugMode, 12)
	if err != nil {
		return false, 0, 0, err
	}
	debug = binary.LittleEndian.Uint32(b[0:4]) != 0
	level = params.LogLevel(binary.LittleEndian.Uint32(b[4:8]))
	crash = params.CrashDumpsType(binary.LittleEndian.Uint32(b[8:12]))
	return debug, level, crash, nil
}

// DebugMode reports the shared debug-mode flag.
func (c *Config) DebugMode() (bool, error) {
	debug, _, _, err := c.scalars()
	return debug, err
}

// LogLevel returns the shared log level.
func (c *Config) LogLevel() (params.LogLevel, error) {
	_, level, _, err := c.scalars()
	return level, err
}

// SetLogLevel updates the shared log level.
func (c *Config) SetLogLevel(level params.LogLevel) error {
	debug, _, crash, err := c.scalars()
	if err != nil {
		return err
	}
	return c.setScalars(debug, level, crash)
}

// CrashDumps returns the shared crash-dump policy.
func (c *Config) CrashDumps() (params.CrashDumpsType, error) {
	_, _, crash, err := c.scalars()
	return crash, err
}

// SetCrashDumpsType updates the shared crash-dump policy.
func (c *Config) SetCrashDumpsType(t params.CrashDumpsType) error {
	debug, level, _, err := c.scalars()
	if err != nil {
		return err
	}
	return c.setScalars(debug, level, t)
}

// ProcessBlacklist returns the executable-blacklist set.
func (c *Config) ProcessBlacklist() *container.StringSet { return c.blacklist }

// ForcedLibraries returns the per-process forced-library list.
func (c *Config) ForcedLibraries() *container.PairList { return c.forcedLibs }

// Processes returns the registered-PID set.
func (c *Config) Processes() *container.IntSet { return c.processes }

// DeletedFiles returns the deleted-file tombstone table.
func (c *Config) DeletedFiles() *container.StringMap { return c.deleted }

// FakeDirectories returns the faked-directory table.
func (c *Config) FakeDirectories() *container.StringMap { return c.fakeDirs }

// Snapshot returns a by-value copy of every Config field as a
// params.Parameters, the "makeLocal" half of CallParameters.
func (c *Config) Snapshot() (params.Parameters, error) {
	instance, err := c.InstanceName()
	if err != nil {
		return params.Parameters{}, err
	}
	shm, err := c.CurrentSHMName()
	if err != nil {
		return params.Parameters{}, err
	}
	inverseSHM, err := c.CurrentInverseSHMName()
	if err != nil {
		return params.Parameters{}, err
	}
	crashPath, err := c.CrashDumpsPath()
	if err != nil {
		return params.Parameters{}, err
	}
	debug, level, crash, err := c.scalars()
	if err != nil {
		return params.Parameters{}, err
	}
	return params.Parameters{
		InstanceName:          instance,
		CurrentSHMName:        shm,
		CurrentInverseSHMName: inverseSHM,
		CrashDumpsPath:        crashPath,
		DebugMode:             debug,
		LogLevel:              level,
		CrashDumpsType:        crash,
	}, nil
}
