package storage

import (
	"fmt"
	"strconv"
	"time"

	"github.com/mirrorll/vitastor/err_def"
)

// Size bounds from spec §4.1.
const (
	MinBlockSize = 4 << 10
	MaxBlockSize = 128 << 20
)

// ImmediateCommit selects which write kinds are assumed durable on
// completion without a separate sync (§4.1).
type ImmediateCommit string

const (
	ImmediateNone  ImmediateCommit = "none"
	ImmediateSmall ImmediateCommit = "small"
	ImmediateAll   ImmediateCommit = "all"
)

// Options holds every recognized engine option from spec §4.1, validated on
// Open. Mirrors the teacher's functional-options style (storage.Option).
type Options struct {
	BlockSize         uint32
	BitmapGranularity uint32
	DiskAlignment     uint32
	MetaBlockSize     uint32
	JournalBlockSize  uint32

	DataDevice    string
	MetaDevice    string
	JournalDevice string

	DataOffset    uint64
	MetaOffset    uint64
	JournalOffset uint64
	DataSize      uint64
	JournalSize   uint64
	MetaBufSize   uint32

	Readonly             bool
	DisableDataFsync     bool
	DisableMetaFsync     bool
	DisableJournalFsync  bool
	DisableDeviceLock    bool
	ImmediateCommit      ImmediateCommit
	InmemoryMetadata     bool
	InmemoryJournal      bool

	FlusherCount        int
	MinFlusherCount     int
	MaxFlusherCount     int
	MaxWriteIodepth     int
	JournalSectorPool   int

	ThrottleSmallWrites     bool
	ThrottleTargetIOPS      int
	ThrottleTargetMBs       int
	ThrottleTargetParallel  int
	ThrottleThresholdUs     time.Duration

	FlushJournal bool
}

// Option configures an Options value; used the way the teacher's
// storage.Option functional options configure Bitcask.
type Option func(*Options)

// DefaultOptions returns a minimally viable set of defaults; callers must
// still supply device paths and sizes.
func DefaultOptions() *Options {
	return &Options{
		BlockSize:              128 << 10,
		BitmapGranularity:      4 << 10,
		DiskAlignment:          512,
		MetaBlockSize:          4 << 10,
		JournalBlockSize:       4 << 10,
		MetaBufSize:            256 << 10,
		ImmediateCommit:        ImmediateNone,
		FlusherCount:           4,
		MinFlusherCount:        1,
		MaxFlusherCount:        32,
		MaxWriteIodepth:        128,
		JournalSectorPool:      32,
		ThrottleTargetParallel: 1,
		ThrottleThresholdUs:    1 * time.Millisecond,
	}
}

func WithDataDevice(path string, offset, size uint64) Option {
	return func(o *Options) { o.DataDevice = path; o.DataOffset = offset; o.DataSize = size }
}

func WithMetaDevice(path string, offset uint64) Option {
	return func(o *Options) { o.MetaDevice = path; o.MetaOffset = offset }
}

func WithJournalDevice(path string, offset, size uint64) Option {
	return func(o *Options) { o.JournalDevice = path; o.JournalOffset = offset; o.JournalSize = size }
}

func WithBlockSize(n uint32) Option         { return func(o *Options) { o.BlockSize = n } }
func WithBitmapGranularity(n uint32) Option { return func(o *Options) { o.BitmapGranularity = n } }
func WithDiskAlignment(n uint32) Option     { return func(o *Options) { o.DiskAlignment = n } }
func WithReadonly(v bool) Option            { return func(o *Options) { o.Readonly = v } }
func WithImmediateCommit(m ImmediateCommit) Option {
	return func(o *Options) { o.ImmediateCommit = m }
}
func WithFlusherCounts(min, max int) Option {
	return func(o *Options) { o.MinFlusherCount = min; o.MaxFlusherCount = max }
}
func WithThrottle(iops, mbs, parallel int, threshold time.Duration) Option {
	return func(o *Options) {
		o.ThrottleSmallWrites = true
		o.ThrottleTargetIOPS = iops
		o.ThrottleTargetMBs = mbs
		o.ThrottleTargetParallel = parallel
		o.ThrottleThresholdUs = threshold
	}
}

// isPowerOfTwo reports whether n is a nonzero power of two.
func isPowerOfTwo(n uint32) bool { return n != 0 && n&(n-1) == 0 }

// Validate enforces every constraint of spec §4.1.
func (o *Options) Validate() error {
	if !isPowerOfTwo(o.BlockSize) || o.BlockSize < MinBlockSize || o.BlockSize >= MaxBlockSize {
		return err_def.ErrBadBlockSize
	}
	if o.BitmapGranularity == 0 || o.BlockSize%o.BitmapGranularity != 0 || o.BitmapGranularity%o.DiskAlignment != 0 {
		return err_def.ErrBadGranularity
	}
	if o.MetaBlockSize%o.DiskAlignment != 0 || o.JournalBlockSize%o.DiskAlignment != 0 {
		return err_def.ErrBadAlignment
	}
	if o.DataDevice == "" {
		return fmt.Errorf("%w: data_device is required", err_def.ErrBadAlignment)
	}
	if o.MetaDevice == "" {
		o.MetaDevice = o.DataDevice
	}
	if o.JournalDevice == "" {
		o.JournalDevice = o.DataDevice
	}
	if err := o.validateImmediateCommit(); err != nil {
		return err
	}
	if err := o.validateNoOverlap(); err != nil {
		return err
	}
	if o.MinFlusherCount <= 0 || o.MaxFlusherCount < o.MinFlusherCount {
		o.MinFlusherCount, o.MaxFlusherCount = 1, 32
	}
	if o.FlusherCount <= 0 {
		o.FlusherCount = o.MinFlusherCount
	}
	if o.JournalSectorPool < 2 {
		o.JournalSectorPool = 32
	}
	return nil
}

func (o *Options) validateImmediateCommit() error {
	switch o.ImmediateCommit {
	case ImmediateNone:
		return nil
	case ImmediateSmall:
		if !o.DisableJournalFsync {
			return err_def.ErrImmediateCommit
		}
	case ImmediateAll:
		if !o.DisableJournalFsync || !o.DisableDataFsync {
			return err_def.ErrImmediateCommit
		}
	default:
		return fmt.Errorf("%w: unknown immediate_commit %q", err_def.ErrImmediateCommit, o.ImmediateCommit)
	}
	return nil
}

// validateNoOverlap checks that data/meta/journal regions don't overlap when
// they share a device, per §4.1 "verify no region overlap".
func (o *Options) validateNoOverlap() error {
	type region struct {
		device     string
		start, end uint64
	}
	regions := []region{
		{o.DataDevice, o.DataOffset, o.DataOffset + o.DataSize},
	}
	if o.MetaDevice == o.DataDevice || o.MetaDevice == o.JournalDevice || o.DataDevice == o.JournalDevice {
		// meta_len: one slot (inode, stripe, version, bitmap) per data
		// block, rounded up to whole meta_block_size blocks.
		slotSize := uint64(8+8+8) + uint64(len(NewBitmap(o.BlockSize, o.BitmapGranularity)))
		perBlock := uint64(o.MetaBlockSize) / slotSize
		if perBlock == 0 {
			perBlock = 1
		}
		blockCount := o.DataSize / uint64(o.BlockSize)
		metaLen := (blockCount + perBlock - 1) / perBlock * uint64(o.MetaBlockSize)
		regions = append(regions, region{o.MetaDevice, o.MetaOffset, o.MetaOffset + metaLen})
		regions = append(regions, region{o.JournalDevice, o.JournalOffset, o.JournalOffset + o.JournalSize})
	}
	for i := range regions {
		for j := i + 1; j < len(regions); j++ {
			a, b := regions[i], regions[j]
			if a.device != b.device {
				continue
			}
			if a.start < b.end && b.start < a.end {
				return err_def.ErrRegionOverlap
			}
		}
	}
	return nil
}

// FromMap builds Options from the string-keyed configuration surface
// described in spec §6 ("Supplied as a string-keyed map at construction").
func FromMap(m map[string]string) (*Options, error) {
	o := DefaultOptions()

	getUint := func(key string, dst *uint32) error {
		v, ok := m[key]
		if !ok {
			return nil
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = uint32(n)
		return nil
	}
	getUint64 := func(key string, dst *uint64) error {
		v, ok := m[key]
		if !ok {
			return nil
		}
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	getBool := func(key string, dst *bool) error {
		v, ok := m[key]
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
		return nil
	}
	getInt := func(key string, dst *int) error {
		v, ok := m[key]
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	fields := []func() error{
		func() error { return getUint("block_size", &o.BlockSize) },
		func() error { return getUint("bitmap_granularity", &o.BitmapGranularity) },
		func() error { return getUint("disk_alignment", &o.DiskAlignment) },
		func() error { return getUint("meta_block_size", &o.MetaBlockSize) },
		func() error { return getUint("journal_block_size", &o.JournalBlockSize) },
		func() error { return getUint64("data_offset", &o.DataOffset) },
		func() error { return getUint64("meta_offset", &o.MetaOffset) },
		func() error { return getUint64("journal_offset", &o.JournalOffset) },
		func() error { return getUint64("data_size", &o.DataSize) },
		func() error { return getUint64("journal_size", &o.JournalSize) },
		func() error { return getUint("meta_buf_size", &o.MetaBufSize) },
		func() error { return getBool("readonly", &o.Readonly) },
		func() error { return getBool("disable_data_fsync", &o.DisableDataFsync) },
		func() error { return getBool("disable_meta_fsync", &o.DisableMetaFsync) },
		func() error { return getBool("disable_journal_fsync", &o.DisableJournalFsync) },
		func() error { return getBool("disable_device_lock", &o.DisableDeviceLock) },
		func() error { return getBool("inmemory_metadata", &o.InmemoryMetadata) },
		func() error { return getBool("inmemory_journal", &o.InmemoryJournal) },
		func() error { return getBool("flush_journal", &o.FlushJournal) },
		func() error { return getBool("throttle_small_writes", &o.ThrottleSmallWrites) },
		func() error { return getInt("flusher_count", &o.FlusherCount) },
		func() error { return getInt("min_flusher_count", &o.MinFlusherCount) },
		func() error { return getInt("max_flusher_count", &o.MaxFlusherCount) },
		func() error { return getInt("max_write_iodepth", &o.MaxWriteIodepth) },
		func() error { return getInt("journal_sector_pool", &o.JournalSectorPool) },
		func() error { return getInt("throttle_target_iops", &o.ThrottleTargetIOPS) },
		func() error { return getInt("throttle_target_mbs", &o.ThrottleTargetMBs) },
		func() error { return getInt("throttle_target_parallelism", &o.ThrottleTargetParallel) },
	}
	for _, f := range fields {
		if err := f(); err != nil {
			return nil, err
		}
	}

	o.DataDevice = m["data_device"]
	o.MetaDevice = m["meta_device"]
	o.JournalDevice = m["journal_device"]
	if v, ok := m["immediate_commit"]; ok {
		o.ImmediateCommit = ImmediateCommit(v)
	}
	if v, ok := m["throttle_threshold_us"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("throttle_threshold_us: %w", err)
		}
		o.ThrottleThresholdUs = time.Duration(n) * time.Microsecond
	}

	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}
