// Package config loads the OSD's on-disk configuration file and exposes it
// as a process-wide singleton, hot-reloadable the way the teacher's config
// package watches its file with fsnotify through viper.
//
// Spec §4.1 splits engine configuration into two classes: values fixed for
// the lifetime of an open device (block_size, device paths, region offsets —
// "structural", validated once by storage.Options.Validate at Open) and
// values that may be adjusted on a running engine (throttle targets, flusher
// pool bounds — "dynamic"). Config mirrors that split: StructuralConfig is
// read once at startup and handed to storage.FromMap; DynamicConfig is
// re-read into Get().Dynamic on every file change. The engine does not
// read Get(): it keeps the options it was opened with, so a reload does
// not change a running engine's throttle or flusher bounds.
package config

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ServerConfig configures the front-end transport listener.
type ServerConfig struct {
	Addr         string        // listen address
	IdleTimeout  time.Duration // connection idle timeout
	MaxConns     int           // max concurrent connections
	ReadTimeout  time.Duration // per-request read timeout
	WriteTimeout time.Duration // per-request write timeout
}

// StructuralConfig carries the engine options that are validated once at
// Open and never change for the lifetime of the device (spec §4.1).
type StructuralConfig struct {
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
	JournalSectorPool int

	Readonly            bool
	DisableDataFsync    bool
	DisableMetaFsync    bool
	DisableJournalFsync bool
	DisableDeviceLock   bool
	ImmediateCommit     string
	InmemoryMetadata    bool
	InmemoryJournal     bool
}

// DynamicConfig carries spec §4.1's throttle and flusher pool knobs, which
// a config file change reloads into Get().Dynamic; an engine that is
// already open keeps the values it was opened with.
type DynamicConfig struct {
	FlusherCount    int
	MinFlusherCount int
	MaxFlusherCount int
	MaxWriteIodepth int

	ThrottleSmallWrites    bool
	ThrottleTargetIOPS     int
	ThrottleTargetMBs      int
	ThrottleTargetParallel int
	ThrottleThresholdUs    time.Duration

	FlushJournal bool
}

// Config is the full process configuration.
type Config struct {
	Server     ServerConfig
	Structural StructuralConfig
	Dynamic    DynamicConfig
}

var (
	conf     *Config
	confOnce sync.Once
	mu       sync.RWMutex
)

// Get returns the current configuration snapshot. Structural is fixed once
// Init has run; Dynamic may change underfoot on every config file write, so
// callers needing a consistent view should copy Dynamic out under one Get.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return conf
}

func loadConfig(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Server.Addr = v.GetString("server.addr")
	cfg.Server.IdleTimeout = v.GetDuration("server.idle_timeout")
	cfg.Server.MaxConns = v.GetInt("server.max_conns")
	cfg.Server.ReadTimeout = v.GetDuration("server.read_timeout")
	cfg.Server.WriteTimeout = v.GetDuration("server.write_timeout")

	cfg.Structural.BlockSize = v.GetUint32("storage.block_size")
	cfg.Structural.BitmapGranularity = v.GetUint32("storage.bitmap_granularity")
	cfg.Structural.DiskAlignment = v.GetUint32("storage.disk_alignment")
	cfg.Structural.MetaBlockSize = v.GetUint32("storage.meta_block_size")
	cfg.Structural.JournalBlockSize = v.GetUint32("storage.journal_block_size")
	cfg.Structural.DataDevice = v.GetString("storage.data_device")
	cfg.Structural.MetaDevice = v.GetString("storage.meta_device")
	cfg.Structural.JournalDevice = v.GetString("storage.journal_device")
	cfg.Structural.DataOffset = v.GetUint64("storage.data_offset")
	cfg.Structural.MetaOffset = v.GetUint64("storage.meta_offset")
	cfg.Structural.JournalOffset = v.GetUint64("storage.journal_offset")
	cfg.Structural.DataSize = v.GetUint64("storage.data_size")
	cfg.Structural.JournalSize = v.GetUint64("storage.journal_size")
	cfg.Structural.MetaBufSize = v.GetUint32("storage.meta_buf_size")
	cfg.Structural.JournalSectorPool = v.GetInt("storage.journal_sector_pool")
	cfg.Structural.Readonly = v.GetBool("storage.readonly")
	cfg.Structural.DisableDataFsync = v.GetBool("storage.disable_data_fsync")
	cfg.Structural.DisableMetaFsync = v.GetBool("storage.disable_meta_fsync")
	cfg.Structural.DisableJournalFsync = v.GetBool("storage.disable_journal_fsync")
	cfg.Structural.DisableDeviceLock = v.GetBool("storage.disable_device_lock")
	cfg.Structural.ImmediateCommit = v.GetString("storage.immediate_commit")
	cfg.Structural.InmemoryMetadata = v.GetBool("storage.inmemory_metadata")
	cfg.Structural.InmemoryJournal = v.GetBool("storage.inmemory_journal")

	cfg.Dynamic.FlusherCount = v.GetInt("throttle.flusher_count")
	cfg.Dynamic.MinFlusherCount = v.GetInt("throttle.min_flusher_count")
	cfg.Dynamic.MaxFlusherCount = v.GetInt("throttle.max_flusher_count")
	cfg.Dynamic.MaxWriteIodepth = v.GetInt("throttle.max_write_iodepth")
	cfg.Dynamic.ThrottleSmallWrites = v.GetBool("throttle.small_writes")
	cfg.Dynamic.ThrottleTargetIOPS = v.GetInt("throttle.target_iops")
	cfg.Dynamic.ThrottleTargetMBs = v.GetInt("throttle.target_mbs")
	cfg.Dynamic.ThrottleTargetParallel = v.GetInt("throttle.target_parallelism")
	cfg.Dynamic.ThrottleThresholdUs = v.GetDuration("throttle.threshold")
	cfg.Dynamic.FlushJournal = v.GetBool("throttle.flush_journal")

	return cfg
}

// ToOptionsMap renders Structural (and the Dynamic fields storage.Options
// also tracks) into the string-keyed map storage.FromMap expects, so a
// cmd/osd main can go straight from a config file to an open engine without
// hand-copying every field.
func (c *Config) ToOptionsMap() map[string]string {
	s := c.Structural
	d := c.Dynamic
	m := map[string]string{
		"block_size":                  fmt.Sprint(s.BlockSize),
		"bitmap_granularity":          fmt.Sprint(s.BitmapGranularity),
		"disk_alignment":              fmt.Sprint(s.DiskAlignment),
		"meta_block_size":             fmt.Sprint(s.MetaBlockSize),
		"journal_block_size":          fmt.Sprint(s.JournalBlockSize),
		"data_device":                 s.DataDevice,
		"meta_device":                 s.MetaDevice,
		"journal_device":              s.JournalDevice,
		"data_offset":                 fmt.Sprint(s.DataOffset),
		"meta_offset":                 fmt.Sprint(s.MetaOffset),
		"journal_offset":              fmt.Sprint(s.JournalOffset),
		"data_size":                   fmt.Sprint(s.DataSize),
		"journal_size":                fmt.Sprint(s.JournalSize),
		"meta_buf_size":               fmt.Sprint(s.MetaBufSize),
		"journal_sector_pool":         fmt.Sprint(s.JournalSectorPool),
		"readonly":                    fmt.Sprint(s.Readonly),
		"disable_data_fsync":          fmt.Sprint(s.DisableDataFsync),
		"disable_meta_fsync":          fmt.Sprint(s.DisableMetaFsync),
		"disable_journal_fsync":       fmt.Sprint(s.DisableJournalFsync),
		"disable_device_lock":         fmt.Sprint(s.DisableDeviceLock),
		"immediate_commit":            s.ImmediateCommit,
		"inmemory_metadata":           fmt.Sprint(s.InmemoryMetadata),
		"inmemory_journal":            fmt.Sprint(s.InmemoryJournal),
		"flusher_count":               fmt.Sprint(d.FlusherCount),
		"min_flusher_count":           fmt.Sprint(d.MinFlusherCount),
		"max_flusher_count":           fmt.Sprint(d.MaxFlusherCount),
		"max_write_iodepth":           fmt.Sprint(d.MaxWriteIodepth),
		"throttle_small_writes":       fmt.Sprint(d.ThrottleSmallWrites),
		"throttle_target_iops":        fmt.Sprint(d.ThrottleTargetIOPS),
		"throttle_target_mbs":         fmt.Sprint(d.ThrottleTargetMBs),
		"throttle_target_parallelism": fmt.Sprint(d.ThrottleTargetParallel),
		"throttle_threshold_us":       fmt.Sprint(d.ThrottleThresholdUs.Microseconds()),
	}
	return m
}

// Init loads configPath once and starts watching it for changes. Only the
// first call's path takes effect, matching the teacher's confOnce singleton;
// later changes are picked up by the fsnotify watch, not by calling Init
// again.
func Init(configPath string) error {
	var initErr error
	confOnce.Do(func() {
		v := viper.New()
		v.SetConfigFile(configPath)

		if err := v.ReadInConfig(); err != nil {
			initErr = err
			log.Printf("config: read %s failed: %v", configPath, err)
			return
		}

		mu.Lock()
		conf = loadConfig(v)
		mu.Unlock()

		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			log.Printf("config: file changed: %s", e.Name)

			newV := viper.New()
			newV.SetConfigFile(configPath)
			if err := newV.ReadInConfig(); err != nil {
				log.Printf("config: reload failed: %v", err)
				return
			}

			newConfig := loadConfig(newV)

			mu.Lock()
			// Structural is frozen for the life of an open engine: a config
			// edit that changes it takes effect only on the next restart,
			// so the reload keeps the original values in place and only
			// refreshes Server and Dynamic.
			newConfig.Structural = conf.Structural
			conf = newConfig
			mu.Unlock()

			log.Printf("config: reload complete")
		})
	})
	return initErr
}
