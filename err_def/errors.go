// Package err_def defines the sentinel errors used across the block storage engine.
package err_def

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Parameter errors (§7 "Parameter" row) — rejected at admission, -EINVAL.
var (
	ErrBadOffset      = errors.New("offset exceeds block size")
	ErrBadLength      = errors.New("length exceeds block size minus offset")
	ErrMisaligned     = errors.New("offset or length not aligned to disk_alignment")
	ErrReadOnly       = errors.New("engine is open read-only")
	ErrBadOpcode      = errors.New("unknown opcode")
	ErrEmptyStabilize = errors.New("stabilize op lists no versions")
)

// Capacity errors (§7 "Capacity" row) — op parks with a wait_for reason.
var (
	ErrNoFreeBlocks  = errors.New("no free data blocks")
	ErrJournalFull   = errors.New("journal has no free space")
	ErrRingFull      = errors.New("completion ring has no free submission slots")
	ErrBufferPinned  = errors.New("no free journal sector buffer")
)

// Transient/fatal I/O errors (§7 rows 3-4).
var (
	ErrShortIO    = errors.New("short read or write")
	ErrEngineFailed = errors.New("engine is marked failed after a fatal I/O error")
	ErrClosed     = errors.New("engine is closed")
)

// Consistency errors (§7 "Consistency" row) — recovery truncates and continues.
var (
	ErrChecksumMismatch = errors.New("journal entry crc32 mismatch")
	ErrBadMagic         = errors.New("journal sector magic mismatch")
	ErrTruncatedEntry   = errors.New("journal entry truncated at sector boundary")
)

// Configuration errors (§7 "Configuration" row) — refuse to open.
var (
	ErrBadBlockSize    = errors.New("block_size must be a power of two in range")
	ErrBadGranularity  = errors.New("bitmap_granularity must divide block_size and be a multiple of disk_alignment")
	ErrBadAlignment    = errors.New("device alignment is not a multiple of disk_alignment or sector size")
	ErrRegionOverlap   = errors.New("data, metadata, and journal regions overlap")
	ErrImmediateCommit = errors.New("immediate_commit requires the corresponding fsync to be disabled")
	ErrDeviceLocked    = errors.New("device is already locked by another engine instance")
)

// Operation-level errors surfaced through op.Retval / callbacks.
var (
	ErrKeyNotFound     = errors.New("object has no clean or dirty entry")
	ErrNotSynced       = errors.New("(oid, version) has not reached SYNCED")
	ErrUnknownVersion  = errors.New("(oid, version) is unknown to the engine")
	ErrStaleStabilize  = errors.New("stabilize version is older than the current clean version")
)

// Errno maps an engine error to the negative errno value an op's callback
// should see in retval, per §6 ("retval = len on success, or negative errno").
func Errno(err error) int32 {
	if err == nil {
		return 0
	}
	switch {
	case errors.Is(err, ErrBadOffset), errors.Is(err, ErrBadLength),
		errors.Is(err, ErrMisaligned), errors.Is(err, ErrReadOnly),
		errors.Is(err, ErrBadOpcode), errors.Is(err, ErrEmptyStabilize):
		return -int32(unix.EINVAL)
	case errors.Is(err, ErrNoFreeBlocks), errors.Is(err, ErrJournalFull),
		errors.Is(err, ErrRingFull), errors.Is(err, ErrBufferPinned):
		return -int32(unix.EBUSY)
	case errors.Is(err, ErrKeyNotFound), errors.Is(err, ErrUnknownVersion):
		return -int32(unix.ENOENT)
	case errors.Is(err, ErrNotSynced), errors.Is(err, ErrStaleStabilize):
		return -int32(unix.EBUSY)
	case errors.Is(err, ErrEngineFailed), errors.Is(err, ErrClosed):
		return -int32(unix.EIO)
	case errors.Is(err, ErrShortIO), errors.Is(err, ErrChecksumMismatch),
		errors.Is(err, ErrBadMagic), errors.Is(err, ErrTruncatedEntry):
		return -int32(unix.EIO)
	default:
		return -int32(unix.EIO)
	}
}

// Wrap attaches context to an error while keeping it matchable with errors.Is.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
