package err_def

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestErrno_MapsKnownSentinels(t *testing.T) {
	require.EqualValues(t, -int32(unix.EINVAL), Errno(ErrBadOffset))
	require.EqualValues(t, -int32(unix.EBUSY), Errno(ErrNoFreeBlocks))
	require.EqualValues(t, -int32(unix.ENOENT), Errno(ErrKeyNotFound))
	require.EqualValues(t, -int32(unix.EIO), Errno(ErrEngineFailed))
	require.EqualValues(t, -int32(unix.EIO), Errno(ErrChecksumMismatch))
}

func TestErrno_NilIsZero(t *testing.T) {
	require.EqualValues(t, 0, Errno(nil))
}

func TestErrno_UnknownErrorDefaultsToEIO(t *testing.T) {
	require.EqualValues(t, -int32(unix.EIO), Errno(errors.New("something else")))
}

func TestErrno_MatchesThroughWrap(t *testing.T) {
	wrapped := Wrap("op", ErrBadOffset)
	require.EqualValues(t, -int32(unix.EINVAL), Errno(wrapped))
}

func TestWrap_NilReturnsNil(t *testing.T) {
	require.NoError(t, Wrap("op", nil))
}

func TestWrap_PreservesErrorsIs(t *testing.T) {
	wrapped := Wrap("metadata.WriteSlot", ErrChecksumMismatch)
	require.True(t, errors.Is(wrapped, ErrChecksumMismatch))
}
