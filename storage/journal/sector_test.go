package journal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSectorBuffer_GrowAndResidue(t *testing.T) {
	s := newSectorBuffer(0, 128)
	require.EqualValues(t, 128-SectorHeaderSize, s.Residue())

	at, ok := s.Grow(32)
	require.True(t, ok)
	require.EqualValues(t, SectorHeaderSize, at)
	require.EqualValues(t, 128-SectorHeaderSize-32, s.Residue())
}

func TestSectorBuffer_GrowRejectsOversized(t *testing.T) {
	s := newSectorBuffer(0, 64)
	_, ok := s.Grow(1000)
	require.False(t, ok)
}

func TestSectorBuffer_CloseFinalizesHeaderAndBlocksFurtherWrites(t *testing.T) {
	s := newSectorBuffer(0, 128)
	at, ok := s.Grow(16)
	require.True(t, ok)
	copy(s.Data[at:at+16], []byte("0123456789abcdef"))

	s.Close(4096)
	require.True(t, s.Closed())

	_, ok = s.Grow(1)
	require.False(t, ok, "closed sector must reject further growth")

	h, err := decodeSectorHeader(s.Data)
	require.NoError(t, err)
	require.EqualValues(t, 16, h.Filled)
	require.EqualValues(t, 4096, h.NextSector)
	require.Equal(t, Crc32(s.Data[SectorHeaderSize:SectorHeaderSize+16]), h.Crc32)
}

func TestSectorBuffer_PinUnpinTracksUsage(t *testing.T) {
	s := newSectorBuffer(0, 64)
	require.False(t, s.InUse())
	s.Pin()
	require.True(t, s.InUse())
	s.Pin()
	left := s.Unpin()
	require.EqualValues(t, 1, left)
	require.True(t, s.InUse())
	s.Unpin()
	require.False(t, s.InUse())
}

func TestSectorBuffer_ResetClearsFilledAndClosed(t *testing.T) {
	s := newSectorBuffer(0, 64)
	s.Grow(8)
	s.Close(0)
	s.Reset()
	require.False(t, s.Closed())
	require.EqualValues(t, 64-SectorHeaderSize, s.Residue())
}

func TestSectorBuffer_AppendRejectsWhenClosed(t *testing.T) {
	s := newSectorBuffer(0, 64)
	s.Close(0)
	_, ok := s.Append([]byte("x"))
	require.False(t, ok)
}
