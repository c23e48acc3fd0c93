package journal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mirrorll/vitastor/storage"
)

func TestEncodeDecodeEntry_SmallWrite(t *testing.T) {
	in := Entry{
		Kind:              EntrySmallWrite,
		Oid:               storage.Oid{Inode: 7, Stripe: 3},
		Version:           42,
		Offset:            512,
		Len:               1024,
		JournalDataOffset: 9000,
		DataCrc32:         0xdeadbeef,
	}
	buf := EncodeEntry(in)
	out, n, err := DecodeEntry(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, in.Kind, out.Kind)
	require.Equal(t, in.Oid, out.Oid)
	require.Equal(t, in.Version, out.Version)
	require.Equal(t, in.Offset, out.Offset)
	require.Equal(t, in.Len, out.Len)
	require.Equal(t, in.JournalDataOffset, out.JournalDataOffset)
	require.Equal(t, in.DataCrc32, out.DataCrc32)
}

func TestEncodeDecodeEntry_BigWrite(t *testing.T) {
	bm := storage.NewBitmap(4096, 512)
	bm.Set(0)
	bm.Set(3)
	in := Entry{
		Kind:      EntryBigWrite,
		Oid:       storage.Oid{Inode: 1, Stripe: 2},
		Version:   5,
		DataBlock: 99,
		Bitmap:    bm,
	}
	buf := EncodeEntry(in)
	out, n, err := DecodeEntry(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, in.DataBlock, out.DataBlock)
	require.Equal(t, []byte(in.Bitmap), []byte(out.Bitmap))
}

func TestEncodeDecodeEntry_Delete(t *testing.T) {
	in := Entry{Kind: EntryDelete, Oid: storage.Oid{Inode: 4, Stripe: 1}, Version: 11}
	buf := EncodeEntry(in)
	out, _, err := DecodeEntry(buf)
	require.NoError(t, err)
	require.Equal(t, in.Oid, out.Oid)
	require.Equal(t, in.Version, out.Version)
}

func TestEncodeDecodeEntry_StableVersions(t *testing.T) {
	in := Entry{
		Kind: EntryStable,
		Versions: []storage.OidVersion{
			{Oid: storage.Oid{Inode: 1, Stripe: 1}, Version: 1},
			{Oid: storage.Oid{Inode: 2, Stripe: 3}, Version: 9},
		},
	}
	buf := EncodeEntry(in)
	out, _, err := DecodeEntry(buf)
	require.NoError(t, err)
	require.Equal(t, in.Versions, out.Versions)
}

func TestDecodeEntry_TruncatedBufferErrors(t *testing.T) {
	in := Entry{Kind: EntryDelete, Oid: storage.Oid{Inode: 1, Stripe: 1}, Version: 1}
	buf := EncodeEntry(in)
	_, _, err := DecodeEntry(buf[:len(buf)-4])
	require.Error(t, err)
}

func TestSectorHeader_RoundTrip(t *testing.T) {
	h := SectorHeader{Magic: journalMagic, Type: 1, Crc32: 0x1234, Filled: 100, NextSector: 4096}
	buf := make([]byte, SectorHeaderSize)
	h.encode(buf)
	out, err := decodeSectorHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, out)
}

func TestDecodeSectorHeader_BadMagic(t *testing.T) {
	buf := make([]byte, SectorHeaderSize)
	_, err := decodeSectorHeader(buf)
	require.Error(t, err)
}

func TestCrc32_Deterministic(t *testing.T) {
	require.Equal(t, Crc32([]byte("hello")), Crc32([]byte("hello")))
	require.NotEqual(t, Crc32([]byte("hello")), Crc32([]byte("world")))
}
