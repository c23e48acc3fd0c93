package journal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/mirrorll/vitastor/err_def"
	"github.com/mirrorll/vitastor/storage"
)

// EntryKind enumerates the journal entry kinds of spec §4.3.
type EntryKind uint8

const (
	EntryStart EntryKind = iota + 1
	EntrySmallWrite
	EntryBigWrite
	EntryDelete
	EntryStable
	EntryRollback
)

// journalMagic is the fixed sentinel identifying a valid sector. Spec §6
// gives conflicting widths for the field ("magic: u32" in the header layout
// table vs. the 8-byte string "VITASTOR" in the prose); we take the u32
// header layout as authoritative and derive a 4-byte sentinel from the
// ASCII string, matching the "or any fixed 8-byte sentinel" escape clause.
const journalMagic uint32 = 0x56495441 // "VITA"

// SectorHeaderSize is the encoded size of a sector header: magic(4) +
// type(2) + crc32(4) + filled(4) + next_sector(8).
const SectorHeaderSize = 4 + 2 + 4 + 4 + 8

// SectorHeader is the fixed-size header at the start of every journal sector.
// Filled records how many payload bytes (after the header) actually hold
// entries, since the remainder of the sector is unwritten padding that must
// not be fed to the crc32 check or the entry decoder.
type SectorHeader struct {
	Magic      uint32
	Type       uint16
	Crc32      uint32
	Filled     uint32
	NextSector uint64
}

func (h SectorHeader) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.Type)
	binary.LittleEndian.PutUint32(buf[6:10], h.Crc32)
	binary.LittleEndian.PutUint32(buf[10:14], h.Filled)
	binary.LittleEndian.PutUint64(buf[14:22], h.NextSector)
}

func decodeSectorHeader(buf []byte) (SectorHeader, error) {
	if len(buf) < SectorHeaderSize {
		return SectorHeader{}, err_def.ErrTruncatedEntry
	}
	h := SectorHeader{
		Magic:      binary.LittleEndian.Uint32(buf[0:4]),
		Type:       binary.LittleEndian.Uint16(buf[4:6]),
		Crc32:      binary.LittleEndian.Uint32(buf[6:10]),
		Filled:     binary.LittleEndian.Uint32(buf[10:14]),
		NextSector: binary.LittleEndian.Uint64(buf[14:22]),
	}
	if h.Magic != journalMagic {
		return h, err_def.ErrBadMagic
	}
	return h, nil
}

// Entry is the decoded form of one journal record, regardless of kind.
type Entry struct {
	Kind EntryKind

	// SMALL_WRITE / BIG_WRITE / DELETE
	Oid     storage.Oid
	Version storage.Version
	Offset  uint32
	Len     uint32
	// JournalDataOffset is the byte offset (within the journal region)
	// where a SMALL_WRITE's inline data begins.
	JournalDataOffset uint64
	DataCrc32         uint32
	DataBlock         uint32
	Bitmap            storage.Bitmap

	// STABLE / ROLLBACK
	Versions []storage.OidVersion

	// START
	InstanceID [16]byte
}

func encodeOidVersion(buf []byte, oid storage.Oid, ver storage.Version) {
	binary.LittleEndian.PutUint64(buf[0:8], oid.Inode)
	binary.LittleEndian.PutUint64(buf[8:16], oid.Stripe)
	binary.LittleEndian.PutUint64(buf[16:24], ver)
}

func decodeOidVersion(buf []byte) (storage.Oid, storage.Version) {
	oid := storage.Oid{
		Inode:  binary.LittleEndian.Uint64(buf[0:8]),
		Stripe: binary.LittleEndian.Uint64(buf[8:16]),
	}
	ver := binary.LittleEndian.Uint64(buf[16:24])
	return oid, ver
}

const oidVersionSize = 24

// EncodeEntry serializes e into a self-delimiting byte slice: a 4-byte
// little-endian length prefix followed by the payload, so sector scanning
// (used both live and during recovery) can walk entries without knowing
// their kind ahead of time.
func EncodeEntry(e Entry) []byte {
	var body []byte
	switch e.Kind {
	case EntryStart:
		body = make([]byte, 1+16)
		body[0] = byte(e.Kind)
		copy(body[1:], e.InstanceID[:])
	case EntrySmallWrite:
		body = make([]byte, 1+oidVersionSize+4+4+8+4)
		body[0] = byte(e.Kind)
		off := 1
		encodeOidVersion(body[off:], e.Oid, e.Version)
		off += oidVersionSize
		binary.LittleEndian.PutUint32(body[off:], e.Offset)
		off += 4
		binary.LittleEndian.PutUint32(body[off:], e.Len)
		off += 4
		binary.LittleEndian.PutUint64(body[off:], e.JournalDataOffset)
		off += 8
		binary.LittleEndian.PutUint32(body[off:], e.DataCrc32)
	case EntryBigWrite:
		body = make([]byte, 1+oidVersionSize+4+2+len(e.Bitmap))
		body[0] = byte(e.Kind)
		off := 1
		encodeOidVersion(body[off:], e.Oid, e.Version)
		off += oidVersionSize
		binary.LittleEndian.PutUint32(body[off:], uint32(e.DataBlock))
		off += 4
		binary.LittleEndian.PutUint16(body[off:], uint16(len(e.Bitmap)))
		off += 2
		copy(body[off:], e.Bitmap)
	case EntryDelete:
		body = make([]byte, 1+oidVersionSize)
		body[0] = byte(e.Kind)
		encodeOidVersion(body[1:], e.Oid, e.Version)
	case EntryStable, EntryRollback:
		body = make([]byte, 1+4+len(e.Versions)*oidVersionSize)
		body[0] = byte(e.Kind)
		binary.LittleEndian.PutUint32(body[1:5], uint32(len(e.Versions)))
		off := 5
		for _, ov := range e.Versions {
			encodeOidVersion(body[off:], ov.Oid, ov.Version)
			off += oidVersionSize
		}
	default:
		panic(fmt.Sprintf("journal: unknown entry kind %d", e.Kind))
	}

	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(body)))
	copy(out[4:], body)
	return out
}

// DecodeEntry parses one length-prefixed entry starting at buf[0]. It
// returns the entry, the number of bytes consumed, and an error if the
// buffer doesn't hold a complete entry (the caller treats this as end of
// valid data in the sector, per §4.10's "trailing entries ... discarded").
func DecodeEntry(buf []byte) (Entry, int, error) {
	if len(buf) < 4 {
		return Entry{}, 0, err_def.ErrTruncatedEntry
	}
	bodyLen := binary.LittleEndian.Uint32(buf[0:4])
	if bodyLen == 0 || uint64(4+bodyLen) > uint64(len(buf)) {
		return Entry{}, 0, err_def.ErrTruncatedEntry
	}
	body := buf[4 : 4+bodyLen]
	kind := EntryKind(body[0])
	var e Entry
	e.Kind = kind
	switch kind {
	case EntryStart:
		if len(body) < 1+16 {
			return Entry{}, 0, err_def.ErrTruncatedEntry
		}
		copy(e.InstanceID[:], body[1:17])
	case EntrySmallWrite:
		if len(body) < 1+oidVersionSize+4+4+8+4 {
			return Entry{}, 0, err_def.ErrTruncatedEntry
		}
		off := 1
		e.Oid, e.Version = decodeOidVersion(body[off:])
		off += oidVersionSize
		e.Offset = binary.LittleEndian.Uint32(body[off:])
		off += 4
		e.Len = binary.LittleEndian.Uint32(body[off:])
		off += 4
		e.JournalDataOffset = binary.LittleEndian.Uint64(body[off:])
		off += 8
		e.DataCrc32 = binary.LittleEndian.Uint32(body[off:])
	case EntryBigWrite:
		if len(body) < 1+oidVersionSize+4+2 {
			return Entry{}, 0, err_def.ErrTruncatedEntry
		}
		off := 1
		e.Oid, e.Version = decodeOidVersion(body[off:])
		off += oidVersionSize
		e.DataBlock = binary.LittleEndian.Uint32(body[off:])
		off += 4
		bmLen := binary.LittleEndian.Uint16(body[off:])
		off += 2
		if len(body) < off+int(bmLen) {
			return Entry{}, 0, err_def.ErrTruncatedEntry
		}
		e.Bitmap = storage.Bitmap(append([]byte(nil), body[off:off+int(bmLen)]...))
	case EntryDelete:
		if len(body) < 1+oidVersionSize {
			return Entry{}, 0, err_def.ErrTruncatedEntry
		}
		e.Oid, e.Version = decodeOidVersion(body[1:])
	case EntryStable, EntryRollback:
		if len(body) < 5 {
			return Entry{}, 0, err_def.ErrTruncatedEntry
		}
		count := binary.LittleEndian.Uint32(body[1:5])
		off := 5
		if len(body) < off+int(count)*oidVersionSize {
			return Entry{}, 0, err_def.ErrTruncatedEntry
		}
		e.Versions = make([]storage.OidVersion, count)
		for i := uint32(0); i < count; i++ {
			oid, ver := decodeOidVersion(body[off:])
			e.Versions[i] = storage.OidVersion{Oid: oid, Version: ver}
			off += oidVersionSize
		}
	default:
		return Entry{}, 0, fmt.Errorf("journal: %w: kind %d", err_def.ErrTruncatedEntry, kind)
	}
	return e, 4 + int(bodyLen), nil
}

// Crc32 computes the IEEE crc32 of data, used for both per-sector integrity
// (SectorHeader.Crc32) and per-entry payload checksums (DataCrc32).
func Crc32(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}
