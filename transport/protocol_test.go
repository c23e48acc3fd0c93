package transport

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadRequest_Write(t *testing.T) {
	var buf bytes.Buffer
	header := make([]byte, 33)
	header[0] = byte(OpWrite)
	binary.LittleEndian.PutUint64(header[1:9], 10)
	binary.LittleEndian.PutUint64(header[9:17], 20)
	binary.LittleEndian.PutUint64(header[17:25], 1)
	binary.LittleEndian.PutUint32(header[25:29], 0)
	binary.LittleEndian.PutUint32(header[29:33], 5)
	buf.Write(header)
	buf.WriteString("hello")

	r := NewReader(&buf)
	req, err := r.ReadRequest()
	require.NoError(t, err)
	require.Equal(t, OpWrite, req.Opcode)
	require.EqualValues(t, 10, req.Inode)
	require.EqualValues(t, 20, req.Stripe)
	require.Equal(t, []byte("hello"), req.Buf)
}

func TestReadRequest_Stable(t *testing.T) {
	var buf bytes.Buffer
	header := make([]byte, 33)
	header[0] = byte(OpStable)
	buf.Write(header)

	count := make([]byte, 4)
	binary.LittleEndian.PutUint32(count, 2)
	buf.Write(count)

	for i := 0; i < 2; i++ {
		triple := make([]byte, 24)
		binary.LittleEndian.PutUint64(triple[0:8], uint64(i))
		binary.LittleEndian.PutUint64(triple[8:16], uint64(i+1))
		binary.LittleEndian.PutUint64(triple[16:24], uint64(i+2))
		buf.Write(triple)
	}

	r := NewReader(&buf)
	req, err := r.ReadRequest()
	require.NoError(t, err)
	require.Len(t, req.Versions, 2)
	require.EqualValues(t, 0, req.Versions[0].Inode)
	require.EqualValues(t, 2, req.Versions[1].Stripe)
}

func TestReadRequest_NoPayloadOpcodes(t *testing.T) {
	for _, op := range []Opcode{OpRead, OpReadDirty, OpDelete, OpSync} {
		var buf bytes.Buffer
		header := make([]byte, 33)
		header[0] = byte(op)
		buf.Write(header)

		r := NewReader(&buf)
		req, err := r.ReadRequest()
		require.NoError(t, err)
		require.Equal(t, op, req.Opcode)
		require.Nil(t, req.Buf)
	}
}

func TestReadRequest_UnknownOpcodeErrors(t *testing.T) {
	var buf bytes.Buffer
	header := make([]byte, 33)
	header[0] = 99
	buf.Write(header)

	r := NewReader(&buf)
	_, err := r.ReadRequest()
	require.ErrorIs(t, err, ErrInvalidFrame)
}

func TestWriteResponse_RoundTripsThroughReader(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteResponse(&Response{Retval: 42, Buf: []byte("data")}))

	got := buf.Bytes()
	require.EqualValues(t, 42, int32(binary.LittleEndian.Uint32(got[0:4])))
	require.EqualValues(t, 4, binary.LittleEndian.Uint32(got[4:8]))
	require.Equal(t, []byte("data"), got[8:])
}

func TestWriteResponse_NegativeRetvalEncodesCorrectly(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteResponse(&Response{Retval: -5}))

	got := buf.Bytes()
	require.EqualValues(t, -5, int32(binary.LittleEndian.Uint32(got[0:4])))
	require.EqualValues(t, 0, binary.LittleEndian.Uint32(got[4:8]))
}
