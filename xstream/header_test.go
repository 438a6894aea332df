package xstream

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Header{
		{StreamID: IDFromUint64(0, 0), Role: RoleMain},
		{StreamID: IDFromUint64(0, 1), Role: RoleError},
		{StreamID: IDFromUint64(0xdeadbeef, 0x1234), Role: RoleMain},
	}
	for _, h := range cases {
		var buf bytes.Buffer
		require.NoError(t, h.Encode(&buf))
		require.Equal(t, HeaderSize, buf.Len())
		got, err := DecodeHeader(&buf)
		require.NoError(t, err)
		require.Equal(t, h, got)
	}
}

func TestHeaderEncodeRejectsInvalidRole(t *testing.T) {
	h := Header{StreamID: IDFromUint64(0, 1), Role: SubstreamRole(7)}
	var buf bytes.Buffer
	err := h.Encode(&buf)
	require.ErrorIs(t, err, errInvalidRole)
	require.Zero(t, buf.Len())
}

func TestDecodeHeaderRejectsInvalidRoleByte(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[16] = 2
	_, err := DecodeHeader(bytes.NewReader(buf))
	require.ErrorIs(t, err, errInvalidRole)
}

func TestDecodeHeaderShortReadFails(t *testing.T) {
	_, err := DecodeHeader(bytes.NewReader(make([]byte, HeaderSize-1)))
	require.Error(t, err)
}

func TestDecodeHeaderEmptyReaderFails(t *testing.T) {
	_, err := DecodeHeader(bytes.NewReader(nil))
	require.ErrorIs(t, err, io.EOF)
}

func TestIDBytesRoundTrip(t *testing.T) {
	id := IDFromUint64(0x0102030405060708, 0x0a0b0c0d0e0f1011)
	b := id.Bytes()
	require.Equal(t, id, idFromBytes(b))
}
