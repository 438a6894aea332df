package xauth

import (
	"bytes"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

func TestWirePorRoundTrip(t *testing.T) {
	ownerPriv, _ := generateTestKeypair(t)
	_, nodePub := generateTestKeypair(t)
	nodePeerID, err := peer.IDFromPublicKey(nodePub)
	require.NoError(t, err)

	por, err := CreatePor(ownerPriv, nodePeerID, time.Hour, time.Now())
	require.NoError(t, err)

	wp, err := encodePor(por)
	require.NoError(t, err)
	decoded, err := wp.decode()
	require.NoError(t, err)

	require.Equal(t, por.PeerID, decoded.PeerID)
	require.Equal(t, por.IssuedAt, decoded.IssuedAt)
	require.Equal(t, por.ExpiresAt, decoded.ExpiresAt)
	require.Equal(t, por.Signature, decoded.Signature)
	require.NoError(t, decoded.Validate(time.Now()))
}

func TestWriteReadMessageRoundTrip(t *testing.T) {
	req := porRequest{
		Por:      nil,
		Metadata: Metadata{"role": "node", "version": "1.0.0"},
	}
	var buf bytes.Buffer
	require.NoError(t, writeMessage(&buf, req))

	var got porRequest
	require.NoError(t, readMessage(newMsgReader(&buf), &got))
	require.Equal(t, req.Metadata, got.Metadata)
}

func TestReadMessageRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeMessage(&buf, struct {
		Filler string `json:"filler"`
	}{Filler: string(make([]byte, MaxMessageSize+1))}))

	var got map[string]string
	err := readMessage(newMsgReader(&buf), &got)
	require.Error(t, err)
}
