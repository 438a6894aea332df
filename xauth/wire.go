package xauth

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	msgio "github.com/libp2p/go-msgio"
)

// MaxMessageSize bounds a single varint-length-prefixed xauth message,
// guarding readMessage against an adversarial peer claiming a huge
// length and exhausting memory.
const MaxMessageSize = 64 * 1024

// wirePor is ProofOfRepresentation's JSON wire shape: the owner public
// key travels as its protobuf encoding, base64-encoded by
// encoding/json's default []byte handling.
type wirePor struct {
	OwnerPublicKey []byte `json:"owner_public_key"`
	PeerID         string `json:"peer_id"`
	IssuedAt       uint64 `json:"issued_at"`
	ExpiresAt      uint64 `json:"expires_at"`
	Signature      []byte `json:"signature"`
}

func encodePor(p *ProofOfRepresentation) (*wirePor, error) {
	keyBytes, err := crypto.MarshalPublicKey(p.OwnerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("xauth: marshal owner public key: %w", err)
	}
	return &wirePor{
		OwnerPublicKey: keyBytes,
		PeerID:         p.PeerID.String(),
		IssuedAt:       p.IssuedAt,
		ExpiresAt:      p.ExpiresAt,
		Signature:      p.Signature,
	}, nil
}

func (w *wirePor) decode() (*ProofOfRepresentation, error) {
	pub, err := crypto.UnmarshalPublicKey(w.OwnerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("xauth: unmarshal owner public key: %w", err)
	}
	pid, err := peer.Decode(w.PeerID)
	if err != nil {
		return nil, fmt.Errorf("xauth: decode peer id: %w", err)
	}
	return &ProofOfRepresentation{
		OwnerPublicKey: pub,
		PeerID:         pid,
		IssuedAt:       w.IssuedAt,
		ExpiresAt:      w.ExpiresAt,
		Signature:      w.Signature,
	}, nil
}

// porRequest is the message an xauth Service writes on the outbound
// half of the protocol: its own PoR plus its own metadata.
type porRequest struct {
	Por      *wirePor `json:"por"`
	Metadata Metadata `json:"metadata"`
}

// porResponse is the reply: acceptance (with the responder's own
// metadata) or rejection (with a reason).
type porResponse struct {
	Ok       bool     `json:"ok"`
	Metadata Metadata `json:"metadata,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// writeMessage JSON-encodes v and writes it varint-length-prefixed via
// msgio, the same framing go-libp2p's own protocols (identify, kad-dht)
// use for their protobuf messages; xauth's payloads happen to be JSON
// rather than protobuf, but the framing is identical.
func writeMessage(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("xauth: encode message: %w", err)
	}
	mw := msgio.NewVarintWriter(w)
	if err := mw.WriteMsg(body); err != nil {
		return fmt.Errorf("xauth: write message: %w", err)
	}
	return nil
}

// readMessage reads one varint-length-prefixed JSON message from mr into
// v. Callers build mr with newMsgReader; each stream in this package
// carries a single message per direction, so one reader serves one call.
func readMessage(mr msgio.Reader, v any) error {
	body, err := mr.ReadMsg()
	if err != nil {
		return fmt.Errorf("xauth: read message: %w", err)
	}
	defer mr.ReleaseMsg(body)
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("xauth: decode message: %w", err)
	}
	return nil
}

// newMsgReader wraps r in a size-bounded msgio.Reader, guarding against
// an adversarial peer claiming a huge message length and exhausting
// memory.
func newMsgReader(r io.Reader) msgio.Reader {
	return msgio.NewVarintReaderSize(r, MaxMessageSize)
}
