// Package xauth implements PorAuth: mutual authentication between two
// peers backed by a Proof-of-Representation credential, a per-direction
// auth state machine, and the host-attached service that drives the
// handshake over the wire.
package xauth

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/solarw/xnetwork/xnetwork/xerrs"
)

// ProofOfRepresentation is a credential certifying that peerID is
// authorized to act as the owner identified by OwnerPublicKey, valid for
// the closed interval [IssuedAt, ExpiresAt] (UNIX seconds). Validation
// is two-stage: interval check, then signature check.
type ProofOfRepresentation struct {
	OwnerPublicKey crypto.PubKey
	PeerID         peer.ID
	IssuedAt       uint64
	ExpiresAt      uint64
	Signature      []byte
}

// CreatePor issues a new PoR signed by ownerKey, delegating to peerID for
// validityDuration starting now.
func CreatePor(ownerKey crypto.PrivKey, peerID peer.ID, validityDuration time.Duration, now time.Time) (*ProofOfRepresentation, error) {
	issuedAt := uint64(now.Unix())
	expiresAt := issuedAt + uint64(validityDuration.Seconds())
	return CreatePorWithTimes(ownerKey, peerID, issuedAt, expiresAt)
}

// CreatePorWithTimes issues a PoR with explicit issued/expiry timestamps,
// for tests that need to construct already-expired or not-yet-valid
// credentials deterministically.
func CreatePorWithTimes(ownerKey crypto.PrivKey, peerID peer.ID, issuedAt, expiresAt uint64) (*ProofOfRepresentation, error) {
	pub := ownerKey.GetPublic()
	message, err := prepareMessageForSigning(pub, peerID, issuedAt, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("xauth: prepare message: %w", err)
	}
	sig, err := ownerKey.Sign(message)
	if err != nil {
		return nil, fmt.Errorf("xauth: sign por: %w", err)
	}
	return &ProofOfRepresentation{
		OwnerPublicKey: pub,
		PeerID:         peerID,
		IssuedAt:       issuedAt,
		ExpiresAt:      expiresAt,
		Signature:      sig,
	}, nil
}

// Validate checks the validity interval against now, then the signature,
// so a caller can distinguish an expired-but-genuine PoR from a forged
// one.
func (p *ProofOfRepresentation) Validate(now time.Time) error {
	nowSecs := uint64(now.Unix())
	if nowSecs < p.IssuedAt {
		return fmt.Errorf("xauth: por not yet valid: %w", xerrs.ErrValidation)
	}
	if nowSecs > p.ExpiresAt {
		return fmt.Errorf("xauth: por has expired: %w", xerrs.ErrValidation)
	}
	return p.verifySignature()
}

func (p *ProofOfRepresentation) verifySignature() error {
	message, err := prepareMessageForSigning(p.OwnerPublicKey, p.PeerID, p.IssuedAt, p.ExpiresAt)
	if err != nil {
		return fmt.Errorf("xauth: prepare message: %w", err)
	}
	ok, err := p.OwnerPublicKey.Verify(message, p.Signature)
	if err != nil {
		return fmt.Errorf("xauth: verify signature: %w", err)
	}
	if !ok {
		return fmt.Errorf("xauth: invalid signature: %w", xerrs.ErrValidation)
	}
	return nil
}

// IsExpired reports whether the PoR's expiry has passed as of now.
func (p *ProofOfRepresentation) IsExpired(now time.Time) bool {
	return uint64(now.Unix()) > p.ExpiresAt
}

// RemainingTime returns the time left before expiry, or false if already
// expired.
func (p *ProofOfRepresentation) RemainingTime(now time.Time) (time.Duration, bool) {
	nowSecs := uint64(now.Unix())
	if nowSecs > p.ExpiresAt {
		return 0, false
	}
	return time.Duration(p.ExpiresAt-nowSecs) * time.Second, true
}

// prepareMessageForSigning builds the signed byte layout: protobuf-
// encoded owner public key, then the peer ID's string form, then
// issuedAt and expiresAt as little-endian uint64s.
func prepareMessageForSigning(pub crypto.PubKey, peerID peer.ID, issuedAt, expiresAt uint64) ([]byte, error) {
	pubBytes, err := crypto.MarshalPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal owner public key: %w", err)
	}
	peerIDStr := peerID.String()

	msg := make([]byte, 0, len(pubBytes)+len(peerIDStr)+16)
	msg = append(msg, pubBytes...)
	msg = append(msg, []byte(peerIDStr)...)

	var tsBuf [16]byte
	binary.LittleEndian.PutUint64(tsBuf[0:8], issuedAt)
	binary.LittleEndian.PutUint64(tsBuf[8:16], expiresAt)
	msg = append(msg, tsBuf[:]...)

	return msg, nil
}
