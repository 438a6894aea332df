package xauth

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/solarw/xnetwork/xnetwork/xerrs"
)

func generateTestKeypair(t *testing.T) (crypto.PrivKey, crypto.PubKey) {
	t.Helper()
	priv, pub, err := crypto.GenerateEd25519Key(nil)
	require.NoError(t, err)
	return priv, pub
}

func peerIDFromPub(pub crypto.PubKey) (peer.ID, error) {
	return peer.IDFromPublicKey(pub)
}

func TestCreateAndValidatePor(t *testing.T) {
	ownerPriv, _ := generateTestKeypair(t)
	_, nodePub := generateTestKeypair(t)
	nodePeerID, err := peerIDFromPub(nodePub)
	require.NoError(t, err)

	por, err := CreatePor(ownerPriv, nodePeerID, time.Hour, time.Now())
	require.NoError(t, err)
	require.NoError(t, por.Validate(time.Now()))
}

func TestPorExpired(t *testing.T) {
	ownerPriv, _ := generateTestKeypair(t)
	_, nodePub := generateTestKeypair(t)
	nodePeerID, err := peerIDFromPub(nodePub)
	require.NoError(t, err)

	now := uint64(time.Now().Unix())
	por, err := CreatePorWithTimes(ownerPriv, nodePeerID, now-7200, now-3600)
	require.NoError(t, err)

	err = por.Validate(time.Now())
	require.ErrorIs(t, err, xerrs.ErrValidation)
	require.Contains(t, err.Error(), "expired")
}

func TestPorNotYetValid(t *testing.T) {
	ownerPriv, _ := generateTestKeypair(t)
	_, nodePub := generateTestKeypair(t)
	nodePeerID, err := peerIDFromPub(nodePub)
	require.NoError(t, err)

	now := uint64(time.Now().Unix())
	por, err := CreatePorWithTimes(ownerPriv, nodePeerID, now+3600, now+7200)
	require.NoError(t, err)

	err = por.Validate(time.Now())
	require.Error(t, err)
	require.Contains(t, err.Error(), "not yet valid")
}

func TestPorInvalidSignature(t *testing.T) {
	ownerPriv, _ := generateTestKeypair(t)
	_, nodePub := generateTestKeypair(t)
	nodePeerID, err := peerIDFromPub(nodePub)
	require.NoError(t, err)

	por, err := CreatePor(ownerPriv, nodePeerID, time.Hour, time.Now())
	require.NoError(t, err)

	por.Signature[0] ^= 0xff
	err = por.Validate(time.Now())
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid signature")
}

func TestPorIsExpiredAndRemainingTime(t *testing.T) {
	ownerPriv, _ := generateTestKeypair(t)
	_, nodePub := generateTestKeypair(t)
	nodePeerID, err := peerIDFromPub(nodePub)
	require.NoError(t, err)

	now := uint64(time.Now().Unix())
	valid, err := CreatePorWithTimes(ownerPriv, nodePeerID, now-3600, now+3600)
	require.NoError(t, err)
	require.False(t, valid.IsExpired(time.Now()))
	remaining, ok := valid.RemainingTime(time.Now())
	require.True(t, ok)
	require.Greater(t, remaining, 3590*time.Second)
	require.LessOrEqual(t, remaining, 3600*time.Second)

	expired, err := CreatePorWithTimes(ownerPriv, nodePeerID, now-7200, now-3600)
	require.NoError(t, err)
	require.True(t, expired.IsExpired(time.Now()))
	_, ok = expired.RemainingTime(time.Now())
	require.False(t, ok)
}

func TestPorWrongOwnerKeyProducesDifferentSignatures(t *testing.T) {
	owner1Priv, _ := generateTestKeypair(t)
	owner2Priv, _ := generateTestKeypair(t)
	_, nodePub := generateTestKeypair(t)
	nodePeerID, err := peerIDFromPub(nodePub)
	require.NoError(t, err)

	por1, err := CreatePor(owner1Priv, nodePeerID, time.Hour, time.Now())
	require.NoError(t, err)
	por2, err := CreatePor(owner2Priv, nodePeerID, time.Hour, time.Now())
	require.NoError(t, err)

	require.NotEqual(t, por1.Signature, por2.Signature)
	require.NoError(t, por1.Validate(time.Now()))
	require.NoError(t, por2.Validate(time.Now()))
}
