package registry

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ctkeeper/ctkeeper/sct"
)

var testLeafDER = []byte{0x30, 0x03, 0x02, 0x01, 0x01}

// signedSCT builds an SCT whose signature over the reconstructed signed
// data validates with priv's public key, and registers nothing.
func signedSCT(t *testing.T, priv *ecdsa.PrivateKey, timestamp uint64) *sct.SignedCertificateTimestamp {
	t.Helper()

	id, err := LogID(priv.Public())
	require.NoError(t, err)

	s := &sct.SignedCertificateTimestamp{
		Version:            sct.Version1,
		LogID:              id,
		Timestamp:          timestamp,
		HashAlgorithm:      4, // sha256
		SignatureAlgorithm: 3, // ecdsa
	}
	signedData, err := s.SignedData(testLeafDER)
	require.NoError(t, err)

	digest := sha256.Sum256(signedData)
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	require.NoError(t, err)
	s.Signature = sig
	return s
}

func TestVerifyECDSA(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	b := NewBuilder()
	require.NoError(t, b.RegisterKey(priv.Public(), "https://log.example/ct/v1/", "test log"))
	reg := b.Build()
	require.Equal(t, 1, reg.Len())

	s := signedSCT(t, priv, 1700000000000)
	signedData, err := s.SignedData(testLeafDER)
	require.NoError(t, err)

	require.Equal(t, Verified, reg.Verify(s, signedData))

	// Determinism: the same triple always yields the same outcome.
	require.Equal(t, Verified, reg.Verify(s, signedData))

	// Any change to the signed data invalidates the signature.
	tampered := append([]byte(nil), signedData...)
	tampered[0] ^= 0x01
	require.Equal(t, SignatureInvalid, reg.Verify(s, tampered))

	// A corrupted signature does too.
	s.Signature[0] ^= 0x01
	require.Equal(t, SignatureInvalid, reg.Verify(s, signedData))
}

func TestVerifyRSA(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	b := NewBuilder()
	require.NoError(t, b.RegisterKey(priv.Public(), "", "rsa log"))
	reg := b.Build()

	id, err := LogID(priv.Public())
	require.NoError(t, err)
	s := &sct.SignedCertificateTimestamp{LogID: id, Timestamp: 1}
	signedData, err := s.SignedData(testLeafDER)
	require.NoError(t, err)

	digest := sha256.Sum256(signedData)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	require.NoError(t, err)
	s.Signature = sig

	require.Equal(t, Verified, reg.Verify(s, signedData))
}

func TestVerifyLogUnknown(t *testing.T) {
	registered, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	unregistered, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	b := NewBuilder()
	require.NoError(t, b.RegisterKey(registered.Public(), "", "L1"))
	reg := b.Build()

	s := signedSCT(t, unregistered, 1)
	signedData, err := s.SignedData(testLeafDER)
	require.NoError(t, err)

	require.Equal(t, LogUnknown, reg.Verify(s, signedData))
}

func TestVerifyKeylessEntry(t *testing.T) {
	var id [sct.LogIDSize]byte
	id[0] = 0xab

	b := NewBuilder()
	b.Register(Entry{LogID: id, Description: "id-only"})
	reg := b.Build()

	s := &sct.SignedCertificateTimestamp{LogID: id}
	require.Equal(t, LogUnknown, reg.Verify(s, []byte{0}))
}
