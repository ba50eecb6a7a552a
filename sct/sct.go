// Package sct implements the binary codec for Signed Certificate
// Timestamps as they appear in the TLS signed_certificate_timestamp
// extension, in certificate extensions, and in stapled OCSP responses,
// along with reconstruction of the byte sequence a CT log signs.
//
// Parsing performs structural validation only; signatures are checked by
// the registry package.
package sct

import (
	"time"

	"golang.org/x/crypto/cryptobyte"

	cterr "github.com/ctkeeper/ctkeeper/errors"
)

// LogIDSize is the length of a log identifier: SHA-256 over the log's
// public key in SPKI DER form.
const LogIDSize = 32

// Version1 is the only SCT version defined by RFC 6962.
const Version1 = 0

// Signed-data constants from RFC 6962 section 3.2.
const (
	certificateTimestampSignatureType = 0
	x509EntryType                     = 0
)

// minLength covers the fixed leading fields: version (1), log ID (32),
// timestamp (8), and the extensions length (2).
const minLength = 1 + LogIDSize + 8 + 2

// SignedCertificateTimestamp holds the decoded fields of one SCT. Values
// are immutable once parsed; Extensions and Signature are copies of the
// input, never aliases.
type SignedCertificateTimestamp struct {
	Version            uint8
	LogID              [LogIDSize]byte
	Timestamp          uint64 // milliseconds since the Unix epoch
	Extensions         []byte
	HashAlgorithm      uint8
	SignatureAlgorithm uint8
	Signature          []byte
}

// Parse decodes a single SCT from its wire form. The input must contain
// exactly one SCT: any trailing bytes are an error, as are declared
// sub-lengths that overrun the input.
func Parse(b []byte) (*SignedCertificateTimestamp, error) {
	if len(b) < minLength {
		return nil, cterr.New(cterr.DecodeError, cterr.TooShort, nil)
	}

	var out SignedCertificateTimestamp
	s := cryptobyte.String(b)

	var logID []byte
	// Cannot fail: minLength was checked above.
	s.ReadUint8(&out.Version)
	s.ReadBytes(&logID, LogIDSize)
	s.ReadUint64(&out.Timestamp)
	copy(out.LogID[:], logID)

	var extLen uint16
	s.ReadUint16(&extLen)
	if int(extLen) > len(s) {
		return nil, cterr.New(cterr.DecodeError, cterr.TruncatedExtensions, nil)
	}
	var ext []byte
	s.ReadBytes(&ext, int(extLen))
	out.Extensions = append([]byte(nil), ext...)

	// Hash algorithm, signature algorithm, signature length.
	if len(s) < 4 {
		return nil, cterr.New(cterr.DecodeError, cterr.TooShort, nil)
	}
	s.ReadUint8(&out.HashAlgorithm)
	s.ReadUint8(&out.SignatureAlgorithm)
	var sigLen uint16
	s.ReadUint16(&sigLen)
	if int(sigLen) > len(s) {
		return nil, cterr.New(cterr.DecodeError, cterr.TruncatedSignature, nil)
	}
	var sig []byte
	s.ReadBytes(&sig, int(sigLen))
	out.Signature = append([]byte(nil), sig...)

	if !s.Empty() {
		return nil, cterr.New(cterr.DecodeError, cterr.TrailingBytes, nil)
	}

	return &out, nil
}

// Bytes re-encodes the SCT. For any SCT produced by Parse, the result is
// byte-identical to the original input.
func (s *SignedCertificateTimestamp) Bytes() []byte {
	var b cryptobyte.Builder
	b.AddUint8(s.Version)
	b.AddBytes(s.LogID[:])
	b.AddUint64(s.Timestamp)
	b.AddUint16LengthPrefixed(func(c *cryptobyte.Builder) {
		c.AddBytes(s.Extensions)
	})
	b.AddUint8(s.HashAlgorithm)
	b.AddUint8(s.SignatureAlgorithm)
	b.AddUint16LengthPrefixed(func(c *cryptobyte.Builder) {
		c.AddBytes(s.Signature)
	})
	out, err := b.Bytes()
	if err != nil {
		// Only reachable if a variable-length field overflows its
		// prefix, which Parse can never produce.
		panic(err)
	}
	return out
}

// SignedData reconstructs the exact byte sequence the log signed for an
// X.509 entry: version, signature type, timestamp, entry type, the leaf
// certificate DER behind a 24-bit length, and the extensions behind a
// 16-bit length. All integers are big-endian.
//
// The leaf certificate's DER encoding is required; without it signature
// verification is impossible and the caller must report that distinctly
// from an invalid signature.
func (s *SignedCertificateTimestamp) SignedData(leafDER []byte) ([]byte, error) {
	if len(leafDER) == 0 {
		return nil, cterr.New(cterr.DecodeError, cterr.Unavailable, nil)
	}

	var b cryptobyte.Builder
	b.AddUint8(Version1)
	b.AddUint8(certificateTimestampSignatureType)
	b.AddUint64(s.Timestamp)
	b.AddUint16(x509EntryType)
	b.AddUint24LengthPrefixed(func(c *cryptobyte.Builder) {
		c.AddBytes(leafDER)
	})
	b.AddUint16LengthPrefixed(func(c *cryptobyte.Builder) {
		c.AddBytes(s.Extensions)
	})
	out, err := b.Bytes()
	if err != nil {
		return nil, cterr.New(cterr.DecodeError, cterr.None, err)
	}
	return out, nil
}

// Time converts the SCT's millisecond timestamp to a time.Time.
func (s *SignedCertificateTimestamp) Time() time.Time {
	return time.UnixMilli(int64(s.Timestamp))
}

// NotYetValid reports whether the SCT's timestamp is ahead of now. A
// future timestamp is a policy signal for the caller, not a parse error.
func (s *SignedCertificateTimestamp) NotYetValid(now time.Time) bool {
	return s.Time().After(now)
}
