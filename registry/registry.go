// Package registry maps Certificate Transparency log identifiers to their
// public keys and verifies SCT signatures against them.
//
// A Registry is assembled once at configuration time through a Builder and
// is immutable afterwards, so concurrent lookups need no locking.
package registry

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"sort"

	"github.com/ctkeeper/ctkeeper/log"
	"github.com/ctkeeper/ctkeeper/sct"
)

// Status is the outcome of verifying one SCT against the registry.
type Status int

const (
	// Verified: a registered log's key validated the signature.
	Verified Status = iota
	// SignatureInvalid: the log is registered but the signature did not
	// verify over the signed data.
	SignatureInvalid
	// LogUnknown: no registered log matches the SCT's log ID. This is
	// "no opinion", distinct from a verification failure.
	LogUnknown
)

func (s Status) String() string {
	switch s {
	case Verified:
		return "verified"
	case SignatureInvalid:
		return "signature invalid"
	case LogUnknown:
		return "log unknown"
	}
	return "unknown status"
}

// Entry is one trusted log: its 32-byte identifier and public key, plus
// the submission URL used by the refresh path.
type Entry struct {
	LogID       [sct.LogIDSize]byte
	PublicKey   crypto.PublicKey
	URL         string
	Description string
}

// Registry is the read-only set of trusted logs.
type Registry struct {
	entries map[[sct.LogIDSize]byte]Entry
}

// Builder accumulates log entries before the registry is frozen.
type Builder struct {
	entries map[[sct.LogIDSize]byte]Entry
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{entries: make(map[[sct.LogIDSize]byte]Entry)}
}

// Register adds a log entry. A later registration for the same log ID
// replaces the earlier one.
func (b *Builder) Register(e Entry) {
	b.entries[e.LogID] = e
}

// RegisterKey derives the log ID from the public key (SHA-256 over its
// SPKI DER encoding) and registers the entry.
func (b *Builder) RegisterKey(pub crypto.PublicKey, url, description string) error {
	id, err := LogID(pub)
	if err != nil {
		return err
	}
	b.Register(Entry{LogID: id, PublicKey: pub, URL: url, Description: description})
	return nil
}

// Build freezes the accumulated entries into a Registry.
func (b *Builder) Build() *Registry {
	entries := make(map[[sct.LogIDSize]byte]Entry, len(b.entries))
	for id, e := range b.entries {
		entries[id] = e
	}
	return &Registry{entries: entries}
}

// LogID computes a log's identifier: SHA-256 over the SPKI DER encoding of
// its public key.
func LogID(pub crypto.PublicKey) ([sct.LogIDSize]byte, error) {
	var id [sct.LogIDSize]byte
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return id, err
	}
	return sha256.Sum256(der), nil
}

// Len returns the number of registered logs.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Lookup finds the entry for a log ID by exact 32-byte match.
func (r *Registry) Lookup(logID [sct.LogIDSize]byte) (Entry, bool) {
	e, ok := r.entries[logID]
	return e, ok
}

// URLs returns the submission URLs of all registered logs that carry one,
// sorted for deterministic iteration.
func (r *Registry) URLs() []string {
	urls := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		if e.URL != "" {
			urls = append(urls, e.URL)
		}
	}
	sort.Strings(urls)
	return urls
}

// Verify checks the SCT's signature over signedData using the key
// registered for the SCT's log ID. The digest is always SHA-256; the
// signature algorithm follows the registered key's type.
func (r *Registry) Verify(s *sct.SignedCertificateTimestamp, signedData []byte) Status {
	entry, ok := r.entries[s.LogID]
	if !ok {
		log.Debugf("registry: no key for log %s", hex.EncodeToString(s.LogID[:]))
		return LogUnknown
	}
	if entry.PublicKey == nil {
		// Registered by ID only (no key on record): recognized, but we
		// still have no opinion on the signature.
		log.Debugf("registry: log %q has no public key on record", entry.Description)
		return LogUnknown
	}

	digest := sha256.Sum256(signedData)
	switch pub := entry.PublicKey.(type) {
	case *ecdsa.PublicKey:
		if ecdsa.VerifyASN1(pub, digest[:], s.Signature) {
			return Verified
		}
	case *rsa.PublicKey:
		if rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], s.Signature) == nil {
			return Verified
		}
	default:
		log.Warningf("registry: log %q has an unsupported key type %T",
			entry.Description, entry.PublicKey)
	}
	return SignatureInvalid
}
