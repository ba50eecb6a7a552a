// Package audit validates the SCT evidence observed on live connections
// and records each distinct (certificate, SCT-set) observation exactly
// once in an append-only audit stream.
//
// Validation never blocks on network I/O: fetching SCTs is entirely the
// refresh orchestrator's job, and a validation failure degrades to a
// connection-level reject, never a crash.
package audit

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jmhodges/clock"

	cterr "github.com/ctkeeper/ctkeeper/errors"
	"github.com/ctkeeper/ctkeeper/helpers"
	"github.com/ctkeeper/ctkeeper/log"
	"github.com/ctkeeper/ctkeeper/registry"
	"github.com/ctkeeper/ctkeeper/sct"
)

// Outcome is the aggregate validation result for one observation.
type Outcome int

const (
	// Accept: at least one SCT verified and nothing failed.
	Accept Outcome = iota
	// AcceptWithWarnings: nothing failed outright, but some evidence
	// could not be assessed (unknown logs, malformed items), or a
	// failure was outweighed by a verified SCT.
	AcceptWithWarnings
	// Reject: at least one verification failure and zero successes.
	Reject
)

func (o Outcome) String() string {
	switch o {
	case Accept:
		return "accept"
	case AcceptWithWarnings:
		return "accept-with-warnings"
	case Reject:
		return "reject"
	}
	return "unknown outcome"
}

// Audit stream frame tags.
const (
	TagServerStart uint16 = 0x0001
	TagCertStart   uint16 = 0x0002
	TagSCTStart    uint16 = 0x0003
)

// Auditor validates observations against a log registry and owns the
// audit file for this process.
type Auditor struct {
	reg *registry.Registry
	clk clock.Clock

	// mu guards the dedup cache of prior validation outcomes.
	mu      sync.Mutex
	results map[[sha256.Size]byte]Outcome

	// auditMu serializes audit writes; the audit resource is owned
	// exclusively by this process.
	auditMu   sync.Mutex
	auditFile *os.File
	auditPath string
	disabled  bool
}

// New creates an Auditor. If auditDir is nonempty an audit file named
// audit_<pid>.out is opened there and a SERVER_START marker written; an
// empty auditDir disables audit recording while leaving validation fully
// functional.
func New(reg *registry.Registry, auditDir string, clk clock.Clock) (*Auditor, error) {
	if clk == nil {
		clk = clock.New()
	}
	a := &Auditor{
		reg:     reg,
		clk:     clk,
		results: make(map[[sha256.Size]byte]Outcome),
	}
	if auditDir == "" {
		a.disabled = true
		return a, nil
	}

	path := filepath.Join(auditDir, fmt.Sprintf("audit_%d.out", os.Getpid()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, cterr.New(cterr.StoreError, cterr.WriteFailed, err)
	}
	a.auditFile = f
	a.auditPath = path

	if err := binary.Write(f, binary.BigEndian, TagServerStart); err != nil {
		f.Close()
		os.Remove(path)
		return nil, cterr.New(cterr.StoreError, cterr.WriteFailed, err)
	}
	log.Infof("audit: recording to %s", path)
	return a, nil
}

// Close releases the audit file without removing it.
func (a *Auditor) Close() error {
	a.auditMu.Lock()
	defer a.auditMu.Unlock()
	if a.auditFile == nil {
		return nil
	}
	err := a.auditFile.Close()
	a.auditFile = nil
	return err
}

// Observe validates the raw SCT-list blobs gathered from one connection
// against the peer's certificate chain. Identical (certificate, SCT-set)
// observations are validated and audit-recorded at most once per process
// lifetime; later observations return the cached outcome.
func (a *Auditor) Observe(chain []*x509.Certificate, blobs [][]byte) Outcome {
	key := dedupKey(chain, blobs)

	a.mu.Lock()
	if outcome, ok := a.results[key]; ok {
		a.mu.Unlock()
		return outcome
	}
	a.mu.Unlock()

	outcome, evidence := a.validate(chain, blobs)

	a.mu.Lock()
	if prior, ok := a.results[key]; ok {
		// Another connection carrying the same evidence won the race;
		// its audit record stands.
		a.mu.Unlock()
		return prior
	}
	a.results[key] = outcome
	a.mu.Unlock()

	a.record(chain, evidence)
	return outcome
}

// validate parses and verifies every SCT in the blobs. It returns the
// aggregate outcome and the structurally valid SCTs as audit evidence.
func (a *Auditor) validate(chain []*x509.Certificate, blobs [][]byte) (Outcome, [][]byte) {
	var leafDER []byte
	if len(chain) > 0 {
		leafDER = chain[0].Raw
	}

	now := a.clk.Now()
	var successes, failures, warnings int
	var evidence [][]byte

	for _, blob := range blobs {
		entries, err := sct.ParseList(blob)
		if err != nil {
			log.Warningf("audit: rejecting malformed SCT list: %v", err)
			warnings++
			continue
		}

		for _, raw := range entries {
			parsed, err := sct.Parse(raw)
			if err != nil {
				log.Warningf("audit: skipping malformed SCT: %v", err)
				warnings++
				continue
			}
			evidence = append(evidence, raw)

			if parsed.NotYetValid(now) {
				log.Errorf("audit: SCT not yet valid (timestamp %v)", parsed.Time())
				failures++
				continue
			}

			signedData, err := parsed.SignedData(leafDER)
			if err != nil {
				// No leaf certificate: verification is impossible,
				// which is distinct from an invalid signature.
				log.Warningf("audit: cannot reconstruct signed data: %v", err)
				warnings++
				continue
			}

			switch a.reg.Verify(parsed, signedData) {
			case registry.Verified:
				successes++
			case registry.SignatureInvalid:
				log.Errorf("audit: SCT signature verification failed")
				failures++
			case registry.LogUnknown:
				// Neither success nor failure: we have no opinion.
				log.Warningf("audit: SCT from unrecognized log")
				warnings++
			}
		}
	}

	switch {
	case failures > 0 && successes == 0:
		return Reject, evidence
	case failures > 0 || warnings > 0:
		return AcceptWithWarnings, evidence
	default:
		return Accept, evidence
	}
}

// dedupKey hashes the leaf fingerprint together with every raw SCT-list
// blob present, length-framed so blob boundaries cannot alias.
func dedupKey(chain []*x509.Certificate, blobs [][]byte) [sha256.Size]byte {
	h := sha256.New()
	if len(chain) > 0 {
		h.Write([]byte(helpers.Fingerprint(chain[0])))
	}
	var lenBuf [4]byte
	for _, blob := range blobs {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(blob)))
		h.Write(lenBuf[:])
		h.Write(blob)
	}
	var key [sha256.Size]byte
	h.Sum(key[:0])
	return key
}

// record appends one observation to the audit stream: every certificate
// of the chain (leaf first), then every evidence SCT. The first write
// failure permanently disables auditing for this process and removes the
// file, so a partially-written stream is never left behind.
func (a *Auditor) record(chain []*x509.Certificate, evidence [][]byte) {
	a.auditMu.Lock()
	defer a.auditMu.Unlock()
	if a.disabled || a.auditFile == nil {
		return
	}

	err := a.writeFrames(chain, evidence)
	if err != nil {
		log.Errorf("audit: write failed, disabling audit for this process: %v", err)
		a.auditFile.Close()
		os.Remove(a.auditPath)
		a.auditFile = nil
		a.disabled = true
	}
}

func (a *Auditor) writeFrames(chain []*x509.Certificate, evidence [][]byte) error {
	w := a.auditFile
	for _, cert := range chain {
		if err := writeFrame(w, TagCertStart, cert.Raw); err != nil {
			return err
		}
	}
	for _, raw := range evidence {
		if err := writeFrame(w, TagSCTStart, raw); err != nil {
			return err
		}
	}
	return nil
}

func writeFrame(w *os.File, tag uint16, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:2], tag)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
