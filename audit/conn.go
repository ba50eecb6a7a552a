package audit

import (
	"crypto/x509"
	"fmt"
	"sync"
)

// ConnState tracks where one connection stands in the CT exchange. The
// host's handshake integration layer drives the transitions with explicit
// method calls.
type ConnState int

const (
	// AwaitingClientSignal: the handshake has not yet shown whether the
	// peer is CT-aware.
	AwaitingClientSignal ConnState = iota
	// SentServerEvidence: our collated bundle went out in the handshake.
	SentServerEvidence
	// Validated: received evidence has been through Observe.
	Validated
)

func (s ConnState) String() string {
	switch s {
	case AwaitingClientSignal:
		return "awaiting-client-signal"
	case SentServerEvidence:
		return "sent-server-evidence"
	case Validated:
		return "validated"
	}
	return "unknown state"
}

// Conn is the per-connection CT record. It lives for one connection and
// owns its certificate chain: nothing here is shared across connections.
type Conn struct {
	mu        sync.Mutex
	state     ConnState
	peerAware bool
	outcome   Outcome
}

// NewConn returns a connection record in AwaitingClientSignal.
func NewConn() *Conn {
	return &Conn{state: AwaitingClientSignal}
}

// ClientSignal records that the peer advertised the CT TLS extension.
func (c *Conn) ClientSignal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerAware = true
}

// EvidenceSent records that the server's collated bundle was handed to
// the peer. Only valid before validation.
func (c *Conn) EvidenceSent() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Validated {
		return fmt.Errorf("evidence sent after validation")
	}
	c.state = SentServerEvidence
	return nil
}

// Validate runs the received evidence through the auditor and moves the
// connection to Validated. Calling it twice is an error; the first
// outcome stands.
func (c *Conn) Validate(a *Auditor, chain []*x509.Certificate, blobs [][]byte) (Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Validated {
		return c.outcome, fmt.Errorf("connection already validated")
	}
	if len(blobs) > 0 {
		c.peerAware = true
	}
	c.outcome = a.Observe(chain, blobs)
	c.state = Validated
	return c.outcome, nil
}

// State returns the current handshake state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PeerStatus is the CT-awareness signal for exposure on requests, e.g.
// as a server environment variable.
func (c *Conn) PeerStatus() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peerAware {
		return "peer-aware"
	}
	return "peer-unaware"
}

// Outcome returns the validation outcome; meaningful once Validated.
func (c *Conn) Outcome() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome
}
