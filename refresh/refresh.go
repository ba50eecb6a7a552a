// Package refresh drives the periodic SCT refresh pass: it walks every
// configured certificate, asks the store to bring its cache up to date,
// and supplies the external log-submission tool as the fetch collaborator.
package refresh

import (
	"context"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"github.com/cloudflare/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	cterr "github.com/ctkeeper/ctkeeper/errors"
	"github.com/ctkeeper/ctkeeper/helpers"
	"github.com/ctkeeper/ctkeeper/log"
	"github.com/ctkeeper/ctkeeper/store"
)

// DefaultInterval is the period between refresh passes.
const DefaultInterval = 30 * time.Second

// DefaultFetchTimeout bounds one invocation of the submission tool.
const DefaultFetchTimeout = 30 * time.Second

var (
	passes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctkeeper_refresh_passes_total",
			Help: "How many refresh passes completed, by result.",
		},
		[]string{"result"},
	)
	fetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctkeeper_sct_fetches_total",
			Help: "How many SCT fetch subprocess invocations ran, by result.",
		},
		[]string{"result"},
	)
	lastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ctkeeper_refresh_last_success_timestamp_seconds",
			Help: "Unix time of the last fully successful refresh pass.",
		},
	)
)

// Options configures a Refresher.
type Options struct {
	Store *store.Store

	// CertificateFiles are the PEM chain files of every configured
	// server certificate. Files sharing a leaf are deduplicated per
	// pass by fingerprint.
	CertificateFiles []string

	// TrustedLogs are the submission URLs of the currently trusted logs.
	TrustedLogs []string

	// ToolPath locates the external log-submission tool.
	ToolPath string

	// Interval between passes; zero selects DefaultInterval.
	Interval time.Duration

	// FetchTimeout bounds each tool invocation; zero selects
	// DefaultFetchTimeout.
	FetchTimeout time.Duration
}

// Refresher owns the refresh schedule. At most one pass is in flight at a
// time; Run is the long-lived daemon loop and Startup is the fail-closed
// first pass.
type Refresher struct {
	store        *store.Store
	certFiles    []string
	trustedLogs  []string
	toolPath     string
	interval     time.Duration
	fetchTimeout time.Duration
	retry        *backoff.Backoff

	// passMu serializes refresh passes.
	passMu sync.Mutex
}

// New validates the options and returns a Refresher.
func New(opts Options) (*Refresher, error) {
	if opts.Store == nil {
		return nil, cterr.New(cterr.ConfigurationError, cterr.MissingDirectory,
			fmt.Errorf("refresh requires a store"))
	}
	if opts.ToolPath == "" {
		return nil, cterr.New(cterr.ConfigurationError, cterr.MissingTool,
			fmt.Errorf("no log submission tool configured"))
	}
	if len(opts.CertificateFiles) == 0 {
		return nil, cterr.New(cterr.ConfigurationError, cterr.BadRegistry,
			fmt.Errorf("no certificates configured"))
	}
	interval := opts.Interval
	if interval == 0 {
		interval = DefaultInterval
	}
	timeout := opts.FetchTimeout
	if timeout == 0 {
		timeout = DefaultFetchTimeout
	}
	return &Refresher{
		store:        opts.Store,
		certFiles:    opts.CertificateFiles,
		trustedLogs:  opts.TrustedLogs,
		toolPath:     opts.ToolPath,
		interval:     interval,
		fetchTimeout: timeout,
		retry:        backoff.New(10*interval, interval),
	}, nil
}

// Startup runs one refresh pass and fails closed: the caller must not
// begin accepting connections unless it returns nil.
func (r *Refresher) Startup(ctx context.Context) error {
	log.Info("refresh: running startup pass")
	if err := r.Pass(ctx); err != nil {
		return fmt.Errorf("startup refresh pass failed: %w", err)
	}
	return nil
}

// Run executes refresh passes until ctx is cancelled. The sleep between
// passes is interruptible; an in-flight fetch subprocess runs to its own
// timeout rather than being killed, since a partial result is simply
// discarded next pass.
func (r *Refresher) Run(ctx context.Context) {
	wait := r.interval
	for {
		select {
		case <-ctx.Done():
			log.Info("refresh: shutting down")
			return
		case <-time.After(wait):
		}

		if err := r.Pass(ctx); err != nil {
			log.Errorf("refresh: pass failed, will retry: %v", err)
			wait = r.retry.Duration()
		} else {
			r.retry.Reset()
			wait = r.interval
		}
	}
}

// Pass walks every distinct configured certificate and brings its cache
// up to date. The first per-certificate failure aborts the whole pass;
// the next cycle retries everything.
func (r *Refresher) Pass(ctx context.Context) error {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	chains, err := r.distinctChains()
	if err != nil {
		passes.WithLabelValues("failure").Inc()
		return err
	}

	for fp, chain := range chains {
		if err := r.store.EnsureFresh(ctx, chain, r.trustedLogs, r.fetch); err != nil {
			passes.WithLabelValues("failure").Inc()
			return fmt.Errorf("certificate %s: %w", fp, err)
		}
	}

	passes.WithLabelValues("success").Inc()
	lastSuccess.SetToCurrentTime()
	log.Debugf("refresh: pass completed for %d certificates", len(chains))
	return nil
}

// distinctChains loads every configured chain file and deduplicates by
// leaf fingerprint, so virtual hosts sharing a certificate refresh once.
func (r *Refresher) distinctChains() (map[string][]*x509.Certificate, error) {
	chains := make(map[string][]*x509.Certificate)
	for _, file := range r.certFiles {
		chain, err := helpers.LoadChainFile(file)
		if err != nil {
			return nil, fmt.Errorf("certificate file %s: %w", file, err)
		}
		chains[helpers.Fingerprint(chain[0])] = chain
	}
	return chains, nil
}
