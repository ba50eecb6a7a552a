// Package store maintains the on-disk SCT cache: one directory per
// certificate fingerprint holding the server chain, the trusted-log list,
// individual SCT files, and the collated bundle served during handshakes.
//
// Collation is atomic (write to a temp file, rename under a cross-process
// lock) so a concurrent reader never observes a half-written bundle, and
// an existing bundle stays valid until the rename completes.
package store

import (
	"context"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/jmhodges/clock"

	cterr "github.com/ctkeeper/ctkeeper/errors"
	"github.com/ctkeeper/ctkeeper/helpers"
	"github.com/ctkeeper/ctkeeper/log"
	"github.com/ctkeeper/ctkeeper/sct"
)

const (
	chainFileName    = "servercerts.pem"
	logsFileName     = "logs"
	collatedFileName = "collated"
	lockFileName     = ".collate.lock"
	sctSuffix        = ".sct"

	// machinePrefix marks SCT files fetched by the refresh path.
	// Administrator-supplied .sct files never carry it and are left
	// alone by trust-set reconciliation.
	machinePrefix = "ctkeeper_"

	// maxSCTFileSize bounds individual SCT files; RFC 6962 structures
	// cannot legitimately come near this.
	maxSCTFileSize = 1 << 16

	maxLogsFileSize = 1 << 20
)

// Bounds on the freshness policy.
const (
	MinSCTAge     = 10 * time.Second
	MaxSCTAge     = 12 * time.Hour
	DefaultSCTAge = time.Hour
)

// ErrNotFound reports that no collated bundle exists for a fingerprint.
var ErrNotFound = os.ErrNotExist

// FetchFunc obtains a fresh SCT for one log: submit the certificate file
// at submissionPath to logURL and write the raw SCT to responsePath. The
// refresh package supplies the subprocess-backed implementation.
type FetchFunc func(ctx context.Context, logURL, submissionPath, responsePath string) error

// Store is the SCT disk cache rooted at a single directory.
type Store struct {
	root   string
	maxAge time.Duration
	clk    clock.Clock
}

// New opens a store rooted at dir. maxAge controls when a machine-fetched
// SCT file is considered stale; zero selects the default of one hour.
func New(dir string, maxAge time.Duration, clk clock.Clock) (*Store, error) {
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return nil, cterr.New(cterr.ConfigurationError, cterr.MissingDirectory,
			fmt.Errorf("SCT storage directory %s is not usable", dir))
	}
	if maxAge == 0 {
		maxAge = DefaultSCTAge
	}
	if maxAge < MinSCTAge || maxAge > MaxSCTAge {
		return nil, cterr.New(cterr.ConfigurationError, cterr.BadInterval,
			fmt.Errorf("max SCT age %v outside [%v, %v]", maxAge, MinSCTAge, MaxSCTAge))
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Store{root: dir, maxAge: maxAge, clk: clk}, nil
}

// CertDir returns the directory for a certificate fingerprint.
func (s *Store) CertDir(fingerprint string) string {
	return filepath.Join(s.root, fingerprint)
}

// ChainPath returns the path of the stored server chain for a fingerprint.
func (s *Store) ChainPath(fingerprint string) string {
	return filepath.Join(s.CertDir(fingerprint), chainFileName)
}

// EnsureCertDir creates the per-certificate directory if needed and writes
// the server chain file. It returns the leaf fingerprint.
func (s *Store) EnsureCertDir(chain []*x509.Certificate) (string, error) {
	if len(chain) == 0 {
		return "", cterr.New(cterr.StoreError, cterr.WriteFailed,
			fmt.Errorf("empty certificate chain"))
	}
	fp := helpers.Fingerprint(chain[0])
	dir := s.CertDir(fp)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", cterr.New(cterr.StoreError, cterr.WriteFailed, err)
	}
	if err := os.WriteFile(s.ChainPath(fp), helpers.EncodeChainPEM(chain), 0644); err != nil {
		return "", cterr.New(cterr.StoreError, cterr.WriteFailed, err)
	}
	return fp, nil
}

// SCTPath derives the machine-fetched SCT filename for a log URL:
// prefix, host, port, and sanitized path.
func (s *Store) SCTPath(fingerprint, logURL string) (string, error) {
	u, err := url.Parse(logURL)
	if err != nil || u.Host == "" {
		return "", cterr.New(cterr.ConfigurationError, cterr.BadLogURL,
			fmt.Errorf("log URL %q: %v", logURL, err))
	}
	port := u.Port()
	if port == "" {
		if u.Scheme == "http" {
			port = "80"
		} else {
			port = "443"
		}
	}
	path := sanitizeComponent(strings.Trim(u.Path, "/"))
	if path == "" {
		path = "log"
	}
	name := machinePrefix + sanitizeComponent(u.Hostname()) + "_" + port + "_" + path + sctSuffix
	return filepath.Join(s.CertDir(fingerprint), name), nil
}

func sanitizeComponent(in string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-':
			return r
		default:
			return '-'
		}
	}, in)
}

// NeedsFetch reports whether the machine-fetched SCT file for logURL is
// missing or older than the configured maximum age.
func (s *Store) NeedsFetch(fingerprint, logURL string) (bool, error) {
	path, err := s.SCTPath(fingerprint, logURL)
	if err != nil {
		return false, err
	}
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, cterr.New(cterr.StoreError, cterr.ReadFailed, err)
	}
	return s.clk.Now().Sub(fi.ModTime()) > s.maxAge, nil
}

// ReconcileTrustedLogs compares the persisted trusted-log-URL list with
// the current one, removes machine-fetched SCT files for logs no longer
// trusted, and persists the new list. With no prior list (first run) all
// machine-fetched files are purged: there is no way to tell which logs
// produced them.
func (s *Store) ReconcileTrustedLogs(fingerprint string, trusted []string) error {
	dir := s.CertDir(fingerprint)
	logsPath := filepath.Join(dir, logsFileName)

	prior, err := helpers.ReadFileWithLimit(logsPath, maxLogsFileSize)
	switch {
	case os.IsNotExist(err):
		if err := s.purgeMachineFetched(fingerprint); err != nil {
			return err
		}
	case err != nil:
		return cterr.New(cterr.StoreError, cterr.ReadFailed, err)
	default:
		for _, old := range helpers.ParseLines(prior) {
			if helpers.InStrings(old, trusted) {
				continue
			}
			path, err := s.SCTPath(fingerprint, old)
			if err != nil {
				// An unparseable URL in the prior list cannot have a
				// machine-fetched file either.
				log.Warningf("store: ignoring malformed prior log URL %q", old)
				continue
			}
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return cterr.New(cterr.StoreError, cterr.WriteFailed, err)
			}
			log.Infof("store: removed SCT for no-longer-trusted log %s", old)
		}
	}

	data := strings.Join(trusted, "\n")
	if data != "" {
		data += "\n"
	}
	if err := os.WriteFile(logsPath, []byte(data), 0644); err != nil {
		return cterr.New(cterr.StoreError, cterr.WriteFailed, err)
	}
	return nil
}

func (s *Store) purgeMachineFetched(fingerprint string) error {
	matches, err := filepath.Glob(filepath.Join(s.CertDir(fingerprint), machinePrefix+"*"+sctSuffix))
	if err != nil {
		return cterr.New(cterr.StoreError, cterr.ReadFailed, err)
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return cterr.New(cterr.StoreError, cterr.WriteFailed, err)
		}
		log.Infof("store: purged machine-fetched SCT %s (no prior trusted-log list)", m)
	}
	return nil
}

// EnsureFresh brings one certificate's cache up to date: reconcile the
// trusted-log set, fetch an SCT for every trusted log whose file is
// missing or stale, and rebuild the collated bundle.
func (s *Store) EnsureFresh(ctx context.Context, chain []*x509.Certificate, trusted []string, fetch FetchFunc) error {
	fp, err := s.EnsureCertDir(chain)
	if err != nil {
		return err
	}
	if err := s.ReconcileTrustedLogs(fp, trusted); err != nil {
		return err
	}

	for _, logURL := range trusted {
		needed, err := s.NeedsFetch(fp, logURL)
		if err != nil {
			return err
		}
		if !needed {
			continue
		}
		path, err := s.SCTPath(fp, logURL)
		if err != nil {
			return err
		}
		if err := fetch(ctx, logURL, s.ChainPath(fp), path); err != nil {
			return err
		}
		fi, err := os.Stat(path)
		if err != nil || fi.Size() == 0 {
			return cterr.New(cterr.SubprocessError, cterr.EmptyResponse,
				fmt.Errorf("no SCT written for log %s", logURL))
		}
		log.Infof("store: fetched SCT for %s from %s", fp, logURL)
	}

	return s.Collate(fp)
}

// Collate rebuilds the collated bundle from the directory's current .sct
// files. The bundle is always rewritten, even when nothing changed, so its
// modification time records the last successful refresh pass. SCTs with a
// future timestamp are excluded with a warning; malformed files are
// skipped the same way rather than aborting the whole collation.
func (s *Store) Collate(fingerprint string) error {
	dir := s.CertDir(fingerprint)
	matches, err := filepath.Glob(filepath.Join(dir, "*"+sctSuffix))
	if err != nil {
		return cterr.New(cterr.StoreError, cterr.ReadFailed, err)
	}
	sort.Strings(matches)

	now := s.clk.Now()
	var entries [][]byte
	for _, path := range matches {
		raw, err := helpers.ReadFileWithLimit(path, maxSCTFileSize)
		if err != nil {
			return cterr.New(cterr.StoreError, cterr.ReadFailed, err)
		}
		parsed, err := sct.Parse(raw)
		if err != nil {
			log.Warningf("store: skipping malformed SCT file %s: %v", path, err)
			continue
		}
		if parsed.NotYetValid(now) {
			log.Warningf("store: skipping not-yet-valid SCT %s (timestamp %v)",
				path, parsed.Time())
			continue
		}
		entries = append(entries, raw)
	}

	collatedPath := filepath.Join(dir, collatedFileName)
	if len(entries) == 0 {
		log.Warningf("store: no valid SCTs for %s; leaving no bundle", fingerprint)
		return s.withBundleLock(func() error {
			if err := os.Remove(collatedPath); err != nil && !os.IsNotExist(err) {
				return cterr.New(cterr.StoreError, cterr.WriteFailed, err)
			}
			return nil
		})
	}

	bundle, err := sct.SerializeList(entries)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, collatedFileName+".tmp")
	if err != nil {
		return cterr.New(cterr.StoreError, cterr.WriteFailed, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(bundle); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return cterr.New(cterr.StoreError, cterr.WriteFailed, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return cterr.New(cterr.StoreError, cterr.WriteFailed, err)
	}

	hadBundle := false
	if _, err := os.Stat(collatedPath); err == nil {
		hadBundle = true
	}

	err = s.withBundleLock(func() error {
		if err := os.Rename(tmpName, collatedPath); err != nil {
			return cterr.New(cterr.StoreError, cterr.RenameFailed, err)
		}
		return nil
	})
	if err != nil {
		os.Remove(tmpName)
		if hadBundle {
			// The previous bundle is still intact and valid; report
			// the failure without failing the refresh pass.
			log.Errorf("store: could not replace bundle for %s: %v", fingerprint, err)
			return nil
		}
		return err
	}

	log.Debugf("store: collated %d SCTs for %s", len(entries), fingerprint)
	return nil
}

// ReadCollated returns the collated bundle for a fingerprint, holding the
// cross-process lock for the duration of the read so a rebuild cannot be
// observed mid-replacement. Returns ErrNotFound when no bundle exists.
func (s *Store) ReadCollated(fingerprint string) ([]byte, error) {
	var out []byte
	err := s.withBundleReadLock(func() error {
		data, err := os.ReadFile(filepath.Join(s.CertDir(fingerprint), collatedFileName))
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		if err != nil {
			return cterr.New(cterr.StoreError, cterr.ReadFailed, err)
		}
		out = data
		return nil
	})
	return out, err
}

// The bundle lock is a single named lock file at the store root: rebuilds
// take it exclusively around the rename, readers take it shared around the
// read. It is never held across subprocess or network I/O.
func (s *Store) lockPath() string {
	return filepath.Join(s.root, lockFileName)
}

func (s *Store) withBundleLock(fn func() error) error {
	lk := flock.New(s.lockPath())
	if err := lk.Lock(); err != nil {
		return cterr.New(cterr.StoreError, cterr.LockFailed, err)
	}
	defer lk.Unlock()
	return fn()
}

func (s *Store) withBundleReadLock(fn func() error) error {
	lk := flock.New(s.lockPath())
	if err := lk.RLock(); err != nil {
		return cterr.New(cterr.StoreError, cterr.LockFailed, err)
	}
	defer lk.Unlock()
	return fn()
}
