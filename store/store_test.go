package store

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/require"

	"github.com/ctkeeper/ctkeeper/helpers"
	"github.com/ctkeeper/ctkeeper/sct"
)

const (
	logURL1 = "https://log1.example.com/ct/v1/"
	logURL2 = "https://log2.example.com:8080/ct/v1/"
)

// rawSCT builds a structurally valid SCT with the given timestamp.
func rawSCT(timestamp uint64) []byte {
	var buf bytes.Buffer
	buf.WriteByte(0)
	buf.Write(bytes.Repeat([]byte{0x11}, sct.LogIDSize))
	binary.Write(&buf, binary.BigEndian, timestamp)
	binary.Write(&buf, binary.BigEndian, uint16(0)) // extensions
	buf.WriteByte(4)
	buf.WriteByte(3)
	binary.Write(&buf, binary.BigEndian, uint16(2))
	buf.Write([]byte{0xbe, 0xef})
	return buf.Bytes()
}

func testChain(t *testing.T) []*x509.Certificate {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "store.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, priv.Public(), priv)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return []*x509.Certificate{cert}
}

func newTestStore(t *testing.T, clk clock.Clock) *Store {
	t.Helper()
	s, err := New(t.TempDir(), time.Hour, clk)
	require.NoError(t, err)
	return s
}

func TestNewValidatesArguments(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing"), time.Hour, nil)
	require.Error(t, err)

	_, err = New(t.TempDir(), 5*time.Second, nil)
	require.Error(t, err, "below the 10s minimum")

	_, err = New(t.TempDir(), 13*time.Hour, nil)
	require.Error(t, err, "above the 12h maximum")

	s, err := New(t.TempDir(), 0, nil)
	require.NoError(t, err)
	require.Equal(t, DefaultSCTAge, s.maxAge)
}

func TestSCTPathNaming(t *testing.T) {
	s := newTestStore(t, nil)

	p, err := s.SCTPath("fp", logURL1)
	require.NoError(t, err)
	require.Equal(t, "ctkeeper_log1.example.com_443_ct-v1.sct", filepath.Base(p))

	p, err = s.SCTPath("fp", logURL2)
	require.NoError(t, err)
	require.Equal(t, "ctkeeper_log2.example.com_8080_ct-v1.sct", filepath.Base(p))

	_, err = s.SCTPath("fp", "://bad")
	require.Error(t, err)
}

func TestNeedsFetchFreshness(t *testing.T) {
	fc := clock.NewFake()
	fc.Set(time.Unix(1700000000, 0))
	s := newTestStore(t, fc)

	fp := "0000fingerprint"
	require.NoError(t, os.MkdirAll(s.CertDir(fp), 0755))

	needed, err := s.NeedsFetch(fp, logURL1)
	require.NoError(t, err)
	require.True(t, needed, "missing file is fetched unconditionally")

	path, err := s.SCTPath(fp, logURL1)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, rawSCT(1), 0644))

	// mtime 3599s in the past: still fresh.
	stamp := fc.Now().Add(-3599 * time.Second)
	require.NoError(t, os.Chtimes(path, stamp, stamp))
	needed, err = s.NeedsFetch(fp, logURL1)
	require.NoError(t, err)
	require.False(t, needed)

	// mtime 3601s in the past: stale.
	stamp = fc.Now().Add(-3601 * time.Second)
	require.NoError(t, os.Chtimes(path, stamp, stamp))
	needed, err = s.NeedsFetch(fp, logURL1)
	require.NoError(t, err)
	require.True(t, needed)
}

func TestReconcileTrustShrink(t *testing.T) {
	s := newTestStore(t, nil)
	fp := "1111fingerprint"
	require.NoError(t, os.MkdirAll(s.CertDir(fp), 0755))

	path1, _ := s.SCTPath(fp, logURL1)
	path2, _ := s.SCTPath(fp, logURL2)
	require.NoError(t, os.WriteFile(path1, rawSCT(1), 0644))
	require.NoError(t, os.WriteFile(path2, rawSCT(2), 0644))

	// First pass trusts both logs.
	require.NoError(t, s.ReconcileTrustedLogs(fp, []string{logURL1, logURL2}))
	require.FileExists(t, path1)
	require.FileExists(t, path2)

	// Trust shrinks to log1: the machine-fetched file for log2 goes.
	require.NoError(t, s.ReconcileTrustedLogs(fp, []string{logURL1}))
	require.FileExists(t, path1)
	require.NoFileExists(t, path2)

	// And the dropped log's SCT never reappears in the bundle.
	require.NoError(t, s.Collate(fp))
	bundle, err := s.ReadCollated(fp)
	require.NoError(t, err)
	entries, err := sct.ParseList(bundle)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, rawSCT(1), entries[0])
}

func TestReconcileFirstRunPurgesMachineFetched(t *testing.T) {
	s := newTestStore(t, nil)
	fp := "2222fingerprint"
	require.NoError(t, os.MkdirAll(s.CertDir(fp), 0755))

	machine, _ := s.SCTPath(fp, logURL1)
	admin := filepath.Join(s.CertDir(fp), "admin-supplied.sct")
	require.NoError(t, os.WriteFile(machine, rawSCT(1), 0644))
	require.NoError(t, os.WriteFile(admin, rawSCT(2), 0644))

	// No prior logs file: machine-fetched files are purged
	// conservatively, administrator-supplied ones stay.
	require.NoError(t, s.ReconcileTrustedLogs(fp, []string{logURL1}))
	require.NoFileExists(t, machine)
	require.FileExists(t, admin)
}

func TestCollateIdempotence(t *testing.T) {
	s := newTestStore(t, nil)
	fp := "3333fingerprint"
	require.NoError(t, os.MkdirAll(s.CertDir(fp), 0755))

	path1, _ := s.SCTPath(fp, logURL1)
	require.NoError(t, os.WriteFile(path1, rawSCT(10), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(s.CertDir(fp), "extra.sct"), rawSCT(20), 0644))

	require.NoError(t, s.Collate(fp))
	first, err := s.ReadCollated(fp)
	require.NoError(t, err)

	require.NoError(t, s.Collate(fp))
	second, err := s.ReadCollated(fp)
	require.NoError(t, err)

	require.Equal(t, first, second, "unchanged directory must collate bit-identically")

	entries, err := sct.ParseList(first)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestCollateExcludesFutureSCTs(t *testing.T) {
	fc := clock.NewFake()
	fc.Set(time.Unix(1700000000, 0))
	s := newTestStore(t, fc)
	fp := "4444fingerprint"
	require.NoError(t, os.MkdirAll(s.CertDir(fp), 0755))

	past := uint64(fc.Now().Add(-time.Hour).UnixMilli())
	future := uint64(fc.Now().Add(time.Hour).UnixMilli())
	require.NoError(t, os.WriteFile(filepath.Join(s.CertDir(fp), "a.sct"), rawSCT(past), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(s.CertDir(fp), "b.sct"), rawSCT(future), 0644))

	require.NoError(t, s.Collate(fp))
	bundle, err := s.ReadCollated(fp)
	require.NoError(t, err)
	entries, err := sct.ParseList(bundle)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, rawSCT(past), entries[0])
}

func TestCollateSkipsMalformedFiles(t *testing.T) {
	s := newTestStore(t, nil)
	fp := "5555fingerprint"
	require.NoError(t, os.MkdirAll(s.CertDir(fp), 0755))

	require.NoError(t, os.WriteFile(filepath.Join(s.CertDir(fp), "good.sct"), rawSCT(1), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(s.CertDir(fp), "bad.sct"), []byte{0x00, 0x01}, 0644))

	require.NoError(t, s.Collate(fp))
	bundle, err := s.ReadCollated(fp)
	require.NoError(t, err)
	entries, err := sct.ParseList(bundle)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestCollateRemovesBundleWhenNothingValid(t *testing.T) {
	s := newTestStore(t, nil)
	fp := "6666fingerprint"
	require.NoError(t, os.MkdirAll(s.CertDir(fp), 0755))

	require.NoError(t, os.WriteFile(filepath.Join(s.CertDir(fp), "a.sct"), rawSCT(1), 0644))
	require.NoError(t, s.Collate(fp))
	_, err := s.ReadCollated(fp)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(s.CertDir(fp), "a.sct")))
	require.NoError(t, s.Collate(fp))
	_, err = s.ReadCollated(fp)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestReadCollatedNotFound(t *testing.T) {
	s := newTestStore(t, nil)
	_, err := s.ReadCollated("nothere")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestEnsureFresh(t *testing.T) {
	s := newTestStore(t, nil)
	chain := testChain(t)
	fp := helpers.Fingerprint(chain[0])

	var fetched []string
	fetch := func(ctx context.Context, logURL, submissionPath, responsePath string) error {
		fetched = append(fetched, logURL)
		require.FileExists(t, submissionPath, "chain must be on disk before fetching")
		return os.WriteFile(responsePath, rawSCT(100), 0644)
	}

	require.NoError(t, s.EnsureFresh(context.Background(), chain, []string{logURL1, logURL2}, fetch))
	require.Equal(t, []string{logURL1, logURL2}, fetched)

	bundle, err := s.ReadCollated(fp)
	require.NoError(t, err)
	entries, err := sct.ParseList(bundle)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// A second pass finds everything fresh and fetches nothing, but the
	// bundle is rewritten regardless.
	fetched = nil
	require.NoError(t, s.EnsureFresh(context.Background(), chain, []string{logURL1, logURL2}, fetch))
	require.Empty(t, fetched)
}

func TestEnsureFreshEmptyResponse(t *testing.T) {
	s := newTestStore(t, nil)
	chain := testChain(t)

	fetch := func(ctx context.Context, logURL, submissionPath, responsePath string) error {
		return os.WriteFile(responsePath, nil, 0644)
	}
	err := s.EnsureFresh(context.Background(), chain, []string{logURL1}, fetch)
	require.Error(t, err)
}

func TestEnsureFreshPropagatesFetchError(t *testing.T) {
	s := newTestStore(t, nil)
	chain := testChain(t)

	fetch := func(ctx context.Context, logURL, submissionPath, responsePath string) error {
		return errors.New("log unreachable")
	}
	err := s.EnsureFresh(context.Background(), chain, []string{logURL1}, fetch)
	require.Error(t, err)
}
