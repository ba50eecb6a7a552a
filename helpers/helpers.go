// Package helpers implements utility functionality common to many
// ctkeeper packages.
package helpers

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"strings"

	cterr "github.com/ctkeeper/ctkeeper/errors"
)

// ParseCertificatesPEM parses a sequence of PEM-encoded certificates and
// returns them, leaf first.
func ParseCertificatesPEM(certsPEM []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	certsPEM = bytes.TrimSpace(certsPEM)
	for len(certsPEM) > 0 {
		block, rest := pem.Decode(certsPEM)
		if block == nil {
			return nil, cterr.New(cterr.ConfigurationError, cterr.BadRegistry,
				fmt.Errorf("trailing non-PEM data in certificate file"))
		}
		if block.Type != "CERTIFICATE" {
			certsPEM = bytes.TrimSpace(rest)
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, cterr.New(cterr.ConfigurationError, cterr.BadRegistry, err)
		}
		certs = append(certs, cert)
		certsPEM = bytes.TrimSpace(rest)
	}
	if len(certs) == 0 {
		return nil, cterr.New(cterr.ConfigurationError, cterr.BadRegistry,
			fmt.Errorf("no certificates found"))
	}
	return certs, nil
}

// LoadChainFile reads a PEM file holding a server certificate chain, leaf
// first.
func LoadChainFile(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cterr.New(cterr.ConfigurationError, cterr.BadRegistry, err)
	}
	return ParseCertificatesPEM(data)
}

// EncodeChainPEM renders a certificate chain back to PEM, leaf first.
func EncodeChainPEM(chain []*x509.Certificate) []byte {
	var buf bytes.Buffer
	for _, cert := range chain {
		pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	}
	return buf.Bytes()
}

// Fingerprint returns the lowercase hex SHA-256 digest of the
// certificate's DER encoding, the key under which its SCTs are cached.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// ReadFileWithLimit reads a whole file, refusing files larger than limit
// so a corrupt cache entry cannot balloon memory.
func ReadFileWithLimit(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() > limit {
		return nil, fmt.Errorf("size %d of %s exceeds limit %d", fi.Size(), path, limit)
	}
	return io.ReadAll(f)
}

// ParseLines splits newline-separated text into trimmed, nonempty lines.
// This is the format of the per-certificate trusted-log-URL file.
func ParseLines(data []byte) []string {
	var out []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// InStrings reports whether needle appears in haystack.
func InStrings(needle string, haystack []string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
