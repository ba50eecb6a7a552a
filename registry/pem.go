package registry

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	cterr "github.com/ctkeeper/ctkeeper/errors"
	"github.com/ctkeeper/ctkeeper/log"
)

// LoadPublicKeyPEM registers a log from a PEM-encoded public key. The log
// ID is derived from the key itself.
func (b *Builder) LoadPublicKeyPEM(data []byte, url, description string) error {
	block, _ := pem.Decode(data)
	if block == nil || !strings.Contains(block.Type, "PUBLIC KEY") {
		return cterr.New(cterr.ConfigurationError, cterr.BadRegistry,
			fmt.Errorf("no public key PEM block found"))
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return cterr.New(cterr.ConfigurationError, cterr.BadRegistry, err)
	}
	return b.RegisterKey(pub, url, description)
}

// LoadPublicKeyDir registers one log per *.pem file in dir. The file's
// base name serves as the log description; submission URLs are not
// recoverable from bare keys and stay empty.
func (b *Builder) LoadPublicKeyDir(dir string) error {
	names, err := filepath.Glob(filepath.Join(dir, "*.pem"))
	if err != nil {
		return cterr.New(cterr.ConfigurationError, cterr.BadRegistry, err)
	}

	for _, name := range names {
		data, err := os.ReadFile(name)
		if err != nil {
			return cterr.New(cterr.ConfigurationError, cterr.BadRegistry, err)
		}
		desc := strings.TrimSuffix(filepath.Base(name), ".pem")
		if err := b.LoadPublicKeyPEM(data, "", desc); err != nil {
			return fmt.Errorf("log public key %s: %w", name, err)
		}
		log.Debugf("registry: loaded log public key from %s", name)
	}
	return nil
}
