package registry

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func marshalPublicKeyPEM(t *testing.T, priv *ecdsa.PrivateKey) []byte {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(priv.Public())
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func TestLoadPublicKeyDir(t *testing.T) {
	dir := t.TempDir()

	priv1, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	priv2, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "pilot.pem"), marshalPublicKeyPEM(t, priv1), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rocketeer.pem"), marshalPublicKeyPEM(t, priv2), 0644))
	// Non-PEM files are ignored by the *.pem glob.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("not a key"), 0644))

	b := NewBuilder()
	require.NoError(t, b.LoadPublicKeyDir(dir))
	reg := b.Build()
	require.Equal(t, 2, reg.Len())

	id, err := LogID(priv1.Public())
	require.NoError(t, err)
	entry, ok := reg.Lookup(id)
	require.True(t, ok)
	require.Equal(t, "pilot", entry.Description)
}

func TestLoadPublicKeyPEMRejectsGarbage(t *testing.T) {
	b := NewBuilder()
	require.Error(t, b.LoadPublicKeyPEM([]byte("not pem at all"), "", "x"))
	require.Error(t, b.LoadPublicKeyPEM(pem.EncodeToMemory(&pem.Block{
		Type: "PUBLIC KEY", Bytes: []byte{0x01, 0x02},
	}), "", "x"))
}

func TestLoadDatabase(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	keyPEM := marshalPublicKeyPEM(t, priv)

	path := filepath.Join(t.TempDir(), "loginfo.db")
	db, err := sqlx.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE loginfo (
		id INTEGER PRIMARY KEY,
		log_id TEXT,
		public_key TEXT,
		url TEXT,
		distrusted INTEGER NOT NULL DEFAULT 0
	);`)
	require.NoError(t, err)

	idOnly := make([]byte, 32)
	idOnly[31] = 0x7f

	_, err = db.Exec(`INSERT INTO loginfo (id, log_id, public_key, url, distrusted) VALUES
		(1, NULL, ?, 'https://log1.example/', 0),
		(2, ?, NULL, 'https://log2.example/', 0),
		(3, NULL, ?, 'https://gone.example/', 1);`,
		string(keyPEM), hex.EncodeToString(idOnly), string(keyPEM))
	require.NoError(t, err)

	b := NewBuilder()
	require.NoError(t, b.LoadDatabase(path))
	reg := b.Build()
	require.Equal(t, 2, reg.Len(), "distrusted row must be skipped")

	keyID, err := LogID(priv.Public())
	require.NoError(t, err)
	entry, ok := reg.Lookup(keyID)
	require.True(t, ok)
	require.Equal(t, "https://log1.example/", entry.URL)

	var rawID [32]byte
	copy(rawID[:], idOnly)
	entry, ok = reg.Lookup(rawID)
	require.True(t, ok)
	require.Nil(t, entry.PublicKey)
}

func TestLoadLogList(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(priv.Public())
	require.NoError(t, err)

	id, err := LogID(priv.Public())
	require.NoError(t, err)

	doc := fmt.Sprintf(`{
		"version": "1.1",
		"operators": [
			{
				"name": "Example Op",
				"email": ["ct@example.com"],
				"logs": [
					{
						"description": "Example Log 2025",
						"log_id": %q,
						"key": %q,
						"url": "https://ct.example.com/2025/",
						"mmd": 86400
					}
				]
			}
		]
	}`, base64.StdEncoding.EncodeToString(id[:]), base64.StdEncoding.EncodeToString(der))

	b := NewBuilder()
	require.NoError(t, b.LoadLogList([]byte(doc)))
	reg := b.Build()
	require.Equal(t, 1, reg.Len())

	entry, ok := reg.Lookup(id)
	require.True(t, ok)
	require.Equal(t, "https://ct.example.com/2025/", entry.URL)
	require.Equal(t, []string{"https://ct.example.com/2025/"}, reg.URLs())
}
