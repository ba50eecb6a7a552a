package registry

import (
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	cterr "github.com/ctkeeper/ctkeeper/errors"
	"github.com/ctkeeper/ctkeeper/log"
	"github.com/ctkeeper/ctkeeper/sct"
)

// loginfo is the log-configuration schema: one row per log, holding the
// PEM public key, the submission URL, and a distrusted flag. log_id may be
// NULL, in which case it is derived from the public key.
const selectLogInfoSQL = `
SELECT id, log_id, public_key, url, distrusted FROM loginfo ORDER BY id;`

type logInfoRecord struct {
	ID         int            `db:"id"`
	LogID      sql.NullString `db:"log_id"`
	PublicKey  sql.NullString `db:"public_key"`
	URL        sql.NullString `db:"url"`
	Distrusted int            `db:"distrusted"`
}

// LoadDatabase registers logs from a SQLite log-configuration database.
// Distrusted rows are skipped; rows without a public key are registered by
// their explicit log ID only, which supports receive-side recognition but
// never signature verification.
func (b *Builder) LoadDatabase(path string) error {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return cterr.New(cterr.ConfigurationError, cterr.BadRegistry, err)
	}
	defer db.Close()

	var records []logInfoRecord
	if err := db.Select(&records, selectLogInfoSQL); err != nil {
		return cterr.New(cterr.ConfigurationError, cterr.BadRegistry, err)
	}

	for _, rec := range records {
		if rec.Distrusted != 0 {
			log.Infof("registry: skipping distrusted log row %d", rec.ID)
			continue
		}
		if err := b.loadRecord(rec); err != nil {
			return fmt.Errorf("loginfo row %d: %w", rec.ID, err)
		}
	}
	log.Infof("registry: loaded %d log configuration rows from %s", len(records), path)
	return nil
}

func (b *Builder) loadRecord(rec logInfoRecord) error {
	desc := fmt.Sprintf("loginfo-%d", rec.ID)

	if rec.PublicKey.Valid && rec.PublicKey.String != "" {
		return b.LoadPublicKeyPEM([]byte(rec.PublicKey.String), rec.URL.String, desc)
	}

	if !rec.LogID.Valid {
		return cterr.New(cterr.ConfigurationError, cterr.BadRegistry,
			fmt.Errorf("row has neither public key nor log ID"))
	}
	raw, err := hex.DecodeString(rec.LogID.String)
	if err != nil || len(raw) != sct.LogIDSize {
		return cterr.New(cterr.ConfigurationError, cterr.BadRegistry,
			fmt.Errorf("malformed log ID %q", rec.LogID.String))
	}
	var id [sct.LogIDSize]byte
	copy(id[:], raw)
	b.Register(Entry{LogID: id, URL: rec.URL.String, Description: desc})
	return nil
}
