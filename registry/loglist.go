package registry

import (
	"crypto/x509"
	"fmt"
	"os"

	"github.com/google/certificate-transparency-go/loglist3"

	cterr "github.com/ctkeeper/ctkeeper/errors"
	"github.com/ctkeeper/ctkeeper/log"
	"github.com/ctkeeper/ctkeeper/sct"
)

// LoadLogList registers every log from a CT log-list JSON document of the
// v3 schema (the format published by the CT ecosystem).
func (b *Builder) LoadLogList(data []byte) error {
	list, err := loglist3.NewFromJSON(data)
	if err != nil {
		return cterr.New(cterr.ConfigurationError, cterr.BadRegistry, err)
	}

	count := 0
	for _, op := range list.Operators {
		for _, l := range op.Logs {
			pub, err := x509.ParsePKIXPublicKey(l.Key)
			if err != nil {
				return cterr.New(cterr.ConfigurationError, cterr.BadRegistry,
					fmt.Errorf("log %q: %v", l.Description, err))
			}

			entry := Entry{PublicKey: pub, URL: l.URL, Description: l.Description}
			if len(l.LogID) == sct.LogIDSize {
				copy(entry.LogID[:], l.LogID)
			} else {
				id, err := LogID(pub)
				if err != nil {
					return cterr.New(cterr.ConfigurationError, cterr.BadRegistry, err)
				}
				entry.LogID = id
			}
			b.Register(entry)
			count++
		}
	}
	log.Infof("registry: loaded %d logs from log list", count)
	return nil
}

// LoadLogListFile is LoadLogList reading from a file.
func (b *Builder) LoadLogListFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return cterr.New(cterr.ConfigurationError, cterr.BadRegistry, err)
	}
	return b.LoadLogList(data)
}
