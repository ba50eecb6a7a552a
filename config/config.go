// Package config contains the configuration logic for ctkeeper.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	cterr "github.com/ctkeeper/ctkeeper/errors"
	"github.com/ctkeeper/ctkeeper/log"
	"github.com/ctkeeper/ctkeeper/refresh"
	"github.com/ctkeeper/ctkeeper/store"
)

// Registry selects where trusted log keys come from. All nonempty sources
// are loaded; later sources override earlier ones per log ID.
type Registry struct {
	// PublicKeyDir holds one PEM public key file per trusted log.
	PublicKeyDir string `json:"public_key_dir"`
	// Database is a SQLite log-configuration database (loginfo table).
	Database string `json:"database"`
	// LogList is a CT log-list JSON document (v3 schema).
	LogList string `json:"log_list"`
}

// Config is the daemon configuration, loaded from JSON.
type Config struct {
	// StorageDir is the root of the per-certificate SCT cache.
	StorageDir string `json:"storage_dir"`

	// FetchTool is the external log-submission tool path.
	FetchTool string `json:"fetch_tool"`

	// CertificateFiles are PEM chain files, one per configured
	// certificate; virtual hosts may repeat a file.
	CertificateFiles []string `json:"certificate_files"`

	// TrustedLogs are the submission URLs of trusted logs. Empty means
	// the URLs recorded in the registry sources are used.
	TrustedLogs []string `json:"trusted_logs"`

	// AuditDir receives the per-process audit stream; empty disables
	// audit recording.
	AuditDir string `json:"audit_dir"`

	// MetricsAddr is the listen address for the Prometheus endpoint;
	// empty disables it.
	MetricsAddr string `json:"metrics_addr"`

	Registry Registry `json:"registry"`

	RefreshIntervalString string `json:"refresh_interval"`
	MaxSCTAgeString       string `json:"max_sct_age"`

	RefreshInterval time.Duration `json:"-"`
	MaxSCTAge       time.Duration `json:"-"`
}

// LoadFile attempts to load the configuration file stored at the path and
// returns the validated configuration.
func LoadFile(path string) (*Config, error) {
	log.Debugf("config: loading configuration file from %s", path)
	if path == "" {
		return nil, cterr.New(cterr.ConfigurationError, cterr.None,
			fmt.Errorf("invalid path"))
	}

	body, err := os.ReadFile(path)
	if err != nil {
		return nil, cterr.New(cterr.ConfigurationError, cterr.None,
			fmt.Errorf("could not read configuration file: %v", err))
	}
	return LoadConfig(body)
}

// LoadConfig attempts to load the configuration from a byte slice. On
// error, it returns nil.
func LoadConfig(body []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(body, &cfg); err != nil {
		return nil, cterr.New(cterr.ConfigurationError, cterr.None,
			fmt.Errorf("failed to unmarshal configuration: %v", err))
	}
	if err := cfg.parseDurations(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) parseDurations() error {
	c.RefreshInterval = refresh.DefaultInterval
	if c.RefreshIntervalString != "" {
		d, err := time.ParseDuration(c.RefreshIntervalString)
		if err != nil {
			return cterr.New(cterr.ConfigurationError, cterr.BadInterval, err)
		}
		c.RefreshInterval = d
	}

	c.MaxSCTAge = store.DefaultSCTAge
	if c.MaxSCTAgeString != "" {
		d, err := time.ParseDuration(c.MaxSCTAgeString)
		if err != nil {
			return cterr.New(cterr.ConfigurationError, cterr.BadInterval, err)
		}
		c.MaxSCTAge = d
	}
	return nil
}

func (c *Config) validate() error {
	if c.StorageDir == "" {
		return cterr.New(cterr.ConfigurationError, cterr.MissingDirectory,
			fmt.Errorf("storage_dir is required"))
	}
	if fi, err := os.Stat(c.StorageDir); err != nil || !fi.IsDir() {
		return cterr.New(cterr.ConfigurationError, cterr.MissingDirectory,
			fmt.Errorf("storage_dir %s is not a directory", c.StorageDir))
	}
	if c.FetchTool == "" {
		return cterr.New(cterr.ConfigurationError, cterr.MissingTool,
			fmt.Errorf("fetch_tool is required"))
	}
	if _, err := os.Stat(c.FetchTool); err != nil {
		return cterr.New(cterr.ConfigurationError, cterr.MissingTool,
			fmt.Errorf("fetch_tool %s: %v", c.FetchTool, err))
	}
	if len(c.CertificateFiles) == 0 {
		return cterr.New(cterr.ConfigurationError, cterr.None,
			fmt.Errorf("at least one certificate file is required"))
	}
	if c.RefreshInterval <= 0 {
		return cterr.New(cterr.ConfigurationError, cterr.BadInterval,
			fmt.Errorf("refresh_interval must be positive"))
	}
	if c.MaxSCTAge < store.MinSCTAge || c.MaxSCTAge > store.MaxSCTAge {
		return cterr.New(cterr.ConfigurationError, cterr.BadInterval,
			fmt.Errorf("max_sct_age %v outside [%v, %v]",
				c.MaxSCTAge, store.MinSCTAge, store.MaxSCTAge))
	}
	if c.Registry.PublicKeyDir == "" && c.Registry.Database == "" && c.Registry.LogList == "" {
		return cterr.New(cterr.ConfigurationError, cterr.BadRegistry,
			fmt.Errorf("at least one registry source is required"))
	}
	return nil
}
