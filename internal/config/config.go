// Package config defines the JSON-serializable configuration of koboetl: the
// storage backend, the Kobo sources to sync, the semantic datasets built over
// them, and the runtime knobs of the sync engine, scheduler and server.
//
// A configuration file is JSON; files ending in .yaml or .yml are decoded
// with yaml.v3 and then read through the same json tags, so both formats
// share one schema.
//
// Example (trimmed):
//
//	{
//	  "storage": { "kind": "sqlite", "dsn": "kobo.db" },
//	  "sources": [
//	    { "name": "cases", "server_url": "https://kf.kobotoolbox.org",
//	      "asset_uid": "aBc123", "token": "...", "schedule": "*/30 * * * *" }
//	  ],
//	  "datasets": [
//	    { "name": "surveillance", "source": "cases",
//	      "dimensions": [{ "code": "region", "path": "grp/region" }],
//	      "measures": [{ "code": "sick", "path": "sick", "transform": "to_number" }] }
//	  ]
//	}
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"koboetl/internal/datasource/httpds"
	"koboetl/internal/semantic"
	"koboetl/internal/source"
	"koboetl/internal/storage"
	"koboetl/internal/syncer"
)

// Defaults applied by Load when a field is left empty.
const (
	DefaultStorageKind = "sqlite"
	DefaultPageSize    = 500
	DefaultMaxLength   = 255
	DefaultServerAddr  = ":8080"
)

// Config is the top-level object decoded from a configuration file.
type Config struct {
	Storage  Storage            `json:"storage"`
	HTTP     HTTP               `json:"http"`
	Sources  []Source           `json:"sources"`
	Datasets []semantic.Dataset `json:"datasets"`
	Runtime  Runtime            `json:"runtime"`
	Metrics  Metrics            `json:"metrics"`
	Server   Server             `json:"server"`
}

// Storage selects the database holding entities, wide rows and snapshots.
type Storage struct {
	// Kind is a registered backend: sqlite, postgres, mysql or mssql.
	Kind string `json:"kind"`
	// DSN is passed to the backend driver unchanged.
	DSN string `json:"dsn"`
	// MaxOpenConns overrides the backend default when > 0.
	MaxOpenConns int `json:"max_open_conns,omitempty"`
}

// HTTP tunes the client used against Kobo servers.
type HTTP struct {
	Timeout            Duration `json:"timeout"`
	MaxRetries         int      `json:"max_retries"`
	InitialBackoff     Duration `json:"initial_backoff"`
	MaxBackoff         Duration `json:"max_backoff"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify"`
}

// Source is one Kobo asset synced into its own parent table.
type Source struct {
	// Name identifies the form in cursors, locks, datasets and the CLI.
	Name      string      `json:"name"`
	ServerURL string      `json:"server_url"`
	AssetUID  string      `json:"asset_uid"`
	Token     string      `json:"token"`
	Mode      source.Mode `json:"mode,omitempty"`
	PageSize  int         `json:"page_size,omitempty"`
	// Table is the parent table name; empty means kobo_<name>.
	Table        string   `json:"table,omitempty"`
	RepeatGroups []string `json:"repeat_groups,omitempty"`
	MaxLength    int      `json:"max_length,omitempty"`
	// Schedule is a five-field cron expression; empty means manual only.
	Schedule string `json:"schedule,omitempty"`
	// Active defaults to true when omitted.
	Active *bool `json:"active,omitempty"`
}

// IsActive reports whether s takes part in full syncs and schedules.
func (s Source) IsActive() bool { return s.Active == nil || *s.Active }

// Runtime controls batching, parallelism and lock expiry of the sync engine.
type Runtime struct {
	BatchSize   int      `json:"batch_size"`
	Concurrency int      `json:"concurrency"`
	LockTTL     Duration `json:"lock_ttl"`
}

// Metrics selects the metrics backend.
type Metrics struct {
	// Backend is none, pushgateway or datadog.
	Backend        string `json:"backend"`
	JobName        string `json:"job_name,omitempty"`
	PushgatewayURL string `json:"pushgateway_url,omitempty"`
	DatadogAddr    string `json:"datadog_addr,omitempty"`
}

// Server configures the HTTP surface.
type Server struct {
	Addr string `json:"addr"`
}

// Duration decodes from a Go duration string ("30s", "6h") or from a number
// of seconds.
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case nil:
		*d = 0
	case float64:
		*d = Duration(x * float64(time.Second))
	case string:
		if strings.TrimSpace(x) == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("config: duration %q: %w", x, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("config: duration must be a string or a number, got %s", b)
	}
	return nil
}

// Load reads the configuration at path and applies defaults. It does not
// validate; call Validate on the result.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		b, err = yamlToJSON(b)
		if err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg, err := Decode(b)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Decode parses a JSON document and applies defaults. Unknown fields are
// rejected so typos surface at load time.
func Decode(b []byte) (*Config, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// yamlToJSON re-encodes a YAML document as JSON. Mapping keys must be
// strings.
func yamlToJSON(b []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return json.Marshal(doc)
}

func (c *Config) applyDefaults() {
	if c.Storage.Kind == "" {
		c.Storage.Kind = DefaultStorageKind
	}
	c.Storage.Kind = strings.ToLower(c.Storage.Kind)
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}
	for i := range c.Sources {
		s := &c.Sources[i]
		if s.Mode == "" {
			s.Mode = source.ModeAuto
		}
		if s.PageSize <= 0 {
			s.PageSize = DefaultPageSize
		}
		if s.MaxLength <= 0 {
			s.MaxLength = DefaultMaxLength
		}
		if s.Table == "" && s.Name != "" {
			s.Table = semantic.Alias("kobo_" + s.Name)
		}
	}
}

// Source returns the source called name.
func (c *Config) Source(name string) (Source, bool) {
	for _, s := range c.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return Source{}, false
}

// StorageConfig converts the storage section for storage.Open.
func (c *Config) StorageConfig() storage.Config {
	return storage.Config{Kind: c.Storage.Kind, DSN: c.Storage.DSN, MaxOpenConns: c.Storage.MaxOpenConns}
}

// HTTPConfig converts the http section for httpds.NewClient. Zero fields keep
// the client defaults.
func (c *Config) HTTPConfig() httpds.Config {
	return httpds.Config{
		Timeout:            c.HTTP.Timeout.D(),
		MaxRetries:         c.HTTP.MaxRetries,
		InitialBackoff:     c.HTTP.InitialBackoff.D(),
		MaxBackoff:         c.HTTP.MaxBackoff.D(),
		InsecureSkipVerify: c.HTTP.InsecureSkipVerify,
	}
}

// SyncConfig converts the runtime section for syncer.New.
func (c *Config) SyncConfig() syncer.Config {
	return syncer.Config{
		BatchSize:   c.Runtime.BatchSize,
		Concurrency: c.Runtime.Concurrency,
		LockTTL:     c.Runtime.LockTTL.D(),
	}
}

// Endpoint returns the connector endpoint of s.
func (s Source) Endpoint() source.Endpoint {
	return source.Endpoint{ServerURL: s.ServerURL, AssetUID: s.AssetUID, Token: s.Token, PageSize: s.PageSize}
}

// SyncSource builds the engine source of s around fetcher.
func (s Source) SyncSource(fetcher syncer.Fetcher) syncer.Source {
	return syncer.Source{
		Form:         s.Name,
		Table:        s.Table,
		Fetcher:      fetcher,
		RepeatGroups: s.RepeatGroups,
		MaxLength:    s.MaxLength,
		Active:       s.IsActive(),
	}
}
