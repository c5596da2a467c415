// Package config loads ecocert configuration from an optional YAML file
// and ECOCERT_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ecosign/ecocert/pkg/observability"
	"github.com/ecosign/ecocert/pkg/remote"
)

// Config is the full runtime configuration.
type Config struct {
	Server       ServerConfig         `yaml:"server"`
	Log          LogConfig            `yaml:"log"`
	Verification VerificationConfig   `yaml:"verification"`
	Timestamp    TimestampConfig      `yaml:"timestamp"`
	Anchor       AnchorConfig         `yaml:"anchor"`
	Cache        CacheConfig          `yaml:"cache"`
	Custody      CustodyConfig        `yaml:"custody"`
	Storage      StorageConfig        `yaml:"storage"`
	Telemetry    observability.Config `yaml:"telemetry"`
	Receipts     ReceiptConfig        `yaml:"receipts"`
}

type ServerConfig struct {
	Addr           string  `yaml:"addr"`
	RatePerSecond  float64 `yaml:"rate_per_second"` // per client IP
	Burst          int     `yaml:"burst"`
	MaxUploadBytes int64   `yaml:"max_upload_bytes"`
	// TrustProxy takes the client IP from X-Forwarded-For.
	TrustProxy     bool    `yaml:"trust_proxy"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// VerificationConfig bounds each verification.
type VerificationConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	// PinnedKeys maps signer key ids to the only public key accepted for them.
	PinnedKeys map[string]string `yaml:"pinned_keys"`
	// AcceptPolicy is an optional CEL expression a report must satisfy.
	AcceptPolicy string `yaml:"accept_policy"`
}

type TimestampConfig struct {
	// ServiceURL is the fallback validation service; empty disables it.
	ServiceURL string `yaml:"service_url"`
	// AuthorityKeys maps trusted ecotsa/1 key ids to hex Ed25519 keys.
	AuthorityKeys map[string]string `yaml:"authority_keys"`
	// RootFiles are PEM bundles of trusted RFC 3161 authority roots.
	RootFiles []string `yaml:"root_files"`
	// IssuerURL is the RFC 3161 endpoint used when certifying.
	IssuerURL string        `yaml:"issuer_url"`
	Remote    remote.Policy `yaml:"remote"`
}

type AnchorConfig struct {
	LedgerURL string        `yaml:"ledger_url"`
	Remote    remote.Policy `yaml:"remote"`
}

type CacheConfig struct {
	RedisAddr string        `yaml:"redis_addr"` // empty selects the in-process cache
	RedisDB   int           `yaml:"redis_db"`
	TTL       time.Duration `yaml:"ttl"`
}

type CustodyConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	DSN    string `yaml:"dsn"`
}

type StorageConfig struct {
	S3Region    string `yaml:"s3_region"`
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

type ReceiptConfig struct {
	Issuer  string        `yaml:"issuer"`
	KeyFile string        `yaml:"key_file"` // empty disables receipts
	TTL     time.Duration `yaml:"ttl"`
}

// Default returns a configuration that runs fully offline.
func Default() *Config {
	tel := observability.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			RatePerSecond:  5,
			Burst:          10,
			MaxUploadBytes: 64 << 20,
		},
		Log:          LogConfig{Level: "info", Format: "json"},
		Verification: VerificationConfig{Timeout: 30 * time.Second},
		Timestamp:    TimestampConfig{Remote: remote.DefaultPolicy()},
		Anchor:       AnchorConfig{Remote: remote.DefaultPolicy()},
		Cache:        CacheConfig{TTL: 24 * time.Hour},
		Custody:      CustodyConfig{Driver: "sqlite", DSN: "file:ecocert-custody.db"},
		Telemetry:    *tel,
		Receipts:     ReceiptConfig{Issuer: "ecocert", TTL: 0},
	}
}

// Load reads path (if non-empty) over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("ECOCERT_SERVER_ADDR", &c.Server.Addr)
	str("ECOCERT_LOG_LEVEL", &c.Log.Level)
	str("ECOCERT_LOG_FORMAT", &c.Log.Format)
	str("ECOCERT_TIMESTAMP_SERVICE_URL", &c.Timestamp.ServiceURL)
	str("ECOCERT_TIMESTAMP_ISSUER_URL", &c.Timestamp.IssuerURL)
	str("ECOCERT_ANCHOR_LEDGER_URL", &c.Anchor.LedgerURL)
	str("ECOCERT_REDIS_ADDR", &c.Cache.RedisAddr)
	str("ECOCERT_CUSTODY_DRIVER", &c.Custody.Driver)
	str("ECOCERT_CUSTODY_DSN", &c.Custody.DSN)
	str("ECOCERT_S3_REGION", &c.Storage.S3Region)
	str("ECOCERT_S3_ENDPOINT", &c.Storage.S3Endpoint)
	str("ECOCERT_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	str("ECOCERT_RECEIPT_KEY_FILE", &c.Receipts.KeyFile)
	str("ECOCERT_RECEIPT_ISSUER", &c.Receipts.Issuer)
	str("ECOCERT_ACCEPT_POLICY", &c.Verification.AcceptPolicy)

	if v, ok := lookup("ECOCERT_TELEMETRY_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ECOCERT_TELEMETRY_ENABLED: %w", err)
		}
		c.Telemetry.Enabled = b
	}
	if v, ok := lookup("ECOCERT_VERIFY_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ECOCERT_VERIFY_TIMEOUT: %w", err)
		}
		c.Verification.Timeout = d
	}
	return nil
}

// Validate rejects settings the services cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not json or text", c.Log.Format))
	}
	switch c.Custody.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("custody.driver %q is not sqlite or postgres", c.Custody.Driver))
	}
	if c.Verification.Timeout <= 0 {
		errs = append(errs, errors.New("verification.timeout must be positive"))
	} else {
		// A deadline shorter than a remote layer's retry budget turns a slow
		// authority or ledger into a failed verification instead of a warning.
		if b := c.Timestamp.Remote.Budget(); c.Timestamp.ServiceURL != "" && c.Verification.Timeout < b {
			errs = append(errs, fmt.Errorf("verification.timeout %s is shorter than the timestamp remote budget %s", c.Verification.Timeout, b))
		}
		if b := c.Anchor.Remote.Budget(); c.Anchor.LedgerURL != "" && c.Verification.Timeout < b {
			errs = append(errs, fmt.Errorf("verification.timeout %s is shorter than the anchor remote budget %s", c.Verification.Timeout, b))
		}
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("server.max_upload_bytes must be positive"))
	}
	return errors.Join(errs...)
}
