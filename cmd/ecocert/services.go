package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/ecosign/ecocert/pkg/anchor"
	"github.com/ecosign/ecocert/pkg/blobstore"
	"github.com/ecosign/ecocert/pkg/config"
	"github.com/ecosign/ecocert/pkg/crypto"
	"github.com/ecosign/ecocert/pkg/custody"
	"github.com/ecosign/ecocert/pkg/observability"
	"github.com/ecosign/ecocert/pkg/policy"
	"github.com/ecosign/ecocert/pkg/receipt"
	"github.com/ecosign/ecocert/pkg/remote"
	"github.com/ecosign/ecocert/pkg/timestamp"
	"github.com/ecosign/ecocert/pkg/verifier"
)

// newLogger builds the process logger from the log section.
func newLogger(lc config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// services holds the collaborators a subcommand needs, built from config.
type services struct {
	cfg       *config.Config
	logger    *slog.Logger
	telemetry *observability.Provider
	blobs     *blobstore.Store
	custody   custody.Log
	closers   []func(context.Context) error
}

type serviceOptions struct {
	custody bool
}

func openServices(ctx context.Context, cfg *config.Config, logOut io.Writer, so serviceOptions) (*services, error) {
	logger := newLogger(cfg.Log, logOut)
	slog.SetDefault(logger)

	s := &services{
		cfg:    cfg,
		logger: logger,
		blobs: blobstore.New(blobstore.S3Config{
			Region:    cfg.Storage.S3Region,
			Endpoint:  cfg.Storage.S3Endpoint,
			PathStyle: cfg.Storage.S3PathStyle,
		}),
	}

	tel, err := observability.New(ctx, &cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	s.telemetry = tel
	s.closers = append(s.closers, tel.Shutdown)

	if so.custody {
		d, err := custody.DialectByName(cfg.Custody.Driver)
		if err != nil {
			s.Close(ctx)
			return nil, err
		}
		store, err := custody.Open(ctx, d, cfg.Custody.DSN)
		if err != nil {
			s.Close(ctx)
			return nil, err
		}
		s.custody = store
		s.closers = append(s.closers, func(context.Context) error { return store.Close() })
	}
	return s, nil
}

// Close releases everything opened, newest first.
func (s *services) Close(ctx context.Context) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			s.logger.WarnContext(ctx, "shutdown step failed", "error", err)
		}
	}
	s.closers = nil
}

func (s *services) trustStore() (*timestamp.TrustStore, error) {
	trust := timestamp.NewTrustStore()
	for id, pub := range s.cfg.Timestamp.AuthorityKeys {
		if err := trust.AddAuthorityKeyHex(id, pub); err != nil {
			return nil, fmt.Errorf("timestamp authority %s: %w", id, err)
		}
	}
	for _, path := range s.cfg.Timestamp.RootFiles {
		pem, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read timestamp roots: %w", err)
		}
		if err := trust.AddRootsPEM(pem); err != nil {
			return nil, fmt.Errorf("timestamp roots %s: %w", path, err)
		}
	}
	return trust, nil
}

// ledger returns nil when no indexer is configured, which leaves confirmed
// anchors unconfirmed rather than failed.
func (s *services) ledger() anchor.Ledger {
	if s.cfg.Anchor.LedgerURL == "" {
		return nil
	}
	client := remote.New("ledger", s.cfg.Anchor.Remote, remote.WithLogger(s.logger.With("component", "remote", "service", "ledger")))
	base := anchor.NewHTTPLedger(strings.TrimRight(s.cfg.Anchor.LedgerURL, "/"), client)

	var cache anchor.StateCache = anchor.NewMemoryStateCache()
	if s.cfg.Cache.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: s.cfg.Cache.RedisAddr, DB: s.cfg.Cache.RedisDB})
		s.closers = append(s.closers, func(context.Context) error { return rdb.Close() })
		cache = anchor.NewRedisStateCache(rdb)
	}
	return anchor.NewCachedLedger(base, cache, s.cfg.Cache.TTL)
}

func (s *services) engine() (*verifier.Engine, error) {
	ring := crypto.NewKeyRing()
	for id, pub := range s.cfg.Verification.PinnedKeys {
		ring.Pin(id, pub)
	}
	trust, err := s.trustStore()
	if err != nil {
		return nil, err
	}
	tsOpts := []timestamp.Option{timestamp.WithLogger(s.logger.With("component", "timestamp"))}
	if u := s.cfg.Timestamp.ServiceURL; u != "" {
		client := remote.New("timestamp-service", s.cfg.Timestamp.Remote)
		tsOpts = append(tsOpts, timestamp.WithService(timestamp.NewHTTPService(u, client)))
	}

	opts := []verifier.Option{
		verifier.WithSignatureVerifier(crypto.NewSignatureVerifier(ring)),
		verifier.WithTimestampValidator(timestamp.NewValidator(trust, tsOpts...)),
		verifier.WithAnchorValidator(anchor.NewValidator(s.ledger(), s.logger.With("component", "anchor"))),
		verifier.WithLogger(s.logger.With("component", "verifier")),
		verifier.WithTracer(s.telemetry.Tracer()),
		verifier.WithMeter(s.telemetry.Meter()),
	}
	if s.custody != nil {
		opts = append(opts, verifier.WithCustodyReader(s.custody))
	}
	return verifier.New(opts...)
}

// acceptPolicy compiles override, falling back to the configured policy.
// It returns nil when neither is set.
func (s *services) acceptPolicy(override string) (*policy.Policy, error) {
	expr := override
	if expr == "" {
		expr = s.cfg.Verification.AcceptPolicy
	}
	if expr == "" {
		return nil, nil
	}
	return policy.Compile(expr)
}

// receiptIssuer returns nil when no receipt key is configured.
func (s *services) receiptIssuer() (*receipt.Issuer, error) {
	if s.cfg.Receipts.KeyFile == "" {
		return nil, nil
	}
	signer, err := crypto.LoadSigner(s.cfg.Receipts.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("receipt key: %w", err)
	}
	return receipt.NewIssuer(s.cfg.Receipts.Issuer, signer, s.cfg.Receipts.TTL), nil
}

// readBlob reads a local path or object URI in full.
func (s *services) readBlob(ctx context.Context, uri string) ([]byte, error) {
	rc, err := s.blobs.Open(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
