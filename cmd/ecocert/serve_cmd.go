package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ecosign/ecocert/pkg/api"
)

// runServeCmd implements `ecocert serve`: the verification HTTP service
// with the custody log, receipts and acceptance policy from config.
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var cfgPath, addr string
	cmd.StringVar(&cfgPath, "config", "", "Path to config file")
	cmd.StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")

	if err := cmd.Parse(args); err != nil {
		return exitError
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := openServices(ctx, cfg, stderr, serviceOptions{custody: true})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	defer svc.Close(context.Background())

	engine, err := svc.engine()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	accept, err := svc.acceptPolicy("")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	receipts, err := svc.receiptIssuer()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	srv, err := api.NewServer(api.Options{
		Verifier:      engine,
		Custody:       svc.custody,
		Receipts:      receipts,
		Policy:        accept,
		Telemetry:     svc.telemetry,
		Logger:        svc.logger.With("component", "api"),
		Timeout:       cfg.Verification.Timeout,
		MaxUpload:     cfg.Server.MaxUploadBytes,
		RatePerSecond: cfg.Server.RatePerSecond,
		Burst:         cfg.Server.Burst,
		TrustProxy:    cfg.Server.TrustProxy,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	go srv.Limiter().RunSweeper(ctx)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		svc.logger.Info("ecocert ready", "addr", cfg.Server.Addr)
		errCh <- server.ListenAndServe()
	}()
	_, _ = fmt.Fprintf(stdout, "ecocert listening on %s (ctrl+c to stop)\n", cfg.Server.Addr)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitError
		}
	case <-ctx.Done():
		svc.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: shutdown: %v\n", err)
			return exitError
		}
	}
	return exitOK
}
