// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gateway wires the Gateway's subsystems — the Store, the
// signed-request verifier, the Subscription hub, the Tunnel broker,
// and the three HTTP surfaces (console, Runner ingest, Runner
// commands) — into one running daemon, per spec.md §1 and §6.
package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	internalconfig "github.com/tombee/remoterun/internal/config"
	"github.com/tombee/remoterun/internal/gateway/api"
	"github.com/tombee/remoterun/internal/gateway/auth"
	gwconfig "github.com/tombee/remoterun/internal/gateway/config"
	"github.com/tombee/remoterun/internal/gateway/commands"
	"github.com/tombee/remoterun/internal/gateway/hub"
	"github.com/tombee/remoterun/internal/gateway/ingest"
	"github.com/tombee/remoterun/internal/gateway/tunnel"
	internallog "github.com/tombee/remoterun/internal/log"
	"github.com/tombee/remoterun/internal/signing"
	"github.com/tombee/remoterun/internal/store"
	"github.com/tombee/remoterun/internal/tracing"
)

// shutdownTimeout bounds how long Shutdown waits for in-flight HTTP
// requests to drain. Hijacked WebSocket connections are not part of
// that drain.
const shutdownTimeout = 15 * time.Second

// Options are build-time values reported on the health endpoint.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Gateway is the running process described by spec.md §1: it accepts
// signed ingest from Runners, persists an ordered event log, dispatches
// operator commands, and serves both over HTTP and WebSocket.
type Gateway struct {
	cfg    *internalconfig.GatewayConfig
	opts   Options
	logger *slog.Logger

	store  *store.Store
	hub    *hub.Hub
	tunnel *tunnel.Broker

	authMw    *auth.Middleware
	allowlist *gwconfig.AllowlistWatcher
	certWatch *gwconfig.CertWatcher

	otel      *tracing.OTelProvider
	retention *tracing.RetentionManager

	server *http.Server
	ln     net.Listener

	mu      sync.Mutex
	started bool
}

// New constructs a Gateway from cfg. It opens the Store and builds
// every HTTP handler but does not bind a listener or start background
// work — call Start for that.
func New(cfg *internalconfig.GatewayConfig, opts Options) (*Gateway, error) {
	logger := internallog.WithComponent(internallog.New(&cfg.Log), "gateway")

	if err := os.MkdirAll(cfg.Store.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("gateway: create data dir: %w", err)
	}

	st, err := store.Open(store.Config{
		Path:         cfg.Store.DBPath(),
		NonceExpiry:  cfg.Auth.NonceExpiry,
		RunRetention: cfg.Store.RunRetention(),
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: open store: %w", err)
	}

	secret := []byte(cfg.Auth.HMACSecret)
	if len(secret) > 0 && len(secret) < signing.MinSecretLen {
		st.Close()
		return nil, fmt.Errorf("gateway: HMAC secret must be at least %d bytes", signing.MinSecretLen)
	}
	if len(secret) == 0 {
		generated, err := signing.GenerateCapabilityToken()
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("gateway: generate ephemeral signing secret: %w", err)
		}
		secret = []byte(generated)
		logger.Warn("no HMAC_SECRET configured, generated an ephemeral secret for this process only")
	}
	verifier := signing.NewVerifier(secret, st)
	if cfg.Auth.ClockSkewTolerance > 0 {
		verifier.SkewTolerance = cfg.Auth.ClockSkewTolerance
	}

	h := hub.New(logger)
	tb := tunnel.New(logger)

	g := &Gateway{
		cfg:    cfg,
		opts:   opts,
		logger: logger,
		store:  st,
		hub:    h,
		tunnel: tb,
		authMw: auth.NewMiddleware(verifier, defaultRunnerRPS, defaultRunnerBurst),
	}

	if cfg.Auth.ExtraAllowedCommandsFile != "" {
		watcher, err := gwconfig.NewAllowlistWatcher(cfg.Auth.ExtraAllowedCommandsFile, cfg.Auth.ExtraAllowedCommands, noopAllowlistTarget{}, logger)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("gateway: allowlist watcher: %w", err)
		}
		g.allowlist = watcher
	}

	otelCfg := tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    firstNonEmpty(cfg.Tracing.ServiceName, "remoterun-gateway"),
		ServiceVersion: opts.Version,
		Storage: tracing.StorageConfig{
			Backend: "sqlite",
			Path:    filepath.Join(cfg.Store.DataDir, "traces.db"),
		},
	}
	otelProvider, err := tracing.NewOTelProviderWithConfig(otelCfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("gateway: init tracing: %w", err)
	}
	g.otel = otelProvider

	collector := otelProvider.MetricsCollector()
	if collector != nil {
		collector.SetViewerCounter(h)
		collector.SetRunCounter(st)
	}

	if traceStore := otelProvider.TraceStore(); traceStore != nil {
		retentionCfg := tracing.DefaultConfig().Storage.Retention
		g.retention = tracing.NewRetentionManager(traceStore, retentionCfg.Traces, time.Hour, logger)
		g.retention.Start()
	}

	g.server = &http.Server{
		Handler:      g.buildMux(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long-lived WebSocket and tail-follow responses
		IdleTimeout:  120 * time.Second,
	}

	return g, nil
}

const (
	defaultRunnerRPS   = 20.0
	defaultRunnerBurst = 40
)

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// noopAllowlistTarget satisfies gwconfig.AllowlistTarget for a Gateway
// that tracks the merged allowlist only to log reloads; the Runner
// process, not the Gateway, enforces the allowlist against commands
// it executes.
type noopAllowlistTarget struct{}

func (noopAllowlistTarget) SetEntries(_ []string) {}

func (g *Gateway) buildMux() http.Handler {
	mux := http.NewServeMux()

	apiHandler := api.NewHandler(g.store, g.hub, g.tunnel)
	if g.otel != nil {
		apiHandler.TraceStore = g.otel.TraceStore()
	}
	apiHandler.RegisterRoutes(mux)

	ingestHandler := ingest.NewHandler(g.store, g.hub, filepath.Join(g.cfg.Store.DataDir, "artifacts"))
	ingestHandler.RegisterRoutes(mux, g.authMw)

	commandsHandler := commands.NewHandler(g.store, g.hub)
	commandsHandler.RegisterRoutes(mux, g.authMw)

	mux.HandleFunc("GET /ws", g.hub.ServeWS)
	mux.HandleFunc("GET /ws/vnc/{runId}", func(w http.ResponseWriter, r *http.Request) {
		g.tunnel.ServeWS(w, r, r.PathValue("runId"))
	})

	mux.Handle("GET /metrics", g.otel.MetricsHandler())

	var handler http.Handler = mux
	handler = tracing.TracingMiddleware(handler)
	handler = tracing.HTTPMiddleware(handler)
	handler = tracing.CorrelationMiddleware(handler)
	return handler
}

// Start binds the configured listener and begins serving, along with
// the Store's background sweep and any configured hot-reload watchers.
// It blocks until ctx is cancelled or the server stops on its own.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return fmt.Errorf("gateway: already started")
	}
	g.started = true
	g.mu.Unlock()

	g.store.StartSweep(ctx)

	if g.allowlist != nil {
		g.allowlist.Start()
	}

	ln, err := g.bindListener()
	if err != nil {
		return err
	}
	g.ln = ln

	g.logger.Info("gateway listening", slog.String("addr", ln.Addr().String()), slog.Bool("tls", g.cfg.Listen.TLSEnabled))

	errCh := make(chan error, 1)
	go func() {
		errCh <- g.server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		return g.Shutdown(context.Background())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("gateway: serve: %w", err)
		}
		return nil
	}
}

// bindListener builds the Gateway's net.Listener. When TLS is enabled
// it serves the configured certificate pair through a CertWatcher so an
// operator can rotate the pair without restarting the process; when
// TLS is disabled it binds a plain TCP listener.
func (g *Gateway) bindListener() (net.Listener, error) {
	addr := g.cfg.Listen.Addr()

	if !g.cfg.Listen.TLSEnabled {
		return net.Listen("tcp", addr)
	}

	watcher, err := gwconfig.NewCertWatcher(g.cfg.Listen.TLSCert, g.cfg.Listen.TLSKey, g.logger)
	if err != nil {
		return nil, fmt.Errorf("gateway: cert watcher: %w", err)
	}
	watcher.Start()
	g.certWatch = watcher

	tlsCfg := watcher.TLSConfig()

	rawLn, err := net.Listen("tcp", addr)
	if err != nil {
		watcher.Stop()
		return nil, fmt.Errorf("gateway: bind %s: %w", addr, err)
	}
	return tls.NewListener(rawLn, tlsCfg), nil
}

// Shutdown drains in-flight HTTP requests, stops the background sweep
// and watchers, and closes the Store. It does not close open viewer or
// Tunnel WebSocket connections: http.Server.Shutdown leaves hijacked
// connections alone, and neither the hub nor the tunnel broker is
// closed here.
func (g *Gateway) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var errs []error

	if err := g.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	if g.certWatch != nil {
		if err := g.certWatch.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("cert watcher stop: %w", err))
		}
	}
	if g.allowlist != nil {
		if err := g.allowlist.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("allowlist watcher stop: %w", err))
		}
	}

	g.store.StopSweep()

	if g.retention != nil {
		g.retention.Stop()
	}

	if err := g.otel.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("otel shutdown: %w", err))
	}

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("gateway: shutdown errors: %v", errs)
}

// Addr returns the bound listener's address. Only valid after Start
// has begun listening.
func (g *Gateway) Addr() net.Addr {
	if g.ln == nil {
		return nil
	}
	return g.ln.Addr()
}
