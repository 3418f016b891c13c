// Command honeypotd is the honeypot listener binary. It loads a YAML
// configuration file, opens the per-session evidence store and audit
// ledger, accepts and classifies attacker connections, optionally exposes
// an operator REST/WebSocket dashboard and an mTLS gRPC control plane, and
// shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tripwire/honeypot/internal/acceptor"
	"github.com/tripwire/honeypot/internal/audit"
	"github.com/tripwire/honeypot/internal/classify"
	"github.com/tripwire/honeypot/internal/config"
	grpcserver "github.com/tripwire/honeypot/internal/server/grpc"
	"github.com/tripwire/honeypot/internal/server/rest"
	"github.com/tripwire/honeypot/internal/server/storage"
	ws "github.com/tripwire/honeypot/internal/server/websocket"
	"github.com/tripwire/honeypot/internal/session"
	"github.com/tripwire/honeypot/internal/store"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to the YAML configuration file (optional; built-in defaults apply when empty)")
	flag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "honeypotd: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("honeypotd starting",
		slog.String("addr", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)),
		slog.String("instance", cfg.Instance),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Evidence store, session allocator, classifier ─────────────────────────
	evidence := store.New()

	sessions, err := session.New(cfg.SessionIndexPath, cfg.SessionsRoot, cfg.Instance, evidence)
	if err != nil {
		logger.Error("failed to open session index", slog.Any("error", err))
		os.Exit(1)
	}
	defer sessions.ShutdownIndex()

	classifier, err := classify.New(cfg.ClassifierModelPath)
	if err != nil {
		logger.Error("failed to load classifier", slog.Any("error", err))
		os.Exit(1)
	}

	// ── Audit ledger ───────────────────────────────────────────────────────────
	auditLogger, err := audit.Open(cfg.AuditLogPath)
	if err != nil {
		logger.Error("failed to open audit ledger", slog.Any("error", err))
		os.Exit(1)
	}
	defer auditLogger.Close()

	// ── Acceptor ───────────────────────────────────────────────────────────────
	acc := acceptor.New(acceptor.Config{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		ReadHeartbeat:     cfg.ReadHeartbeat,
		HardTimeout:       cfg.HardTimeout,
		InactivityTimeout: cfg.InactivityTimeout,
	}, sessions, evidence, classifier, logger)
	acc.SetAuditor(auditLogger)

	// ── Optional PostgreSQL summary mirror ─────────────────────────────────────
	var pgStore *storage.Store
	if cfg.Postgres.Enabled {
		pgStore, err = storage.New(ctx, cfg.Postgres.DSN, 0, 0)
		if err != nil {
			logger.Error("failed to open postgres mirror", slog.Any("error", err))
			os.Exit(1)
		}
		defer pgStore.Close(context.Background())
		logger.Info("postgres session mirror connected")
	}

	// ── Optional operator REST/WebSocket dashboard ─────────────────────────────
	var broadcaster *ws.Broadcaster
	var httpServer *http.Server
	if cfg.REST.Enabled {
		broadcaster = ws.NewBroadcaster(logger, 0)
		defer broadcaster.Close()
		acc.SetPublisher(broadcasterPublisher{broadcaster})

		var pubKey *rsa.PublicKey
		if cfg.REST.JWTPublicKeyPath != "" {
			pem, err := os.ReadFile(cfg.REST.JWTPublicKeyPath)
			if err != nil {
				logger.Error("failed to read JWT public key", slog.Any("error", err))
				os.Exit(1)
			}
			pubKey, err = rest.ParseRSAPublicKey(pem)
			if err != nil {
				logger.Error("failed to parse JWT public key", slog.Any("error", err))
				os.Exit(1)
			}
			logger.Info("JWT validation enabled for REST API")
		} else {
			logger.Warn("rest.jwt_public_key_path not configured; REST API authentication disabled (dev mode)")
		}

		var restStore rest.Store
		if pgStore != nil {
			restStore = pgStore
		}
		restSrv := rest.NewServer(restStore)
		wsHandler := ws.NewHandler(broadcaster, logger, 10*time.Second)

		mux := http.NewServeMux()
		mux.Handle("/ws", wsHandler)
		mux.Handle("/", rest.NewRouter(restSrv, pubKey))

		httpServer = &http.Server{
			Addr:         cfg.REST.Addr,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
	}

	// ── Optional gRPC control plane (mTLS) ──────────────────────────────────────
	var grpcSrv *grpcserver.GRPCServer
	if cfg.GRPC.Enabled {
		grpcCfg := grpcserver.Config{
			Addr:     cfg.GRPC.Addr,
			CertPath: cfg.GRPC.CertPath,
			KeyPath:  cfg.GRPC.KeyPath,
			CAPath:   cfg.GRPC.CAPath,
		}

		var bc grpcserver.Broadcaster
		if broadcaster != nil {
			bc = broadcaster
		} else {
			bc = ws.NewBroadcaster(logger, 0)
		}
		svc := grpcserver.NewSessionService(acc, bc, logger)

		grpcSrv, err = grpcserver.New(grpcCfg, logger, svc.Register)
		if err != nil {
			logger.Error("failed to create gRPC control-plane server", slog.Any("error", err))
			os.Exit(1)
		}
	}

	// ── Start servers ────────────────────────────────────────────────────────

	acceptorErrCh := make(chan error, 1)
	go func() {
		acceptorErrCh <- acc.Run(ctx)
	}()

	var httpErrCh chan error
	if httpServer != nil {
		httpErrCh = make(chan error, 1)
		go func() {
			logger.Info("operator REST/WebSocket server listening", slog.String("addr", cfg.REST.Addr))
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				httpErrCh <- fmt.Errorf("REST server: %w", err)
			}
			close(httpErrCh)
		}()
	}

	var grpcErrCh chan error
	if grpcSrv != nil {
		grpcErrCh = make(chan error, 1)
		go func() {
			logger.Info("gRPC control-plane server listening", slog.String("addr", cfg.GRPC.Addr))
			if err := grpcSrv.Serve(ctx); err != nil {
				grpcErrCh <- fmt.Errorf("gRPC server: %w", err)
			}
			close(grpcErrCh)
		}()
	}

	// ── Wait for shutdown signal or fatal error ─────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-acceptorErrCh:
		if err != nil {
			logger.Error("acceptor exited unexpectedly", slog.Any("error", err))
		}
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("REST server error", slog.Any("error", err))
		}
	case err := <-grpcErrCh:
		if err != nil {
			logger.Error("gRPC server error", slog.Any("error", err))
		}
	}

	// ── Graceful shutdown ────────────────────────────────────────────────────────
	logger.Info("shutting down")
	cancel() // unblocks the acceptor's accept loop and signals gRPC's Serve to stop gracefully

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("REST server shutdown error", slog.Any("error", err))
		}
	}

	if grpcSrv != nil {
		select {
		case err := <-grpcErrCh:
			if err != nil {
				logger.Warn("gRPC server drain error", slog.Any("error", err))
			}
		case <-shutdownCtx.Done():
			logger.Warn("gRPC graceful stop timed out; forcing stop")
			grpcSrv.Stop()
		}
	}

	if err := <-acceptorErrCh; err != nil {
		logger.Warn("acceptor drain error", slog.Any("error", err))
	}

	logger.Info("honeypotd exited cleanly")
}

// broadcasterPublisher adapts *websocket.Broadcaster to acceptor.EventPublisher,
// keeping internal/acceptor free of a direct dependency on the server layer.
type broadcasterPublisher struct {
	bc *ws.Broadcaster
}

func (p broadcasterPublisher) PublishSessionEvent(sessionID, tag string, data any, ts float64) {
	p.bc.Publish(ws.SessionEvent{SessionID: sessionID, Tag: tag, Data: data, Ts: ts})
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
