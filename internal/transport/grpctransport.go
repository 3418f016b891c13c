// Package transport implements the gRPC client used by operator tooling to
// talk to a running honeypot's control-plane service.
//
// # Overview
//
// AdminClient connects to the honeypot's gRPC control-plane listener using
// mutual TLS (mTLS): the caller presents a client certificate to prove its
// identity, and verifies the honeypot's server certificate against a
// trusted CA. There is no registration handshake; the server derives the
// caller's identity entirely from the client certificate's CommonName.
//
// One-shot commands (GetLiveSessionCount, ForceCloseSession) dial a fresh
// connection per call, matching how an operator CLI issues them. The
// StreamSessionEvents feed instead runs under a persistent, auto-
// reconnecting subscription started by Start and read from Events.
//
// # Reconnection
//
// If the event stream drops for any reason, AdminClient resubscribes
// automatically using exponential backoff: each successive failure doubles
// the wait interval up to MaxBackoff, after which every retry waits
// MaxBackoff. A successful subscription resets the backoff interval to
// InitialBackoff so a transient fault is not penalised on the next failure.
//
// # Usage
//
//	c := transport.New(transport.Config{
//	    Addr:     "honeypot.example.com:4443",
//	    CertPath: "/etc/honeypotadm/operator.crt",
//	    KeyPath:  "/etc/honeypotadm/operator.key",
//	    CAPath:   "/etc/honeypotadm/ca.crt",
//	}, logger)
//
//	if err := c.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Stop()
//
//	for evt := range c.Events() {
//	    fmt.Println(evt.GetSessionId(), evt.GetTag())
//	}
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	sessionpb "github.com/tripwire/honeypot/internal/server/grpc/sessionpb"
)

const (
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 2 * time.Minute
	defaultDialTimeout    = 30 * time.Second
	defaultEventQueueSize = 64
)

// Config holds the configuration for the gRPC admin client.
type Config struct {
	// Addr is the "host:port" of the honeypot's control-plane gRPC server.
	// Required.
	Addr string

	// CertPath is the path to the PEM-encoded operator TLS certificate.
	// Required.
	CertPath string

	// KeyPath is the path to the PEM-encoded operator TLS private key.
	// Required.
	KeyPath string

	// CAPath is the path to the PEM-encoded CA certificate used to verify
	// the honeypot's TLS certificate. Required.
	CAPath string

	// InitialBackoff is the starting interval for exponential-backoff
	// resubscription. Defaults to 1 second when zero.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential-backoff interval. Defaults to 2
	// minutes when zero.
	MaxBackoff time.Duration

	// DialTimeout limits how long a one-shot RPC call waits for its
	// connection to become ready. Defaults to 30 seconds when zero.
	DialTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
}

// AdminClient is a control-plane client for a honeypot's gRPC
// SessionService. It maintains a long-lived, auto-reconnecting subscription
// to StreamSessionEvents and additionally exposes one-shot RPC calls for
// direct commands.
type AdminClient struct {
	cfg    Config
	logger *slog.Logger

	// creds is loaded once in Start and reused on every reconnect and
	// one-shot dial.
	creds credentials.TransportCredentials

	mu     sync.RWMutex
	events chan *sessionpb.SessionEvent

	// cancel terminates the subscription loop; set by Start.
	cancel context.CancelFunc

	// wg tracks the connectLoop goroutine so Stop can wait for it.
	wg sync.WaitGroup
}

// New creates a new AdminClient with the given configuration and logger.
// Call [AdminClient.Start] to begin the event subscription.
func New(cfg Config, logger *slog.Logger) *AdminClient {
	cfg.applyDefaults()
	return &AdminClient{
		cfg:    cfg,
		logger: logger,
	}
}

// Start validates the mTLS credentials from disk, then launches a
// background goroutine that subscribes to StreamSessionEvents and keeps the
// subscription alive.
//
// Start returns an error only if the TLS certificate files cannot be
// loaded. All connectivity failures (server unreachable, stream errors)
// are handled internally with exponential-backoff retries.
func (c *AdminClient) Start(ctx context.Context) error {
	creds, err := c.loadTLSCredentials()
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	c.creds = creds

	c.mu.Lock()
	c.events = make(chan *sessionpb.SessionEvent, defaultEventQueueSize)
	c.mu.Unlock()

	connectCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.connectLoop(connectCtx)

	return nil
}

// Events returns the channel on which subscribed session events arrive.
// The channel is closed once Stop has fully drained the connect loop.
func (c *AdminClient) Events() <-chan *sessionpb.SessionEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.events
}

// Stop cancels the subscription loop and waits for all background
// goroutines to exit. It is safe to call Stop multiple times.
func (c *AdminClient) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events != nil {
		close(c.events)
		c.events = nil
	}
}

// GetLiveSessionCount dials a short-lived connection and asks the honeypot
// how many sessions it is currently handling.
func (c *AdminClient) GetLiveSessionCount(ctx context.Context) (int64, error) {
	conn, err := c.dial()
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	resp, err := sessionpb.NewSessionServiceClient(conn).GetLiveSessionCount(dialCtx, &sessionpb.Empty{})
	if err != nil {
		return 0, fmt.Errorf("transport: GetLiveSessionCount: %w", err)
	}
	return resp.GetCount(), nil
}

// ForceCloseSession dials a short-lived connection and asks the honeypot to
// close the session identified by sessionID out of band. It reports
// whether a live session with that id was found.
func (c *AdminClient) ForceCloseSession(ctx context.Context, sessionID string) (bool, error) {
	conn, err := c.dial()
	if err != nil {
		return false, err
	}
	defer conn.Close()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	resp, err := sessionpb.NewSessionServiceClient(conn).ForceCloseSession(dialCtx, &sessionpb.ForceCloseRequest{
		SessionId: sessionID,
	})
	if err != nil {
		return false, fmt.Errorf("transport: ForceCloseSession: %w", err)
	}
	return resp.GetClosed(), nil
}

func (c *AdminClient) dial() (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(c.cfg.Addr, grpc.WithTransportCredentials(c.creds))
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", c.cfg.Addr, err)
	}
	return conn, nil
}

// ─── Connection loop ──────────────────────────────────────────────────────────

// connectLoop runs until ctx is cancelled. On each iteration it calls
// connect, which blocks for the lifetime of one subscription. Between
// failed attempts (or after a subscription is lost) it applies exponential
// backoff.
func (c *AdminClient) connectLoop(ctx context.Context) {
	defer c.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0 // retry indefinitely
	b.Reset()

	for {
		if ctx.Err() != nil {
			return
		}

		c.logger.Info("transport: subscribing to session events",
			slog.String("addr", c.cfg.Addr))

		wasConnected, err := c.connect(ctx)

		if ctx.Err() != nil {
			return
		}

		if wasConnected {
			b.Reset()
		}

		if err != nil {
			c.logger.Warn("transport: subscription ended",
				slog.Any("error", err),
				slog.String("addr", c.cfg.Addr))
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			c.logger.Error("transport: backoff exhausted; giving up")
			return
		}

		c.logger.Info("transport: will resubscribe",
			slog.String("addr", c.cfg.Addr),
			slog.Duration("after", wait))

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// connect performs one full subscription lifecycle:
//  1. Dials the honeypot with mTLS.
//  2. Opens the StreamSessionEvents call.
//  3. Blocks in drainStream until the stream closes or ctx is cancelled.
//
// It returns (true, err) when the stream was successfully established
// before failing, or (false, err) when the dial or call itself failed.
func (c *AdminClient) connect(ctx context.Context) (wasConnected bool, err error) {
	conn, err := grpc.NewClient(c.cfg.Addr, grpc.WithTransportCredentials(c.creds))
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
	}
	defer conn.Close()

	stream, err := sessionpb.NewSessionServiceClient(conn).StreamSessionEvents(ctx, &sessionpb.StreamSessionEventsRequest{})
	if err != nil {
		return false, fmt.Errorf("StreamSessionEvents: %w", err)
	}

	c.logger.Info("transport: subscription established",
		slog.String("addr", c.cfg.Addr))

	streamErr := c.drainStream(ctx, stream)
	if streamErr == io.EOF {
		// Server closed the stream gracefully.
		return true, nil
	}
	return true, streamErr
}

// drainStream reads SessionEvent messages from stream until it is closed
// by the server (io.EOF) or an error occurs, forwarding each one to the
// events channel. A full channel is dropped rather than blocking the
// stream, since the events feed is best-effort for live viewing.
func (c *AdminClient) drainStream(ctx context.Context, stream sessionpb.SessionService_StreamSessionEventsClient) error {
	for {
		evt, err := stream.Recv()
		if err != nil {
			return err
		}

		c.mu.RLock()
		events := c.events
		c.mu.RUnlock()

		select {
		case events <- evt:
		case <-ctx.Done():
			return ctx.Err()
		default:
			c.logger.Warn("transport: event dropped, consumer too slow")
		}
	}
}

// ─── TLS helpers ─────────────────────────────────────────────────────────────

// loadTLSCredentials reads the operator certificate+key and the CA
// certificate from the configured paths, then constructs gRPC transport
// credentials for mTLS. The ServerName is derived from the host component
// of Addr so that the TLS handshake verifies the honeypot's certificate
// CN/SAN.
func (c *AdminClient) loadTLSCredentials() (credentials.TransportCredentials, error) {
	operatorCert, err := tls.LoadX509KeyPair(c.cfg.CertPath, c.cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load operator cert/key (%s, %s): %w",
			c.cfg.CertPath, c.cfg.KeyPath, err)
	}

	caPEM, err := os.ReadFile(c.cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", c.cfg.CAPath, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA cert from %s: no certificates found", c.cfg.CAPath)
	}

	serverName, _, splitErr := net.SplitHostPort(c.cfg.Addr)
	if splitErr != nil {
		serverName = c.cfg.Addr
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{operatorCert},
		RootCAs:      caPool,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}

	return credentials.NewTLS(tlsCfg), nil
}
