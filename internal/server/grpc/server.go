// Package grpc implements the honeypot's mTLS-protected control-plane gRPC
// service. SessionService exposes three operations to trusted operator
// tooling (cmd/honeypotadm and similar):
//
//   - GetLiveSessionCount — how many sessions the acceptor is currently
//     handling.
//   - ForceCloseSession   — close one live session's connection out of band,
//     the same action a HANDOFF_TO_HIGH_ENGAGEMENT forced-handoff line
//     triggers internally.
//   - StreamSessionEvents — a server-streaming feed of newly classified
//     session events, the gRPC analogue of the dashboard's WebSocket feed for
//     clients that prefer a typed stream over JSON-over-WebSocket.
//
// Identity is established the same way the storage-mirroring dashboard
// authenticates operator agents: mutual TLS, with the client certificate's
// CommonName available to handlers via SessionCNFromContext. There is no
// RegisterAgent RPC here — unlike an agent reporting tripwire events, an
// operator client has no state the server needs to persist before it can
// issue commands.
package grpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"

	ws "github.com/tripwire/honeypot/internal/server/websocket"
)

// Config holds the listener address and mTLS material for the
// control-plane listener.
type Config struct {
	// Addr is the "host:port" the control-plane listener binds to.
	// Only used by Serve; ServeOnListener takes an explicit net.Listener
	// instead (the pattern server_test.go exercises).
	Addr string

	// CertPath/KeyPath are the server's own PEM-encoded certificate and
	// private key, presented to connecting operator clients.
	CertPath string
	KeyPath  string

	// CAPath is the PEM-encoded CA bundle used to verify client
	// certificates. Only clients signed by this CA are accepted.
	CAPath string
}

// Registry is the subset of the acceptor used to answer live-session
// queries and force-close requests. *acceptor.Acceptor satisfies this.
type Registry interface {
	LiveCount() int
	ForceClose(id string) bool
}

// Broadcaster is the subset of the WebSocket broadcaster used to source the
// StreamSessionEvents feed. *websocket.Broadcaster satisfies this.
type Broadcaster interface {
	Subscribe(ctx context.Context) <-chan ws.SessionEvent
	Unsubscribe(ch <-chan ws.SessionEvent)
}

type cnContextKey struct{}

// SessionCNFromContext returns the CommonName of the verified client
// certificate attached to ctx by the server's auth interceptor, and whether
// one was present. A plain context.Background() (no peer info, or a
// connection that somehow bypassed mTLS) returns ("", false).
func SessionCNFromContext(ctx context.Context) (string, bool) {
	cn, ok := ctx.Value(cnContextKey{}).(string)
	return cn, ok && cn != ""
}

// certCN extracts the CommonName from the mTLS client certificate attached
// to a gRPC peer context, mirroring the identity-over-PKI pattern used for
// agent registration elsewhere in this codebase.
func certCN(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return ""
	}
	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok || len(tlsInfo.State.VerifiedChains) == 0 || len(tlsInfo.State.VerifiedChains[0]) == 0 {
		return ""
	}
	return tlsInfo.State.VerifiedChains[0][0].Subject.CommonName
}

// unaryCNInterceptor injects the caller's certificate CN into the context
// for unary RPCs.
func unaryCNInterceptor(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	return handler(context.WithValue(ctx, cnContextKey{}, certCN(ctx)), req)
}

// cnServerStream wraps grpc.ServerStream so Context() returns a context
// carrying the caller's CN.
type cnServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *cnServerStream) Context() context.Context { return s.ctx }

// streamCNInterceptor injects the caller's certificate CN into the context
// for streaming RPCs.
func streamCNInterceptor(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	ctx := context.WithValue(ss.Context(), cnContextKey{}, certCN(ss.Context()))
	return handler(srv, &cnServerStream{ServerStream: ss, ctx: ctx})
}

// GRPCServer wraps a *grpc.Server configured with mTLS transport credentials
// and the CN-extraction interceptors.
type GRPCServer struct {
	inner  *grpc.Server
	logger *slog.Logger
	addr   string
}

// New builds a GRPCServer from cfg and registers svc as its
// SessionServiceServer implementation. svc is typed as `any` here and
// registered by the caller via the generated RegisterSessionServiceServer
// function so this package does not need to import the generated package
// at the call site — see cmd/honeypotd for the wiring.
func New(cfg Config, logger *slog.Logger, register func(*grpc.Server)) (*GRPCServer, error) {
	creds, err := loadServerTLS(cfg)
	if err != nil {
		return nil, fmt.Errorf("grpc: %w", err)
	}

	srv := grpc.NewServer(
		grpc.Creds(creds),
		grpc.UnaryInterceptor(unaryCNInterceptor),
		grpc.StreamInterceptor(streamCNInterceptor),
	)
	register(srv)

	return &GRPCServer{inner: srv, logger: logger, addr: cfg.Addr}, nil
}

// Serve opens cfg.Addr's listener and blocks serving RPCs on it until ctx
// is cancelled, at which point it gracefully stops the server and returns.
func (g *GRPCServer) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", g.addr)
	if err != nil {
		return fmt.Errorf("grpc: listen on %s: %w", g.addr, err)
	}
	return g.ServeOnListener(ctx, lis)
}

// ServeOnListener blocks serving RPCs on lis until ctx is cancelled, at
// which point it gracefully stops the server and returns.
func (g *GRPCServer) ServeOnListener(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- g.inner.Serve(lis) }()

	select {
	case <-ctx.Done():
		g.inner.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// Stop immediately terminates all in-flight RPCs and stops the server. Used
// as a fallback when GracefulStop (triggered by ctx cancellation in Serve
// or ServeOnListener) does not complete within a caller-imposed deadline.
func (g *GRPCServer) Stop() {
	g.inner.Stop()
}

// loadServerTLS builds server-side mTLS transport credentials: the server's
// own certificate/key, and a client CA pool with client-certificate
// verification required. This mirrors the agent-facing dashboard's
// credential loading, reversed — here the server verifies the client,
// rather than the client verifying the server.
func loadServerTLS(cfg Config) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load server cert/key (%s, %s): %w", cfg.CertPath, cfg.KeyPath, err)
	}

	caPEM, err := os.ReadFile(cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", cfg.CAPath, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA cert from %s: no certificates found", cfg.CAPath)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    caPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}

	return credentials.NewTLS(tlsCfg), nil
}
