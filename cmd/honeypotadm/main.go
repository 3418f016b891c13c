// Command honeypotadm is the operator CLI for a honeypot's mTLS gRPC
// control plane. It supports three subcommands:
//
//	honeypotadm count                  print the number of live sessions
//	honeypotadm close <session-id>     force-close one live session
//	honeypotadm watch                  stream session events until interrupted
//
// Every subcommand requires the same mTLS flags (-addr, -cert, -key, -ca).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tripwire/honeypot/internal/transport"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:9443", "honeypot control-plane gRPC address")
	certPath := fs.String("cert", "/etc/honeypotadm/operator.crt", "PEM operator client certificate path")
	keyPath := fs.String("key", "/etc/honeypotadm/operator.key", "PEM operator client private key path")
	caPath := fs.String("ca", "/etc/honeypotadm/ca.crt", "PEM CA certificate path (verifies the honeypot's server cert)")
	logLevel := fs.String("log-level", "warn", "Log level: debug | info | warn | error")
	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(2)
	}

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	cfg := transport.Config{
		Addr:     *addr,
		CertPath: *certPath,
		KeyPath:  *keyPath,
		CAPath:   *caPath,
	}
	client := transport.New(cfg, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	var err error
	switch cmd {
	case "count":
		err = runCount(ctx, client)
	case "close":
		if fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "usage: honeypotadm close [flags] <session-id>")
			os.Exit(2)
		}
		err = runClose(ctx, client, fs.Arg(0))
	case "watch":
		err = runWatch(ctx, client)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "honeypotadm: %v\n", err)
		os.Exit(1)
	}
}

func runCount(ctx context.Context, client *transport.AdminClient) error {
	count, err := client.GetLiveSessionCount(ctx)
	if err != nil {
		return fmt.Errorf("get live session count: %w", err)
	}
	fmt.Println(count)
	return nil
}

func runClose(ctx context.Context, client *transport.AdminClient, sessionID string) error {
	closed, err := client.ForceCloseSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("force close session: %w", err)
	}
	if !closed {
		return fmt.Errorf("session %q was not live", sessionID)
	}
	fmt.Printf("closed %s\n", sessionID)
	return nil
}

func runWatch(ctx context.Context, client *transport.AdminClient) error {
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("start event subscription: %w", err)
	}
	defer client.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-client.Events():
			if !ok {
				return nil
			}
			fmt.Printf("%.6f  %-8s  %-12s  %s\n", evt.GetTs(), evt.GetTag(), evt.GetSessionId(), evt.GetDataJson())
		}
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: honeypotadm <count|close|watch> [flags]")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level. Defaults to warn so an
// interactive CLI invocation is not drowned out by connection-retry noise.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelWarn
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
