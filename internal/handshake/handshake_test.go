package handshake_test

import (
	"net"
	"testing"
	"time"

	"github.com/yuuki/ubft-rdma-core/internal/handshake"
	"github.com/yuuki/ubft-rdma-core/internal/rdmaerr"
	"github.com/yuuki/ubft-rdma-core/internal/rpcserver"
)

const testKind rpcserver.RpcKind = 1

func startTestServer(t *testing.T, manager handshake.Manager) (*rpcserver.Server, *handshake.Handler, string) {
	t.Helper()
	server := rpcserver.New(nil)
	h := handshake.NewHandler(server, testKind, manager, nil)
	if err := server.AttachHandler(h); err != nil {
		t.Fatalf("AttachHandler: %v", err)
	}
	if _, err := server.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { server.Stop() })

	addr := server.Addr()
	if addr == "" {
		t.Fatalf("server has no listen address")
	}
	return server, h, addr
}

func TestHandshakeHappyPath(t *testing.T) {
	manager := handshake.NewInMemoryManager(
		func(peerID handshake.PeerID, blob []byte) (bool, []byte) {
			if peerID != 7 || string(blob) != "hello" {
				t.Fatalf("unexpected step1 args: peer=%d blob=%q", peerID, blob)
			}
			return true, []byte("world")
		},
		func(peerID handshake.PeerID) bool {
			return peerID == 7
		},
	)
	_, _, addr := startTestServer(t, manager)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	result, err := handshake.Handshake[string](conn, testKind, 7,
		func() ([]byte, error) { return []byte("hello"), nil },
		func(serverBlob []byte) (string, error) { return string(serverBlob), nil },
	)
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if result != "world" {
		t.Fatalf("result = %q, want %q", result, "world")
	}
}

func TestHandshakeRejected(t *testing.T) {
	manager := handshake.NewInMemoryManager(
		func(peerID handshake.PeerID, blob []byte) (bool, []byte) { return true, []byte("world") },
		func(peerID handshake.PeerID) bool { return false },
	)
	_, _, addr := startTestServer(t, manager)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	_, err = handshake.Handshake[string](conn, testKind, 7,
		func() ([]byte, error) { return []byte("hello"), nil },
		func(serverBlob []byte) (string, error) { return string(serverBlob), nil },
	)
	if !rdmaerr.Is(err, rdmaerr.Handshake) {
		t.Fatalf("expected Handshake error, got %v", err)
	}
}

func TestHandshakeStep1RejectionSendsNoBlob(t *testing.T) {
	manager := handshake.NewInMemoryManager(
		func(peerID handshake.PeerID, blob []byte) (bool, []byte) { return false, nil },
		func(peerID handshake.PeerID) bool { return true },
	)
	_, _, addr := startTestServer(t, manager)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(300 * time.Millisecond))

	_, err = handshake.Handshake[string](conn, testKind, 7,
		func() ([]byte, error) { return []byte("hello"), nil },
		func(serverBlob []byte) (string, error) { return string(serverBlob), nil },
	)
	if err == nil {
		t.Fatalf("expected a timeout/IO error since the server sends nothing back")
	}
}

func TestInactivePeerIsDisconnected(t *testing.T) {
	manager := handshake.NewInMemoryManager(
		func(peerID handshake.PeerID, blob []byte) (bool, []byte) { return true, []byte("world") },
		func(peerID handshake.PeerID) bool { return true },
	)
	_, handler, addr := startTestServer(t, manager)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := handshake.Handshake[string](conn, testKind, 7,
		func() ([]byte, error) { return []byte("hello"), nil },
		func(serverBlob []byte) (string, error) { return string(serverBlob), nil },
	); err != nil {
		t.Fatalf("Handshake: %v", err)
	}

	manager.MarkDead(7)

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 1)
		conn.Read(buf)
		close(done)
	}()

	handler.SweepNow()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the connection to be closed after the peer was marked dead")
	}
}
