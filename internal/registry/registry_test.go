package registry

import (
	"net"
	"testing"
	"time"

	"github.com/crowdcompute/foreman/pkg/types"
)

func pipeConn(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestRegisterAndLookupWorker(t *testing.T) {
	r := New(nil, 0)
	server, _ := pipeConn(t)
	connID := r.Accept(server)

	r.RegisterWorker(types.WorkerID("w1"), connID)

	got, err := r.LookupWorker("w1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != connID {
		t.Fatalf("got %s, want %s", got, connID)
	}
}

func TestLookupUnknownWorker(t *testing.T) {
	r := New(nil, 0)
	if _, err := r.LookupWorker("ghost"); err != ErrUnknownWorker {
		t.Fatalf("expected ErrUnknownWorker, got %v", err)
	}
}

func TestCloseFiresWorkerLost(t *testing.T) {
	lost := make(chan types.WorkerID, 1)
	r := New(func(id types.WorkerID) { lost <- id }, 0)
	server, _ := pipeConn(t)
	connID := r.Accept(server)
	r.RegisterWorker("w1", connID)

	r.Close(connID)

	select {
	case id := <-lost:
		if id != "w1" {
			t.Fatalf("got %s, want w1", id)
		}
	case <-time.After(time.Second):
		t.Fatal("onWorkerLost was not called")
	}

	if _, err := r.LookupWorker("w1"); err != ErrUnknownWorker {
		t.Fatalf("expected worker to be gone from registry, got %v", err)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	r := New(nil, 0)
	server, _ := pipeConn(t)
	connID := r.Accept(server)
	r.Close(connID)

	if err := r.Send(connID, map[string]string{"type": "ping"}); err != ErrConnectionClosed {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestRegisterWorkerReplacesOldConnection(t *testing.T) {
	r := New(nil, 0)
	serverA, _ := pipeConn(t)
	serverB, _ := pipeConn(t)
	connA := r.Accept(serverA)
	connB := r.Accept(serverB)

	r.RegisterWorker("w1", connA)
	replaced := r.RegisterWorker("w1", connB)
	if !replaced {
		t.Fatal("expected re-registration to report a replacement")
	}

	got, err := r.LookupWorker("w1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != connB {
		t.Fatalf("got %s, want %s", got, connB)
	}

	if err := r.Send(connA, map[string]string{"type": "ping"}); err != ErrConnectionClosed {
		t.Fatalf("expected old connection to be closed, got %v", err)
	}
}

func TestCloseAllClosesEveryConnection(t *testing.T) {
	lost := make(chan types.WorkerID, 2)
	r := New(func(id types.WorkerID) { lost <- id }, 0)
	serverA, _ := pipeConn(t)
	serverB, _ := pipeConn(t)
	connA := r.Accept(serverA)
	connB := r.Accept(serverB)
	r.RegisterWorker("w1", connA)
	r.RegisterClient(connB)

	r.CloseAll()

	if err := r.Send(connA, map[string]string{"type": "ping"}); err != ErrConnectionClosed {
		t.Fatalf("expected connA closed, got %v", err)
	}
	if err := r.Send(connB, map[string]string{"type": "ping"}); err != ErrConnectionClosed {
		t.Fatalf("expected connB closed, got %v", err)
	}
	select {
	case id := <-lost:
		if id != "w1" {
			t.Fatalf("got %s, want w1", id)
		}
	case <-time.After(time.Second):
		t.Fatal("onWorkerLost was not called for the worker connection")
	}
}

func TestSendRespectsDeadline(t *testing.T) {
	r := New(nil, 20*time.Millisecond)
	server, _ := pipeConn(t)
	connID := r.Accept(server)

	// Nothing reads the peer end, so net.Pipe's unbuffered write blocks
	// until the send deadline fires instead of hanging forever.
	start := time.Now()
	if err := r.Send(connID, map[string]string{"type": "ping"}); err == nil {
		t.Fatal("expected send to time out")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("send took %s, expected it bounded by the send timeout", elapsed)
	}

	// Callers treat a failed send as a disconnect by closing explicitly.
	r.Close(connID)
	if err := r.Send(connID, map[string]string{"type": "ping"}); err != ErrConnectionClosed {
		t.Fatalf("expected closed connection, got %v", err)
	}
}

func TestClientRegistration(t *testing.T) {
	r := New(nil, 0)
	server, _ := pipeConn(t)
	connID := r.Accept(server)
	r.RegisterClient(connID)

	if !r.IsClient(connID) {
		t.Fatal("expected connection to be registered as a client")
	}
	if _, ok := r.WorkerIDFor(connID); ok {
		t.Fatal("client connection should not resolve to a worker id")
	}
}
