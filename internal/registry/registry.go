// Package registry implements the connection registry described in
// spec.md §4.3: it tracks live TCP connections for both workers and
// clients, mints connection ids, and serializes outbound writes per
// connection so concurrent senders never interleave frames.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crowdcompute/foreman/pkg/types"
)

var log = slog.Default()

// ErrUnknownWorker is returned when a lookup finds no registered worker.
var ErrUnknownWorker = errors.New("registry: unknown worker")

// ErrConnectionClosed is returned by Send after Close has run for that
// connection.
var ErrConnectionClosed = errors.New("registry: connection closed")

// conn is the registry's internal record for one TCP connection. sendMu
// serializes writes so two goroutines racing to reply to the same
// connection never interleave their JSON frames (spec.md §5).
type conn struct {
	id     string
	nc     net.Conn
	enc    *json.Encoder
	sendMu sync.Mutex
	closed bool
}

// WorkerLostFunc is invoked when a worker's connection transitions to gone,
// so the caller (normally the message router) can requeue its in-flight tasks.
type WorkerLostFunc func(workerID types.WorkerID)

// Registry tracks connections and the worker identities bound to them.
type Registry struct {
	mu sync.RWMutex

	conns        map[string]*conn            // connID -> conn
	workerByID   map[types.WorkerID]string   // workerID -> connID
	connToWorker map[string]types.WorkerID   // connID -> workerID
	clientConns  map[string]struct{}         // connID set, client connections

	onWorkerLost WorkerLostFunc
	sendTimeout  time.Duration
}

// New creates an empty registry. onWorkerLost may be nil. sendTimeout bounds
// every outbound write (spec.md §5); zero disables the deadline.
func New(onWorkerLost WorkerLostFunc, sendTimeout time.Duration) *Registry {
	return &Registry{
		conns:        make(map[string]*conn),
		workerByID:   make(map[types.WorkerID]string),
		connToWorker: make(map[string]types.WorkerID),
		clientConns:  make(map[string]struct{}),
		onWorkerLost: onWorkerLost,
		sendTimeout:  sendTimeout,
	}
}

// Accept wraps a freshly-accepted net.Conn and mints it a connection id.
func (r *Registry) Accept(nc net.Conn) string {
	id := uuid.New().String()
	r.mu.Lock()
	r.conns[id] = &conn{id: id, nc: nc, enc: json.NewEncoder(nc)}
	r.mu.Unlock()
	log.Info("connection accepted", "connID", id, "remote", nc.RemoteAddr())
	return id
}

// RegisterClient marks a connection id as belonging to a client (as opposed
// to a worker). Clients don't carry further registry state beyond this.
func (r *Registry) RegisterClient(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clientConns[connID] = struct{}{}
}

// RegisterWorker binds a worker id to a connection id. Re-registering an
// id already bound to a different, still-live connection closes the older
// connection first (spec.md §4.3: duplicate_worker_id handling).
func (r *Registry) RegisterWorker(workerID types.WorkerID, connID string) (replaced bool) {
	r.mu.Lock()
	oldConnID, exists := r.workerByID[workerID]
	r.workerByID[workerID] = connID
	r.connToWorker[connID] = workerID
	r.mu.Unlock()

	if exists && oldConnID != connID {
		r.Close(oldConnID)
		replaced = true
	}
	return replaced
}

// LookupWorker returns the connection id bound to a worker id.
func (r *Registry) LookupWorker(workerID types.WorkerID) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.workerByID[workerID]
	if !ok {
		return "", ErrUnknownWorker
	}
	return connID, nil
}

// AvailableWorkers returns the worker ids currently bound to a live
// connection, in no particular order.
func (r *Registry) AvailableWorkers() []types.WorkerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.WorkerID, 0, len(r.workerByID))
	for id := range r.workerByID {
		out = append(out, id)
	}
	return out
}

// Send encodes v as a JSON frame and writes it to the connection, holding
// that connection's outbound lock for the duration of the write. The write
// is bounded by the registry's send timeout (spec.md §5): a deadline
// exceeded on the underlying conn surfaces the same as any other write
// error, and every caller of Send treats a non-nil error as a disconnect
// by closing the connection.
func (r *Registry) Send(connID string, v any) error {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return ErrConnectionClosed
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	if r.sendTimeout > 0 {
		c.nc.SetWriteDeadline(time.Now().Add(r.sendTimeout))
	}
	if err := c.enc.Encode(v); err != nil {
		return fmt.Errorf("send to %s: %w", connID, err)
	}
	return nil
}

// Close tears down a connection and, if it was bound to a worker, fires
// onWorkerLost so the message router can reassign that worker's tasks.
func (r *Registry) Close(connID string) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	delete(r.clientConns, connID)
	workerID, wasWorker := r.connToWorker[connID]
	if wasWorker {
		delete(r.connToWorker, connID)
		// Only clear the forward index if it still points at this
		// connection — a reconnect may have already replaced it.
		if r.workerByID[workerID] == connID {
			delete(r.workerByID, workerID)
		}
	}
	onWorkerLost := r.onWorkerLost
	r.mu.Unlock()

	c.sendMu.Lock()
	c.closed = true
	c.nc.Close()
	c.sendMu.Unlock()

	log.Info("connection closed", "connID", connID)
	if wasWorker && onWorkerLost != nil {
		onWorkerLost(workerID)
	}
}

// SetOnWorkerLost sets (or replaces) the callback fired when a worker's
// connection closes. It exists to break the construction cycle between the
// registry and its caller's router: the registry must exist before the
// router can be built, and the router's callback method needs the registry.
func (r *Registry) SetOnWorkerLost(fn WorkerLostFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onWorkerLost = fn
}

// CloseAll force-closes every live connection. Used during graceful
// shutdown (spec.md §5) once in-flight handlers have been given a chance
// to drain.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Close(id)
	}
}

// IsClient reports whether a connection id was registered as a client.
func (r *Registry) IsClient(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clientConns[connID]
	return ok
}

// WorkerIDFor returns the worker id bound to a connection, if any.
func (r *Registry) WorkerIDFor(connID string) (types.WorkerID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.connToWorker[connID]
	return id, ok
}
