package foreman

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/crowdcompute/foreman/internal/config"
	"github.com/crowdcompute/foreman/pkg/types"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	// New registers a metrics collector on the default registerer, which
	// panics on a second registration; give each test a fresh registry.
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	cfg := config.Default()
	cfg.BindHost = "127.0.0.1"
	cfg.Port = 0
	cfg.AdminPort = 0
	cfg.DatabasePath = filepath.Join(t.TempDir(), "foreman.db")
	cfg.CheckpointDir = filepath.Join(t.TempDir(), "checkpoints")
	cfg.SupervisorInterval = 20 * time.Millisecond
	cfg.DispatchInterval = 20 * time.Millisecond
	return cfg
}

func TestNewWiresEveryCollaborator(t *testing.T) {
	f, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if f.jobs == nil || f.workers == nil || f.conns == nil || f.disp == nil || f.router == nil || f.supervisor == nil {
		t.Fatal("expected every collaborator to be wired")
	}
	if err := f.store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}
}

func TestStartAcceptsConnectionsAndStopIsIdempotent(t *testing.T) {
	f, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := f.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	conn, err := net.Dial("tcp", f.listener.Addr().String())
	if err != nil {
		t.Fatalf("dial listener: %v", err)
	}
	conn.Close()

	time.Sleep(50 * time.Millisecond)

	f.Stop()
	f.Stop() // must not panic or block
}

func TestEnqueueJobSubmitsThroughJobManager(t *testing.T) {
	f, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	defer f.store.Close()

	job := &types.Job{
		ID:         types.JobID("job-1"),
		TotalTasks: 1,
		Priority:   0,
	}
	if err := f.EnqueueJob(job, [][]byte{[]byte("args")}); err != nil {
		t.Fatalf("EnqueueJob returned error: %v", err)
	}

	got, err := f.jobs.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob returned error: %v", err)
	}
	if got.Status != types.JobPending {
		t.Fatalf("got status %s, want pending", got.Status)
	}
}
