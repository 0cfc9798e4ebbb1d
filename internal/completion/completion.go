// Package completion implements the job completion handler of spec.md
// §4.8: detect that every task in a job has reached a terminal status,
// decide completed vs failed, assemble the ordered result (or error)
// payload, and evict the job's cached function blob (via FinishJob). The
// job's client connection binding is left in place: neither the job's
// ClientConnID nor the client connection is released here.
package completion

import (
	"log/slog"

	"github.com/crowdcompute/foreman/internal/metrics"
	"github.com/crowdcompute/foreman/internal/protocol"
	"github.com/crowdcompute/foreman/internal/registry"
	"github.com/crowdcompute/foreman/pkg/types"
)

var log = slog.Default()

// JobManager is the subset of *jobmanager.Manager the completion handler
// needs.
type JobManager interface {
	AllTerminal(jobID types.JobID) (bool, error)
	AnyFailed(jobID types.JobID) (bool, error)
	OrderedResults(jobID types.JobID) ([][]byte, error)
	FailedTasks(jobID types.JobID) ([]types.Task, error)
	GetJob(jobID types.JobID) (types.Job, error)
	FinishJob(jobID types.JobID, status types.JobStatus) error
}

// Handler finalizes jobs once every task has resolved.
type Handler struct {
	jobs    JobManager
	conns   *registry.Registry
	metrics *metrics.Collector
}

// New creates a completion handler. collector may be nil.
func New(jobs JobManager, conns *registry.Registry, collector *metrics.Collector) *Handler {
	return &Handler{jobs: jobs, conns: conns, metrics: collector}
}

// CheckAndFinish inspects a job after one of its tasks just transitioned
// to a terminal status. If every task is now terminal, it finalizes the
// job and notifies the submitting client; otherwise it is a no-op.
func (h *Handler) CheckAndFinish(jobID types.JobID) error {
	job, err := h.jobs.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.Status == types.JobCompleted || job.Status == types.JobFailed || job.Status == types.JobCancelled {
		log.Info("ignoring re-check on already-finished job", "jobID", jobID, "status", job.Status)
		return nil
	}

	done, err := h.jobs.AllTerminal(jobID)
	if err != nil {
		return err
	}
	if !done {
		return nil
	}

	anyFailed, err := h.jobs.AnyFailed(jobID)
	if err != nil {
		return err
	}

	job, err = h.jobs.GetJob(jobID)
	if err != nil {
		return err
	}

	if anyFailed {
		return h.finishFailed(job)
	}
	return h.finishCompleted(job)
}

func (h *Handler) finishCompleted(job types.Job) error {
	results, err := h.jobs.OrderedResults(job.ID)
	if err != nil {
		return err
	}
	encoded := make([]string, len(results))
	for i, r := range results {
		encoded[i] = protocol.HexEncode(r)
	}

	payload := protocol.JobResultData{Results: encoded}
	envelope, err := protocol.Build(protocol.TypeJobResult, string(job.ID), "", payload)
	if err != nil {
		return err
	}

	if err := h.jobs.FinishJob(job.ID, types.JobCompleted); err != nil {
		log.Error("finish completed job failed", "jobID", job.ID, "err", err)
	}
	if h.metrics != nil {
		h.metrics.RecordJobCompleted()
	}
	h.notifyClient(job, envelope)
	log.Info("job completed", "jobID", job.ID, "resultCount", len(results))
	return nil
}

func (h *Handler) finishFailed(job types.Job) error {
	failed, err := h.jobs.FailedTasks(job.ID)
	if err != nil {
		return err
	}
	entries := make([]protocol.TaskErrorEntry, len(failed))
	for i, t := range failed {
		entries[i] = protocol.TaskErrorEntry{TaskIndex: t.Index, TaskID: string(t.ID), Message: t.LastError}
	}

	payload := protocol.JobErrorData{Kind: protocol.KindTaskError, Errors: entries}
	envelope, err := protocol.Build(protocol.TypeJobError, string(job.ID), "", payload)
	if err != nil {
		return err
	}

	if err := h.jobs.FinishJob(job.ID, types.JobFailed); err != nil {
		log.Error("finish failed job failed", "jobID", job.ID, "err", err)
	}
	if h.metrics != nil {
		h.metrics.RecordJobFailed()
	}
	h.notifyClient(job, envelope)
	log.Info("job failed", "jobID", job.ID, "failedTasks", len(failed))
	return nil
}

func (h *Handler) notifyClient(job types.Job, envelope any) {
	if job.ClientConnID == "" {
		return
	}
	if err := h.conns.Send(job.ClientConnID, envelope); err != nil {
		log.Warn("failed to notify client of job completion, closing connection", "jobID", job.ID, "err", err)
		h.conns.Close(job.ClientConnID)
	}
}
