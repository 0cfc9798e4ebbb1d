// Package router implements the per-connection message dispatch table of
// spec.md §4.7: one receive loop per accepted connection, demultiplexing
// each decoded envelope to the handler for its type, and replying
// `error`/`kind=unknown_message_type` for anything it doesn't recognize
// without tearing down the connection.
package router

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/crowdcompute/foreman/internal/checkpoint"
	"github.com/crowdcompute/foreman/internal/completion"
	"github.com/crowdcompute/foreman/internal/dispatcher"
	"github.com/crowdcompute/foreman/internal/jobmanager"
	"github.com/crowdcompute/foreman/internal/metrics"
	"github.com/crowdcompute/foreman/internal/protocol"
	"github.com/crowdcompute/foreman/internal/registry"
	"github.com/crowdcompute/foreman/internal/store"
	"github.com/crowdcompute/foreman/internal/worker"
	"github.com/crowdcompute/foreman/pkg/types"
)

var log = slog.Default()

// Router owns every collaborator a connected client or worker message might
// touch: the job/task state machine, the worker domain registry, the
// connection registry doing the actual writes, the checkpoint store, the
// dispatch loop to kick after a state change, and the completion handler to
// consult after every task-state transition (spec.md §4.8).
type Router struct {
	jobs        *jobmanager.Manager
	workers     *worker.Registry
	conns       *registry.Registry
	store       *store.Store
	checkpoints *checkpoint.Store
	disp        *dispatcher.Dispatcher
	completion  *completion.Handler
	metrics     *metrics.Collector
}

// New assembles a router. checkpoints may be nil if task_checkpoint support
// is disabled. collector may be nil.
func New(jobs *jobmanager.Manager, workers *worker.Registry, conns *registry.Registry, st *store.Store, checkpoints *checkpoint.Store, disp *dispatcher.Dispatcher, ch *completion.Handler, collector *metrics.Collector) *Router {
	return &Router{
		jobs:        jobs,
		workers:     workers,
		conns:       conns,
		store:       st,
		checkpoints: checkpoints,
		disp:        disp,
		completion:  ch,
		metrics:     collector,
	}
}

// Serve runs the receive loop for one connection until it errors or the
// peer closes it, then performs disconnect cleanup. Intended to be called
// in its own goroutine by the listener's accept loop.
func (rt *Router) Serve(connID string, nc net.Conn) {
	dec := json.NewDecoder(nc)
	for {
		var env protocol.Envelope
		err := dec.Decode(&env)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("connection read failed, closing", "connID", connID, "err", err)
			}
			rt.handleDisconnect(connID)
			return
		}
		if env.Type == "" {
			rt.replyError(connID, "", protocol.KindBadMessage, `missing required field "type"`)
			continue
		}
		rt.route(connID, &env)
	}
}

func (rt *Router) route(connID string, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeSubmitJob:
		rt.handleSubmitJob(connID, env)
	case protocol.TypeGetJobStatus:
		rt.handleGetJobStatus(connID, env)
	case protocol.TypeRegisterWorker:
		rt.handleRegisterWorker(connID, env)
	case protocol.TypeWorkerReady:
		rt.handleWorkerReady(connID, env)
	case protocol.TypeTaskResult:
		rt.handleTaskResult(connID, env)
	case protocol.TypeTaskError:
		rt.handleTaskError(connID, env)
	case protocol.TypeWorkerHeartbeat, protocol.TypePing:
		rt.handleHeartbeat(connID, env)
	case protocol.TypeTaskCheckpoint:
		rt.handleCheckpoint(connID, env)
	case protocol.TypeDisconnect:
		rt.handleDisconnect(connID)
	default:
		rt.replyError(connID, env.JobID, protocol.KindUnknownMessageType, "unrecognized type: "+env.Type)
	}
}

func (rt *Router) handleSubmitJob(connID string, env *protocol.Envelope) {
	rt.conns.RegisterClient(connID)

	var data protocol.SubmitJobData
	if err := env.DecodeData(&data); err != nil {
		rt.replyError(connID, env.JobID, protocol.KindBadMessage, err.Error())
		return
	}
	if err := data.Validate(); err != nil {
		rt.replyError(connID, env.JobID, protocol.KindBadMessage, err.Error())
		return
	}

	funcCode, err := protocol.HexDecode(data.FuncCode)
	if err != nil {
		rt.replyError(connID, env.JobID, protocol.KindBadMessage, err.Error())
		return
	}
	argsList := make([][]byte, len(data.ArgsList))
	for i, a := range data.ArgsList {
		b, err := protocol.HexDecode(a)
		if err != nil {
			rt.replyError(connID, env.JobID, protocol.KindBadMessage, err.Error())
			return
		}
		argsList[i] = b
	}

	jobID := types.JobID(env.JobID)
	if jobID == "" {
		jobID = types.JobID(uuid.New().String())
	}

	job := &types.Job{
		ID:                 jobID,
		ClientConnID:       connID,
		FuncCode:           funcCode,
		TotalTasks:         data.TotalTasks,
		CheckpointInterval: data.CheckpointInterval,
		Priority:           data.Priority,
	}
	if data.DeadlineSeconds > 0 {
		deadline := time.Now().UTC().Add(time.Duration(data.DeadlineSeconds * float64(time.Second)))
		job.Deadline = &deadline
	}
	if err := rt.jobs.SubmitJob(job, argsList); err != nil {
		rt.replyError(connID, string(jobID), protocol.KindBadMessage, err.Error())
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordJobSubmitted()
	}

	envelope, err := protocol.Build(protocol.TypeJobAccepted, string(jobID), "", protocol.JobAcceptedData{JobID: string(jobID)})
	if err != nil {
		log.Error("encode job_accepted failed", "err", err)
		return
	}
	rt.sendOrClose(connID, envelope, "job_accepted")

	// A zero-task submission is already completed by SubmitJob, and no task
	// result will ever reach the completion handler for it; send its empty
	// job_result immediately instead of waiting on a dispatch pass.
	if len(argsList) == 0 {
		result, err := protocol.Build(protocol.TypeJobResult, string(jobID), "", protocol.JobResultData{Results: []string{}})
		if err != nil {
			log.Error("encode job_result failed", "jobID", jobID, "err", err)
			return
		}
		if rt.metrics != nil {
			rt.metrics.RecordJobCompleted()
		}
		rt.sendOrClose(connID, result, "job_result")
		return
	}
	rt.disp.Kick()
}

func (rt *Router) handleGetJobStatus(connID string, env *protocol.Envelope) {
	rt.conns.RegisterClient(connID)

	jobID := types.JobID(env.JobID)
	job, err := rt.jobs.GetJob(jobID)
	if err != nil {
		rt.replyError(connID, env.JobID, protocol.KindBadMessage, "unknown job: "+env.JobID)
		return
	}
	counts, err := rt.jobs.GetJobStatusCounts(jobID)
	if err != nil {
		rt.replyError(connID, env.JobID, protocol.KindInternal, err.Error())
		return
	}
	payload := protocol.JobStatusData{JobID: string(jobID), Status: string(job.Status), Counts: counts}
	envelope, err := protocol.Build(protocol.TypeJobStatus, string(jobID), "", payload)
	if err != nil {
		log.Error("encode job_status failed", "err", err)
		return
	}
	rt.sendOrClose(connID, envelope, "job_status")
}

func (rt *Router) handleRegisterWorker(connID string, env *protocol.Envelope) {
	if env.WorkerID == "" {
		rt.replyError(connID, "", protocol.KindBadMessage, `missing required field "worker_id"`)
		return
	}
	var data protocol.RegisterWorkerData
	if err := env.DecodeData(&data); err != nil {
		rt.replyError(connID, "", protocol.KindBadMessage, err.Error())
		return
	}

	workerID := types.WorkerID(env.WorkerID)
	if replaced := rt.conns.RegisterWorker(workerID, connID); replaced {
		log.Info("worker reconnected, replacing stale connection", "workerID", workerID)
	}

	specs := types.DeviceSpecs{
		CPUFreqGHz: data.CPUFreqGHz,
		Cores:      data.Cores,
		MemoryGB:   data.MemoryGB,
		Battery:    data.Battery,
		Signal:     data.Signal,
		Platform:   data.Platform,
		DeviceType: data.DeviceType,
	}
	w := rt.workers.Register(workerID, connID, specs)
	if rt.store != nil {
		if err := rt.store.UpsertWorker(w); err != nil {
			log.Error("persist worker registration failed", "workerID", workerID, "err", err)
		}
	}
	rt.disp.Kick()
}

func (rt *Router) handleWorkerReady(connID string, env *protocol.Envelope) {
	workerID, ok := rt.conns.WorkerIDFor(connID)
	if !ok {
		rt.replyError(connID, "", protocol.KindBadMessage, "worker_ready from unregistered connection")
		return
	}
	if err := rt.workers.Heartbeat(workerID); err != nil {
		log.Warn("worker_ready for unknown worker", "workerID", workerID, "err", err)
	}
	rt.disp.Kick()
}

func (rt *Router) handleTaskResult(connID string, env *protocol.Envelope) {
	workerID, ok := rt.conns.WorkerIDFor(connID)
	if !ok {
		rt.replyError(connID, env.JobID, protocol.KindBadMessage, "task_result from unregistered connection")
		return
	}
	var data protocol.TaskResultData
	if err := env.DecodeData(&data); err != nil {
		rt.replyError(connID, env.JobID, protocol.KindBadMessage, err.Error())
		return
	}
	result, err := protocol.HexDecode(data.Result)
	if err != nil {
		rt.replyError(connID, env.JobID, protocol.KindBadMessage, err.Error())
		return
	}

	jobID := types.JobID(env.JobID)
	taskID := types.TaskID(data.TaskID)

	task, _, err := rt.jobs.CompleteTask(jobID, taskID, result)
	if err != nil {
		log.Warn("task_result for unknown task", "jobID", jobID, "taskID", taskID, "err", err)
		return
	}

	execTime := time.Duration(0)
	if task.AssignedAt != nil {
		execTime = time.Since(*task.AssignedAt)
	}
	if err := rt.workers.Release(workerID, taskID, true, execTime); err != nil {
		log.Warn("release worker after task_result failed", "workerID", workerID, "taskID", taskID, "err", err)
	}
	if rt.metrics != nil {
		rt.metrics.RecordTaskCompleted(execTime.Seconds())
	}

	if err := rt.completion.CheckAndFinish(jobID); err != nil {
		log.Error("completion check failed", "jobID", jobID, "err", err)
	}
	if rt.checkpoints != nil {
		_ = rt.checkpoints.Evict(taskID)
	}
	rt.disp.Kick()
}

func (rt *Router) handleTaskError(connID string, env *protocol.Envelope) {
	workerID, ok := rt.conns.WorkerIDFor(connID)
	if !ok {
		rt.replyError(connID, env.JobID, protocol.KindBadMessage, "task_error from unregistered connection")
		return
	}
	var data protocol.TaskErrorData
	if err := env.DecodeData(&data); err != nil {
		rt.replyError(connID, env.JobID, protocol.KindBadMessage, err.Error())
		return
	}

	jobID := types.JobID(env.JobID)
	taskID := types.TaskID(data.TaskID)

	task, _, _, err := rt.jobs.FailTask(jobID, taskID, data.Message)
	if err != nil {
		log.Warn("task_error for unknown task", "jobID", jobID, "taskID", taskID, "err", err)
		return
	}
	if err := rt.workers.Release(workerID, taskID, false, 0); err != nil {
		log.Warn("release worker after task_error failed", "workerID", workerID, "taskID", taskID, "err", err)
	}
	if rt.metrics != nil {
		rt.metrics.RecordTaskFailed()
	}
	if rt.store != nil {
		f := &types.WorkerFailure{
			WorkerID:  task.Assignee,
			TaskID:    taskID,
			JobID:     jobID,
			Timestamp: time.Now().UTC(),
			Cause:     types.CauseTaskError,
			Message:   data.Message,
		}
		if err := rt.store.RecordWorkerFailure(f); err != nil {
			log.Error("persist worker failure failed", "workerID", workerID, "err", err)
		}
	}

	if err := rt.completion.CheckAndFinish(jobID); err != nil {
		log.Error("completion check failed", "jobID", jobID, "err", err)
	}
	rt.disp.Kick()
}

func (rt *Router) handleHeartbeat(connID string, env *protocol.Envelope) {
	workerID, ok := rt.conns.WorkerIDFor(connID)
	if !ok {
		return
	}
	var data protocol.HeartbeatData
	_ = env.DecodeData(&data) // heartbeat payloads are optional; ignore decode errors here

	if err := rt.workers.Heartbeat(workerID); err != nil {
		log.Warn("heartbeat for unknown worker", "workerID", workerID, "err", err)
		return
	}
	if data.ReplyRequested || env.Type == protocol.TypePing {
		envelope, err := protocol.Build(protocol.TypePong, "", string(workerID), struct{}{})
		if err != nil {
			return
		}
		rt.sendOrClose(connID, envelope, "pong")
	}
}

func (rt *Router) handleCheckpoint(connID string, env *protocol.Envelope) {
	var data protocol.CheckpointData
	if err := env.DecodeData(&data); err != nil {
		rt.replyError(connID, env.JobID, protocol.KindBadMessage, err.Error())
		return
	}
	blob, err := protocol.HexDecode(data.Blob)
	if err != nil {
		rt.replyError(connID, env.JobID, protocol.KindBadMessage, err.Error())
		return
	}

	taskID := types.TaskID(data.TaskID)
	if rt.checkpoints != nil {
		if err := rt.checkpoints.Save(taskID, blob); err != nil {
			log.Error("save checkpoint failed", "taskID", taskID, "err", err)
		}
	}

	envelope, err := protocol.Build(protocol.TypeCheckpointAck, env.JobID, env.WorkerID, protocol.CheckpointData{TaskID: data.TaskID})
	if err != nil {
		return
	}
	rt.sendOrClose(connID, envelope, "checkpoint_ack")
}

// handleDisconnect runs both on an explicit `disconnect` message and on the
// receive loop hitting EOF/a read error. Closing the connection fires
// OnWorkerLost (wired as the registry's callback) if it belonged to a
// worker, which does the actual task reassignment.
func (rt *Router) handleDisconnect(connID string) {
	rt.conns.Close(connID)
}

// OnWorkerLost is wired as the connection registry's onWorkerLost callback
// (registry.SetOnWorkerLost). It fires whenever a worker's connection
// closes for any reason — explicit disconnect, EOF, or a failed send from
// the dispatcher — and requeues every task that worker held.
func (rt *Router) OnWorkerLost(workerID types.WorkerID) {
	rt.reassignWorkerTasks(workerID, types.CauseDisconnect, "worker connection lost")
	if _, err := rt.workers.MarkGone(workerID); err != nil {
		log.Warn("mark worker gone failed", "workerID", workerID, "err", err)
	} else if rt.metrics != nil {
		rt.metrics.RecordWorkerGone()
	}
	rt.disp.Kick()
}

// reassignWorkerTasks returns every task a worker held to pending, recording
// a failure entry for each (spec.md §4.7/§4.9).
func (rt *Router) reassignWorkerTasks(workerID types.WorkerID, cause types.FailureCause, message string) {
	for _, t := range rt.jobs.TasksAssignedTo(workerID) {
		if err := rt.jobs.RequeueTask(t.JobID, t.ID); err != nil {
			log.Error("requeue task after worker loss failed", "jobID", t.JobID, "taskID", t.ID, "err", err)
			continue
		}
		if rt.store != nil {
			f := &types.WorkerFailure{
				WorkerID:  workerID,
				TaskID:    t.ID,
				JobID:     t.JobID,
				Timestamp: time.Now().UTC(),
				Cause:     cause,
				Message:   message,
			}
			if err := rt.store.RecordWorkerFailure(f); err != nil {
				log.Error("persist worker failure failed", "workerID", workerID, "err", err)
			}
		}
	}
}

func (rt *Router) replyError(connID, jobID, kind, message string) {
	envelope, err := protocol.Build(protocol.TypeError, jobID, "", protocol.ErrorData{Kind: kind, Message: message})
	if err != nil {
		log.Error("encode error reply failed", "err", err)
		return
	}
	rt.sendOrClose(connID, envelope, "error")
}

// sendOrClose sends envelope to connID and, on a failed or timed-out write
// (spec.md §5: "timeout is treated as a disconnect"), closes the
// connection so a stuck peer doesn't keep its slot (and, if it was a
// worker, so its in-flight tasks are reassigned via OnWorkerLost).
func (rt *Router) sendOrClose(connID string, envelope any, what string) {
	if err := rt.conns.Send(connID, envelope); err != nil {
		log.Warn("send failed, closing connection", "what", what, "connID", connID, "err", err)
		rt.conns.Close(connID)
	}
}
