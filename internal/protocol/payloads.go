package protocol

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// SubmitJobData is the "data" payload of a submit_job message (spec.md §6).
// func_code and each entry of args_list are hex-encoded binary blobs, per
// the envelope codec's convention.
type SubmitJobData struct {
	FuncCode           string   `json:"func_code" validate:"required,hexadecimal"`
	ArgsList           []string `json:"args_list" validate:"dive,hexadecimal"`
	TotalTasks         int      `json:"total_tasks" validate:"gte=0"`
	CheckpointInterval float64  `json:"checkpoint_interval,omitempty"`
	Priority           int      `json:"priority,omitempty"`
	DeadlineSeconds    float64  `json:"deadline_seconds,omitempty"`
}

// Validate checks struct tags and the cross-field invariant spec.md §4.5
// requires before a job is accepted: total_tasks == len(args_list).
func (d *SubmitJobData) Validate() error {
	if err := validate.Struct(d); err != nil {
		return &ErrBadMessage{Reason: err.Error()}
	}
	if d.TotalTasks != len(d.ArgsList) {
		return &ErrBadMessage{Reason: fmt.Sprintf("total_tasks (%d) != len(args_list) (%d)", d.TotalTasks, len(d.ArgsList))}
	}
	return nil
}

// JobAcceptedData acknowledges a successful submit_job.
type JobAcceptedData struct {
	JobID string `json:"job_id"`
}

// GetJobStatusData requests the current status of a job; job id travels in
// the envelope's job_id field, so this payload is typically empty.
type GetJobStatusData struct{}

// JobStatusData answers get_job_status.
type JobStatusData struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Counts any    `json:"counts"`
}

// RegisterWorkerData is sent by a worker on connect.
type RegisterWorkerData struct {
	CPUFreqGHz float64 `json:"cpu_freq_ghz"`
	Cores      int     `json:"cores"`
	MemoryGB   float64 `json:"memory_gb"`
	Battery    float64 `json:"battery"`
	Signal     float64 `json:"signal"`
	Platform   string  `json:"platform"`
	DeviceType string  `json:"device_type"`
}

// WorkerReadyData carries no required fields; the worker id comes from the
// envelope.
type WorkerReadyData struct{}

// AssignTaskData is sent by the foreman to hand a task to a worker.
// func_code and task_args are hex-encoded.
type AssignTaskData struct {
	TaskID   string `json:"task_id"`
	FuncCode string `json:"func_code"`
	TaskArgs string `json:"task_args"`
}

// TaskResultData reports a successful task execution. result is hex-encoded.
type TaskResultData struct {
	TaskID string `json:"task_id" validate:"required"`
	Result string `json:"result"`
}

// TaskErrorData reports a failed task execution.
type TaskErrorData struct {
	TaskID  string `json:"task_id" validate:"required"`
	Message string `json:"message"`
}

// HeartbeatData is the payload of worker_heartbeat/ping.
type HeartbeatData struct {
	ReplyRequested bool `json:"reply_requested,omitempty"`
}

// CheckpointData forwards task_checkpoint bytes to the checkpoint store.
type CheckpointData struct {
	TaskID string `json:"task_id" validate:"required"`
	Blob   string `json:"blob"` // hex-encoded
}

// ErrorData is the payload of an `error` reply.
type ErrorData struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// JobResultData is the payload of job_result: the ordered result vector,
// each entry hex-encoded.
type JobResultData struct {
	Results []string `json:"results"`
}

// JobErrorData is the payload of job_error: the per-task failure list.
type JobErrorData struct {
	Kind   string          `json:"kind"`
	Errors []TaskErrorEntry `json:"errors"`
}

// TaskErrorEntry is one element of JobErrorData.Errors.
type TaskErrorEntry struct {
	TaskIndex int    `json:"task_index"`
	TaskID    string `json:"task_id"`
	Message   string `json:"message"`
}

// HexEncode hex-encodes a binary blob for the wire.
func HexEncode(b []byte) string { return hex.EncodeToString(b) }

// HexDecode decodes a hex string from the wire. Malformed hex is a
// bad_message per spec.md §4.1.
func HexDecode(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, &ErrBadMessage{Reason: "invalid hex: " + err.Error()}
	}
	return b, nil
}
