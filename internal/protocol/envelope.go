// Package protocol implements the CrowdCompute wire codec: JSON envelopes
// exchanged over a duplex TCP connection between the foreman and its
// clients/workers. Binary payloads inside "data" (function blobs,
// checkpoint bytes, task arguments) are hex-encoded strings, per spec.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message type discriminators recognized by the router (spec.md §4.7).
const (
	TypeSubmitJob       = "submit_job"
	TypeJobAccepted     = "job_accepted"
	TypeGetJobStatus    = "get_job_status"
	TypeJobStatus       = "job_status"
	TypeRegisterWorker  = "register_worker"
	TypeWorkerReady     = "worker_ready"
	TypeAssignTask      = "assign_task"
	TypeTaskResult      = "task_result"
	TypeTaskError       = "task_error"
	TypeWorkerHeartbeat = "worker_heartbeat"
	TypePing            = "ping"
	TypePong            = "pong"
	TypeTaskCheckpoint  = "task_checkpoint"
	TypeCheckpointAck   = "checkpoint_ack"
	TypeDisconnect      = "disconnect"
	TypeJobResult       = "job_result"
	TypeJobError        = "job_error"
	TypeError           = "error"
)

// Envelope is the outer shape of every wire message (spec.md §6):
//
//	{ "type": <string>, "job_id"?: <string>, "worker_id"?: <string>, "data": <object> }
//
// Unknown top-level fields are ignored by virtue of json.Unmarshal's default
// behavior; unknown "type" values are handled by the router, not here.
type Envelope struct {
	Type     string          `json:"type"`
	JobID    string          `json:"job_id,omitempty"`
	WorkerID string          `json:"worker_id,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// ErrBadMessage wraps a decode failure or missing-required-field violation.
// Its Kind is always "bad_message" (spec.md §7).
type ErrBadMessage struct {
	Reason string
}

func (e *ErrBadMessage) Error() string { return fmt.Sprintf("bad_message: %s", e.Reason) }

// Decode parses a single envelope from raw bytes. A malformed envelope, or
// one missing the required "type" discriminator, yields *ErrBadMessage.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ErrBadMessage{Reason: err.Error()}
	}
	if env.Type == "" {
		return nil, &ErrBadMessage{Reason: "missing required field \"type\""}
	}
	return &env, nil
}

// Build assembles an Envelope from a type + optional job/worker ids + a
// data payload, ready to hand to a registry.Send call (which performs the
// final json.Encoder.Encode onto the wire).
func Build(msgType, jobID, workerID string, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return &Envelope{Type: msgType, JobID: jobID, WorkerID: workerID, Data: raw}, nil
}

// Encode marshals a type + optional job/worker ids + a data payload into
// the final wire bytes. Most callers should prefer Build + registry.Send;
// Encode exists for tests and one-off callers that need the raw bytes.
func Encode(msgType, jobID, workerID string, data any) ([]byte, error) {
	env, err := Build(msgType, jobID, workerID, data)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return out, nil
}

// DecodeData unmarshals the envelope's "data" object into dst.
func (e *Envelope) DecodeData(dst any) error {
	if len(e.Data) == 0 {
		return &ErrBadMessage{Reason: "missing required field \"data\""}
	}
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return &ErrBadMessage{Reason: err.Error()}
	}
	return nil
}
