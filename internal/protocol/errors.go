package protocol

// Error kinds from spec.md §7. Each names a point in the taxonomy; callers
// attach one of these to an ErrorData reply or to a JobErrorData entry.
const (
	KindBadMessage         = "bad_message"
	KindUnknownMessageType = "unknown_message_type"
	KindDuplicateWorkerID  = "duplicate_worker_id"
	KindTaskError          = "task_error"
	KindWorkerDisconnect   = "worker_disconnect"
	KindTimeout            = "timeout"
	KindStuck              = "stuck"
	KindDeadlineExceeded   = "deadline_exceeded"
	KindInternal           = "internal"
)
