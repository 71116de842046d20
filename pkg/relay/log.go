package relay

import "time"

// Log stages group audit entries by which part of the system wrote them.
const (
	LogStageCapture  = "capture"
	LogStageDelivery = "delivery"
	LogStageSweep    = "sweep"
	LogStageAdmin    = "admin"
)

// Log actions name the lifecycle event an audit entry records.
const (
	LogActionCaptured       = "captured"
	LogActionRejected       = "rejected"
	LogActionAttemptStarted = "attempt_started"
	LogActionCompleted      = "completed"
	LogActionFailed         = "failed"
	LogActionCancelled      = "cancelled"
	LogActionReplayed       = "replayed"
	LogActionRetryRequeued  = "retry_requeued"
	LogActionStuckRequeued  = "stuck_requeued"
)

// Log is an immutable audit entry for one relay lifecycle event. Entries
// are append-only: transitions write them and nothing updates them.
type Log struct {
	ID        int64             `json:"id"`
	RelayID   int64             `json:"relay_id"`
	Stage     string            `json:"stage"`
	Action    string            `json:"action"`
	Status    Status            `json:"status"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// LogArchiveRow is the retention copy of an audit entry, moved alongside
// its relay when the relay ages into the archive.
type LogArchiveRow struct {
	Log
	ArchivedAt time.Time `json:"archived_at"`
}
