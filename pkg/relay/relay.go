package relay

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a relay.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Valid reports whether the status is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status is a resolved end state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Mode selects how a captured relay is delivered.
type Mode string

const (
	// ModeHTTP delivers synchronously as part of the capture request.
	ModeHTTP Mode = "http"
	// ModeEvent leaves the relay queued for the periodic sweeper.
	ModeEvent Mode = "event"
)

// Valid reports whether the mode is supported.
func (m Mode) Valid() bool {
	return m == ModeHTTP || m == ModeEvent
}

// supportedMethods is the closed set of outbound HTTP verbs.
var supportedMethods = map[string]struct{}{
	"GET":    {},
	"POST":   {},
	"PUT":    {},
	"PATCH":  {},
	"DELETE": {},
	"HEAD":   {},
}

// SupportedMethod reports whether the verb may be used for delivery.
func SupportedMethod(method string) bool {
	_, ok := supportedMethods[strings.ToUpper(strings.TrimSpace(method))]
	return ok
}

// SupportedMethods returns the allowed delivery verbs.
func SupportedMethods() []string {
	return []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"}
}

// MaxDestinationURLLength caps stored destination URLs.
const MaxDestinationURLLength = 255

// Relay is a single captured event and its delivery lifecycle record.
type Relay struct {
	ID int64 `json:"id"`

	// Capture data. Headers are stored post-redaction and payload is
	// immutable after capture, except for the send-time backfill done
	// by the delivery client.
	Source  string            `json:"source,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload []byte            `json:"payload,omitempty"`

	DestinationURL    string `json:"destination_url,omitempty"`
	DestinationMethod string `json:"destination_method,omitempty"`
	Mode              Mode   `json:"mode,omitempty"`

	Status Status `json:"status"`

	Attempts              int    `json:"attempts"`
	MaxAttempts           int    `json:"max_attempts"`
	LastAttemptDurationMs *int64 `json:"last_attempt_duration_ms,omitempty"`
	RetrySeconds          int    `json:"retry_seconds,omitempty"`
	TimeoutSeconds        int    `json:"timeout_seconds,omitempty"`

	ResponseStatus  *int     `json:"response_status,omitempty"`
	ResponsePayload []byte   `json:"response_payload,omitempty"`
	FailureReason   *Failure `json:"failure_reason,omitempty"`

	NextRetryAt         *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	FailedAt            *time.Time `json:"failed_at,omitempty"`
	CancelledAt         *time.Time `json:"cancelled_at,omitempty"`
}

// RetryEligible reports whether a failed relay is due for another attempt.
func (r *Relay) RetryEligible(now time.Time) bool {
	if r.Status != StatusFailed || r.NextRetryAt == nil {
		return false
	}
	return !r.NextRetryAt.After(now)
}

// AttemptsExhausted reports whether the relay has used all allowed attempts.
func (r *Relay) AttemptsExhausted() bool {
	return r.MaxAttempts > 0 && r.Attempts >= r.MaxAttempts
}

// ArchiveRow is the retention copy of a relay held outside the live store.
type ArchiveRow struct {
	Relay
	ArchivedAt time.Time `json:"archived_at"`
}
