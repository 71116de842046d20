package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/funnyzak/hookrelay/internal/config"
	"github.com/funnyzak/hookrelay/internal/logger"
	"github.com/funnyzak/hookrelay/internal/storage"
	"github.com/funnyzak/hookrelay/pkg/relay"
)

// ErrInvalidTransition indicates a lifecycle operation was attempted
// from a state that does not allow it. This is a programming or race
// condition signal, not a delivery failure.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// ErrPayloadTooLarge indicates a capture or send-time payload exceeded
// the configured byte cap.
var ErrPayloadTooLarge = errors.New("payload exceeds configured limit")

// ErrRelayNotFound indicates the relay id does not exist in the live store.
var ErrRelayNotFound = errors.New("relay not found")

// Engine drives relay lifecycle transitions. All state changes go
// through the store's conditional update so that concurrent sweepers,
// captures, and manual operations interleave safely.
type Engine struct {
	store storage.Store
	cfg   *config.Config
	log   logger.Logger
	now   func() time.Time
}

// New constructs a lifecycle engine with explicit dependencies.
func New(store storage.Store, cfg *config.Config, log logger.Logger) *Engine {
	return &Engine{
		store: store,
		cfg:   cfg,
		log:   log,
		now:   time.Now,
	}
}

// SetClock overrides the engine clock. Tests only.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// appendLog writes an audit entry for a completed transition. The trail
// is best effort: a failed write is logged and never fails the
// transition that produced it.
func (e *Engine) appendLog(ctx context.Context, relayID int64, stage, action string, status relay.Status, message string, metadata map[string]string) {
	entry := &relay.Log{
		RelayID:   relayID,
		Stage:     stage,
		Action:    action,
		Status:    status,
		Message:   message,
		Metadata:  metadata,
		CreatedAt: e.now().UTC(),
	}
	if err := e.store.AppendLog(ctx, entry); err != nil {
		e.log.Error("relay log append failed", "relay_id", relayID, "error", err)
	}
}

// Logs returns the audit trail of a relay, oldest first.
func (e *Engine) Logs(ctx context.Context, relayID int64) ([]*relay.Log, error) {
	return e.store.ListLogs(ctx, relayID)
}

// CaptureInput carries the inbound event data for a new relay.
type CaptureInput struct {
	Source  string
	Headers http.Header
	Payload []byte
	Route   *relay.Route
}

// Capture creates a queued relay from an inbound event. Sensitive
// headers are redacted before storage and oversize payloads are
// rejected outright rather than truncated.
func (e *Engine) Capture(ctx context.Context, in CaptureInput) (*relay.Relay, error) {
	if int64(len(in.Payload)) > e.cfg.Capture.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(in.Payload), e.cfg.Capture.MaxPayloadBytes)
	}

	r := e.newRelay(in)
	if err := e.store.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("capture relay: %w", err)
	}

	e.log.Info("relay captured",
		"relay_id", r.ID,
		"source", r.Source,
		"mode", string(r.Mode),
		"payload_bytes", len(r.Payload),
	)
	e.appendLog(ctx, r.ID, relay.LogStageCapture, relay.LogActionCaptured, r.Status, "", map[string]string{
		"source": r.Source,
		"mode":   string(r.Mode),
	})
	return r, nil
}

// CaptureRejected persists a relay that failed guard validation, for
// audit. The relay is born FAILED with no retry eligibility.
func (e *Engine) CaptureRejected(ctx context.Context, in CaptureInput, reason relay.Failure) (*relay.Relay, error) {
	now := e.now().UTC()
	r := e.newRelay(in)
	r.Status = relay.StatusFailed
	r.FailureReason = reason.Ptr()
	r.FailedAt = &now
	r.CompletedAt = &now
	r.NextRetryAt = nil

	if err := e.store.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("capture rejected relay: %w", err)
	}

	e.log.Warn("relay captured as rejected",
		"relay_id", r.ID,
		"source", r.Source,
		"reason", reason.String(),
	)
	e.appendLog(ctx, r.ID, relay.LogStageCapture, relay.LogActionRejected, r.Status, reason.String(), nil)
	return r, nil
}

func (e *Engine) newRelay(in CaptureInput) *relay.Relay {
	r := &relay.Relay{
		Source:       in.Source,
		Headers:      relay.RedactHeaders(in.Headers, e.cfg.Capture.SensitiveHeaders),
		Payload:      in.Payload,
		Status:       relay.StatusQueued,
		MaxAttempts:  e.cfg.Retry.MaxAttempts,
		RetrySeconds: e.cfg.Retry.IntervalSeconds,
		Mode:         relay.ModeEvent,
	}

	delaySeconds := e.cfg.Retry.DelaySeconds
	if rt := in.Route; rt != nil {
		r.DestinationURL = rt.Destination
		r.DestinationMethod = rt.Method
		if rt.Mode != "" {
			r.Mode = rt.Mode
		}
		if rt.MaxAttempts > 0 {
			r.MaxAttempts = rt.MaxAttempts
		}
		if rt.RetrySeconds > 0 {
			r.RetrySeconds = rt.RetrySeconds
		}
		if rt.TimeoutSeconds > 0 {
			r.TimeoutSeconds = rt.TimeoutSeconds
		}
		if rt.DelaySeconds > 0 {
			delaySeconds = rt.DelaySeconds
		}
	}
	if r.TimeoutSeconds == 0 {
		r.TimeoutSeconds = e.cfg.HTTP.TimeoutSeconds
	}
	if delaySeconds > 0 {
		due := e.now().UTC().Add(time.Duration(delaySeconds) * time.Second)
		r.NextRetryAt = &due
	}
	return r
}

// StartAttempt transitions a relay into PROCESSING and increments its
// attempt counter, clearing the previous outcome. Valid from QUEUED or
// from FAILED with an eligible retry; the underlying conditional update
// guarantees that exactly one of any concurrent callers wins.
func (e *Engine) StartAttempt(ctx context.Context, r *relay.Relay) (*relay.Relay, error) {
	if r == nil {
		return nil, ErrRelayNotFound
	}
	now := e.now().UTC()

	switch r.Status {
	case relay.StatusQueued:
	case relay.StatusFailed:
		if r.AttemptsExhausted() {
			return nil, fmt.Errorf("%w: relay %d has exhausted %d attempts", ErrInvalidTransition, r.ID, r.MaxAttempts)
		}
		if !r.RetryEligible(now) {
			return nil, fmt.Errorf("%w: relay %d is not retry eligible", ErrInvalidTransition, r.ID)
		}
	case relay.StatusProcessing:
		return nil, fmt.Errorf("%w: relay %d is already processing", ErrInvalidTransition, r.ID)
	default:
		return nil, fmt.Errorf("%w: cannot start attempt from %s", ErrInvalidTransition, r.Status)
	}

	ok, err := e.store.UpdateIfStatus(ctx, r.ID,
		[]relay.Status{relay.StatusQueued, relay.StatusFailed},
		storage.Fields{
			"status":                   relay.StatusProcessing,
			"processing_started_at":    now,
			"attempts":                 r.Attempts + 1,
			"response_status":          nil,
			"response_payload":         nil,
			"failure_reason":           nil,
			"completed_at":             nil,
			"failed_at":                nil,
			"next_retry_at":            nil,
			"last_attempt_duration_ms": nil,
		})
	if err != nil {
		return nil, fmt.Errorf("start attempt: %w", err)
	}
	if !ok {
		// A concurrent caller won the row; the loser must no-op.
		return nil, fmt.Errorf("%w: relay %d was claimed concurrently", ErrInvalidTransition, r.ID)
	}

	e.log.Debug("relay attempt started", "relay_id", r.ID, "attempt", r.Attempts+1)
	e.appendLog(ctx, r.ID, relay.LogStageDelivery, relay.LogActionAttemptStarted, relay.StatusProcessing, "", map[string]string{
		"attempt": strconv.Itoa(r.Attempts + 1),
	})
	return e.refresh(ctx, r.ID)
}

// MarkCompleted resolves a PROCESSING relay as delivered.
func (e *Engine) MarkCompleted(ctx context.Context, r *relay.Relay, durationMs int64) (*relay.Relay, error) {
	if r == nil {
		return nil, ErrRelayNotFound
	}
	now := e.now().UTC()

	fields := storage.Fields{
		"status":        relay.StatusCompleted,
		"completed_at":  now,
		"next_retry_at": nil,
	}
	if durationMs >= 0 {
		fields["last_attempt_duration_ms"] = durationMs
	}

	ok, err := e.store.UpdateIfStatus(ctx, r.ID, []relay.Status{relay.StatusProcessing}, fields)
	if err != nil {
		return nil, fmt.Errorf("mark completed: %w", err)
	}
	if !ok {
		// Cancellation (or another sweeper) got there first; a
		// cancelled relay stays cancelled.
		return nil, fmt.Errorf("%w: relay %d is no longer processing", ErrInvalidTransition, r.ID)
	}

	e.log.Info("relay completed", "relay_id", r.ID, "duration_ms", durationMs)
	e.appendLog(ctx, r.ID, relay.LogStageDelivery, relay.LogActionCompleted, relay.StatusCompleted, "", nil)
	return e.refresh(ctx, r.ID)
}

// MarkFailed resolves a relay attempt as failed with a taxonomy reason.
// Valid from PROCESSING, and from QUEUED for validation failures that
// never reach delivery. When attempts remain, the next retry timestamp
// is scheduled; otherwise it stays null (exhausted).
func (e *Engine) MarkFailed(ctx context.Context, r *relay.Relay, reason relay.Failure, durationMs int64) (*relay.Relay, error) {
	if r == nil {
		return nil, ErrRelayNotFound
	}
	now := e.now().UTC()

	fields := storage.Fields{
		"status":         relay.StatusFailed,
		"failed_at":      now,
		"completed_at":   now,
		"failure_reason": reason,
	}
	if durationMs >= 0 {
		fields["last_attempt_duration_ms"] = durationMs
	}

	retrySeconds := r.RetrySeconds
	if retrySeconds <= 0 {
		retrySeconds = e.cfg.Retry.IntervalSeconds
	}
	if r.MaxAttempts > 0 && r.Attempts < r.MaxAttempts {
		fields["next_retry_at"] = now.Add(time.Duration(retrySeconds) * time.Second)
	} else {
		fields["next_retry_at"] = nil
	}

	ok, err := e.store.UpdateIfStatus(ctx, r.ID,
		[]relay.Status{relay.StatusProcessing, relay.StatusQueued}, fields)
	if err != nil {
		return nil, fmt.Errorf("mark failed: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: relay %d cannot fail from its current state", ErrInvalidTransition, r.ID)
	}

	e.log.Warn("relay failed",
		"relay_id", r.ID,
		"reason", reason.String(),
		"attempts", r.Attempts,
		"max_attempts", r.MaxAttempts,
	)
	e.appendLog(ctx, r.ID, relay.LogStageDelivery, relay.LogActionFailed, relay.StatusFailed, reason.String(), nil)
	return e.refresh(ctx, r.ID)
}

// RecordResponse stores the outcome snapshot of a delivery attempt.
func (e *Engine) RecordResponse(ctx context.Context, r *relay.Relay, status *int, payload []byte) error {
	if r == nil {
		return ErrRelayNotFound
	}
	err := e.store.Update(ctx, r.ID, storage.Fields{
		"response_status":  status,
		"response_payload": payload,
	})
	if err != nil {
		return fmt.Errorf("record response: %w", err)
	}
	return nil
}

// RecordDestination persists destination URL and method onto a relay
// that captured without a route.
func (e *Engine) RecordDestination(ctx context.Context, r *relay.Relay, url, method string) error {
	if r == nil {
		return ErrRelayNotFound
	}
	if r.DestinationURL == url && r.DestinationMethod == method {
		return nil
	}
	err := e.store.Update(ctx, r.ID, storage.Fields{
		"destination_url":    url,
		"destination_method": method,
	})
	if err != nil {
		return fmt.Errorf("record destination: %w", err)
	}
	r.DestinationURL = url
	r.DestinationMethod = method
	return nil
}

// RecordPayload backfills a payload supplied at send time. The capture
// byte cap applies here too.
func (e *Engine) RecordPayload(ctx context.Context, r *relay.Relay, payload []byte) error {
	if r == nil {
		return ErrRelayNotFound
	}
	if int64(len(payload)) > e.cfg.Capture.MaxPayloadBytes {
		return fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(payload), e.cfg.Capture.MaxPayloadBytes)
	}
	if err := e.store.Update(ctx, r.ID, storage.Fields{"payload": payload}); err != nil {
		return fmt.Errorf("record payload: %w", err)
	}
	r.Payload = payload
	return nil
}

// Cancel marks a relay cancelled. Valid from QUEUED, PROCESSING, or
// FAILED; calling it on an already cancelled relay is a no-op.
// Cancellation is cooperative: an in-flight delivery is not aborted,
// but its terminal transition will lose against the cancelled status.
func (e *Engine) Cancel(ctx context.Context, r *relay.Relay) (*relay.Relay, error) {
	if r == nil {
		return nil, ErrRelayNotFound
	}
	if r.Status == relay.StatusCancelled {
		return r, nil
	}
	now := e.now().UTC()

	ok, err := e.store.UpdateIfStatus(ctx, r.ID,
		[]relay.Status{relay.StatusQueued, relay.StatusProcessing, relay.StatusFailed},
		storage.Fields{
			"status":       relay.StatusCancelled,
			"cancelled_at": now,
		})
	if err != nil {
		return nil, fmt.Errorf("cancel relay: %w", err)
	}
	if !ok {
		current, err := e.refresh(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		if current.Status == relay.StatusCancelled {
			return current, nil
		}
		return nil, fmt.Errorf("%w: cannot cancel relay in %s", ErrInvalidTransition, current.Status)
	}

	e.log.Info("relay cancelled", "relay_id", r.ID)
	e.appendLog(ctx, r.ID, relay.LogStageAdmin, relay.LogActionCancelled, relay.StatusCancelled, "", nil)
	return e.refresh(ctx, r.ID)
}

// Replay resets a cancelled or failed relay back to QUEUED for a full
// restart: attempts return to zero and every outcome field is cleared.
func (e *Engine) Replay(ctx context.Context, r *relay.Relay) (*relay.Relay, error) {
	if r == nil {
		return nil, ErrRelayNotFound
	}

	ok, err := e.store.UpdateIfStatus(ctx, r.ID,
		[]relay.Status{relay.StatusCancelled, relay.StatusFailed},
		storage.Fields{
			"status":                   relay.StatusQueued,
			"attempts":                 0,
			"failure_reason":           nil,
			"cancelled_at":             nil,
			"completed_at":             nil,
			"failed_at":                nil,
			"processing_started_at":    nil,
			"next_retry_at":            nil,
			"response_status":          nil,
			"response_payload":         nil,
			"last_attempt_duration_ms": nil,
		})
	if err != nil {
		return nil, fmt.Errorf("replay relay: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: cannot replay relay in %s", ErrInvalidTransition, r.Status)
	}

	e.log.Info("relay replayed", "relay_id", r.ID)
	e.appendLog(ctx, r.ID, relay.LogStageAdmin, relay.LogActionReplayed, relay.StatusQueued, "", nil)
	return e.refresh(ctx, r.ID)
}

// RequeueRetry moves a FAILED relay with an overdue retry back to
// QUEUED, clearing the previous outcome. Attempts are not touched;
// only StartAttempt increments them.
func (e *Engine) RequeueRetry(ctx context.Context, r *relay.Relay) (bool, error) {
	if r == nil {
		return false, ErrRelayNotFound
	}
	ok, err := e.store.UpdateIfStatus(ctx, r.ID,
		[]relay.Status{relay.StatusFailed},
		storage.Fields{
			"status":           relay.StatusQueued,
			"response_status":  nil,
			"response_payload": nil,
			"failure_reason":   nil,
			"failed_at":        nil,
			"completed_at":     nil,
			"next_retry_at":    nil,
		})
	if err != nil {
		return false, fmt.Errorf("requeue retry: %w", err)
	}
	if ok {
		e.appendLog(ctx, r.ID, relay.LogStageSweep, relay.LogActionRetryRequeued, relay.StatusQueued, "", nil)
	}
	return ok, nil
}

// RequeueStuck force-resets a PROCESSING relay that never resolved
// back to QUEUED, immediately eligible for dispatch.
func (e *Engine) RequeueStuck(ctx context.Context, r *relay.Relay) (bool, error) {
	if r == nil {
		return false, ErrRelayNotFound
	}
	now := e.now().UTC()
	ok, err := e.store.UpdateIfStatus(ctx, r.ID,
		[]relay.Status{relay.StatusProcessing},
		storage.Fields{
			"status":                   relay.StatusQueued,
			"processing_started_at":    nil,
			"last_attempt_duration_ms": nil,
			"next_retry_at":            now,
		})
	if err != nil {
		return false, fmt.Errorf("requeue stuck: %w", err)
	}
	if ok {
		e.appendLog(ctx, r.ID, relay.LogStageSweep, relay.LogActionStuckRequeued, relay.StatusQueued, "", nil)
	}
	return ok, nil
}

// Get loads a relay by id.
func (e *Engine) Get(ctx context.Context, id int64) (*relay.Relay, error) {
	return e.refresh(ctx, id)
}

func (e *Engine) refresh(ctx context.Context, id int64) (*relay.Relay, error) {
	r, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%w: id %d", ErrRelayNotFound, id)
	}
	return r, nil
}
