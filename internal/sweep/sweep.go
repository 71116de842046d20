package sweep

import (
	"context"
	"time"

	"github.com/funnyzak/hookrelay/internal/config"
	"github.com/funnyzak/hookrelay/internal/delivery"
	"github.com/funnyzak/hookrelay/internal/lifecycle"
	"github.com/funnyzak/hookrelay/internal/logger"
	"github.com/funnyzak/hookrelay/internal/storage"
	"github.com/funnyzak/hookrelay/pkg/relay"
)

// DefaultChunkSize bounds how many rows a sweep loads per query.
const DefaultChunkSize = 200

// Engine runs the periodic maintenance operations that advance relays
// without a human driver. Every operation is idempotent, iterates in
// ascending id order, tolerates per-row failures, and reports how many
// rows it affected. Zero affected rows is a normal outcome.
type Engine struct {
	store   storage.Store
	archive storage.ArchiveStore
	life    *lifecycle.Engine
	client  *delivery.Client
	cfg     *config.Config
	log     logger.Logger
	now     func() time.Time
}

// New constructs a sweep engine.
func New(store storage.Store, archive storage.ArchiveStore, life *lifecycle.Engine, client *delivery.Client, cfg *config.Config, log logger.Logger) *Engine {
	return &Engine{
		store:   store,
		archive: archive,
		life:    life,
		client:  client,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
}

// SetClock overrides the engine clock. Tests only.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

func normalizeChunk(chunkSize int) int {
	if chunkSize < 1 {
		return DefaultChunkSize
	}
	return chunkSize
}

// RetryOverdue moves FAILED relays whose retry is due back to QUEUED.
// Attempts are untouched; the next dispatch increments them.
func (e *Engine) RetryOverdue(ctx context.Context, chunkSize int) (int, error) {
	now := e.now().UTC()
	count := 0
	err := e.store.ScanChunks(ctx, storage.Filter{
		Statuses:        []relay.Status{relay.StatusFailed},
		NextRetryBefore: &now,
	}, normalizeChunk(chunkSize), func(r *relay.Relay) error {
		ok, err := e.life.RequeueRetry(ctx, r)
		if err != nil {
			e.log.Error("retry requeue failed", "relay_id", r.ID, "error", err)
			return nil
		}
		if ok {
			count++
		}
		return nil
	})
	if count > 0 {
		e.log.Info("overdue retries requeued", "count", count)
	}
	return count, err
}

// RequeueStuck resets PROCESSING relays that started too long ago (or
// never recorded a start) back to QUEUED with immediate eligibility.
func (e *Engine) RequeueStuck(ctx context.Context, chunkSize int) (int, error) {
	now := e.now().UTC()
	threshold := time.Duration(e.cfg.Automation.StuckThresholdMinutes) * time.Minute
	cutoff := now.Add(-threshold)

	count := 0
	err := e.store.ScanChunks(ctx, storage.Filter{
		Statuses:                     []relay.Status{relay.StatusProcessing},
		ProcessingStartedBefore:      &cutoff,
		IncludeNullProcessingStarted: true,
	}, normalizeChunk(chunkSize), func(r *relay.Relay) error {
		var elapsedMs int64
		if r.ProcessingStartedAt != nil {
			elapsedMs = now.Sub(*r.ProcessingStartedAt).Milliseconds()
		}
		ok, err := e.life.RequeueStuck(ctx, r)
		if err != nil {
			e.log.Error("stuck requeue failed", "relay_id", r.ID, "error", err)
			return nil
		}
		if ok {
			count++
			e.log.Warn("stuck relay requeued",
				"relay_id", r.ID,
				"elapsed_ms", elapsedMs,
				"threshold_ms", threshold.Milliseconds(),
			)
		}
		return nil
	})
	return count, err
}

// EnforceTimeouts fails PROCESSING relays whose deadline has passed.
// Disabled unless a positive processing timeout is configured.
func (e *Engine) EnforceTimeouts(ctx context.Context, chunkSize int) (int, error) {
	if e.cfg.Automation.ProcessingTimeoutSeconds <= 0 {
		return 0, nil
	}
	now := e.now().UTC()
	buffer := time.Duration(e.cfg.Automation.TimeoutBufferSeconds) * time.Second

	count := 0
	err := e.store.ScanChunks(ctx, storage.Filter{
		Statuses:                 []relay.Status{relay.StatusProcessing},
		ProcessingStartedNotNull: true,
	}, normalizeChunk(chunkSize), func(r *relay.Relay) error {
		// The enforced deadline is the longer of the relay's own
		// delivery timeout and the configured processing timeout, so
		// tightening the config never undercuts an in-flight request.
		timeoutSeconds := r.TimeoutSeconds
		if e.cfg.Automation.ProcessingTimeoutSeconds > timeoutSeconds {
			timeoutSeconds = e.cfg.Automation.ProcessingTimeoutSeconds
		}
		deadline := r.ProcessingStartedAt.Add(time.Duration(timeoutSeconds)*time.Second + buffer)
		if !deadline.Before(now) {
			return nil
		}
		if _, err := e.life.MarkFailed(ctx, r, relay.FailureRouteTimeout, -1); err != nil {
			e.log.Error("timeout enforcement failed", "relay_id", r.ID, "error", err)
			return nil
		}
		count++
		e.log.Warn("relay timed out",
			"relay_id", r.ID,
			"deadline", deadline,
			"started_at", r.ProcessingStartedAt,
		)
		return nil
	})
	return count, err
}

// Archive copies terminal relays older than the retention window into
// the archive store and removes them from the live store. The copy must
// land before the delete is issued; a failed copy leaves the live row
// untouched.
func (e *Engine) Archive(ctx context.Context, chunkSize int) (int, error) {
	now := e.now().UTC()
	cutoff := now.AddDate(0, 0, -e.cfg.Archive.ArchiveAfterDays)

	count := 0
	err := e.store.ScanChunks(ctx, storage.Filter{
		Statuses: []relay.Status{
			relay.StatusCompleted,
			relay.StatusFailed,
			relay.StatusCancelled,
		},
		UpdatedBefore: &cutoff,
	}, normalizeChunk(chunkSize), func(r *relay.Relay) error {
		row := &relay.ArchiveRow{Relay: *r, ArchivedAt: now}
		if err := e.archive.Insert(ctx, row); err != nil {
			e.log.Error("archive copy failed", "relay_id", r.ID, "error", err)
			return nil
		}
		if err := e.archiveLogs(ctx, r.ID, now); err != nil {
			e.log.Error("archive log copy failed", "relay_id", r.ID, "error", err)
			return nil
		}
		if err := e.store.Delete(ctx, r.ID); err != nil {
			e.log.Error("live delete after archive failed", "relay_id", r.ID, "error", err)
			return nil
		}
		if err := e.store.DeleteLogs(ctx, r.ID); err != nil {
			e.log.Error("live log delete after archive failed", "relay_id", r.ID, "error", err)
		}
		count++
		return nil
	})
	if count > 0 {
		e.log.Info("relays archived", "count", count, "cutoff", cutoff)
	}
	return count, err
}

// archiveLogs copies a relay's audit trail into the archive alongside
// its row. Like the relay copy itself, every log entry must land before
// the live rows are deleted.
func (e *Engine) archiveLogs(ctx context.Context, relayID int64, archivedAt time.Time) error {
	logs, err := e.store.ListLogs(ctx, relayID)
	if err != nil {
		return err
	}
	for _, entry := range logs {
		row := &relay.LogArchiveRow{Log: *entry, ArchivedAt: archivedAt}
		if err := e.archive.InsertLog(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// Purge hard-deletes archive rows older than the purge window.
func (e *Engine) Purge(ctx context.Context, chunkSize int) (int, error) {
	now := e.now().UTC()
	cutoff := now.AddDate(0, 0, -e.cfg.Archive.PurgeAfterDays)

	count := 0
	err := e.archive.ScanChunks(ctx, storage.ArchiveFilter{
		ArchivedBefore: &cutoff,
	}, normalizeChunk(chunkSize), func(row *relay.ArchiveRow) error {
		if err := e.archive.Delete(ctx, row.ID); err != nil {
			e.log.Error("archive purge failed", "relay_id", row.ID, "error", err)
			return nil
		}
		if err := e.archive.DeleteLogs(ctx, row.ID); err != nil {
			e.log.Error("archived log purge failed", "relay_id", row.ID, "error", err)
		}
		count++
		return nil
	})
	if count > 0 {
		e.log.Info("archive rows purged", "count", count, "cutoff", cutoff)
	}
	return count, err
}

// DispatchQueued delivers QUEUED relays that are due: it starts an
// attempt and hands the relay to the delivery client. Relays whose
// next_retry_at lies in the future are skipped.
func (e *Engine) DispatchQueued(ctx context.Context, chunkSize int) (int, error) {
	now := e.now().UTC()
	count := 0
	err := e.store.ScanChunks(ctx, storage.Filter{
		Statuses:             []relay.Status{relay.StatusQueued},
		NextRetryBefore:      &now,
		IncludeNullNextRetry: true,
	}, normalizeChunk(chunkSize), func(r *relay.Relay) error {
		started, err := e.life.StartAttempt(ctx, r)
		if err != nil {
			// lost the row to a concurrent dispatcher
			e.log.Debug("dispatch skipped", "relay_id", r.ID, "error", err)
			return nil
		}
		if _, err := e.client.Deliver(ctx, started, "", "", nil); err != nil {
			e.log.Error("dispatch delivery failed", "relay_id", r.ID, "error", err)
			return nil
		}
		count++
		return nil
	})
	if count > 0 {
		e.log.Info("queued relays dispatched", "count", count)
	}
	return count, err
}
