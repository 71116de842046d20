package storage

import (
	"context"
	"errors"
	"time"

	"github.com/funnyzak/hookrelay/internal/config"
	"github.com/funnyzak/hookrelay/internal/logger"
	"github.com/funnyzak/hookrelay/pkg/relay"
)

// ErrUnsupportedDriver indicates the configured driver is not available.
var ErrUnsupportedDriver = errors.New("unsupported storage driver")

// ErrUnknownColumn indicates an update referenced a column outside the
// relay schema.
var ErrUnknownColumn = errors.New("unknown relay column")

// Fields is a set of column updates applied together in one statement.
type Fields map[string]interface{}

// Filter narrows chunked scans over the live store.
type Filter struct {
	Statuses []relay.Status

	// NextRetryBefore selects rows whose next_retry_at is set and not
	// after the given instant. IncludeNullNextRetry widens the match to
	// rows with no retry timestamp at all (queued rows that are due
	// immediately).
	NextRetryBefore      *time.Time
	IncludeNullNextRetry bool

	// ProcessingStartedBefore selects rows whose processing start is
	// not after the given instant. IncludeNullProcessingStarted widens
	// the match to rows that never recorded a start.
	ProcessingStartedBefore      *time.Time
	IncludeNullProcessingStarted bool

	// ProcessingStartedNotNull restricts to rows with a recorded start.
	ProcessingStartedNotNull bool

	// UpdatedBefore selects rows last touched before the given instant.
	UpdatedBefore *time.Time
}

// ArchiveFilter narrows chunked scans over the archive store.
type ArchiveFilter struct {
	ArchivedBefore *time.Time
}

// Store is the durable contract for live relay records. Scans iterate
// in ascending id order in bounded chunks; UpdateIfStatus is the
// compare-and-swap primitive lifecycle transitions rely on. Audit log
// entries are append-only and live alongside their relay until it is
// archived.
type Store interface {
	Create(ctx context.Context, r *relay.Relay) error
	Get(ctx context.Context, id int64) (*relay.Relay, error)
	Update(ctx context.Context, id int64, fields Fields) error
	UpdateIfStatus(ctx context.Context, id int64, expected []relay.Status, fields Fields) (bool, error)
	ScanChunks(ctx context.Context, f Filter, chunkSize int, fn func(*relay.Relay) error) error
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, limit int) ([]*relay.Relay, error)
	Count(ctx context.Context) (int, error)
	AppendLog(ctx context.Context, entry *relay.Log) error
	ListLogs(ctx context.Context, relayID int64) ([]*relay.Log, error)
	DeleteLogs(ctx context.Context, relayID int64) error
	Close() error
}

// ArchiveStore is the append-only retention copy, independent of the
// live store. Archived audit logs follow their relay and are purged
// with it.
type ArchiveStore interface {
	Insert(ctx context.Context, row *relay.ArchiveRow) error
	ScanChunks(ctx context.Context, f ArchiveFilter, chunkSize int, fn func(*relay.ArchiveRow) error) error
	Delete(ctx context.Context, id int64) error
	Count(ctx context.Context) (int, error)
	InsertLog(ctx context.Context, row *relay.LogArchiveRow) error
	ListLogs(ctx context.Context, relayID int64) ([]*relay.LogArchiveRow, error)
	DeleteLogs(ctx context.Context, relayID int64) error
}

// New instantiates the live and archive stores based on configuration.
// Both are backed by the same database file.
func New(cfg *config.StorageConfig, log logger.Logger) (Store, ArchiveStore, error) {
	if cfg == nil {
		return nil, nil, errors.New("storage config is nil")
	}
	switch cfg.Driver {
	case "", "sqlite", "sqlite3":
		return newSQLiteStore(cfg, log)
	default:
		return nil, nil, ErrUnsupportedDriver
	}
}
