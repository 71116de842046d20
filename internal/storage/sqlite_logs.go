package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/funnyzak/hookrelay/pkg/relay"
)

const logColumns = "id, relay_id, stage, action, status, message, metadata_json, created_at"

func (s *sqliteStore) AppendLog(ctx context.Context, entry *relay.Log) error {
	if entry == nil {
		return fmt.Errorf("log entry is nil")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	metadataJSON, err := encodeHeaders(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal log metadata: %w", err)
	}

	insertSQL := `INSERT INTO relay_logs (
        relay_id, stage, action, status, message, metadata_json, created_at
    ) VALUES (?, ?, ?, ?, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, insertSQL,
		entry.RelayID,
		entry.Stage,
		entry.Action,
		string(entry.Status),
		nullableString(entry.Message),
		metadataJSON,
		entry.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert relay log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("relay log insert id: %w", err)
	}
	entry.ID = id
	return nil
}

func (s *sqliteStore) ListLogs(ctx context.Context, relayID int64) ([]*relay.Log, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+logColumns+" FROM relay_logs WHERE relay_id = ? ORDER BY id ASC", relayID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*relay.Log
	for rows.Next() {
		entry, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

func (s *sqliteStore) DeleteLogs(ctx context.Context, relayID int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM relay_logs WHERE relay_id = ?", relayID)
	return err
}

func (a *sqliteArchive) InsertLog(ctx context.Context, row *relay.LogArchiveRow) error {
	if row == nil {
		return fmt.Errorf("log archive row is nil")
	}
	metadataJSON, err := encodeHeaders(row.Metadata)
	if err != nil {
		return fmt.Errorf("marshal log metadata: %w", err)
	}

	insertSQL := `INSERT INTO relay_log_archives (
        id, relay_id, stage, action, status, message, metadata_json, created_at, archived_at
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = a.db.ExecContext(ctx, insertSQL,
		row.ID,
		row.RelayID,
		row.Stage,
		row.Action,
		string(row.Status),
		nullableString(row.Message),
		metadataJSON,
		row.CreatedAt.UnixNano(),
		row.ArchivedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert log archive row: %w", err)
	}
	return nil
}

func (a *sqliteArchive) ListLogs(ctx context.Context, relayID int64) ([]*relay.LogArchiveRow, error) {
	rows, err := a.db.QueryContext(ctx,
		"SELECT "+logColumns+", archived_at FROM relay_log_archives WHERE relay_id = ? ORDER BY id ASC", relayID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*relay.LogArchiveRow
	for rows.Next() {
		var archivedAt int64
		entry := &relay.Log{}
		if err := scanLogInto(rows, entry, &archivedAt); err != nil {
			return nil, err
		}
		result = append(result, &relay.LogArchiveRow{
			Log:        *entry,
			ArchivedAt: time.Unix(0, archivedAt).UTC(),
		})
	}
	return result, rows.Err()
}

func (a *sqliteArchive) DeleteLogs(ctx context.Context, relayID int64) error {
	_, err := a.db.ExecContext(ctx, "DELETE FROM relay_log_archives WHERE relay_id = ?", relayID)
	return err
}

func scanLog(scanner rowScanner) (*relay.Log, error) {
	entry := &relay.Log{}
	if err := scanLogInto(scanner, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// scanLogInto reads the shared log column layout, appending any extra
// destinations (the archive table's archived_at) after it.
func scanLogInto(scanner rowScanner, entry *relay.Log, extra ...interface{}) error {
	var (
		status       string
		message      sql.NullString
		metadataJSON sql.NullString
		createdAt    int64
	)
	dest := []interface{}{
		&entry.ID,
		&entry.RelayID,
		&entry.Stage,
		&entry.Action,
		&status,
		&message,
		&metadataJSON,
		&createdAt,
	}
	dest = append(dest, extra...)
	if err := scanner.Scan(dest...); err != nil {
		return err
	}
	entry.Status = relay.Status(status)
	entry.Message = message.String
	entry.Metadata = decodeHeaders(metadataJSON)
	entry.CreatedAt = time.Unix(0, createdAt).UTC()
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
