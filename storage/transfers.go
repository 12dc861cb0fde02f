package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"pixshare/models"
)

// SetHistoryRetention configures the automatic transfer history pruning horizon.
func (s *Store) SetHistoryRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultHistoryRetention
	}
	s.historyRetention = retention
}

// RecordTransfer stores the summary of a finished session. Recording the same
// session twice keeps the latest summary.
func (s *Store) RecordTransfer(ctx context.Context, record models.TransferRecord) error {
	if strings.TrimSpace(record.SessionID) == "" {
		return errors.New("session_id is required")
	}
	if strings.TrimSpace(record.PeerID) == "" {
		return errors.New("peer_id is required")
	}
	if err := validateDirection(record.Direction); err != nil {
		return err
	}
	if err := validateTransferState(record.State); err != nil {
		return err
	}
	if record.Size < 0 || record.BytesTransferred < 0 {
		return errors.New("sizes must be >= 0")
	}
	if record.FinishedAt == 0 {
		record.FinishedAt = nowUnixMilli()
	}
	if record.StartedAt == 0 {
		record.StartedAt = record.FinishedAt
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transfers (
			session_id,
			direction,
			peer_id,
			peer_name,
			filename,
			mime_type,
			size,
			bytes_transferred,
			checksum,
			state,
			failure_code,
			failure_message,
			started_at,
			finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			bytes_transferred = excluded.bytes_transferred,
			state = excluded.state,
			failure_code = excluded.failure_code,
			failure_message = excluded.failure_message,
			finished_at = excluded.finished_at`,
		record.SessionID,
		record.Direction,
		record.PeerID,
		record.PeerName,
		record.Filename,
		record.MimeType,
		record.Size,
		record.BytesTransferred,
		record.Checksum,
		record.State,
		record.FailureCode,
		record.FailureMessage,
		record.StartedAt,
		record.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", record.SessionID, err)
	}

	if s.historyRetention > 0 {
		cutoff := time.Now().Add(-s.historyRetention).UnixMilli()
		if _, err := s.PruneTransfers(ctx, cutoff); err != nil {
			return fmt.Errorf("prune transfers: %w", err)
		}
	}

	return nil
}

// GetTransfer fetches one history row by session ID.
func (s *Store) GetTransfer(ctx context.Context, sessionID string) (*models.TransferRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transferColumns+`
		FROM transfers
		WHERE session_id = ?`,
		sessionID,
	)

	record, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", sessionID, err)
	}
	return record, nil
}

// ListTransfers returns history rows, most recently finished first.
func (s *Store) ListTransfers(ctx context.Context, filter TransferFilter) ([]models.TransferRecord, error) {
	if filter.Direction != "" {
		if err := validateDirection(filter.Direction); err != nil {
			return nil, err
		}
	}
	if filter.State != "" {
		if err := validateTransferState(filter.State); err != nil {
			return nil, err
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := strings.Builder{}
	query.WriteString(`SELECT ` + transferColumns + ` FROM transfers`)

	where := make([]string, 0, 3)
	args := make([]any, 0, 5)
	if filter.PeerID != "" {
		where = append(where, "peer_id = ?")
		args = append(args, filter.PeerID)
	}
	if filter.Direction != "" {
		where = append(where, "direction = ?")
		args = append(args, filter.Direction)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, filter.State)
	}
	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY finished_at DESC, session_id LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	records := make([]models.TransferRecord, 0)
	for rows.Next() {
		record, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}

	return records, nil
}

// PruneTransfers removes history rows that finished before cutoffTimestamp.
func (s *Store) PruneTransfers(ctx context.Context, cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM transfers WHERE finished_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune transfers: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for transfer prune: %w", err)
	}
	return rowsAffected, nil
}

const transferColumns = `
	session_id,
	direction,
	peer_id,
	peer_name,
	filename,
	mime_type,
	size,
	bytes_transferred,
	checksum,
	state,
	failure_code,
	failure_message,
	started_at,
	finished_at`

func scanTransfer(row scanner) (*models.TransferRecord, error) {
	var record models.TransferRecord
	if err := row.Scan(
		&record.SessionID,
		&record.Direction,
		&record.PeerID,
		&record.PeerName,
		&record.Filename,
		&record.MimeType,
		&record.Size,
		&record.BytesTransferred,
		&record.Checksum,
		&record.State,
		&record.FailureCode,
		&record.FailureMessage,
		&record.StartedAt,
		&record.FinishedAt,
	); err != nil {
		return nil, err
	}
	return &record, nil
}
