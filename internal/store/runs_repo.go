package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"fogsched/internal/core"
)

// storedTimeFormat is fixed width so that ORDER BY on the text column is
// chronological.
const storedTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// InsertRecord stores a freshly started run.
func (s *Store) InsertRecord(ctx context.Context, rec core.TaskRecord) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO task_runs (id, started_at, ended_at, outcome, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.StartedAt.UTC().Format(storedTimeFormat), nullableTime(rec.EndedAt), rec.Outcome,
		nullableString(rec.Error), time.Now().UTC().Format(storedTimeFormat))
	if err != nil {
		return fmt.Errorf("insert task run: %w", err)
	}
	return nil
}

// FinishRecord writes the terminal outcome of a run. Rows that are already
// terminal are left untouched and reported as not found.
func (s *Store) FinishRecord(ctx context.Context, rec core.TaskRecord) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE task_runs
		SET ended_at = ?, outcome = ?, error = ?
		WHERE id = ? AND outcome = ?
	`, nullableTime(rec.EndedAt), rec.Outcome, nullableString(rec.Error), rec.ID, core.OutcomeRunning)
	if err != nil {
		return fmt.Errorf("finish task run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrRecordNotFound
	}
	return nil
}

// ListRecords returns up to limit runs, newest first.
func (s *Store) ListRecords(ctx context.Context, limit int) ([]core.TaskRecord, error) {
	if limit <= 0 {
		limit = core.DefaultHistorySize
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, started_at, ended_at, outcome, error
		FROM task_runs
		ORDER BY started_at DESC, created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	defer rows.Close()
	var records []core.TaskRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// PruneRecords keeps only the newest keep runs.
func (s *Store) PruneRecords(ctx context.Context, keep int) error {
	_, err := s.DB.ExecContext(ctx, `
		DELETE FROM task_runs
		WHERE id NOT IN (
			SELECT id FROM task_runs
			ORDER BY started_at DESC, created_at DESC
			LIMIT ?
		)
	`, keep)
	if err != nil {
		return fmt.Errorf("prune task runs: %w", err)
	}
	return nil
}

// ClearRecords removes every finished run.
func (s *Store) ClearRecords(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM task_runs WHERE outcome != ?`, core.OutcomeRunning)
	if err != nil {
		return fmt.Errorf("clear task runs: %w", err)
	}
	return nil
}

func scanRecord(scanner interface {
	Scan(dest ...any) error
}) (core.TaskRecord, error) {
	var (
		id        string
		startedAt string
		endedAt   sql.NullString
		outcome   string
		errMsg    sql.NullString
	)
	if err := scanner.Scan(&id, &startedAt, &endedAt, &outcome, &errMsg); err != nil {
		return core.TaskRecord{}, fmt.Errorf("scan task run: %w", err)
	}
	started, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return core.TaskRecord{}, fmt.Errorf("invalid stored time %q: %w", startedAt, err)
	}
	rec := core.TaskRecord{
		ID:        id,
		StartedAt: started,
		Outcome:   core.Outcome(outcome),
		Error:     errMsg.String,
	}
	if endedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, endedAt.String)
		if err != nil {
			return core.TaskRecord{}, fmt.Errorf("invalid stored time %q: %w", endedAt.String, err)
		}
		rec.EndedAt = &t
	}
	return rec, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(storedTimeFormat)
}

var _ core.Store = (*Store)(nil)
