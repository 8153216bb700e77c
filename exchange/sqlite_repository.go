package exchange

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// SQLiteRepository is the single-node Store. Timestamps are stored as Unix
// milliseconds.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) ExistsOpenForPair(ctx context.Context, initiatorID, offeredItemID, requestedItemID int64) (bool, error) {
	const existsSQL = `
SELECT EXISTS (
    SELECT 1 FROM exchanges
    WHERE initiator_id = ?
      AND offered_item_id = ?
      AND requested_item_id = ?
      AND status IN ('Sent', 'Accepted')
);
`
	var exists bool
	if err := r.db.QueryRowContext(ctx, existsSQL, initiatorID, offeredItemID, requestedItemID).Scan(&exists); err != nil {
		return false, fmt.Errorf("exchange: exists open: %w", err)
	}
	return exists, nil
}

func (r *SQLiteRepository) Add(ctx context.Context, e *Exchange) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("exchange: begin tx: %w", err)
	}
	defer tx.Rollback()

	const insertSQL = `
INSERT INTO exchanges (initiator_id, receiver_id, offered_item_id, requested_item_id, message, status, version, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	res, err := tx.ExecContext(ctx, insertSQL,
		e.initiatorID, e.receiverID, e.offeredItemID, e.requestedItemID,
		nullableText(e.message), string(e.status), e.version+1, toMillis(e.createdAt), nullableMillis(e.updatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrOpenOfferExists
		}
		return fmt.Errorf("exchange: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("exchange: insert id: %w", err)
	}

	if err := insertTimelineSQL(ctx, tx, id, e.persisted, e.pending()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("exchange: commit tx: %w", err)
	}

	e.id = id
	e.markSaved()
	return nil
}

func (r *SQLiteRepository) GetByID(ctx context.Context, id int64) (*Exchange, error) {
	const selectSQL = `
SELECT id, initiator_id, receiver_id, offered_item_id, requested_item_id, message, status, version, created_at, updated_at
FROM exchanges
WHERE id = ?;
`
	var (
		row       exchangeRow
		message   sql.NullString
		status    string
		createdAt int64
		updatedAt sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, selectSQL, id).Scan(
		&row.id, &row.initiatorID, &row.receiverID, &row.offeredItemID, &row.requestedItemID,
		&message, &status, &row.version, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("exchange: get by id: %w", err)
	}
	row.message = message.String
	row.status = Status(status)
	row.createdAt = time.UnixMilli(createdAt)
	if updatedAt.Valid {
		at := time.UnixMilli(updatedAt.Int64)
		row.updatedAt = &at
	}

	timeline, err := r.loadTimeline(ctx, id)
	if err != nil {
		return nil, err
	}
	return restore(row, timeline), nil
}

func (r *SQLiteRepository) loadTimeline(ctx context.Context, id int64) ([]TimelineEntry, error) {
	const timelineSQL = `
SELECT action, actor_id, note, created_at
FROM exchange_timeline
WHERE exchange_id = ?
ORDER BY seq;
`
	rows, err := r.db.QueryContext(ctx, timelineSQL, id)
	if err != nil {
		return nil, fmt.Errorf("exchange: load timeline: %w", err)
	}
	defer rows.Close()

	var out []TimelineEntry
	for rows.Next() {
		var (
			entry  TimelineEntry
			action string
			at     int64
		)
		if err := rows.Scan(&action, &entry.ActorID, &entry.Note, &at); err != nil {
			return nil, fmt.Errorf("exchange: scan timeline: %w", err)
		}
		entry.Action = Action(action)
		entry.At = time.UnixMilli(at).UTC()
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("exchange: iterate timeline: %w", err)
	}
	return out, nil
}

func (r *SQLiteRepository) Save(ctx context.Context, e *Exchange) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("exchange: begin tx: %w", err)
	}
	defer tx.Rollback()

	const updateSQL = `
UPDATE exchanges
SET status = ?,
    updated_at = ?,
    version = version + 1
WHERE id = ? AND version = ?;
`
	res, err := tx.ExecContext(ctx, updateSQL, string(e.status), nullableMillis(e.updatedAt), e.id, e.version)
	if err != nil {
		return fmt.Errorf("exchange: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("exchange: update rows: %w", err)
	}
	if n == 0 {
		return ErrConcurrentUpdate
	}

	if err := insertTimelineSQL(ctx, tx, e.id, e.persisted, e.pending()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("exchange: commit tx: %w", err)
	}

	e.markSaved()
	return nil
}

func insertTimelineSQL(ctx context.Context, tx *sql.Tx, exchangeID int64, offset int, entries []TimelineEntry) error {
	const insertSQL = `
INSERT INTO exchange_timeline (exchange_id, seq, action, actor_id, note, created_at)
VALUES (?, ?, ?, ?, ?, ?);
`
	for i, entry := range entries {
		seq := offset + i + 1
		if _, err := tx.ExecContext(ctx, insertSQL, exchangeID, seq, string(entry.Action), entry.ActorID, entry.Note, toMillis(entry.At)); err != nil {
			return fmt.Errorf("exchange: insert timeline: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}

var _ Store = (*SQLiteRepository)(nil)
