package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const openTupleIndex = "exchanges_one_open_per_tuple"

// PGPool abstracts pgxpool.Pool for testability.
type PGPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGRepository is the Postgres Store.
type PGRepository struct {
	pool PGPool
}

func NewRepository(pool PGPool) *PGRepository {
	return &PGRepository{pool: pool}
}

// ExistsOpenForPair reports whether a Sent or Accepted exchange exists for the tuple.
func (r *PGRepository) ExistsOpenForPair(ctx context.Context, initiatorID, offeredItemID, requestedItemID int64) (bool, error) {
	const existsSQL = `
SELECT EXISTS (
    SELECT 1 FROM exchanges
    WHERE initiator_id = $1
      AND offered_item_id = $2
      AND requested_item_id = $3
      AND status IN ('Sent', 'Accepted')
);
`
	var exists bool
	if err := r.pool.QueryRow(ctx, existsSQL, initiatorID, offeredItemID, requestedItemID).Scan(&exists); err != nil {
		return false, fmt.Errorf("exchange: exists open: %w", err)
	}
	return exists, nil
}

// Add inserts a new exchange and assigns its id.
func (r *PGRepository) Add(ctx context.Context, e *Exchange) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("exchange: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
INSERT INTO exchanges (initiator_id, receiver_id, offered_item_id, requested_item_id, message, status, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING id;
`
	var id int64
	err = tx.QueryRow(ctx, insertSQL,
		e.initiatorID, e.receiverID, e.offeredItemID, e.requestedItemID,
		nullableText(e.message), string(e.status), e.version+1, e.createdAt, e.updatedAt,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == openTupleIndex {
			return ErrOpenOfferExists
		}
		return fmt.Errorf("exchange: insert: %w", err)
	}

	if err := insertTimeline(ctx, tx, id, e.persisted, e.pending()); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("exchange: commit tx: %w", err)
	}

	e.id = id
	e.markSaved()
	return nil
}

// GetByID loads the exchange and its full timeline.
func (r *PGRepository) GetByID(ctx context.Context, id int64) (*Exchange, error) {
	const selectSQL = `
SELECT id, initiator_id, receiver_id, offered_item_id, requested_item_id, message, status, version, created_at, updated_at
FROM exchanges
WHERE id = $1;
`
	var (
		row     exchangeRow
		message *string
		status  string
	)
	err := r.pool.QueryRow(ctx, selectSQL, id).Scan(
		&row.id, &row.initiatorID, &row.receiverID, &row.offeredItemID, &row.requestedItemID,
		&message, &status, &row.version, &row.createdAt, &row.updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("exchange: get by id: %w", err)
	}
	if message != nil {
		row.message = *message
	}
	row.status = Status(status)

	timeline, err := r.loadTimeline(ctx, id)
	if err != nil {
		return nil, err
	}
	return restore(row, timeline), nil
}

func (r *PGRepository) loadTimeline(ctx context.Context, id int64) ([]TimelineEntry, error) {
	const timelineSQL = `
SELECT action, actor_id, note, created_at
FROM exchange_timeline
WHERE exchange_id = $1
ORDER BY seq;
`
	rows, err := r.pool.Query(ctx, timelineSQL, id)
	if err != nil {
		return nil, fmt.Errorf("exchange: load timeline: %w", err)
	}
	defer rows.Close()

	var out []TimelineEntry
	for rows.Next() {
		var (
			entry  TimelineEntry
			action string
			at     time.Time
		)
		if err := rows.Scan(&action, &entry.ActorID, &entry.Note, &at); err != nil {
			return nil, fmt.Errorf("exchange: scan timeline: %w", err)
		}
		entry.Action = Action(action)
		entry.At = at.UTC()
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("exchange: iterate timeline: %w", err)
	}
	return out, nil
}

// Save writes the status change and new timeline entries in one transaction.
// The update is conditional on the version seen at load time.
func (r *PGRepository) Save(ctx context.Context, e *Exchange) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("exchange: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const updateSQL = `
UPDATE exchanges
SET status = $3,
    updated_at = $4,
    version = version + 1
WHERE id = $1 AND version = $2;
`
	tag, err := tx.Exec(ctx, updateSQL, e.id, e.version, string(e.status), e.updatedAt)
	if err != nil {
		return fmt.Errorf("exchange: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentUpdate
	}

	if err := insertTimeline(ctx, tx, e.id, e.persisted, e.pending()); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("exchange: commit tx: %w", err)
	}

	e.markSaved()
	return nil
}

func insertTimeline(ctx context.Context, tx pgx.Tx, exchangeID int64, offset int, entries []TimelineEntry) error {
	const insertSQL = `
INSERT INTO exchange_timeline (exchange_id, seq, action, actor_id, note, created_at)
VALUES ($1, $2, $3, $4, $5, $6);
`
	for i, entry := range entries {
		seq := offset + i + 1
		if _, err := tx.Exec(ctx, insertSQL, exchangeID, seq, string(entry.Action), entry.ActorID, entry.Note, entry.At); err != nil {
			return fmt.Errorf("exchange: insert timeline: %w", err)
		}
	}
	return nil
}

func nullableText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ Store = (*PGRepository)(nil)
