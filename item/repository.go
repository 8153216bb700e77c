package item

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const selectByIDSQL = `
	SELECT id, owner_id, is_active
	FROM items
	WHERE id = $1
`

// PGRepository reads items from PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed item reader.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// GetByID fetches an item by its primary key.
func (r *PGRepository) GetByID(ctx context.Context, id int64) (Item, error) {
	var it Item
	err := r.pool.QueryRow(ctx, selectByIDSQL, id).Scan(&it.ID, &it.OwnerID, &it.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, ErrNotFound
		}
		return Item{}, fmt.Errorf("item: get by id: %w", err)
	}
	return it, nil
}

// SQLiteRepository reads items from an embedded SQLite database.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository wires a database/sql handle opened with the sqlite driver.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// GetByID fetches an item by its primary key.
func (r *SQLiteRepository) GetByID(ctx context.Context, id int64) (Item, error) {
	var it Item
	err := r.db.QueryRowContext(ctx, `SELECT id, owner_id, is_active FROM items WHERE id = ?`, id).
		Scan(&it.ID, &it.OwnerID, &it.IsActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Item{}, ErrNotFound
		}
		return Item{}, fmt.Errorf("item: get by id: %w", err)
	}
	return it, nil
}

var (
	_ Lookup = (*PGRepository)(nil)
	_ Lookup = (*SQLiteRepository)(nil)
)
