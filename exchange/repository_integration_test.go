package exchange

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"swapflow/clock"
	"swapflow/item"
	"swapflow/migrations"
)

// TestPGRepository_Integration connects to a real PostgreSQL via DATABASE_URL,
// applies the embedded migrations and exercises the store end to end.
func TestPGRepository_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if err := migrations.ApplyPostgres(ctx, pool); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	// Owner ids unique to this run keep reruns against the same database independent.
	initiatorID := time.Now().UnixNano() % 1_000_000_000_000
	receiverID := initiatorID + 1

	var offeredID, requestedID int64
	if err := pool.QueryRow(ctx, `INSERT INTO items (owner_id, title) VALUES ($1, 'bike') RETURNING id`, initiatorID).Scan(&offeredID); err != nil {
		t.Fatalf("seed offered item: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO items (owner_id, title) VALUES ($1, 'guitar') RETURNING id`, receiverID).Scan(&requestedID); err != nil {
		t.Fatalf("seed requested item: %v", err)
	}

	repo := NewRepository(pool)
	at := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

	t.Run("concurrent creates leave one open", func(t *testing.T) {
		var arrived sync.WaitGroup
		arrived.Add(2)
		svc := NewService(item.NewRepository(pool), racingStore{Store: repo, arrived: &arrived}, clock.NewFixed(at))

		results := make([]error, 2)
		var g errgroup.Group
		for i := range results {
			g.Go(func() error {
				_, results[i] = svc.Create(ctx, CreateParams{InitiatorID: initiatorID, OfferedItemID: offeredID, RequestedItemID: requestedID})
				return nil
			})
		}
		_ = g.Wait()

		var succeeded, conflicted int
		for _, err := range results {
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrOpenOfferExists):
				conflicted++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if succeeded != 1 || conflicted != 1 {
			t.Fatalf("expected one success and one conflict, got %d and %d", succeeded, conflicted)
		}
	})

	var exchangeID int64
	if err := pool.QueryRow(ctx, `SELECT id FROM exchanges WHERE initiator_id = $1 AND status = 'Sent'`, initiatorID).Scan(&exchangeID); err != nil {
		t.Fatalf("find created exchange: %v", err)
	}

	t.Run("save is versioned and appends timeline", func(t *testing.T) {
		first, err := repo.GetByID(ctx, exchangeID)
		if err != nil {
			t.Fatalf("load first: %v", err)
		}
		stale, err := repo.GetByID(ctx, exchangeID)
		if err != nil {
			t.Fatalf("load stale: %v", err)
		}

		if err := first.Accept(receiverID, "deal", at); err != nil {
			t.Fatalf("accept: %v", err)
		}
		if err := repo.Save(ctx, first); err != nil {
			t.Fatalf("save: %v", err)
		}

		if err := stale.Decline(receiverID, "", at); err != nil {
			t.Fatalf("decline: %v", err)
		}
		if err := repo.Save(ctx, stale); !errors.Is(err, ErrConcurrentUpdate) {
			t.Fatalf("expected ErrConcurrentUpdate, got %v", err)
		}

		reloaded, err := repo.GetByID(ctx, exchangeID)
		if err != nil {
			t.Fatalf("reload: %v", err)
		}
		if reloaded.Status() != StatusAccepted {
			t.Fatalf("expected Accepted, got %s", reloaded.Status())
		}
		if reloaded.Message() != "\n[Accept]: deal" {
			t.Fatalf("unexpected message %q", reloaded.Message())
		}
		if got := reloaded.UpdatedAt(); got == nil || !got.Equal(at) {
			t.Fatalf("unexpected updatedAt %v", got)
		}
	})

	t.Run("storage rejects illegal writes", func(t *testing.T) {
		if _, err := pool.Exec(ctx, `UPDATE exchanges SET status = 'Sent' WHERE id = $1`, exchangeID); err == nil {
			t.Fatalf("expected backwards transition to be rejected")
		}
		if _, err := pool.Exec(ctx, `DELETE FROM exchanges WHERE id = $1`, exchangeID); err == nil {
			t.Fatalf("expected delete to be rejected")
		}
		if _, err := pool.Exec(ctx, `UPDATE exchange_timeline SET note = 'x' WHERE exchange_id = $1`, exchangeID); err == nil {
			t.Fatalf("expected timeline update to be rejected")
		}
	})

	t.Run("missing id", func(t *testing.T) {
		if _, err := repo.GetByID(ctx, -1); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}
