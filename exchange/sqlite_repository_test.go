package exchange

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"

	"swapflow/clock"
	"swapflow/db"
	"swapflow/item"
	"swapflow/migrations"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	conn, err := db.OpenSQLite(ctx, filepath.Join(t.TempDir(), "exchange.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := migrations.ApplySQLite(ctx, conn); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if _, err := conn.ExecContext(ctx, `
INSERT INTO items (id, owner_id, title, is_active) VALUES
    (1, 10, 'bike', 1),
    (2, 20, 'guitar', 1),
    (3, 20, 'lamp', 0)`); err != nil {
		t.Fatalf("seed items: %v", err)
	}
	return conn
}

func TestSQLiteRepository_RoundTrip(t *testing.T) {
	conn := openSQLite(t)
	repo := NewSQLiteRepository(conn)
	svc := NewService(item.NewSQLiteRepository(conn), repo, clock.NewFixed(actedAt))
	ctx := context.Background()

	created, err := svc.Create(ctx, CreateParams{InitiatorID: 10, OfferedItemID: 1, RequestedItemID: 2, Message: "trade?"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Accept(ctx, TransitionParams{ExchangeID: created.ID, ActorID: 20, Note: "sure"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := svc.Complete(ctx, TransitionParams{ExchangeID: created.ID, ActorID: 10, Note: " "}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	e, err := repo.GetByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if e.Status() != StatusCompleted || e.ReceiverID() != 20 {
		t.Fatalf("unexpected exchange: %+v", Project(e))
	}
	if !e.CreatedAt().Equal(actedAt) || e.UpdatedAt() == nil || !e.UpdatedAt().Equal(actedAt) {
		t.Fatalf("timestamps not preserved: %v %v", e.CreatedAt(), e.UpdatedAt())
	}
	if e.Message() != "trade?\n[Accept]: sure" {
		t.Fatalf("unexpected message %q", e.Message())
	}

	timeline := e.Timeline()
	if len(timeline) != 2 || timeline[0].Action != ActionAccept || timeline[1].Action != ActionComplete || timeline[1].Note != "" {
		t.Fatalf("unexpected timeline %+v", timeline)
	}

	var maxSeq, rows int
	if err := conn.QueryRowContext(ctx, `SELECT MAX(seq), COUNT(*) FROM exchange_timeline WHERE exchange_id = ?`, created.ID).Scan(&maxSeq, &rows); err != nil {
		t.Fatalf("timeline rows: %v", err)
	}
	if maxSeq != 2 || rows != 2 {
		t.Fatalf("expected seq 1..2, got max=%d count=%d", maxSeq, rows)
	}
}

func TestSQLiteRepository_GetByIDMissing(t *testing.T) {
	repo := NewSQLiteRepository(openSQLite(t))
	if _, err := repo.GetByID(context.Background(), 77); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteRepository_ConcurrentUpdate(t *testing.T) {
	conn := openSQLite(t)
	repo := NewSQLiteRepository(conn)
	ctx := context.Background()

	e, err := New(10, 20, 1, 2, "", createdAt)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := repo.Add(ctx, e); err != nil {
		t.Fatalf("add: %v", err)
	}

	first, err := repo.GetByID(ctx, e.ID())
	if err != nil {
		t.Fatalf("load first: %v", err)
	}
	second, err := repo.GetByID(ctx, e.ID())
	if err != nil {
		t.Fatalf("load second: %v", err)
	}

	if err := first.Accept(20, "", actedAt); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := repo.Save(ctx, first); err != nil {
		t.Fatalf("save first: %v", err)
	}

	if err := second.Cancel(10, "changed my mind", actedAt); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := repo.Save(ctx, second); !errors.Is(err, ErrConcurrentUpdate) {
		t.Fatalf("expected ErrConcurrentUpdate, got %v", err)
	}

	reloaded, err := repo.GetByID(ctx, e.ID())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status() != StatusAccepted || len(reloaded.Timeline()) != 1 {
		t.Fatalf("losing save leaked: status=%s timeline=%d", reloaded.Status(), len(reloaded.Timeline()))
	}
}

func TestSQLiteRepository_AddRejectsOpenDuplicate(t *testing.T) {
	repo := NewSQLiteRepository(openSQLite(t))
	ctx := context.Background()

	first, _ := New(10, 20, 1, 2, "", createdAt)
	if err := repo.Add(ctx, first); err != nil {
		t.Fatalf("add first: %v", err)
	}
	second, _ := New(10, 20, 1, 2, "", createdAt)
	if err := repo.Add(ctx, second); !errors.Is(err, ErrOpenOfferExists) {
		t.Fatalf("expected ErrOpenOfferExists, got %v", err)
	}
	if second.ID() != 0 {
		t.Fatalf("rejected exchange must not receive an id")
	}

	if err := first.Decline(20, "", actedAt); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if err := repo.Save(ctx, first); err != nil {
		t.Fatalf("save: %v", err)
	}
	third, _ := New(10, 20, 1, 2, "", createdAt)
	if err := repo.Add(ctx, third); err != nil {
		t.Fatalf("resolved exchange must free the tuple: %v", err)
	}
}

// racingStore holds every caller at the duplicate check until both have
// passed it, so the inserts race.
type racingStore struct {
	Store
	arrived *sync.WaitGroup
}

func (r racingStore) ExistsOpenForPair(ctx context.Context, initiatorID, offeredItemID, requestedItemID int64) (bool, error) {
	exists, err := r.Store.ExistsOpenForPair(ctx, initiatorID, offeredItemID, requestedItemID)
	r.arrived.Done()
	r.arrived.Wait()
	return exists, err
}

func TestCreate_ConcurrentDuplicateLeavesOneOpen(t *testing.T) {
	conn := openSQLite(t)
	var arrived sync.WaitGroup
	arrived.Add(2)
	store := racingStore{Store: NewSQLiteRepository(conn), arrived: &arrived}
	svc := NewService(item.NewSQLiteRepository(conn), store, clock.NewFixed(createdAt))

	results := make([]error, 2)
	var g errgroup.Group
	for i := range results {
		g.Go(func() error {
			_, results[i] = svc.Create(context.Background(), CreateParams{InitiatorID: 10, OfferedItemID: 1, RequestedItemID: 2})
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

	var open int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM exchanges WHERE initiator_id = 10 AND offered_item_id = 1 AND requested_item_id = 2 AND status IN ('Sent', 'Accepted')`).Scan(&open); err != nil {
		t.Fatalf("count open: %v", err)
	}
	if open != 1 {
		t.Fatalf("expected exactly one open exchange, got %d", open)
	}
}

func TestCreate_InactiveRequestedItemFromSQLite(t *testing.T) {
	conn := openSQLite(t)
	svc := NewService(item.NewSQLiteRepository(conn), NewSQLiteRepository(conn), clock.NewFixed(createdAt))

	if _, err := svc.Create(context.Background(), CreateParams{InitiatorID: 10, OfferedItemID: 1, RequestedItemID: 3}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for inactive item, got %v", err)
	}
}
