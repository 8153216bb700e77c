package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"swapflow/exchange"
	"swapflow/test/chaos"
)

// Fixture is the seeded marketplace the actors trade in.
type Fixture struct {
	InitiatorID int64
	ReceiverID  int64
	Offered     []int64
	Requested   []int64
}

// Creator keeps proposing trades over the fixture's small set of item pairs so
// that concurrent creators collide on the same tuple.
func Creator(ctx context.Context, svc *exchange.Service, fx Fixture, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		params := exchange.CreateParams{
			InitiatorID:     fx.InitiatorID,
			OfferedItemID:   fx.Offered[rand.Intn(len(fx.Offered))],
			RequestedItemID: fx.Requested[rand.Intn(len(fx.Requested))],
			Message:         "stress offer",
		}
		_, err := svc.Create(ctx, params)
		switch {
		case err == nil:
		case errors.Is(err, exchange.ErrValidation), errors.Is(err, exchange.ErrOpenOfferExists):
			// expected under contention
		case ctx.Err() != nil:
			return ctx.Err()
		case chaos.IsConnectionLoss(err):
		default:
			return fmt.Errorf("creator: %w", err)
		}
		time.Sleep(time.Duration(5+rand.Intn(15)) * time.Millisecond)
	}
}

// Responder picks a random open exchange and drives a random transition as a
// random participant. Rejections by the lifecycle rules are expected.
func Responder(ctx context.Context, pool *pgxpool.Pool, svc *exchange.Service, fx Fixture, stop <-chan struct{}) error {
	type move func(context.Context, exchange.TransitionParams) (exchange.Projection, error)
	moves := []move{svc.Accept, svc.Decline, svc.Cancel, svc.Complete}
	actors := []int64{fx.InitiatorID, fx.ReceiverID}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var id int64
		err := pool.QueryRow(ctx, `SELECT id FROM exchanges WHERE status IN ('Sent','Accepted') ORDER BY random() LIMIT 1`).Scan(&id)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(20 * time.Millisecond)
			continue
		}

		_, err = moves[rand.Intn(len(moves))](ctx, exchange.TransitionParams{
			ExchangeID: id,
			ActorID:    actors[rand.Intn(len(actors))],
			Note:       randomNote(),
		})
		switch {
		case err == nil:
		case errors.Is(err, exchange.ErrInvalidState),
			errors.Is(err, exchange.ErrForbidden),
			errors.Is(err, exchange.ErrConcurrentUpdate):
		case ctx.Err() != nil:
			return ctx.Err()
		case chaos.IsConnectionLoss(err):
		default:
			return fmt.Errorf("responder %d: %w", id, err)
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

func randomNote() string {
	switch rand.Intn(3) {
	case 0:
		return ""
	case 1:
		return "   "
	default:
		return fmt.Sprintf("note %d", rand.Intn(1000))
	}
}
