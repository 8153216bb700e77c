package exchange

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"swapflow/clock"
	"swapflow/item"
)

const tracerName = "swapflow/exchange"

// CreateParams is the input of Service.Create.
type CreateParams struct {
	InitiatorID     int64
	OfferedItemID   int64
	RequestedItemID int64
	Message         string
}

// TransitionParams is the input shared by the four mutation use cases.
// Note is optional; blank notes are recorded without text.
type TransitionParams struct {
	ExchangeID int64
	ActorID    int64
	Note       string
}

type Service struct {
	items  item.Lookup
	store  Store
	clock  clock.Clock
	tracer trace.Tracer
}

// NewService wires the use cases. A nil clock falls back to the system clock.
func NewService(items item.Lookup, store Store, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Service{
		items:  items,
		store:  store,
		clock:  clk,
		tracer: otel.Tracer(tracerName),
	}
}

// Create validates the proposal and persists a new exchange in status Sent.
// Checks run in a fixed order and the first failure wins; nothing is written
// unless every check passes.
func (s *Service) Create(ctx context.Context, p CreateParams) (_ Projection, err error) {
	ctx, span := s.tracer.Start(ctx, "exchange.Create", trace.WithAttributes(
		attribute.Int64("exchange.initiator_id", p.InitiatorID),
		attribute.Int64("exchange.offered_item_id", p.OfferedItemID),
		attribute.Int64("exchange.requested_item_id", p.RequestedItemID),
	))
	defer func() { endSpan(span, err) }()

	offered, err := s.lookup(ctx, p.OfferedItemID, "offered")
	if err != nil {
		return Projection{}, err
	}
	requested, err := s.lookup(ctx, p.RequestedItemID, "requested")
	if err != nil {
		return Projection{}, err
	}

	if offered.OwnerID != p.InitiatorID {
		return Projection{}, forbidden("you may only offer items you own")
	}
	if requested.OwnerID == p.InitiatorID {
		return Projection{}, invalid("you cannot request your own item")
	}
	if p.OfferedItemID == p.RequestedItemID {
		return Projection{}, invalid("offered and requested items must differ")
	}
	if !offered.IsActive {
		return Projection{}, invalid("offered item %d is not active", p.OfferedItemID)
	}
	if !requested.IsActive {
		return Projection{}, invalid("requested item %d is not active", p.RequestedItemID)
	}

	exists, err := s.store.ExistsOpenForPair(ctx, p.InitiatorID, p.OfferedItemID, p.RequestedItemID)
	if err != nil {
		return Projection{}, fmt.Errorf("exchange: check open offer: %w", err)
	}
	if exists {
		return Projection{}, invalid("duplicate active offer for this item pair")
	}

	e, err := New(p.InitiatorID, requested.OwnerID, p.OfferedItemID, p.RequestedItemID, p.Message, s.clock.Now())
	if err != nil {
		return Projection{}, err
	}

	if err := ctx.Err(); err != nil {
		return Projection{}, err
	}
	if err := s.store.Add(ctx, e); err != nil {
		return Projection{}, err
	}

	span.SetAttributes(attribute.Int64("exchange.id", e.ID()))
	return Project(e), nil
}

// Accept moves a Sent exchange to Accepted on behalf of its receiver.
func (s *Service) Accept(ctx context.Context, p TransitionParams) (Projection, error) {
	return s.transition(ctx, ActionAccept, p)
}

// Decline moves a Sent exchange to Declined on behalf of its receiver.
func (s *Service) Decline(ctx context.Context, p TransitionParams) (Projection, error) {
	return s.transition(ctx, ActionDecline, p)
}

// Cancel withdraws a Sent or Accepted exchange on behalf of either participant.
func (s *Service) Cancel(ctx context.Context, p TransitionParams) (Projection, error) {
	return s.transition(ctx, ActionCancel, p)
}

// Complete closes an Accepted exchange on behalf of its initiator.
func (s *Service) Complete(ctx context.Context, p TransitionParams) (Projection, error) {
	return s.transition(ctx, ActionComplete, p)
}

// Get returns ok=false, not an error, when the id does not resolve.
func (s *Service) Get(ctx context.Context, id int64) (_ Projection, ok bool, err error) {
	ctx, span := s.tracer.Start(ctx, "exchange.Get", trace.WithAttributes(
		attribute.Int64("exchange.id", id),
	))
	defer func() { endSpan(span, err) }()

	e, err := s.store.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Projection{}, false, nil
	}
	if err != nil {
		return Projection{}, false, err
	}
	return Project(e), true, nil
}

func (s *Service) transition(ctx context.Context, action Action, p TransitionParams) (_ Projection, err error) {
	ctx, span := s.tracer.Start(ctx, "exchange."+string(action), trace.WithAttributes(
		attribute.Int64("exchange.id", p.ExchangeID),
		attribute.Int64("exchange.actor_id", p.ActorID),
	))
	defer func() { endSpan(span, err) }()

	e, err := s.store.GetByID(ctx, p.ExchangeID)
	if errors.Is(err, ErrNotFound) {
		return Projection{}, notFound("exchange %d not found", p.ExchangeID)
	}
	if err != nil {
		return Projection{}, err
	}

	now := s.clock.Now()
	switch action {
	case ActionAccept:
		err = e.Accept(p.ActorID, p.Note, now)
	case ActionDecline:
		err = e.Decline(p.ActorID, p.Note, now)
	case ActionCancel:
		err = e.Cancel(p.ActorID, p.Note, now)
	case ActionComplete:
		err = e.Complete(p.ActorID, p.Note, now)
	default:
		err = invalidState("unknown action %q", action)
	}
	if err != nil {
		return Projection{}, err
	}

	if err := ctx.Err(); err != nil {
		return Projection{}, err
	}
	if err := s.store.Save(ctx, e); err != nil {
		return Projection{}, err
	}

	span.SetAttributes(attribute.String("exchange.status", string(e.Status())))
	return Project(e), nil
}

func (s *Service) lookup(ctx context.Context, id int64, which string) (item.Item, error) {
	it, err := s.items.GetByID(ctx, id)
	if errors.Is(err, item.ErrNotFound) {
		return item.Item{}, notFound("%s item %d not found", which, id)
	}
	if err != nil {
		return item.Item{}, fmt.Errorf("exchange: lookup %s item: %w", which, err)
	}
	return it, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
