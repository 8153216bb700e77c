package exchange

import (
	"strings"
	"time"
)

// Status is the lifecycle position of an exchange.
type Status string

const (
	// StatusDraft exists for storage compatibility; no transition produces it.
	StatusDraft     Status = "Draft"
	StatusSent      Status = "Sent"
	StatusAccepted  Status = "Accepted"
	StatusDeclined  Status = "Declined"
	StatusCancelled Status = "Cancelled"
	StatusCompleted Status = "Completed"
)

// Open reports whether the status counts towards the one-open-offer rule.
func (s Status) Open() bool {
	return s == StatusSent || s == StatusAccepted
}

// Valid reports whether s is a known status name.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusSent, StatusAccepted, StatusDeclined, StatusCancelled, StatusCompleted:
		return true
	default:
		return false
	}
}

// Action names a lifecycle transition. The value doubles as the tag written
// into the legacy message view.
type Action string

const (
	ActionAccept   Action = "Accept"
	ActionDecline  Action = "Decline"
	ActionCancel   Action = "Cancel"
	ActionComplete Action = "Complete"
)

// TimelineEntry records one successful transition.
type TimelineEntry struct {
	Action  Action
	ActorID int64
	Note    string
	At      time.Time
}

// Exchange is the aggregate for a two-party trade proposal. Its fields are
// only mutated through the transition methods, which enforce the guard table.
type Exchange struct {
	id              int64
	initiatorID     int64
	receiverID      int64
	offeredItemID   int64
	requestedItemID int64
	message         string
	status          Status
	createdAt       time.Time
	updatedAt       *time.Time
	timeline        []TimelineEntry

	// version is the optimistic token the store compares on save; persisted
	// counts timeline entries already written.
	version   int
	persisted int
}

// New builds an exchange in status Sent.
func New(initiatorID, receiverID, offeredItemID, requestedItemID int64, message string, now time.Time) (*Exchange, error) {
	if offeredItemID == requestedItemID {
		return nil, invalid("offered and requested items must differ")
	}
	return &Exchange{
		initiatorID:     initiatorID,
		receiverID:      receiverID,
		offeredItemID:   offeredItemID,
		requestedItemID: requestedItemID,
		message:         message,
		status:          StatusSent,
		createdAt:       now.UTC(),
	}, nil
}

// restore rebuilds a persisted exchange. Only stores call it.
func restore(row exchangeRow, timeline []TimelineEntry) *Exchange {
	e := &Exchange{
		id:              row.id,
		initiatorID:     row.initiatorID,
		receiverID:      row.receiverID,
		offeredItemID:   row.offeredItemID,
		requestedItemID: row.requestedItemID,
		message:         row.message,
		status:          row.status,
		createdAt:       row.createdAt.UTC(),
		timeline:        timeline,
		version:         row.version,
		persisted:       len(timeline),
	}
	if row.updatedAt != nil {
		at := row.updatedAt.UTC()
		e.updatedAt = &at
	}
	return e
}

// exchangeRow is the flat column set shared by the stores.
type exchangeRow struct {
	id              int64
	initiatorID     int64
	receiverID      int64
	offeredItemID   int64
	requestedItemID int64
	message         string
	status          Status
	createdAt       time.Time
	updatedAt       *time.Time
	version         int
}

func (e *Exchange) ID() int64              { return e.id }
func (e *Exchange) InitiatorID() int64     { return e.initiatorID }
func (e *Exchange) ReceiverID() int64      { return e.receiverID }
func (e *Exchange) OfferedItemID() int64   { return e.offeredItemID }
func (e *Exchange) RequestedItemID() int64 { return e.requestedItemID }
func (e *Exchange) Status() Status         { return e.status }
func (e *Exchange) CreatedAt() time.Time   { return e.createdAt }

// UpdatedAt is nil until the first transition.
func (e *Exchange) UpdatedAt() *time.Time {
	if e.updatedAt == nil {
		return nil
	}
	t := *e.updatedAt
	return &t
}

// Timeline returns a copy of the recorded transitions in order.
func (e *Exchange) Timeline() []TimelineEntry {
	out := make([]TimelineEntry, len(e.timeline))
	copy(out, e.timeline)
	return out
}

// Message renders the creation message followed by one tagged line per
// transition that carried a note.
func (e *Exchange) Message() string {
	var b strings.Builder
	b.WriteString(e.message)
	for _, entry := range e.timeline {
		if entry.Note == "" {
			continue
		}
		b.WriteString("\n[")
		b.WriteString(string(entry.Action))
		b.WriteString("]: ")
		b.WriteString(entry.Note)
	}
	return b.String()
}

func (e *Exchange) pending() []TimelineEntry {
	return e.timeline[e.persisted:]
}

// markSaved is called by stores after a successful commit.
func (e *Exchange) markSaved() {
	e.version++
	e.persisted = len(e.timeline)
}

// Projection is the read-only shape returned to callers.
type Projection struct {
	ID              int64
	InitiatorID     int64
	ReceiverID      int64
	OfferedItemID   int64
	RequestedItemID int64
	Status          string
	CreatedAt       time.Time
	UpdatedAt       *time.Time
}

// Project converts the aggregate into its Projection.
func Project(e *Exchange) Projection {
	return Projection{
		ID:              e.id,
		InitiatorID:     e.initiatorID,
		ReceiverID:      e.receiverID,
		OfferedItemID:   e.offeredItemID,
		RequestedItemID: e.requestedItemID,
		Status:          string(e.status),
		CreatedAt:       e.createdAt,
		UpdatedAt:       e.UpdatedAt(),
	}
}
