package exchange

import (
	"strings"
	"time"
)

type role uint8

const (
	roleReceiver role = iota + 1
	roleInitiator
	roleParticipant
)

func (r role) String() string {
	switch r {
	case roleReceiver:
		return "receiver"
	case roleInitiator:
		return "initiator"
	case roleParticipant:
		return "participant"
	default:
		return "unknown"
	}
}

type guard struct {
	from   Status
	action Action
}

type rule struct {
	to    Status
	actor role
}

// transitions is the complete lifecycle. Any (status, action) pair missing
// here is rejected with ErrInvalidState.
var transitions = map[guard]rule{
	{StatusSent, ActionAccept}:       {to: StatusAccepted, actor: roleReceiver},
	{StatusSent, ActionDecline}:      {to: StatusDeclined, actor: roleReceiver},
	{StatusSent, ActionCancel}:       {to: StatusCancelled, actor: roleParticipant},
	{StatusAccepted, ActionCancel}:   {to: StatusCancelled, actor: roleParticipant},
	{StatusAccepted, ActionComplete}: {to: StatusCompleted, actor: roleInitiator},
}

var actionOrder = []Action{ActionAccept, ActionDecline, ActionCancel, ActionComplete}

func plays(r role, initiatorID, receiverID, actorID int64) bool {
	switch r {
	case roleReceiver:
		return actorID == receiverID
	case roleInitiator:
		return actorID == initiatorID
	case roleParticipant:
		return actorID == initiatorID || actorID == receiverID
	default:
		return false
	}
}

// Allowed lists the actions actorID may take on an exchange in status with the
// given participants.
func Allowed(status Status, initiatorID, receiverID, actorID int64) []Action {
	var out []Action
	for _, action := range actionOrder {
		r, ok := transitions[guard{from: status, action: action}]
		if !ok || !plays(r.actor, initiatorID, receiverID, actorID) {
			continue
		}
		out = append(out, action)
	}
	return out
}

// Accept moves Sent to Accepted. Only the receiver may accept.
func (e *Exchange) Accept(actorID int64, note string, now time.Time) error {
	return e.apply(ActionAccept, actorID, note, now)
}

// Decline moves Sent to Declined. Only the receiver may decline.
func (e *Exchange) Decline(actorID int64, reason string, now time.Time) error {
	return e.apply(ActionDecline, actorID, reason, now)
}

// Cancel moves Sent or Accepted to Cancelled. Either participant may cancel.
func (e *Exchange) Cancel(actorID int64, reason string, now time.Time) error {
	return e.apply(ActionCancel, actorID, reason, now)
}

// Complete moves Accepted to Completed. Only the initiator may complete.
func (e *Exchange) Complete(actorID int64, note string, now time.Time) error {
	return e.apply(ActionComplete, actorID, note, now)
}

// apply checks state before role; a failure leaves the aggregate untouched.
func (e *Exchange) apply(action Action, actorID int64, note string, now time.Time) error {
	r, ok := transitions[guard{from: e.status, action: action}]
	if !ok {
		return invalidState("cannot %s an exchange in status %s", strings.ToLower(string(action)), e.status)
	}
	if !plays(r.actor, e.initiatorID, e.receiverID, actorID) {
		return forbidden("only the %s may %s this exchange", r.actor, strings.ToLower(string(action)))
	}

	at := now.UTC()
	if strings.TrimSpace(note) == "" {
		note = ""
	}
	e.status = r.to
	e.updatedAt = &at
	e.timeline = append(e.timeline, TimelineEntry{
		Action:  action,
		ActorID: actorID,
		Note:    note,
		At:      at,
	})
	return nil
}

// Allowed lists the actions actorID may take on e in its current status.
func (e *Exchange) Allowed(actorID int64) []Action {
	return Allowed(e.status, e.initiatorID, e.receiverID, actorID)
}
