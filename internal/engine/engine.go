// Package engine is the registration ledger of the reminder pipeline:
// it owns the register/unregister/cancel mutations and their obligation
// side effects. All transitions are delegated to single store
// transactions, so a registration and its materialized reminders never
// exist without each other.
package engine

import (
	"context"
	"time"

	"eventbot/internal/model"
	"eventbot/internal/storage"
	logx "eventbot/pkg/logx"
)

// Re-exported store sentinels; the engine adds no error states of its own.
var (
	ErrNotFound         = storage.ErrNotFound
	ErrEventCancelled   = storage.ErrEventCancelled
	ErrAlreadyCancelled = storage.ErrAlreadyCancelled
)

type Engine struct {
	store   storage.Store
	offsets model.Offsets
	log     logx.Logger
	now     func() time.Time
}

func New(store storage.Store, offsets model.Offsets, log logx.Logger) *Engine {
	if offsets.LongLead <= 0 || offsets.Imminent <= 0 {
		offsets = model.DefaultOffsets()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{store: store, offsets: offsets, log: log, now: time.Now}
}

// Offsets returns the active materialization policy.
func (e *Engine) Offsets() model.Offsets { return e.offsets }

// Now returns the engine's clock reading; handlers use it so tests can
// pin time.
func (e *Engine) Now() time.Time { return e.now() }

// Register commits the subscriber to the event and materializes its
// reminder obligations in the same transaction. Registering twice is
// idempotent; re-registering after cancellation reactivates the existing
// row with freshly materialized obligations.
func (e *Engine) Register(ctx context.Context, subscriberID, eventID int64) (model.Registration, error) {
	reg, err := e.store.Register(ctx, subscriberID, eventID, e.offsets, e.now())
	if err != nil {
		return model.Registration{}, err
	}
	e.log.Info("registered",
		logx.Int64("subscriber", subscriberID),
		logx.Int64("event", eventID),
		logx.Int64("registration", reg.ID))
	return reg, nil
}

// Unregister cancels the registration and suppresses its pending
// obligations. Safe to call on an already cancelled registration.
func (e *Engine) Unregister(ctx context.Context, subscriberID, eventID int64) (model.Registration, error) {
	reg, err := e.store.Unregister(ctx, subscriberID, eventID, e.now())
	if err != nil {
		return model.Registration{}, err
	}
	e.log.Info("unregistered",
		logx.Int64("subscriber", subscriberID),
		logx.Int64("event", eventID),
		logx.Int64("registration", reg.ID))
	return reg, nil
}

// UnregisterRegistration is Unregister keyed by registration ID. It backs
// the decline affordance on long-lead reminders and the automatic
// retirement of permanently unreachable recipients.
func (e *Engine) UnregisterRegistration(ctx context.Context, registrationID int64) (model.Registration, error) {
	reg, err := e.store.UnregisterByID(ctx, registrationID, e.now())
	if err != nil {
		return model.Registration{}, err
	}
	e.log.Info("unregistered",
		logx.Int64("subscriber", reg.SubscriberID),
		logx.Int64("event", reg.EventID),
		logx.Int64("registration", reg.ID))
	return reg, nil
}

// CancelEvent flags the event cancelled, suppresses every obligation
// transitively owned through it, and retires its registrations. The
// returned attendee list is the pre-cancellation listActive() snapshot,
// for the out-of-band cancellation notice.
func (e *Engine) CancelEvent(ctx context.Context, eventID int64) (model.Event, []storage.Attendee, error) {
	ev, err := e.store.Event(ctx, eventID)
	if err != nil {
		return model.Event{}, nil, err
	}
	attendees, err := e.store.ActiveRegistrations(ctx, eventID)
	if err != nil {
		return model.Event{}, nil, err
	}
	suppressed, err := e.store.CancelEvent(ctx, eventID, e.now())
	if err != nil {
		return model.Event{}, nil, err
	}
	ev.Cancelled = true
	e.log.Info("event cancelled",
		logx.Int64("event", eventID),
		logx.Int("attendees", len(attendees)),
		logx.Int("suppressed", suppressed))
	return ev, attendees, nil
}

// UpcomingReminders lists the registration's not-yet-finalized
// obligations, for display.
func (e *Engine) UpcomingReminders(ctx context.Context, registrationID int64) ([]model.Reminder, error) {
	return e.store.PendingReminders(ctx, registrationID)
}
