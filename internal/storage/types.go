package storage

import (
	"context"
	"errors"
	"time"

	"eventbot/internal/model"
)

var (
	// ErrNotFound is returned when a referenced entity is absent.
	// Caller error; never retried.
	ErrNotFound = errors.New("not found")
	// ErrEventCancelled is returned when registering for a cancelled event.
	ErrEventCancelled = errors.New("event already cancelled")
	// ErrAlreadyCancelled is returned when cancelling an event twice.
	ErrAlreadyCancelled = errors.New("already cancelled")
)

// Config configures the store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// DueReminder is a due obligation joined with everything the dispatcher
// needs to deliver it: the recipient chat and the event payload.
type DueReminder struct {
	ReminderID     int64
	RegistrationID int64
	Kind           model.Kind
	FireAt         time.Time
	ChatID         int64
	Event          model.Event
}

// Attendee is an active registration joined with its subscriber,
// as returned by ActiveRegistrations for fan-out.
type Attendee struct {
	RegistrationID int64
	ChatID         int64
	Username       string
	FirstName      string
	RegisteredAt   time.Time
}

// RegisteredEvent is a subscriber's active registration joined with its
// (not cancelled) event, for the "my events" view.
type RegisteredEvent struct {
	Registration model.Registration
	Event        model.Event
}

// OutcomeRecord is one terminal obligation outcome from the audit trail.
type OutcomeRecord struct {
	ReminderID int64
	Outcome    model.Outcome
	Detail     string
	At         time.Time
}

// Store is the persistence API used by engine, dispatch and the bot.
type Store interface {
	// Subscribers.
	UpsertSubscriber(ctx context.Context, s model.Subscriber) (model.Subscriber, error)
	Subscriber(ctx context.Context, telegramID int64) (model.Subscriber, error)
	SetTopic(ctx context.Context, telegramID int64, topic model.Topic, enabled bool) (model.Subscriber, error)
	SubscribersByTopic(ctx context.Context, topic model.Topic) ([]model.Subscriber, error)

	// Events.
	CreateEvent(ctx context.Context, ev model.Event) (model.Event, error)
	Event(ctx context.Context, id int64) (model.Event, error)
	UpcomingEvents(ctx context.Context, now time.Time, limit int) ([]model.Event, error)
	// CancelEvent flags the event and, in the same transaction, suppresses
	// every pending reminder transitively owned through it. Returns the
	// number of suppressed reminders.
	CancelEvent(ctx context.Context, id int64, now time.Time) (int, error)

	// Registrations.
	// Register inserts or reactivates the (subscriber, event) registration
	// and materializes its reminder obligations in one transaction.
	Register(ctx context.Context, subscriberID, eventID int64, off model.Offsets, now time.Time) (model.Registration, error)
	// Unregister cancels the registration and suppresses its pending
	// reminders in one transaction. Idempotent: unregistering an already
	// cancelled registration is a no-op.
	Unregister(ctx context.Context, subscriberID, eventID int64, now time.Time) (model.Registration, error)
	// UnregisterByID is Unregister keyed by registration ID (decline
	// callbacks and blocked-recipient retirement know only the ID).
	UnregisterByID(ctx context.Context, registrationID int64, now time.Time) (model.Registration, error)
	Registration(ctx context.Context, subscriberID, eventID int64) (model.Registration, error)
	ActiveRegistrations(ctx context.Context, eventID int64) ([]Attendee, error)
	ActiveRegistrationCount(ctx context.Context, eventID int64) (int, error)
	SubscriberRegistrations(ctx context.Context, subscriberID int64) ([]RegisteredEvent, error)

	// Reminders.
	// DueReminders returns pending obligations with fire_at <= now,
	// oldest first. It is a pure read; exclusivity comes from ClaimReminder.
	DueReminders(ctx context.Context, now time.Time, limit int) ([]DueReminder, error)
	// ClaimReminder atomically flips one reminder pending -> sent,
	// conditioned on the owning registration being active and the event
	// not cancelled. Returns false when the claim was lost (already
	// claimed, suppressed, or owner no longer live).
	ClaimReminder(ctx context.Context, reminderID int64) (bool, error)
	// DeadLetterReminders finalizes pending reminders whose fire time is
	// before the cutoff as dead-lettered (suppressed + outcome recorded)
	// and returns how many were finalized.
	DeadLetterReminders(ctx context.Context, cutoff, now time.Time) (int, error)
	PendingReminders(ctx context.Context, registrationID int64) ([]model.Reminder, error)
	RecordOutcome(ctx context.Context, reminderID int64, outcome model.Outcome, detail string, now time.Time) error
	Outcomes(ctx context.Context, reminderID int64) ([]OutcomeRecord, error)

	Close() error
}
