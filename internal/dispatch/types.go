package dispatch

import (
	"context"
	"time"

	"eventbot/internal/model"
	"eventbot/internal/storage"
	"eventbot/internal/transport"
)

// Config controls the dispatch loop.
type Config struct {
	Enabled bool
	// TickSpec is either a bare Go duration ("30s") or a cron spec
	// ("*/1 * * * *", "@every 1m"). Keep it short relative to the
	// imminent reminder offset so lateness stays bounded by one tick.
	TickSpec string
	// Concurrency bounds parallel deliveries within one tick, respecting
	// the transport's rate limits.
	Concurrency int
	// BatchLimit caps how many due obligations one tick selects. 0 means
	// unbounded.
	BatchLimit int
	// DeadLetterAfter finalizes obligations still pending this long past
	// their fire time instead of delivering them stale. 0 disables.
	DeadLetterAfter time.Duration
}

// Store is the slice of the durable store the dispatcher needs.
type Store interface {
	DueReminders(ctx context.Context, now time.Time, limit int) ([]storage.DueReminder, error)
	ClaimReminder(ctx context.Context, reminderID int64) (bool, error)
	DeadLetterReminders(ctx context.Context, cutoff, now time.Time) (int, error)
	RecordOutcome(ctx context.Context, reminderID int64, outcome model.Outcome, detail string, now time.Time) error
}

// Sender is the single-recipient delivery path (the broadcaster).
type Sender interface {
	Deliver(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) error
}

// Ledger retires registrations whose recipient became permanently
// unreachable (the engine).
type Ledger interface {
	UnregisterRegistration(ctx context.Context, registrationID int64) (model.Registration, error)
}

// Renderer maps an obligation kind to its message content. Pure; no side
// effects.
type Renderer interface {
	Render(k model.Kind, due storage.DueReminder) (string, *transport.SendOptions)
}
