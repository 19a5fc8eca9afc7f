// Package model defines the domain entities shared by storage, engine
// and the dispatch pipeline: subscribers, events, registrations and
// reminder obligations.
package model

import (
	"strings"
	"time"
)

// Topic is a closed set of event categories a subscriber can follow.
type Topic string

const (
	TopicIT    Topic = "it"
	TopicSport Topic = "sport"
	TopicBooks Topic = "books"
)

// Topics lists all known topics in display order.
func Topics() []Topic {
	return []Topic{TopicIT, TopicSport, TopicBooks}
}

func (t Topic) Valid() bool {
	switch t {
	case TopicIT, TopicSport, TopicBooks:
		return true
	}
	return false
}

// ParseTopic normalizes raw user/config input into a Topic.
func ParseTopic(raw string) (Topic, bool) {
	t := Topic(strings.ToLower(strings.TrimSpace(raw)))
	return t, t.Valid()
}

// Format is the event delivery format.
type Format string

const (
	FormatOnline  Format = "online"
	FormatOffline Format = "offline"
)

func (f Format) Valid() bool { return f == FormatOnline || f == FormatOffline }

// Subscriber is an opaque recipient identity keyed by Telegram user ID.
// Subscribers are created on first contact and never deleted.
type Subscriber struct {
	TelegramID  int64
	Username    string
	FirstName   string
	NotifyIT    bool
	NotifySport bool
	NotifyBooks bool
	CreatedAt   time.Time
}

// Subscribed reports whether the subscriber follows the given topic.
func (s Subscriber) Subscribed(t Topic) bool {
	switch t {
	case TopicIT:
		return s.NotifyIT
	case TopicSport:
		return s.NotifySport
	case TopicBooks:
		return s.NotifyBooks
	}
	return false
}

// Event is a scheduled happening. Immutable once created except for the
// monotonic Cancelled flag.
type Event struct {
	ID               int64
	Title            string
	Topic            Topic
	Format           Format
	StartsAt         time.Time // UTC
	Location         string
	Description      string
	OrganizerContact string
	Cancelled        bool
	CreatedAt        time.Time
}

// RegistrationStatus is the lifecycle state of a registration.
type RegistrationStatus string

const (
	RegistrationActive    RegistrationStatus = "active"
	RegistrationCancelled RegistrationStatus = "cancelled"
)

// Registration binds one subscriber to one event. At most one row exists
// per (subscriber, event) pair; re-registering reactivates the row.
type Registration struct {
	ID           int64
	SubscriberID int64
	EventID      int64
	Status       RegistrationStatus
	CreatedAt    time.Time
}

// Kind is the closed set of reminder obligation kinds.
type Kind string

const (
	// KindLongLead is the day-scale heads-up carrying an accept/decline
	// affordance.
	KindLongLead Kind = "long_lead"
	// KindImminent is the minute-scale reminder carrying the event's
	// location/contact payload.
	KindImminent Kind = "imminent"
)

// Kinds lists all reminder kinds in firing order.
func Kinds() []Kind { return []Kind{KindLongLead, KindImminent} }

func (k Kind) Valid() bool { return k == KindLongLead || k == KindImminent }

// Offsets maps each reminder kind to its lead time before the event.
type Offsets struct {
	LongLead time.Duration
	Imminent time.Duration
}

// DefaultOffsets returns the stock 24h / 15m reminder policy.
func DefaultOffsets() Offsets {
	return Offsets{LongLead: 24 * time.Hour, Imminent: 15 * time.Minute}
}

// Lead returns the offset-before-event for the given kind.
func (o Offsets) Lead(k Kind) time.Duration {
	if k == KindImminent {
		return o.Imminent
	}
	return o.LongLead
}

// ReminderStatus is the three-state obligation lifecycle. A reminder is
// claimed by flipping pending -> sent; cancellation flips pending ->
// suppressed. Neither transition is ever reversed.
type ReminderStatus string

const (
	ReminderPending    ReminderStatus = "pending"
	ReminderSent       ReminderStatus = "sent"
	ReminderSuppressed ReminderStatus = "suppressed"
)

// Reminder is one durable notification obligation owned by a registration.
type Reminder struct {
	ID             int64
	RegistrationID int64
	Kind           Kind
	FireAt         time.Time // UTC
	Status         ReminderStatus
}

// Materialize computes the obligations implied by a registration to an
// event starting at startsAt. One reminder per kind, each firing strictly
// before the event. Fire times may already be in the past for late
// sign-ups; they are materialized anyway and picked up on the next
// dispatch tick ("due" means fire_at <= now, not fire_at ~ now).
func Materialize(registrationID int64, startsAt time.Time, off Offsets) []Reminder {
	rs := make([]Reminder, 0, 2)
	for _, k := range Kinds() {
		rs = append(rs, Reminder{
			RegistrationID: registrationID,
			Kind:           k,
			FireAt:         startsAt.Add(-off.Lead(k)).UTC(),
			Status:         ReminderPending,
		})
	}
	return rs
}

// Outcome is the terminal result recorded for a reminder obligation.
type Outcome string

const (
	OutcomeSent       Outcome = "sent"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeBlocked    Outcome = "blocked"
	OutcomeTransient  Outcome = "transient"
	OutcomeDeadLetter Outcome = "dead_letter"
)
