// Package content renders every user-facing message: reminders, event
// cards, announcements and cancellation notices. All functions are pure
// text builders; delivery happens elsewhere.
package content

import (
	"fmt"
	"sync"
	"time"

	"eventbot/internal/model"
	"eventbot/internal/storage"
	"eventbot/internal/transport"
	"eventbot/pkg/calendarlink"
	"eventbot/pkg/tgui"
)

// Callback namespaces understood by the bot's router.
const (
	NSReminder = "rem"
	NSEvent    = "evt"
	NSSettings = "set"
	NSAdmin    = "adm"
)

// Reminder callback actions.
const (
	ActConfirm = "ok"
	ActDecline = "no"
)

const timeLayout = "Mon, 2 Jan 15:04"

// Renderer builds reminder messages for the dispatch loop. Times are
// shown in the configured display timezone, not UTC.
type Renderer struct {
	mu  sync.RWMutex
	loc *time.Location
}

// NewRenderer returns a Renderer displaying times in loc. A nil loc
// falls back to UTC.
func NewRenderer(loc *time.Location) *Renderer {
	if loc == nil {
		loc = time.UTC
	}
	return &Renderer{loc: loc}
}

// Apply swaps the display timezone at runtime (config reload).
func (r *Renderer) Apply(loc *time.Location) {
	if loc == nil {
		loc = time.UTC
	}
	r.mu.Lock()
	r.loc = loc
	r.mu.Unlock()
}

func (r *Renderer) location() *time.Location {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loc
}

// Render maps a due obligation to its message text and send options.
func (r *Renderer) Render(k model.Kind, due storage.DueReminder) (string, *transport.SendOptions) {
	if k == model.KindImminent {
		return r.imminent(due.Event)
	}
	return r.longLead(due.Event, due.RegistrationID)
}

// longLead is the day-scale heads-up. It asks the recipient to confirm
// or decline; declining cancels the registration and with it the
// imminent reminder.
func (r *Renderer) longLead(ev model.Event, registrationID int64) (string, *transport.SendOptions) {
	text := tgui.Lines(
		tgui.B("Reminder: "+ev.Title),
		tgui.Raw(""),
		tgui.Esc("Starts "+r.fmtTime(ev.StartsAt)+"."),
		tgui.Esc("Still coming?"),
	)
	opt := &transport.SendOptions{
		HTML:           true,
		DisablePreview: true,
		Keyboard: [][]transport.Button{
			{
				{Text: "I'll be there", Data: tgui.DataID(NSReminder, ActConfirm, registrationID)},
				{Text: "Can't make it", Data: tgui.DataID(NSReminder, ActDecline, registrationID)},
			},
			calendarRow(ev),
		},
	}
	return text.String(), opt
}

// imminent is the minute-scale reminder carrying the where/how payload.
func (r *Renderer) imminent(ev model.Event) (string, *transport.SendOptions) {
	parts := []tgui.H{
		tgui.B("Starting soon: " + ev.Title),
		tgui.Raw(""),
		tgui.Esc("Begins " + r.fmtTime(ev.StartsAt) + "."),
	}
	if loc := locationLine(ev); loc != "" {
		parts = append(parts, tgui.Esc(loc))
	}
	if ev.OrganizerContact != "" {
		parts = append(parts, tgui.Esc("Organizer: "+ev.OrganizerContact))
	}
	return tgui.Lines(parts...).String(), &transport.SendOptions{HTML: true, DisablePreview: true}
}

func (r *Renderer) fmtTime(t time.Time) string {
	return t.In(r.location()).Format(timeLayout)
}

func locationLine(ev model.Event) string {
	switch {
	case ev.Format == model.FormatOnline && ev.Location != "":
		return "Join link: " + ev.Location
	case ev.Format == model.FormatOnline:
		return "Online"
	case ev.Location != "":
		return "Where: " + ev.Location
	}
	return ""
}

func calendarRow(ev model.Event) []transport.Button {
	entry := calendarlink.Entry{
		Title:       ev.Title,
		StartsAt:    ev.StartsAt,
		Location:    ev.Location,
		Description: ev.Description,
	}
	return []transport.Button{
		{Text: "Google Calendar", URL: calendarlink.Google(entry)},
		{Text: "Yandex Calendar", URL: calendarlink.Yandex(entry)},
	}
}

// CancellationNotice is broadcast to every active attendee when an event
// is cancelled.
func CancellationNotice(ev model.Event, loc *time.Location) (string, *transport.SendOptions) {
	if loc == nil {
		loc = time.UTC
	}
	text := tgui.Lines(
		tgui.B("Cancelled: "+ev.Title),
		tgui.Raw(""),
		tgui.Esc("The event planned for "+ev.StartsAt.In(loc).Format(timeLayout)+" will not take place."),
		tgui.Esc("Sorry for the trouble; you will not receive further reminders for it."),
	)
	return text.String(), &transport.SendOptions{HTML: true, DisablePreview: true}
}

// NewEventAnnouncement invites topic subscribers to a freshly published
// event.
func NewEventAnnouncement(ev model.Event, loc *time.Location) (string, *transport.SendOptions) {
	if loc == nil {
		loc = time.UTC
	}
	parts := []tgui.H{
		tgui.B("New event: " + ev.Title),
		tgui.Raw(""),
		tgui.Esc(fmt.Sprintf("Topic: %s, %s", topicTitle(ev.Topic), ev.Format)),
		tgui.Esc("When: " + ev.StartsAt.In(loc).Format(timeLayout)),
	}
	if l := locationLine(ev); l != "" {
		parts = append(parts, tgui.Esc(l))
	}
	if ev.Description != "" {
		parts = append(parts, tgui.Raw(""), tgui.Esc(ev.Description))
	}
	opt := &transport.SendOptions{
		HTML:           true,
		DisablePreview: true,
		Keyboard: [][]transport.Button{
			{{Text: "Sign up", Data: tgui.DataID(NSEvent, "reg", ev.ID)}},
		},
	}
	return tgui.Lines(parts...).String(), opt
}

// EventCard is the one-line list entry for the upcoming events view.
func EventCard(ev model.Event, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return fmt.Sprintf("%s — %s (%s)", ev.StartsAt.In(loc).Format("2 Jan 15:04"), ev.Title, topicTitle(ev.Topic))
}

// EventDetail is the full event view with registration affordances.
// registered selects which action button is shown.
func EventDetail(ev model.Event, loc *time.Location, registered bool, attendees int) (string, *transport.SendOptions) {
	if loc == nil {
		loc = time.UTC
	}
	parts := []tgui.H{
		tgui.B(ev.Title),
		tgui.Raw(""),
		tgui.Esc(fmt.Sprintf("Topic: %s, %s", topicTitle(ev.Topic), ev.Format)),
		tgui.Esc("When: " + ev.StartsAt.In(loc).Format(timeLayout)),
	}
	if l := locationLine(ev); l != "" {
		parts = append(parts, tgui.Esc(l))
	}
	if ev.OrganizerContact != "" {
		parts = append(parts, tgui.Esc("Organizer: "+ev.OrganizerContact))
	}
	if ev.Description != "" {
		parts = append(parts, tgui.Raw(""), tgui.Esc(ev.Description))
	}
	if attendees > 0 {
		parts = append(parts, tgui.Raw(""), tgui.I(fmt.Sprintf("%d going", attendees)))
	}

	var action transport.Button
	if registered {
		action = transport.Button{Text: "Cancel my registration", Data: tgui.DataID(NSEvent, "unreg", ev.ID)}
	} else {
		action = transport.Button{Text: "Sign up", Data: tgui.DataID(NSEvent, "reg", ev.ID)}
	}
	opt := &transport.SendOptions{
		HTML:           true,
		DisablePreview: true,
		Keyboard: [][]transport.Button{
			{action},
			calendarRow(ev),
			{{Text: "Back to list", Data: tgui.Data(NSEvent, "list", "")}},
		},
	}
	return tgui.Lines(parts...).String(), opt
}

func topicTitle(t model.Topic) string {
	switch t {
	case model.TopicIT:
		return "IT"
	case model.TopicSport:
		return "Sport"
	case model.TopicBooks:
		return "Books"
	}
	return string(t)
}
