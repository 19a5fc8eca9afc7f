// Package bot is the Telegram-facing handler layer: commands, menus and
// callback routing. It translates chat interactions into engine and
// store calls; reminder delivery itself lives in dispatch.
package bot

import (
	"context"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"eventbot/internal/broadcast"
	"eventbot/internal/engine"
	"eventbot/internal/storage"
	"eventbot/internal/transport/telegram"
	logx "eventbot/pkg/logx"
	"eventbot/pkg/tgui"

	"eventbot/internal/content"
)

// Reply keyboard labels double as text-route keys.
const (
	btnEvents   = "📅 Events"
	btnMyEvents = "🎟 My events"
	btnSettings = "⚙️ Settings"
)

const handlerTimeout = 15 * time.Second

type Handlers struct {
	store storage.Store
	eng   *engine.Engine
	bcast *broadcast.Service
	log   logx.Logger

	mu     sync.RWMutex
	admins map[int64]struct{}
	loc    *time.Location

	draftsMu sync.Mutex
	drafts   map[int64]*draft
}

func New(store storage.Store, eng *engine.Engine, bcast *broadcast.Service, log logx.Logger) *Handlers {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handlers{
		store:  store,
		eng:    eng,
		bcast:  bcast,
		log:    log,
		admins: map[int64]struct{}{},
		loc:    time.UTC,
		drafts: map[int64]*draft{},
	}
}

// Apply swaps the admin allowlist and display timezone at runtime
// (config reload).
func (h *Handlers) Apply(adminIDs []int64, loc *time.Location) {
	admins := make(map[int64]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = struct{}{}
	}
	if loc == nil {
		loc = time.UTC
	}
	h.mu.Lock()
	h.admins = admins
	h.loc = loc
	h.mu.Unlock()
}

func (h *Handlers) isAdmin(userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.admins[userID]
	return ok
}

func (h *Handlers) location() *time.Location {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.loc
}

// Attach registers all routes. Must be called before the adapter starts
// polling.
func (h *Handlers) Attach(b *tele.Bot) {
	b.Handle("/start", h.onStart)
	b.Handle("/events", h.onEvents)
	b.Handle("/myevents", h.onMyEvents)
	b.Handle("/settings", h.onSettings)

	b.Handle("/newevent", h.onNewEvent)
	b.Handle("/cancelevent", h.onCancelEvent)
	b.Handle("/participants", h.onParticipants)
	b.Handle("/announce", h.onAnnounce)

	b.Handle(tele.OnText, h.onText)
	b.Handle(tele.OnCallback, h.onCallback)
}

// onText routes menu button presses; everything else feeds the admin
// wizard, if one is in progress.
func (h *Handlers) onText(c tele.Context) error {
	switch strings.TrimSpace(c.Text()) {
	case btnEvents:
		return h.onEvents(c)
	case btnMyEvents:
		return h.onMyEvents(c)
	case btnSettings:
		return h.onSettings(c)
	}
	return h.onDraftInput(c)
}

func (h *Handlers) onCallback(c tele.Context) error {
	cb := c.Callback()
	if cb == nil {
		return nil
	}
	// telebot prefixes callback data originating from its own markup
	// helpers with \f; our buttons carry raw data, but strip it anyway.
	data := strings.TrimPrefix(strings.TrimSpace(cb.Data), "\f")
	ns, action, payload := tgui.Split(data)

	switch ns {
	case content.NSReminder:
		return h.onReminderCallback(c, action, payload)
	case content.NSEvent:
		return h.onEventCallback(c, action, payload)
	case content.NSSettings:
		return h.onSettingsCallback(c, action, payload)
	case content.NSAdmin:
		return h.onAdminCallback(c, action, payload)
	}
	h.log.Debug("unroutable callback", logx.String("data", data))
	return c.Respond()
}

func (h *Handlers) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), handlerTimeout)
}

func replyMenu() *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{ResizeKeyboard: true}
	rm.Reply(
		rm.Row(rm.Text(btnEvents)),
		rm.Row(rm.Text(btnMyEvents), rm.Text(btnSettings)),
	)
	return rm
}

// teleOpts maps rendered transport options to telebot's, shared with the
// dispatch transport so replies format identically to reminders.
var teleOpts = telegram.SendOpts
