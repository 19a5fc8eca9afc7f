package bot

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"eventbot/internal/broadcast"
	"eventbot/internal/content"
	"eventbot/internal/model"
	"eventbot/internal/transport"
	"eventbot/internal/transport/telegram"
	logx "eventbot/pkg/logx"
	"eventbot/pkg/tgui"
)

// whenLayout is the datetime format admins type during event creation,
// interpreted in the display timezone.
const whenLayout = "2006-01-02 15:04"

type draftStep int

const (
	stepTitle draftStep = iota
	stepTopic
	stepFormat
	stepWhen
	stepWhere
	stepDescription
	stepContact
	stepConfirm
	stepAnnounce
)

// draft is per-admin wizard state, in-memory only. An unfinished draft
// does not survive a restart; that is fine for a guided chat flow.
type draft struct {
	step            draftStep
	ev              model.Event
	announceEventID int64
}

func (h *Handlers) draftFor(userID int64) *draft {
	h.draftsMu.Lock()
	defer h.draftsMu.Unlock()
	return h.drafts[userID]
}

func (h *Handlers) setDraft(userID int64, d *draft) {
	h.draftsMu.Lock()
	defer h.draftsMu.Unlock()
	if d == nil {
		delete(h.drafts, userID)
		return
	}
	h.drafts[userID] = d
}

func (h *Handlers) onNewEvent(c tele.Context) error {
	from := c.Sender()
	if from == nil || !h.isAdmin(from.ID) {
		return nil
	}
	h.setDraft(from.ID, &draft{step: stepTitle})
	return c.Send("New event. What's the title?")
}

// onDraftInput consumes free-text replies while a wizard is active.
func (h *Handlers) onDraftInput(c tele.Context) error {
	from := c.Sender()
	if from == nil || !h.isAdmin(from.ID) {
		return nil
	}
	d := h.draftFor(from.ID)
	if d == nil {
		return nil
	}
	text := strings.TrimSpace(c.Text())
	if text == "" {
		return nil
	}

	switch d.step {
	case stepTitle:
		d.ev.Title = text
		d.step = stepTopic
		return c.Send("Topic?", topicPicker())
	case stepWhen:
		t, err := time.ParseInLocation(whenLayout, text, h.location())
		if err != nil {
			return c.Send("Can't read that. Use YYYY-MM-DD HH:MM, e.g. 2026-09-12 19:00.")
		}
		if !t.After(time.Now()) {
			return c.Send("That's in the past. When does it start?")
		}
		d.ev.StartsAt = t.UTC()
		d.step = stepWhere
		if d.ev.Format == model.FormatOnline {
			return c.Send("Join link? (or - for none)")
		}
		return c.Send("Where is it? (or - for none)")
	case stepWhere:
		d.ev.Location = dashEmpty(text)
		d.step = stepDescription
		return c.Send("Description? (or - to skip)")
	case stepDescription:
		d.ev.Description = dashEmpty(text)
		d.step = stepContact
		return c.Send("Organizer contact? (or - to skip)")
	case stepContact:
		d.ev.OrganizerContact = dashEmpty(text)
		d.step = stepConfirm
		preview, opt := content.EventDetail(d.ev, h.location(), false, 0)
		rm := telegram.InlineKeyboard([][]transport.Button{{
			{Text: "✅ Publish", Data: tgui.Data(content.NSAdmin, "publish", "")},
			{Text: "🗑 Discard", Data: tgui.Data(content.NSAdmin, "discard", "")},
		}})
		sendOpt := teleOpts(opt)
		sendOpt.ReplyMarkup = rm
		return c.Send("Looks like this:\n\n"+preview, sendOpt)
	case stepAnnounce:
		eventID := d.announceEventID
		h.setDraft(from.ID, nil)
		return h.announceToParticipants(c, eventID, text)
	}
	return nil
}

func (h *Handlers) onAdminCallback(c tele.Context, action, payload string) error {
	from := c.Sender()
	if from == nil || !h.isAdmin(from.ID) {
		return c.Respond()
	}

	switch action {
	case "topic":
		d := h.draftFor(from.ID)
		topic, ok := model.ParseTopic(payload)
		if d == nil || d.step != stepTopic || !ok {
			return c.Respond()
		}
		d.ev.Topic = topic
		d.step = stepFormat
		defer c.Respond()
		return c.Edit("Format?", formatPicker())
	case "format":
		d := h.draftFor(from.ID)
		f := model.Format(payload)
		if d == nil || d.step != stepFormat || !f.Valid() {
			return c.Respond()
		}
		d.ev.Format = f
		d.step = stepWhen
		defer c.Respond()
		return c.Edit("When does it start? (YYYY-MM-DD HH:MM, " + h.location().String() + ")")
	case "publish":
		d := h.draftFor(from.ID)
		if d == nil || d.step != stepConfirm {
			return c.Respond()
		}
		h.setDraft(from.ID, nil)
		return h.publishEvent(c, d.ev)
	case "discard":
		h.setDraft(from.ID, nil)
		defer c.Respond()
		return c.Edit("Draft discarded.")
	case "cancel":
		id, ok := tgui.PayloadID(payload)
		if !ok {
			return c.Respond()
		}
		rm := telegram.InlineKeyboard([][]transport.Button{{
			{Text: "Yes, cancel it", Data: tgui.DataID(content.NSAdmin, "cancelok", id)},
			{Text: "Keep it", Data: tgui.Data(content.NSAdmin, "cancelno", "")},
		}})
		defer c.Respond()
		return c.Edit("Cancel this event? Every attendee will be notified and all scheduled reminders dropped.", rm)
	case "cancelok":
		id, ok := tgui.PayloadID(payload)
		if !ok {
			return c.Respond()
		}
		return h.cancelEvent(c, id)
	case "cancelno":
		defer c.Respond()
		return c.Edit("Event kept.")
	case "who":
		id, ok := tgui.PayloadID(payload)
		if !ok {
			return c.Respond()
		}
		defer c.Respond()
		return h.listParticipants(c, id)
	case "csv":
		id, ok := tgui.PayloadID(payload)
		if !ok {
			return c.Respond()
		}
		defer c.Respond()
		return h.exportParticipants(c, id)
	case "ann":
		id, ok := tgui.PayloadID(payload)
		if !ok {
			return c.Respond()
		}
		h.setDraft(from.ID, &draft{step: stepAnnounce, announceEventID: id})
		defer c.Respond()
		return c.Edit("Send the announcement text; it goes to every active attendee.")
	}
	return c.Respond()
}

func (h *Handlers) publishEvent(c tele.Context, ev model.Event) error {
	ctx, cancel := h.ctx()
	defer cancel()

	created, err := h.store.CreateEvent(ctx, ev)
	if err != nil {
		h.log.Error("event create failed", logx.Err(err))
		return c.Respond(&tele.CallbackResponse{Text: "Something went wrong."})
	}

	subs, err := h.store.SubscribersByTopic(ctx, created.Topic)
	if err != nil {
		h.log.Error("topic subscriber list failed",
			logx.Int64("event", created.ID), logx.Err(err))
		subs = nil
	}
	if len(subs) > 0 {
		text, opt := content.NewEventAnnouncement(created, h.location())
		recipients := make([]broadcast.Recipient, 0, len(subs))
		for _, s := range subs {
			recipients = append(recipients, broadcast.Recipient{
				Target: transport.ChatTarget{ChatID: s.TelegramID},
			})
		}
		go h.bcast.Send(context.Background(), "announce:"+strconv.FormatInt(created.ID, 10), recipients, text, opt)
	}

	defer c.Respond()
	return c.Edit(fmt.Sprintf("Published #%d: %s. Announcing to %d subscriber(s).",
		created.ID, created.Title, len(subs)))
}

func (h *Handlers) cancelEvent(c tele.Context, eventID int64) error {
	ctx, cancel := h.ctx()
	defer cancel()

	ev, attendees, err := h.eng.CancelEvent(ctx, eventID)
	if err != nil {
		return h.respondErr(c, err, "This event is gone.")
	}

	if len(attendees) > 0 {
		text, opt := content.CancellationNotice(ev, h.location())
		recipients := make([]broadcast.Recipient, 0, len(attendees))
		for _, a := range attendees {
			// Registrations are already retired by the cancel; no
			// RegistrationID, so a blocked recipient is just skipped.
			recipients = append(recipients, broadcast.Recipient{
				Target: transport.ChatTarget{ChatID: a.ChatID},
			})
		}
		go h.bcast.Send(context.Background(), "cancel:"+strconv.FormatInt(eventID, 10), recipients, text, opt)
	}

	defer c.Respond()
	return c.Edit(fmt.Sprintf("Cancelled %q. Notifying %d attendee(s).", ev.Title, len(attendees)))
}

func (h *Handlers) announceToParticipants(c tele.Context, eventID int64, text string) error {
	ctx, cancel := h.ctx()
	defer cancel()

	attendees, err := h.store.ActiveRegistrations(ctx, eventID)
	if err != nil {
		return h.respondErr(c, err, "This event is gone.")
	}
	if len(attendees) == 0 {
		return c.Send("No active attendees to notify.")
	}

	recipients := make([]broadcast.Recipient, 0, len(attendees))
	for _, a := range attendees {
		recipients = append(recipients, broadcast.Recipient{
			Target:         transport.ChatTarget{ChatID: a.ChatID},
			RegistrationID: a.RegistrationID,
		})
	}
	msg := tgui.Lines(tgui.B("Event update"), tgui.Esc(text)).String()
	go h.bcast.Send(context.Background(), "update:"+strconv.FormatInt(eventID, 10), recipients, msg,
		&transport.SendOptions{HTML: true, DisablePreview: true})

	return c.Send(fmt.Sprintf("Sending to %d attendee(s).", len(attendees)))
}

func (h *Handlers) listParticipants(c tele.Context, eventID int64) error {
	ctx, cancel := h.ctx()
	defer cancel()

	ev, err := h.store.Event(ctx, eventID)
	if err != nil {
		return h.respondErr(c, err, "This event is gone.")
	}
	attendees, err := h.store.ActiveRegistrations(ctx, eventID)
	if err != nil {
		return h.respondErr(c, err, "This event is gone.")
	}

	parts := []tgui.H{tgui.B(fmt.Sprintf("%s — %d registered", ev.Title, len(attendees)))}
	for i, a := range attendees {
		label := strings.TrimSpace(a.FirstName)
		if a.Username != "" {
			label += " @" + a.Username
		}
		if strings.TrimSpace(label) == "" {
			label = strconv.FormatInt(a.ChatID, 10)
		}
		parts = append(parts, tgui.Esc(fmt.Sprintf("%d. %s", i+1, strings.TrimSpace(label))))
	}
	rm := telegram.InlineKeyboard([][]transport.Button{{
		{Text: "📄 Export CSV", Data: tgui.DataID(content.NSAdmin, "csv", eventID)},
		{Text: "📣 Announce", Data: tgui.DataID(content.NSAdmin, "ann", eventID)},
	}})
	sendOpt := &tele.SendOptions{ParseMode: tele.ModeHTML, ReplyMarkup: rm}
	if c.Callback() != nil {
		return c.Edit(tgui.Lines(parts...).String(), sendOpt)
	}
	return c.Send(tgui.Lines(parts...).String(), sendOpt)
}

func (h *Handlers) exportParticipants(c tele.Context, eventID int64) error {
	ctx, cancel := h.ctx()
	defer cancel()

	ev, err := h.store.Event(ctx, eventID)
	if err != nil {
		return h.respondErr(c, err, "This event is gone.")
	}
	attendees, err := h.store.ActiveRegistrations(ctx, eventID)
	if err != nil {
		return h.respondErr(c, err, "This event is gone.")
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"chat_id", "username", "first_name", "registered_at"})
	for _, a := range attendees {
		_ = w.Write([]string{
			strconv.FormatInt(a.ChatID, 10),
			a.Username,
			a.FirstName,
			a.RegisteredAt.UTC().Format(time.RFC3339),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		h.log.Error("csv export failed", logx.Int64("event", eventID), logx.Err(err))
		return c.Send("Something went wrong, please try again.")
	}

	doc := &tele.Document{
		File:     tele.FromReader(bytes.NewReader(buf.Bytes())),
		FileName: fmt.Sprintf("participants-%d.csv", eventID),
		MIME:     "text/csv",
		Caption:  fmt.Sprintf("%s: %d registered", ev.Title, len(attendees)),
	}
	return c.Send(doc)
}

// onCancelEvent, onParticipants and onAnnounce all start with the same
// upcoming-event picker, differing only in the follow-up action.
func (h *Handlers) onCancelEvent(c tele.Context) error {
	return h.eventPicker(c, "cancel", "Which event should be cancelled?")
}

func (h *Handlers) onParticipants(c tele.Context) error {
	return h.eventPicker(c, "who", "Participants of which event?")
}

func (h *Handlers) onAnnounce(c tele.Context) error {
	return h.eventPicker(c, "ann", "Announce to attendees of which event?")
}

func (h *Handlers) eventPicker(c tele.Context, action, prompt string) error {
	from := c.Sender()
	if from == nil || !h.isAdmin(from.ID) {
		return nil
	}
	ctx, cancel := h.ctx()
	defer cancel()

	events, err := h.store.UpcomingEvents(ctx, h.eng.Now(), 25)
	if err != nil {
		h.log.Error("event list failed", logx.Err(err))
		return c.Send("Something went wrong, please try again.")
	}
	if len(events) == 0 {
		return c.Send("No upcoming events.")
	}

	loc := h.location()
	rows := make([][]transport.Button, 0, len(events))
	for _, ev := range events {
		rows = append(rows, []transport.Button{
			{Text: content.EventCard(ev, loc), Data: tgui.DataID(content.NSAdmin, action, ev.ID)},
		})
	}
	return c.Send(prompt, telegram.InlineKeyboard(rows))
}

func topicPicker() *tele.ReplyMarkup {
	rows := make([][]transport.Button, 0, len(model.Topics()))
	for _, t := range model.Topics() {
		rows = append(rows, []transport.Button{{
			Text: topicLabel(t),
			Data: tgui.Data(content.NSAdmin, "topic", string(t)),
		}})
	}
	return telegram.InlineKeyboard(rows)
}

func formatPicker() *tele.ReplyMarkup {
	return telegram.InlineKeyboard([][]transport.Button{{
		{Text: "Online", Data: tgui.Data(content.NSAdmin, "format", string(model.FormatOnline))},
		{Text: "Offline", Data: tgui.Data(content.NSAdmin, "format", string(model.FormatOffline))},
	}})
}

func dashEmpty(s string) string {
	if s == "-" {
		return ""
	}
	return s
}
