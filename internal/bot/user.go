package bot

import (
	"errors"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v4"

	"eventbot/internal/content"
	"eventbot/internal/engine"
	"eventbot/internal/model"
	"eventbot/internal/transport"
	"eventbot/internal/transport/telegram"
	logx "eventbot/pkg/logx"
	"eventbot/pkg/tgui"
)

func (h *Handlers) onStart(c tele.Context) error {
	from := c.Sender()
	if from == nil {
		return nil
	}
	ctx, cancel := h.ctx()
	defer cancel()

	_, err := h.store.UpsertSubscriber(ctx, model.Subscriber{
		TelegramID: from.ID,
		Username:   from.Username,
		FirstName:  from.FirstName,
	})
	if err != nil {
		h.log.Error("subscriber upsert failed", logx.Int64("user", from.ID), logx.Err(err))
		return c.Send("Something went wrong, please try again.")
	}

	name := strings.TrimSpace(from.FirstName)
	if name == "" {
		name = "there"
	}
	text := tgui.Lines(
		tgui.Esc("Hi "+name+"! I keep track of community events and remind you before the ones you sign up for."),
		tgui.Raw(""),
		tgui.Esc("Use the menu below to browse events, review your registrations or tune notification topics."),
	)
	return c.Send(text.String(), &tele.SendOptions{ParseMode: tele.ModeHTML, ReplyMarkup: replyMenu()})
}

func (h *Handlers) onEvents(c tele.Context) error {
	return h.showEventList(c, false)
}

func (h *Handlers) showEventList(c tele.Context, edit bool) error {
	ctx, cancel := h.ctx()
	defer cancel()

	events, err := h.store.UpcomingEvents(ctx, h.eng.Now(), 25)
	if err != nil {
		h.log.Error("event list failed", logx.Err(err))
		return c.Send("Something went wrong, please try again.")
	}
	if len(events) == 0 {
		if edit {
			return c.Edit("No upcoming events yet. Check back later!")
		}
		return c.Send("No upcoming events yet. Check back later!")
	}

	loc := h.location()
	rows := make([][]transport.Button, 0, len(events))
	for _, ev := range events {
		rows = append(rows, []transport.Button{
			{Text: content.EventCard(ev, loc), Data: tgui.DataID(content.NSEvent, "show", ev.ID)},
		})
	}
	rm := telegram.InlineKeyboard(rows)

	text := tgui.B("Upcoming events").String()
	if edit {
		return c.Edit(text, &tele.SendOptions{ParseMode: tele.ModeHTML, ReplyMarkup: rm})
	}
	return c.Send(text, &tele.SendOptions{ParseMode: tele.ModeHTML, ReplyMarkup: rm})
}

func (h *Handlers) showEventDetail(c tele.Context, eventID int64) error {
	from := c.Sender()
	if from == nil {
		return nil
	}
	ctx, cancel := h.ctx()
	defer cancel()

	ev, err := h.store.Event(ctx, eventID)
	if err != nil {
		return h.respondErr(c, err, "This event is gone.")
	}
	registered := false
	if reg, err := h.store.Registration(ctx, from.ID, eventID); err == nil {
		registered = reg.Status == model.RegistrationActive
	}
	attendees, err := h.store.ActiveRegistrationCount(ctx, eventID)
	if err != nil {
		h.log.Error("attendee count failed", logx.Int64("event", eventID), logx.Err(err))
	}

	text, opt := content.EventDetail(ev, h.location(), registered, attendees)
	return c.Edit(text, teleOpts(opt))
}

// onEventCallback handles evt:list, evt:show:<id>, evt:reg:<id> and
// evt:unreg:<id>.
func (h *Handlers) onEventCallback(c tele.Context, action, payload string) error {
	switch action {
	case "list":
		defer c.Respond()
		return h.showEventList(c, true)
	case "show":
		id, ok := tgui.PayloadID(payload)
		if !ok {
			return c.Respond()
		}
		defer c.Respond()
		return h.showEventDetail(c, id)
	case "reg", "unreg":
		from := c.Sender()
		id, ok := tgui.PayloadID(payload)
		if from == nil || !ok {
			return c.Respond()
		}
		ctx, cancel := h.ctx()
		defer cancel()

		// Announcements reach users who never pressed /start; make sure
		// the subscriber row exists before touching registrations.
		if _, err := h.store.UpsertSubscriber(ctx, model.Subscriber{
			TelegramID: from.ID,
			Username:   from.Username,
			FirstName:  from.FirstName,
		}); err != nil {
			h.log.Error("subscriber upsert failed", logx.Int64("user", from.ID), logx.Err(err))
			return c.Respond(&tele.CallbackResponse{Text: "Something went wrong."})
		}

		var err error
		note := "You're in! I'll remind you before it starts."
		if action == "reg" {
			_, err = h.eng.Register(ctx, from.ID, id)
		} else {
			_, err = h.eng.Unregister(ctx, from.ID, id)
			note = "Registration cancelled."
		}
		switch {
		case errors.Is(err, engine.ErrEventCancelled):
			return c.Respond(&tele.CallbackResponse{Text: "This event has been cancelled."})
		case errors.Is(err, engine.ErrNotFound):
			return c.Respond(&tele.CallbackResponse{Text: "This event is gone."})
		case err != nil:
			h.log.Error("registration change failed",
				logx.Int64("user", from.ID), logx.Int64("event", id), logx.Err(err))
			return c.Respond(&tele.CallbackResponse{Text: "Something went wrong."})
		}
		if err := h.showEventDetail(c, id); err != nil {
			h.log.Debug("detail refresh failed", logx.Err(err))
		}
		return c.Respond(&tele.CallbackResponse{Text: note})
	}
	return c.Respond()
}

func (h *Handlers) onMyEvents(c tele.Context) error {
	from := c.Sender()
	if from == nil {
		return nil
	}
	ctx, cancel := h.ctx()
	defer cancel()

	regs, err := h.store.SubscriberRegistrations(ctx, from.ID)
	if err != nil {
		h.log.Error("registration list failed", logx.Int64("user", from.ID), logx.Err(err))
		return c.Send("Something went wrong, please try again.")
	}
	if len(regs) == 0 {
		return c.Send("You're not signed up for anything yet. Tap \"" + btnEvents + "\" to browse.")
	}

	loc := h.location()
	rows := make([][]transport.Button, 0, len(regs))
	for _, re := range regs {
		rows = append(rows, []transport.Button{
			{Text: content.EventCard(re.Event, loc), Data: tgui.DataID(content.NSEvent, "show", re.Event.ID)},
		})
	}
	rm := telegram.InlineKeyboard(rows)
	return c.Send(tgui.B("Your events").String(), &tele.SendOptions{ParseMode: tele.ModeHTML, ReplyMarkup: rm})
}

func (h *Handlers) onSettings(c tele.Context) error {
	return h.showSettings(c, false)
}

func (h *Handlers) showSettings(c tele.Context, edit bool) error {
	from := c.Sender()
	if from == nil {
		return nil
	}
	ctx, cancel := h.ctx()
	defer cancel()

	sub, err := h.store.UpsertSubscriber(ctx, model.Subscriber{
		TelegramID: from.ID,
		Username:   from.Username,
		FirstName:  from.FirstName,
	})
	if err != nil {
		h.log.Error("subscriber upsert failed", logx.Int64("user", from.ID), logx.Err(err))
		return c.Send("Something went wrong, please try again.")
	}

	rows := make([][]transport.Button, 0, len(model.Topics()))
	for _, t := range model.Topics() {
		mark := "🔕"
		if sub.Subscribed(t) {
			mark = "🔔"
		}
		rows = append(rows, []transport.Button{{
			Text: fmt.Sprintf("%s %s", mark, topicLabel(t)),
			Data: tgui.Data(content.NSSettings, "toggle", string(t)),
		}})
	}
	rm := telegram.InlineKeyboard(rows)

	text := tgui.Lines(
		tgui.B("Notification topics"),
		tgui.Esc("New-event announcements are sent only for topics you follow. Reminders for events you signed up for always arrive."),
	).String()
	if edit {
		return c.Edit(text, &tele.SendOptions{ParseMode: tele.ModeHTML, ReplyMarkup: rm})
	}
	return c.Send(text, &tele.SendOptions{ParseMode: tele.ModeHTML, ReplyMarkup: rm})
}

func (h *Handlers) onSettingsCallback(c tele.Context, action, payload string) error {
	if action != "toggle" {
		return c.Respond()
	}
	from := c.Sender()
	topic, ok := model.ParseTopic(payload)
	if from == nil || !ok {
		return c.Respond()
	}
	ctx, cancel := h.ctx()
	defer cancel()

	sub, err := h.store.Subscriber(ctx, from.ID)
	if err != nil {
		return h.respondErr(c, err, "Press /start first.")
	}
	if _, err := h.store.SetTopic(ctx, from.ID, topic, !sub.Subscribed(topic)); err != nil {
		h.log.Error("topic toggle failed", logx.Int64("user", from.ID), logx.Err(err))
		return c.Respond(&tele.CallbackResponse{Text: "Something went wrong."})
	}
	defer c.Respond()
	return h.showSettings(c, true)
}

// onReminderCallback handles the confirm/decline buttons on long-lead
// reminders. Declining cancels the registration, which suppresses the
// imminent reminder too.
func (h *Handlers) onReminderCallback(c tele.Context, action, payload string) error {
	regID, ok := tgui.PayloadID(payload)
	if !ok {
		return c.Respond()
	}
	switch action {
	case content.ActConfirm:
		return c.Respond(&tele.CallbackResponse{Text: "Great, see you there!"})
	case content.ActDecline:
		ctx, cancel := h.ctx()
		defer cancel()
		if _, err := h.eng.UnregisterRegistration(ctx, regID); err != nil && !errors.Is(err, engine.ErrNotFound) {
			h.log.Error("decline failed", logx.Int64("registration", regID), logx.Err(err))
			return c.Respond(&tele.CallbackResponse{Text: "Something went wrong."})
		}
		if err := c.Edit(c.Message().Text + "\n\n❌ Registration cancelled."); err != nil {
			h.log.Debug("decline edit failed", logx.Err(err))
		}
		return c.Respond(&tele.CallbackResponse{Text: "Registration cancelled."})
	}
	return c.Respond()
}

func (h *Handlers) respondErr(c tele.Context, err error, notFound string) error {
	if errors.Is(err, engine.ErrNotFound) {
		if c.Callback() != nil {
			return c.Respond(&tele.CallbackResponse{Text: notFound})
		}
		return c.Send(notFound)
	}
	h.log.Error("handler store call failed", logx.Err(err))
	if c.Callback() != nil {
		return c.Respond(&tele.CallbackResponse{Text: "Something went wrong."})
	}
	return c.Send("Something went wrong, please try again.")
}

func topicLabel(t model.Topic) string {
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
