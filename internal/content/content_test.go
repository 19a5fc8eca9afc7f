package content

import (
	"strings"
	"testing"
	"time"

	"eventbot/internal/model"
	"eventbot/internal/storage"
	"eventbot/internal/transport"
)

func sampleEvent() model.Event {
	return model.Event{
		ID:       5,
		Title:    "Go & <generics>",
		Topic:    model.TopicIT,
		Format:   model.FormatOffline,
		StartsAt: time.Date(2026, 9, 12, 16, 0, 0, 0, time.UTC),
		Location: "Main hall",
	}
}

func TestRenderLongLeadCarriesDecision(t *testing.T) {
	t.Parallel()
	r := NewRenderer(time.UTC)
	due := storage.DueReminder{RegistrationID: 42, Kind: model.KindLongLead, Event: sampleEvent()}

	text, opt := r.Render(model.KindLongLead, due)

	if !strings.Contains(text, "Go &amp; &lt;generics&gt;") {
		t.Fatalf("title not escaped: %q", text)
	}
	if opt == nil || !opt.HTML {
		t.Fatal("expected HTML send options")
	}
	var confirm, decline bool
	for _, row := range opt.Keyboard {
		for _, b := range row {
			switch b.Data {
			case "rem:ok:42":
				confirm = true
			case "rem:no:42":
				decline = true
			}
		}
	}
	if !confirm || !decline {
		t.Fatalf("decision buttons missing: %+v", opt.Keyboard)
	}
}

func TestRenderImminentCarriesLocation(t *testing.T) {
	t.Parallel()
	r := NewRenderer(time.UTC)
	due := storage.DueReminder{Kind: model.KindImminent, Event: sampleEvent()}

	text, opt := r.Render(model.KindImminent, due)

	if !strings.Contains(text, "Main hall") {
		t.Fatalf("location missing: %q", text)
	}
	if len(opt.Keyboard) != 0 {
		t.Fatalf("imminent reminder should carry no buttons: %+v", opt.Keyboard)
	}
}

func TestRenderImminentOnlineShowsJoinLink(t *testing.T) {
	t.Parallel()
	r := NewRenderer(time.UTC)
	ev := sampleEvent()
	ev.Format = model.FormatOnline
	ev.Location = "https://meet.example.com/xyz"

	text, _ := r.Render(model.KindImminent, storage.DueReminder{Kind: model.KindImminent, Event: ev})

	if !strings.Contains(text, "Join link: https://meet.example.com/xyz") {
		t.Fatalf("join link missing: %q", text)
	}
}

func TestRendererDisplayTimezone(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+3", 3*60*60)
	r := NewRenderer(loc)

	text, _ := r.Render(model.KindImminent, storage.DueReminder{Kind: model.KindImminent, Event: sampleEvent()})

	// 16:00 UTC renders as 19:00 in the display zone.
	if !strings.Contains(text, "19:00") {
		t.Fatalf("time not converted to display zone: %q", text)
	}

	r.Apply(time.UTC)
	text, _ = r.Render(model.KindImminent, storage.DueReminder{Kind: model.KindImminent, Event: sampleEvent()})
	if !strings.Contains(text, "16:00") {
		t.Fatalf("Apply did not swap zone: %q", text)
	}
}

func TestCancellationNotice(t *testing.T) {
	t.Parallel()
	text, opt := CancellationNotice(sampleEvent(), time.UTC)
	if !strings.Contains(text, "Cancelled:") {
		t.Fatalf("missing header: %q", text)
	}
	if !opt.HTML {
		t.Fatal("expected HTML mode")
	}
}

func TestNewEventAnnouncementHasSignup(t *testing.T) {
	t.Parallel()
	_, opt := NewEventAnnouncement(sampleEvent(), time.UTC)

	found := false
	for _, row := range opt.Keyboard {
		for _, b := range row {
			if b.Data == "evt:reg:5" {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("sign-up button missing: %+v", opt.Keyboard)
	}
}

func TestEventDetailActionFollowsRegistration(t *testing.T) {
	t.Parallel()
	_, opt := EventDetail(sampleEvent(), time.UTC, false, 3)
	if !hasData(opt.Keyboard, "evt:reg:5") {
		t.Fatal("expected sign-up action for unregistered viewer")
	}
	_, opt = EventDetail(sampleEvent(), time.UTC, true, 3)
	if !hasData(opt.Keyboard, "evt:unreg:5") {
		t.Fatal("expected cancel action for registered viewer")
	}
}

func hasData(rows [][]transport.Button, data string) bool {
	for _, row := range rows {
		for _, b := range row {
			if b.Data == data {
				return true
			}
		}
	}
	return false
}
