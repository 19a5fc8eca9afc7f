package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"eventbot/internal/model"
	logx "eventbot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedSubscriber(t *testing.T, st Store, id int64) model.Subscriber {
	t.Helper()
	sub, err := st.UpsertSubscriber(context.Background(), model.Subscriber{
		TelegramID: id, Username: "user", FirstName: "Test",
	})
	if err != nil {
		t.Fatalf("upsert subscriber: %v", err)
	}
	return sub
}

func seedEvent(t *testing.T, st Store, startsAt time.Time) model.Event {
	t.Helper()
	ev, err := st.CreateEvent(context.Background(), model.Event{
		Title:    "Go meetup",
		Topic:    model.TopicIT,
		Format:   model.FormatOffline,
		StartsAt: startsAt,
		Location: "Main hall",
	})
	if err != nil {
		t.Fatalf("create event: %v", err)
	}
	return ev
}

func TestRegisterMaterializesObligations(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	start := now.Add(48 * time.Hour)

	seedSubscriber(t, st, 100)
	ev := seedEvent(t, st, start)

	reg, err := st.Register(ctx, 100, ev.ID, model.DefaultOffsets(), now)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.Status != model.RegistrationActive {
		t.Fatalf("status = %s", reg.Status)
	}

	pending, err := st.PendingReminders(ctx, reg.ID)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending obligations, got %d", len(pending))
	}
	kinds := map[model.Kind]bool{}
	for _, r := range pending {
		kinds[r.Kind] = true
		if !r.FireAt.Before(start) {
			t.Fatalf("%s fires at %v, not before event start %v", r.Kind, r.FireAt, start)
		}
	}
	if !kinds[model.KindLongLead] || !kinds[model.KindImminent] {
		t.Fatalf("missing a kind: %v", kinds)
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedSubscriber(t, st, 100)
	ev := seedEvent(t, st, now.Add(48*time.Hour))

	first, err := st.Register(ctx, 100, ev.ID, model.DefaultOffsets(), now)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	second, err := st.Register(ctx, 100, ev.ID, model.DefaultOffsets(), now)
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("registration duplicated: %d vs %d", first.ID, second.ID)
	}
	pending, _ := st.PendingReminders(ctx, first.ID)
	if len(pending) != 2 {
		t.Fatalf("obligations duplicated: %d", len(pending))
	}
}

func TestRegisterReactivatesAfterCancel(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedSubscriber(t, st, 100)
	ev := seedEvent(t, st, now.Add(48*time.Hour))

	reg, err := st.Register(ctx, 100, ev.ID, model.DefaultOffsets(), now)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := st.Unregister(ctx, 100, ev.ID, now); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if got, _ := st.PendingReminders(ctx, reg.ID); len(got) != 0 {
		t.Fatalf("pending after unregister: %d", len(got))
	}

	again, err := st.Register(ctx, 100, ev.ID, model.DefaultOffsets(), now)
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if again.ID != reg.ID {
		t.Fatalf("expected row reuse, got new id %d (was %d)", again.ID, reg.ID)
	}
	if again.Status != model.RegistrationActive {
		t.Fatalf("status = %s", again.Status)
	}
	pending, _ := st.PendingReminders(ctx, reg.ID)
	if len(pending) != 2 {
		t.Fatalf("expected fresh obligations, got %d", len(pending))
	}
}

func TestRegisterRejectsCancelledOrMissingEvent(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedSubscriber(t, st, 100)
	ev := seedEvent(t, st, now.Add(48*time.Hour))
	if _, err := st.CancelEvent(ctx, ev.ID, now); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if _, err := st.Register(ctx, 100, ev.ID, model.DefaultOffsets(), now); !errors.Is(err, ErrEventCancelled) {
		t.Fatalf("err = %v, want ErrEventCancelled", err)
	}
	if _, err := st.Register(ctx, 100, 9999, model.DefaultOffsets(), now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := st.Register(ctx, 555, ev.ID, model.DefaultOffsets(), now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown subscriber err = %v, want ErrNotFound", err)
	}
}

func TestUnregisterIsIdempotentAndSuppresses(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedSubscriber(t, st, 100)
	ev := seedEvent(t, st, now.Add(48*time.Hour))
	reg, _ := st.Register(ctx, 100, ev.ID, model.DefaultOffsets(), now)

	pending, _ := st.PendingReminders(ctx, reg.ID)
	if len(pending) != 2 {
		t.Fatalf("setup: %d pending", len(pending))
	}

	if _, err := st.Unregister(ctx, 100, ev.ID, now); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	// Second time is a no-op, not an error.
	got, err := st.Unregister(ctx, 100, ev.ID, now)
	if err != nil {
		t.Fatalf("repeat unregister: %v", err)
	}
	if got.Status != model.RegistrationCancelled {
		t.Fatalf("status = %s", got.Status)
	}

	// Each suppressed obligation carries exactly one outcome row.
	for _, r := range pending {
		outs, err := st.Outcomes(ctx, r.ID)
		if err != nil {
			t.Fatalf("outcomes: %v", err)
		}
		if len(outs) != 1 || outs[0].Outcome != model.OutcomeSuppressed {
			t.Fatalf("reminder %d outcomes = %+v", r.ID, outs)
		}
	}
}

func TestCancelEventSuppressesAndRetires(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedSubscriber(t, st, 100)
	seedSubscriber(t, st, 200)
	ev := seedEvent(t, st, now.Add(48*time.Hour))
	st.Register(ctx, 100, ev.ID, model.DefaultOffsets(), now)
	st.Register(ctx, 200, ev.ID, model.DefaultOffsets(), now)

	n, err := st.CancelEvent(ctx, ev.ID, now)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if n != 4 {
		t.Fatalf("suppressed = %d, want 4", n)
	}

	got, err := st.Event(ctx, ev.ID)
	if err != nil || !got.Cancelled {
		t.Fatalf("event after cancel: %+v err=%v", got, err)
	}
	attendees, _ := st.ActiveRegistrations(ctx, ev.ID)
	if len(attendees) != 0 {
		t.Fatalf("active registrations after cancel: %d", len(attendees))
	}

	if _, err := st.CancelEvent(ctx, ev.ID, now); !errors.Is(err, ErrAlreadyCancelled) {
		t.Fatalf("second cancel err = %v", err)
	}
}

func TestDueRemindersSelectionAndOrder(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedSubscriber(t, st, 100)
	// Starts in 20h: long-lead (24h before) is already due, imminent is not.
	ev := seedEvent(t, st, now.Add(20*time.Hour))
	reg, _ := st.Register(ctx, 100, ev.ID, model.DefaultOffsets(), now)

	due, err := st.DueReminders(ctx, now, 0)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("due = %d, want 1", len(due))
	}
	d := due[0]
	if d.Kind != model.KindLongLead || d.RegistrationID != reg.ID || d.ChatID != 100 {
		t.Fatalf("unexpected due reminder: %+v", d)
	}
	if d.Event.ID != ev.ID || d.Event.Title != ev.Title {
		t.Fatalf("event payload missing: %+v", d.Event)
	}

	// Once the window passes the event start, both obligations are due,
	// oldest fire time first.
	due, err = st.DueReminders(ctx, now.Add(21*time.Hour), 0)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("due = %d, want 2", len(due))
	}
	if due[0].Kind != model.KindLongLead || due[1].Kind != model.KindImminent {
		t.Fatalf("order: %s, %s", due[0].Kind, due[1].Kind)
	}

	// Limit caps the batch.
	due, _ = st.DueReminders(ctx, now.Add(21*time.Hour), 1)
	if len(due) != 1 {
		t.Fatalf("limited due = %d, want 1", len(due))
	}
}

func TestDueRemindersSkipDeadOwners(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedSubscriber(t, st, 100)
	ev := seedEvent(t, st, now.Add(10*time.Hour))
	st.Register(ctx, 100, ev.ID, model.DefaultOffsets(), now)

	if got, _ := st.DueReminders(ctx, now, 0); len(got) != 1 {
		t.Fatalf("setup: due = %d", len(got))
	}
	if _, err := st.Unregister(ctx, 100, ev.ID, now); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if got, _ := st.DueReminders(ctx, now, 0); len(got) != 0 {
		t.Fatalf("due after unregister = %d, want 0", len(got))
	}
}

func TestClaimReminderExactlyOnce(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedSubscriber(t, st, 100)
	ev := seedEvent(t, st, now.Add(10*time.Hour))
	st.Register(ctx, 100, ev.ID, model.DefaultOffsets(), now)
	due, _ := st.DueReminders(ctx, now, 0)
	if len(due) != 1 {
		t.Fatalf("setup: due = %d", len(due))
	}
	id := due[0].ReminderID

	// Many concurrent claimers; exactly one wins.
	const claimers = 16
	var wg sync.WaitGroup
	wins := make(chan bool, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.ClaimReminder(ctx, id)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for ok := range wins {
		if ok {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("claim won %d times, want exactly 1", won)
	}
}

func TestClaimLostForRetiredRegistration(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedSubscriber(t, st, 100)
	ev := seedEvent(t, st, now.Add(10*time.Hour))
	reg, _ := st.Register(ctx, 100, ev.ID, model.DefaultOffsets(), now)
	due, _ := st.DueReminders(ctx, now, 0)
	id := due[0].ReminderID

	// The obligation died (suppressed) between selection and claim.
	if _, err := st.UnregisterByID(ctx, reg.ID, now); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	ok, err := st.ClaimReminder(ctx, id)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok {
		t.Fatal("claim should be lost after suppression")
	}
}

func TestDeadLetterReminders(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedSubscriber(t, st, 100)
	// Event started in the past: both fire times are long gone.
	ev := seedEvent(t, st, now.Add(-2*time.Hour))
	reg, _ := st.Register(ctx, 100, ev.ID, model.DefaultOffsets(), now)

	n, err := st.DeadLetterReminders(ctx, now.Add(-time.Hour), now)
	if err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	if n != 2 {
		t.Fatalf("dead lettered = %d, want 2", n)
	}
	if got, _ := st.PendingReminders(ctx, reg.ID); len(got) != 0 {
		t.Fatalf("pending after sweep: %d", len(got))
	}

	// Sweep is idempotent.
	n, err = st.DeadLetterReminders(ctx, now.Add(-time.Hour), now)
	if err != nil || n != 0 {
		t.Fatalf("second sweep: n=%d err=%v", n, err)
	}
}

func TestUpcomingEventsExcludesCancelledAndPast(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	past := seedEvent(t, st, now.Add(-time.Hour))
	soon := seedEvent(t, st, now.Add(time.Hour))
	later := seedEvent(t, st, now.Add(48*time.Hour))
	dead := seedEvent(t, st, now.Add(24*time.Hour))
	st.CancelEvent(ctx, dead.ID, now)

	events, err := st.UpcomingEvents(ctx, now, 0)
	if err != nil {
		t.Fatalf("upcoming: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("upcoming = %d, want 2", len(events))
	}
	if events[0].ID != soon.ID || events[1].ID != later.ID {
		t.Fatalf("order: %d, %d", events[0].ID, events[1].ID)
	}
	for _, ev := range events {
		if ev.ID == past.ID || ev.ID == dead.ID {
			t.Fatalf("unexpected event %d in upcoming list", ev.ID)
		}
	}
}

func TestSetTopicAndSubscribersByTopic(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	seedSubscriber(t, st, 100)
	seedSubscriber(t, st, 200)

	sub, err := st.SetTopic(ctx, 100, model.TopicBooks, false)
	if err != nil {
		t.Fatalf("set topic: %v", err)
	}
	if sub.Subscribed(model.TopicBooks) {
		t.Fatal("books should be off")
	}

	books, err := st.SubscribersByTopic(ctx, model.TopicBooks)
	if err != nil {
		t.Fatalf("by topic: %v", err)
	}
	if len(books) != 1 || books[0].TelegramID != 200 {
		t.Fatalf("books subscribers: %+v", books)
	}

	if _, err := st.SetTopic(ctx, 999, model.TopicIT, true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown subscriber err = %v", err)
	}
}

func TestSubscriberRegistrationsView(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedSubscriber(t, st, 100)
	a := seedEvent(t, st, now.Add(72*time.Hour))
	b := seedEvent(t, st, now.Add(24*time.Hour))
	c := seedEvent(t, st, now.Add(48*time.Hour))
	st.Register(ctx, 100, a.ID, model.DefaultOffsets(), now)
	st.Register(ctx, 100, b.ID, model.DefaultOffsets(), now)
	st.Register(ctx, 100, c.ID, model.DefaultOffsets(), now)
	st.Unregister(ctx, 100, c.ID, now)

	regs, err := st.SubscriberRegistrations(ctx, 100)
	if err != nil {
		t.Fatalf("registrations: %v", err)
	}
	if len(regs) != 2 {
		t.Fatalf("registrations = %d, want 2", len(regs))
	}
	// Sorted by event start.
	if regs[0].Event.ID != b.ID || regs[1].Event.ID != a.ID {
		t.Fatalf("order: %d, %d", regs[0].Event.ID, regs[1].Event.ID)
	}
}

func TestUpsertSubscriberKeepsTopicChoices(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	seedSubscriber(t, st, 100)
	if _, err := st.SetTopic(ctx, 100, model.TopicSport, false); err != nil {
		t.Fatalf("set topic: %v", err)
	}

	// Re-running /start must not reset notification choices.
	sub, err := st.UpsertSubscriber(ctx, model.Subscriber{TelegramID: 100, Username: "renamed", FirstName: "New"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if sub.Subscribed(model.TopicSport) {
		t.Fatal("sport toggle was reset by upsert")
	}
	if sub.Username != "renamed" || sub.FirstName != "New" {
		t.Fatalf("profile not refreshed: %+v", sub)
	}
}
