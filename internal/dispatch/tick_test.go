package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"eventbot/internal/model"
	"eventbot/internal/storage"
	"eventbot/internal/transport"
	logx "eventbot/pkg/logx"
)

type stubStore struct {
	mu       sync.Mutex
	due      []storage.DueReminder
	claimed  map[int64]bool
	denied   map[int64]bool // claims that should be lost
	outcomes map[int64]model.Outcome
	swept    int
}

func newStubStore(due ...storage.DueReminder) *stubStore {
	return &stubStore{
		due:      due,
		claimed:  map[int64]bool{},
		denied:   map[int64]bool{},
		outcomes: map[int64]model.Outcome{},
	}
}

func (s *stubStore) DueReminders(_ context.Context, _ time.Time, limit int) ([]storage.DueReminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]storage.DueReminder(nil), s.due...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *stubStore) ClaimReminder(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.denied[id] || s.claimed[id] {
		return false, nil
	}
	s.claimed[id] = true
	return true, nil
}

func (s *stubStore) DeadLetterReminders(_ context.Context, _, _ time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swept++
	return 0, nil
}

func (s *stubStore) RecordOutcome(_ context.Context, id int64, o model.Outcome, _ string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[id] = o
	return nil
}

func (s *stubStore) outcome(id int64) model.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcomes[id]
}

type stubSender struct {
	mu   sync.Mutex
	errs map[int64]error // keyed by chat ID
	sent []int64
}

func (s *stubSender) Deliver(_ context.Context, to transport.ChatTarget, _ string, _ *transport.SendOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.errs[to.ChatID]; ok {
		return err
	}
	s.sent = append(s.sent, to.ChatID)
	return nil
}

func (s *stubSender) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type stubLedger struct {
	mu      sync.Mutex
	retired []int64
}

func (l *stubLedger) UnregisterRegistration(_ context.Context, id int64) (model.Registration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retired = append(l.retired, id)
	return model.Registration{ID: id, Status: model.RegistrationCancelled}, nil
}

type stubRenderer struct{}

func (stubRenderer) Render(k model.Kind, due storage.DueReminder) (string, *transport.SendOptions) {
	return fmt.Sprintf("%s for %s", k, due.Event.Title), nil
}

func dueReminder(id, regID, chatID int64) storage.DueReminder {
	return storage.DueReminder{
		ReminderID:     id,
		RegistrationID: regID,
		Kind:           model.KindLongLead,
		FireAt:         time.Now().Add(-time.Minute),
		ChatID:         chatID,
		Event:          model.Event{ID: 1, Title: "Go meetup"},
	}
}

func newTestService(t *testing.T, cfg Config, st *stubStore, snd *stubSender, led *stubLedger) *Service {
	t.Helper()
	svc, err := New(cfg, st, snd, led, stubRenderer{}, logx.Nop())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestTickDeliversAndFinalizes(t *testing.T) {
	t.Parallel()
	st := newStubStore(dueReminder(1, 10, 100), dueReminder(2, 20, 200))
	snd := &stubSender{}
	svc := newTestService(t, Config{Enabled: true}, st, snd, &stubLedger{})

	svc.Tick(context.Background())

	if snd.sentCount() != 2 {
		t.Fatalf("sent = %d, want 2", snd.sentCount())
	}
	if st.outcome(1) != model.OutcomeSent || st.outcome(2) != model.OutcomeSent {
		t.Fatalf("outcomes: %v, %v", st.outcome(1), st.outcome(2))
	}
}

func TestTickNeverDeliversTwice(t *testing.T) {
	t.Parallel()
	st := newStubStore(dueReminder(1, 10, 100))
	snd := &stubSender{}
	svc := newTestService(t, Config{Enabled: true}, st, snd, &stubLedger{})

	// The stub keeps the reminder in the due list, as a real store would
	// until the claim flips it. The claim must make the second tick a no-op.
	svc.Tick(context.Background())
	svc.Tick(context.Background())

	if snd.sentCount() != 1 {
		t.Fatalf("sent = %d, want 1", snd.sentCount())
	}
}

func TestTickSkipsLostClaims(t *testing.T) {
	t.Parallel()
	st := newStubStore(dueReminder(1, 10, 100))
	st.denied[1] = true
	snd := &stubSender{}
	svc := newTestService(t, Config{Enabled: true}, st, snd, &stubLedger{})

	svc.Tick(context.Background())

	if snd.sentCount() != 0 {
		t.Fatalf("sent = %d, want 0", snd.sentCount())
	}
	if got := st.outcome(1); got != "" {
		t.Fatalf("outcome recorded for unclaimed reminder: %v", got)
	}
}

func TestTickBlockedRecipientRetiresRegistration(t *testing.T) {
	t.Parallel()
	st := newStubStore(dueReminder(1, 10, 100))
	snd := &stubSender{errs: map[int64]error{
		100: fmt.Errorf("send: %w", transport.ErrBlocked),
	}}
	led := &stubLedger{}
	svc := newTestService(t, Config{Enabled: true}, st, snd, led)

	svc.Tick(context.Background())

	if st.outcome(1) != model.OutcomeBlocked {
		t.Fatalf("outcome = %v, want blocked", st.outcome(1))
	}
	if len(led.retired) != 1 || led.retired[0] != 10 {
		t.Fatalf("retired = %v, want [10]", led.retired)
	}
}

func TestTickTransientFailureIsTerminal(t *testing.T) {
	t.Parallel()
	st := newStubStore(dueReminder(1, 10, 100))
	snd := &stubSender{errs: map[int64]error{100: errors.New("timeout")}}
	led := &stubLedger{}
	svc := newTestService(t, Config{Enabled: true}, st, snd, led)

	svc.Tick(context.Background())
	// No retry on later ticks: the claim stands.
	svc.Tick(context.Background())

	if st.outcome(1) != model.OutcomeTransient {
		t.Fatalf("outcome = %v, want transient", st.outcome(1))
	}
	if len(led.retired) != 0 {
		t.Fatalf("transient failure must not retire registrations: %v", led.retired)
	}
	if snd.sentCount() != 0 {
		t.Fatalf("sent = %d, want 0", snd.sentCount())
	}
}

func TestTickRunsDeadLetterSweep(t *testing.T) {
	t.Parallel()
	st := newStubStore()
	svc := newTestService(t, Config{Enabled: true, DeadLetterAfter: time.Hour}, st, &stubSender{}, &stubLedger{})

	svc.Tick(context.Background())

	if st.swept != 1 {
		t.Fatalf("sweeps = %d, want 1", st.swept)
	}
}

func TestTickSweepDisabledByDefault(t *testing.T) {
	t.Parallel()
	st := newStubStore()
	svc := newTestService(t, Config{Enabled: true}, st, &stubSender{}, &stubLedger{})

	svc.Tick(context.Background())

	if st.swept != 0 {
		t.Fatalf("sweeps = %d, want 0", st.swept)
	}
}

func TestParseTickSpecVariants(t *testing.T) {
	t.Parallel()
	valid := []string{"", "30s", "1m", "@every 45s", "*/1 * * * *", "*/30 * * * * *"}
	for _, raw := range valid {
		if _, err := parseTickSpec(raw); err != nil {
			t.Fatalf("parseTickSpec(%q) error: %v", raw, err)
		}
	}
	if _, err := parseTickSpec("often"); err == nil {
		t.Fatal("expected error for invalid spec")
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{}.withDefaults()
	if cfg.Concurrency != 4 {
		t.Fatalf("concurrency = %d, want 4", cfg.Concurrency)
	}
	if cfg.BatchLimit != 0 {
		t.Fatalf("batch limit = %d, want 0", cfg.BatchLimit)
	}
}
