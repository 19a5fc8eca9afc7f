package dispatch

import (
	"context"
	"sync"
	"time"

	"eventbot/internal/model"
	"eventbot/internal/storage"
	"eventbot/internal/transport"
	logx "eventbot/pkg/logx"
)

// Tick runs one full select -> claim -> deliver -> finalize pass. It is
// exported so operators (and tests) can force a pass outside the
// schedule; the loop serializes calls through tickMu.
func (s *Service) Tick(ctx context.Context) {
	start := s.now()

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if cfg.DeadLetterAfter > 0 {
		cutoff := start.Add(-cfg.DeadLetterAfter)
		n, err := s.store.DeadLetterReminders(ctx, cutoff, start)
		if err != nil {
			s.log.Error("dead-letter sweep failed", logx.Err(err))
		} else if n > 0 {
			s.log.Warn("stale obligations dead-lettered", logx.Int("count", n))
		}
	}

	due, err := s.store.DueReminders(ctx, start, cfg.BatchLimit)
	if err != nil {
		s.log.Error("due selection failed", logx.Err(err))
		return
	}
	if len(due) == 0 {
		return
	}
	s.log.Info("processing due obligations", logx.Int("count", len(due)))

	var wg sync.WaitGroup
	sem := make(chan struct{}, cfg.Concurrency)
	for _, d := range due {
		wg.Add(1)
		sem <- struct{}{}
		go func(d storage.DueReminder) {
			defer wg.Done()
			defer func() { <-sem }()
			s.dispatchOne(ctx, d)
		}(d)
	}
	wg.Wait()

	s.log.Debug("tick finished",
		logx.Int("due", len(due)), logx.Duration("dur", time.Since(start)))
}

func (s *Service) dispatchOne(ctx context.Context, d storage.DueReminder) {
	log := s.log.With(
		logx.Int64("reminder", d.ReminderID),
		logx.String("kind", string(d.Kind)),
		logx.Int64("registration", d.RegistrationID),
	)

	// Claim first. Losing the claim is normal: another instance won it,
	// or the owning registration/event died since selection.
	claimed, err := s.store.ClaimReminder(ctx, d.ReminderID)
	if err != nil {
		log.Error("claim failed", logx.Err(err))
		return
	}
	if !claimed {
		log.Debug("claim lost; skipping")
		return
	}

	text, opt := s.render.Render(d.Kind, d)
	err = s.sender.Deliver(ctx, transport.ChatTarget{ChatID: d.ChatID}, text, opt)
	switch {
	case err == nil:
		s.finalize(ctx, d.ReminderID, model.OutcomeSent, "")
		log.Info("reminder delivered")
	case transport.IsBlocked(err):
		// The recipient can never receive future obligations for this
		// registration either; retire it now.
		s.finalize(ctx, d.ReminderID, model.OutcomeBlocked, err.Error())
		if _, uerr := s.ledger.UnregisterRegistration(ctx, d.RegistrationID); uerr != nil {
			log.Error("auto-unregister failed", logx.Err(uerr))
		} else {
			log.Warn("recipient blocked; registration retired", logx.Err(err))
		}
	default:
		// Transient failure after a successful claim is terminal for this
		// obligation: retrying a claimed send risks a duplicate.
		s.finalize(ctx, d.ReminderID, model.OutcomeTransient, err.Error())
		log.Warn("delivery failed; obligation left claimed", logx.Err(err))
	}
}

func (s *Service) finalize(ctx context.Context, reminderID int64, o model.Outcome, detail string) {
	if err := s.store.RecordOutcome(ctx, reminderID, o, detail, s.now()); err != nil {
		s.log.Error("outcome record failed",
			logx.Int64("reminder", reminderID), logx.String("outcome", string(o)), logx.Err(err))
	}
}
