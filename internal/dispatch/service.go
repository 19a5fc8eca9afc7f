package dispatch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "eventbot/pkg/logx"
)

type Service struct {
	mu    sync.Mutex
	cfg   Config
	sched cron.Schedule

	store  Store
	sender Sender
	ledger Ledger
	render Renderer
	log    logx.Logger
	now    func() time.Time

	stopCh   chan struct{}
	stopDone chan struct{}
	wg       sync.WaitGroup

	tickMu sync.Mutex // held for the duration of one tick; TryLock = overlap control
}

func New(cfg Config, store Store, sender Sender, ledger Ledger, render Renderer, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	sched, err := parseTickSpec(cfg.TickSpec)
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:    cfg,
		sched:  sched,
		store:  store,
		sender: sender,
		ledger: ledger,
		render: render,
		log:    log,
		now:    time.Now,
	}, nil
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.BatchLimit < 0 {
		c.BatchLimit = 0
	}
	return c
}

// parseTickSpec accepts a bare Go duration or a cron spec (5/6 field,
// @every, @hourly, ...).
func parseTickSpec(raw string) (cron.Schedule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "30s"
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return cron.Every(d), nil
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return parser.Parse(raw)
}

// Apply swaps the runtime configuration. A changed tick spec takes
// effect when the next trigger is computed.
func (s *Service) Apply(cfg Config) error {
	sched, err := parseTickSpec(cfg.TickSpec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.sched = sched
	s.mu.Unlock()
	return nil
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		s.log.Info("dispatch disabled")
		return
	}
	stopCh := make(chan struct{})
	s.stopCh = stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, stopCh)
	}()
	s.log.Info("dispatch started", logx.String("tick", s.cfg.TickSpec))
}

// Stop signals the loop and waits for an in-flight tick to finish, up to
// the ctx deadline. A started tick always runs to completion; there is
// no cancellation token for it.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	stopCh := s.stopCh
	s.stopCh = nil
	s.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("dispatch stopped")
	case <-ctx.Done():
		s.log.Warn("dispatch stop timed out; tick still running")
	}
}

func (s *Service) run(ctx context.Context, stopCh <-chan struct{}) {
	for {
		s.mu.Lock()
		sched := s.sched
		s.mu.Unlock()

		now := s.now()
		next := sched.Next(now)
		tmr := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			tmr.Stop()
			return
		case <-stopCh:
			tmr.Stop()
			return
		case <-tmr.C:
		}

		// No overlapping ticks: if the previous one is still running,
		// this trigger is skipped entirely.
		if !s.tickMu.TryLock() {
			s.log.Debug("tick skipped; previous tick still running")
			continue
		}
		s.Tick(ctx)
		s.tickMu.Unlock()
	}
}
