package broadcast

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"eventbot/internal/transport"
	logx "eventbot/pkg/logx"
)

type Config struct {
	Workers    int
	RatePerSec int
}

// Recipient is one fan-out target. RegistrationID is non-zero when the
// recipient is tied to a specific registration, enabling automatic
// retirement on permanent failure.
type Recipient struct {
	Target         transport.ChatTarget
	RegistrationID int64
}

// Tally is the per-job delivery summary.
type Tally struct {
	Sent      int
	Blocked   int
	Transient int
}

func (t Tally) Total() int { return t.Sent + t.Blocked + t.Transient }

// OnBlockedFunc retires the registration of a permanently unreachable
// recipient. Best-effort: failures are logged, not propagated.
type OnBlockedFunc func(ctx context.Context, registrationID int64) error

type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	deliver   transport.Deliverer
	onBlocked OnBlockedFunc
	log       logx.Logger
}

func New(cfg Config, deliver transport.Deliverer, onBlocked OnBlockedFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{deliver: deliver, onBlocked: onBlocked, log: log}
	s.Apply(cfg)
	return s
}

// Apply swaps the worker/rate configuration at runtime.
func (s *Service) Apply(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

// Deliver sends to a single recipient through the shared rate limiter
// and returns the classified error (transport.ErrBlocked wrapped for
// permanent failures, anything else transient).
func (s *Service) Deliver(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) error {
	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()
	if err := lim.Wait(ctx); err != nil {
		return err
	}
	return s.deliver.SendText(ctx, to, text, opt)
}

// Send fans text out to every recipient and blocks until the job is
// done. Recipient failures are isolated; the tally reports the split.
func (s *Service) Send(ctx context.Context, name string, recipients []Recipient, text string, opt *transport.SendOptions) Tally {
	start := time.Now()
	s.mu.Lock()
	workers := s.cfg.Workers
	s.mu.Unlock()
	if workers > len(recipients) {
		workers = len(recipients)
	}
	if workers < 1 {
		workers = 1
	}

	s.log.Info("broadcast started",
		logx.String("job", name), logx.Int("total", len(recipients)))

	var (
		tmu   sync.Mutex
		tally Tally
	)
	queue := make(chan Recipient)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in broadcast worker",
						logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			for rcpt := range queue {
				out := s.sendOne(ctx, name, rcpt, text, opt)
				tmu.Lock()
				switch out {
				case outcomeSent:
					tally.Sent++
				case outcomeBlocked:
					tally.Blocked++
				default:
					tally.Transient++
				}
				tmu.Unlock()
			}
		}()
	}

feed:
	for _, rcpt := range recipients {
		select {
		case queue <- rcpt:
		case <-ctx.Done():
			// Remaining recipients count as transient; the job is cut short.
			tmu.Lock()
			tally.Transient++
			tmu.Unlock()
			continue feed
		}
	}
	close(queue)
	wg.Wait()

	fields := []logx.Field{
		logx.String("job", name),
		logx.Int("sent", tally.Sent),
		logx.Int("blocked", tally.Blocked),
		logx.Int("transient", tally.Transient),
		logx.Duration("dur", time.Since(start)),
	}
	if tally.Blocked > 0 || tally.Transient > 0 {
		s.log.Warn("broadcast finished with failures", fields...)
	} else {
		s.log.Info("broadcast finished", fields...)
	}
	return tally
}

type sendOutcome int

const (
	outcomeSent sendOutcome = iota
	outcomeBlocked
	outcomeTransient
)

func (s *Service) sendOne(ctx context.Context, job string, rcpt Recipient, text string, opt *transport.SendOptions) sendOutcome {
	err := s.Deliver(ctx, rcpt.Target, text, opt)
	if err == nil {
		return outcomeSent
	}
	if transport.IsBlocked(err) {
		s.log.Warn("recipient permanently unreachable",
			logx.String("job", job), logx.Int64("chat_id", rcpt.Target.ChatID), logx.Err(err))
		if rcpt.RegistrationID != 0 && s.onBlocked != nil {
			if uerr := s.onBlocked(ctx, rcpt.RegistrationID); uerr != nil {
				s.log.Error("auto-unregister of blocked recipient failed",
					logx.Int64("registration", rcpt.RegistrationID), logx.Err(uerr))
			}
		}
		return outcomeBlocked
	}
	s.log.Warn("broadcast send failed",
		logx.String("job", job), logx.Int64("chat_id", rcpt.Target.ChatID), logx.Err(err))
	return outcomeTransient
}
