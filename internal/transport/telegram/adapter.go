// Package telegram implements the transport.Deliverer capability on top
// of the Telegram Bot API via telebot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"eventbot/internal/transport"
	logx "eventbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	SendTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot *tele.Bot

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

// Bot exposes the underlying telebot instance so the handler layer can
// attach routes before Start.
func (a *Adapter) Bot() *tele.Bot { return a.bot }

func (a *Adapter) Start(ctx context.Context) {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return
	}
	a.running = true
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runWG.Add(1)
	a.runMu.Unlock()

	go func() {
		defer a.runWG.Done()
		go func() {
			<-rctx.Done()
			a.bot.Stop()
		}()
		a.log.Info("polling started")
		a.bot.Start() // blocks until Stop() called
	}()
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()

	// Grace window: keep shutdown snappy even if the long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		a.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		a.log.Warn("telegram stop grace elapsed; continuing shutdown")
		return nil
	}
}

// SendText delivers one message. The call is bounded by the ctx deadline
// and by cfg.SendTimeout, whichever is shorter; expiry classifies as a
// transient failure (plain error).
func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) error {
	if a.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.SendTimeout)
		defer cancel()
	}

	chat := &tele.Chat{ID: to.ChatID}
	sendOpt := SendOpts(opt)

	// telebot's Send has no context support; bound it ourselves.
	errCh := make(chan error, 1)
	go func() {
		_, err := a.bot.Send(chat, text, sendOpt)
		errCh <- err
	}()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		return fmt.Errorf("telegram send: %w", ctx.Err())
	}
	if err == nil {
		return nil
	}
	if isBlockedErr(err) {
		return fmt.Errorf("telegram send to %d: %w: %v", to.ChatID, transport.ErrBlocked, err)
	}
	return fmt.Errorf("telegram send to %d: %w", to.ChatID, err)
}

// SendOpts maps transport send options to telebot's. The handler layer
// uses it too, so rendered content carries identical formatting whether
// it goes out through the dispatcher or as a direct reply.
func SendOpts(opt *transport.SendOptions) *tele.SendOptions {
	if opt == nil {
		return &tele.SendOptions{}
	}
	out := &tele.SendOptions{DisableWebPagePreview: opt.DisablePreview}
	if opt.HTML {
		out.ParseMode = tele.ModeHTML
	}
	if len(opt.Keyboard) > 0 {
		out.ReplyMarkup = InlineKeyboard(opt.Keyboard)
	}
	return out
}

// InlineKeyboard maps transport button rows to a telebot inline markup.
func InlineKeyboard(rows [][]transport.Button) *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{}
	keyboard := make([][]tele.InlineButton, 0, len(rows))
	for _, row := range rows {
		btns := make([]tele.InlineButton, 0, len(row))
		for _, b := range row {
			btns = append(btns, tele.InlineButton{Text: b.Text, Data: b.Data, URL: b.URL})
		}
		keyboard = append(keyboard, btns)
	}
	rm.InlineKeyboard = keyboard
	return rm
}

// isBlockedErr reports whether the Telegram error means the recipient is
// permanently unreachable (blocked the bot, deleted the account, or the
// chat is gone).
func isBlockedErr(err error) bool {
	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrChatNotFound),
		errors.Is(err, tele.ErrNotStartedByUser):
		return true
	}
	// Telegram reports the whole class as 403 Forbidden; match the
	// description as a fallback for variants telebot has no sentinel for.
	return strings.Contains(err.Error(), "Forbidden:")
}
