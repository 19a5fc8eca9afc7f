// Package transport defines the delivery capability consumed by the
// dispatch loop and the broadcaster, independent of the concrete
// messaging platform.
package transport

import (
	"context"
	"errors"
)

// ChatTarget addresses one recipient chat.
type ChatTarget struct {
	ChatID int64
}

// Button is one inline keyboard button. Data and URL are mutually
// exclusive; Data buttons carry "ns:action:payload" callback data.
type Button struct {
	Text string
	Data string
	URL  string
}

type SendOptions struct {
	HTML           bool
	DisablePreview bool
	Keyboard       [][]Button
}

// Deliverer sends one message to one recipient. Implementations classify
// permanent recipient failures by wrapping ErrBlocked; any other non-nil
// error (including deadline expiry) is a transient failure.
type Deliverer interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
}

// ErrBlocked marks a permanent delivery failure: the recipient has
// blocked or deleted their identity and can never be reached again.
var ErrBlocked = errors.New("recipient blocked")

// IsBlocked reports whether err is a permanent recipient failure.
func IsBlocked(err error) bool { return errors.Is(err, ErrBlocked) }
