package config

import (
	"fmt"
	"strings"
	"time"

	"eventbot/internal/model"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`

	// Reminders controls how far before an event each reminder kind fires.
	Reminders RemindersConfig `json:"reminders,omitempty"`

	// Dispatch controls the reminder delivery loop.
	Dispatch DispatchConfig `json:"dispatch,omitempty"`

	// Broadcast controls fan-out delivery (cancellation notices,
	// announcements) and the shared send rate.
	Broadcast BroadcastConfig `json:"broadcast,omitempty"`

	// Timezone is the IANA zone used to display event times to users.
	// Storage stays UTC regardless. Default: "UTC".
	Timezone string `json:"timezone,omitempty"`
}

type TelegramConfig struct {
	// Token may be left empty in the file and supplied via the BOT_TOKEN
	// environment variable instead (see Load).
	Token string `json:"token"`
	// AdminUserIDs may create, cancel and announce events.
	AdminUserIDs []int64 `json:"admin_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// SendTimeout bounds a single outgoing API call.
	SendTimeout string `json:"send_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Path string `json:"path"`
	// BusyTimeout is a Go duration string (sqlite busy_timeout).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// RemindersConfig holds the per-kind lead times as Go duration strings.
// Omitted fields fall back to 24h / 15m.
type RemindersConfig struct {
	LongLead string `json:"long_lead,omitempty"`
	Imminent string `json:"imminent,omitempty"`
}

// DispatchConfig controls the delivery loop.
//
// All durations are Go duration strings (e.g. "30s", "1m").
type DispatchConfig struct {
	Enabled *bool `json:"enabled,omitempty"` // nil means enabled
	// Tick is either a bare duration ("30s") or a cron spec ("@every 1m").
	Tick        string `json:"tick,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
	BatchLimit  int    `json:"batch_limit,omitempty"`
	// DeadLetterAfter finalizes obligations still pending this long past
	// their fire time. "0s" or omitted disables the sweep.
	DeadLetterAfter string `json:"dead_letter_after,omitempty"`
}

type BroadcastConfig struct {
	Workers    int `json:"workers,omitempty"`
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// Validate checks the parts that cannot be defaulted away. It is the
// hook the manager runs before committing a live reload.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token: required (file or BOT_TOKEN)")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path: required")
	}
	off, err := c.Offsets()
	if err != nil {
		return err
	}
	if off.Imminent >= off.LongLead {
		return fmt.Errorf("reminders: imminent (%s) must be shorter than long_lead (%s)",
			off.Imminent, off.LongLead)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"telegram.send_timeout", c.Telegram.SendTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"dispatch.dead_letter_after", c.Dispatch.DeadLetterAfter},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

// Offsets resolves the reminder lead times, defaulting omitted kinds.
func (c *Config) Offsets() (model.Offsets, error) {
	def := model.DefaultOffsets()
	long, err := ParseDurationOrDefault("reminders.long_lead", c.Reminders.LongLead, def.LongLead)
	if err != nil {
		return model.Offsets{}, err
	}
	imm, err := ParseDurationOrDefault("reminders.imminent", c.Reminders.Imminent, def.Imminent)
	if err != nil {
		return model.Offsets{}, err
	}
	return model.Offsets{LongLead: long, Imminent: imm}, nil
}

// Location resolves the display timezone.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	return loc, nil
}

// DispatchEnabled reports the effective dispatch toggle (default on).
func (c *Config) DispatchEnabled() bool {
	return c.Dispatch.Enabled == nil || *c.Dispatch.Enabled
}

// IsAdmin reports whether the Telegram user may use admin commands.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.Telegram.AdminUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}
