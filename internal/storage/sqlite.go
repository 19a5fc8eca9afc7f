package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"eventbot/internal/model"
	logx "eventbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Subscribers ----

const subscriberCols = `telegram_id, COALESCE(username,''), first_name, notify_it, notify_sport, notify_books, created_at`

func (s *sqliteStore) UpsertSubscriber(ctx context.Context, sub model.Subscriber) (model.Subscriber, error) {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO subscribers (telegram_id, username, first_name, created_at)
		 VALUES (?,?,?,?)
		 ON CONFLICT(telegram_id) DO UPDATE SET
		     username = excluded.username,
		     first_name = excluded.first_name
		 RETURNING `+subscriberCols,
		sub.TelegramID, nullStr(sub.Username), sub.FirstName, msec(sub.CreatedAt),
	)
	return scanSubscriber(row)
}

func (s *sqliteStore) Subscriber(ctx context.Context, telegramID int64) (model.Subscriber, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriberCols+` FROM subscribers WHERE telegram_id = ?`, telegramID)
	sub, err := scanSubscriber(row)
	if err == sql.ErrNoRows {
		return model.Subscriber{}, ErrNotFound
	}
	return sub, err
}

func (s *sqliteStore) SetTopic(ctx context.Context, telegramID int64, topic model.Topic, enabled bool) (model.Subscriber, error) {
	col, ok := topicColumn(topic)
	if !ok {
		return model.Subscriber{}, fmt.Errorf("unknown topic %q", topic)
	}
	row := s.db.QueryRowContext(ctx,
		`UPDATE subscribers SET `+col+` = ? WHERE telegram_id = ? RETURNING `+subscriberCols,
		boolInt(enabled), telegramID,
	)
	sub, err := scanSubscriber(row)
	if err == sql.ErrNoRows {
		return model.Subscriber{}, ErrNotFound
	}
	return sub, err
}

func (s *sqliteStore) SubscribersByTopic(ctx context.Context, topic model.Topic) ([]model.Subscriber, error) {
	col, ok := topicColumn(topic)
	if !ok {
		return nil, fmt.Errorf("unknown topic %q", topic)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriberCols+` FROM subscribers WHERE `+col+` = 1 ORDER BY telegram_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// topicColumn maps the closed topic enum to its column. Never built from
// user input without the Valid() check.
func topicColumn(t model.Topic) (string, bool) {
	switch t {
	case model.TopicIT:
		return "notify_it", true
	case model.TopicSport:
		return "notify_sport", true
	case model.TopicBooks:
		return "notify_books", true
	}
	return "", false
}

// ---- Events ----

const eventCols = `id, title, topic, format, starts_at, location, description, organizer_contact, cancelled, created_at`

func (s *sqliteStore) CreateEvent(ctx context.Context, ev model.Event) (model.Event, error) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO events (title, topic, format, starts_at, location, description, organizer_contact, created_at)
		 VALUES (?,?,?,?,?,?,?,?)
		 RETURNING `+eventCols,
		ev.Title, string(ev.Topic), string(ev.Format), msec(ev.StartsAt),
		ev.Location, ev.Description, ev.OrganizerContact, msec(ev.CreatedAt),
	)
	return scanEvent(row)
}

func (s *sqliteStore) Event(ctx context.Context, id int64) (model.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventCols+` FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return model.Event{}, ErrNotFound
	}
	return ev, err
}

func (s *sqliteStore) UpcomingEvents(ctx context.Context, now time.Time, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventCols+` FROM events
		 WHERE starts_at > ? AND cancelled = 0
		 ORDER BY starts_at ASC LIMIT ?`,
		msec(now), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CancelEvent(ctx context.Context, id int64, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var cancelled int
	err = tx.QueryRowContext(ctx, `SELECT cancelled FROM events WHERE id = ?`, id).Scan(&cancelled)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if cancelled != 0 {
		return 0, ErrAlreadyCancelled
	}

	if _, err := tx.ExecContext(ctx, `UPDATE events SET cancelled = 1 WHERE id = ?`, id); err != nil {
		return 0, err
	}

	// Suppress every pending obligation owned through this event, then
	// retire the registrations themselves.
	n, err := suppressPendingTx(ctx, tx,
		`registration_id IN (SELECT id FROM registrations WHERE event_id = ?)`,
		"event cancelled", now, id)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE registrations SET status = 'cancelled' WHERE event_id = ? AND status = 'active'`, id); err != nil {
		return 0, err
	}

	return n, tx.Commit()
}

// ---- Registrations ----

func (s *sqliteStore) Register(ctx context.Context, subscriberID, eventID int64, off model.Offsets, now time.Time) (model.Registration, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Registration{}, err
	}
	defer tx.Rollback()

	var startsAt int64
	var cancelled int
	err = tx.QueryRowContext(ctx, `SELECT starts_at, cancelled FROM events WHERE id = ?`, eventID).
		Scan(&startsAt, &cancelled)
	if err == sql.ErrNoRows {
		return model.Registration{}, ErrNotFound
	}
	if err != nil {
		return model.Registration{}, err
	}
	if cancelled != 0 {
		return model.Registration{}, ErrEventCancelled
	}

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM subscribers WHERE telegram_id = ?`, subscriberID).Scan(&exists)
	if err == sql.ErrNoRows {
		return model.Registration{}, ErrNotFound
	}
	if err != nil {
		return model.Registration{}, err
	}

	reg := model.Registration{SubscriberID: subscriberID, EventID: eventID, Status: model.RegistrationActive}
	var status string
	var createdAt int64
	err = tx.QueryRowContext(ctx,
		`SELECT id, status, created_at FROM registrations WHERE subscriber_id = ? AND event_id = ?`,
		subscriberID, eventID,
	).Scan(&reg.ID, &status, &createdAt)
	switch {
	case err == sql.ErrNoRows:
		reg.CreatedAt = now
		err = tx.QueryRowContext(ctx,
			`INSERT INTO registrations (subscriber_id, event_id, status, created_at)
			 VALUES (?,?, 'active', ?) RETURNING id`,
			subscriberID, eventID, msec(now),
		).Scan(&reg.ID)
		if err != nil {
			return model.Registration{}, err
		}
	case err != nil:
		return model.Registration{}, err
	default:
		reg.CreatedAt = fromMsec(createdAt)
		if status == string(model.RegistrationActive) {
			// Already registered; obligations exist, nothing to do.
			return reg, tx.Commit()
		}
		// Reactivation: the old row is reused (never duplicated) and the
		// obligations are re-materialized from scratch.
		if _, err := tx.ExecContext(ctx,
			`UPDATE registrations SET status = 'active' WHERE id = ?`, reg.ID); err != nil {
			return model.Registration{}, err
		}
		if _, err := suppressPendingTx(ctx, tx, `registration_id = ?`, "re-registration", now, reg.ID); err != nil {
			return model.Registration{}, err
		}
	}

	for _, r := range model.Materialize(reg.ID, fromMsec(startsAt), off) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO reminders (registration_id, kind, fire_at, status) VALUES (?,?,?, 'pending')`,
			r.RegistrationID, string(r.Kind), msec(r.FireAt),
		); err != nil {
			return model.Registration{}, err
		}
	}

	return reg, tx.Commit()
}

func (s *sqliteStore) Unregister(ctx context.Context, subscriberID, eventID int64, now time.Time) (model.Registration, error) {
	return s.unregisterWhere(ctx, `subscriber_id = ? AND event_id = ?`, now, subscriberID, eventID)
}

func (s *sqliteStore) UnregisterByID(ctx context.Context, registrationID int64, now time.Time) (model.Registration, error) {
	return s.unregisterWhere(ctx, `id = ?`, now, registrationID)
}

func (s *sqliteStore) unregisterWhere(ctx context.Context, where string, now time.Time, args ...any) (model.Registration, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Registration{}, err
	}
	defer tx.Rollback()

	var reg model.Registration
	var status string
	var createdAt int64
	err = tx.QueryRowContext(ctx,
		`SELECT id, subscriber_id, event_id, status, created_at FROM registrations WHERE `+where,
		args...,
	).Scan(&reg.ID, &reg.SubscriberID, &reg.EventID, &status, &createdAt)
	if err == sql.ErrNoRows {
		return model.Registration{}, ErrNotFound
	}
	if err != nil {
		return model.Registration{}, err
	}
	reg.CreatedAt = fromMsec(createdAt)
	reg.Status = model.RegistrationCancelled
	if status == string(model.RegistrationCancelled) {
		// Idempotent no-op.
		return reg, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE registrations SET status = 'cancelled' WHERE id = ?`, reg.ID); err != nil {
		return model.Registration{}, err
	}
	if _, err := suppressPendingTx(ctx, tx, `registration_id = ?`, "registration cancelled", now, reg.ID); err != nil {
		return model.Registration{}, err
	}

	return reg, tx.Commit()
}

func (s *sqliteStore) Registration(ctx context.Context, subscriberID, eventID int64) (model.Registration, error) {
	var reg model.Registration
	var status string
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, subscriber_id, event_id, status, created_at
		 FROM registrations WHERE subscriber_id = ? AND event_id = ?`,
		subscriberID, eventID,
	).Scan(&reg.ID, &reg.SubscriberID, &reg.EventID, &status, &createdAt)
	if err == sql.ErrNoRows {
		return model.Registration{}, ErrNotFound
	}
	if err != nil {
		return model.Registration{}, err
	}
	reg.Status = model.RegistrationStatus(status)
	reg.CreatedAt = fromMsec(createdAt)
	return reg, nil
}

func (s *sqliteStore) ActiveRegistrations(ctx context.Context, eventID int64) ([]Attendee, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, u.telegram_id, COALESCE(u.username,''), u.first_name, r.created_at
		 FROM registrations r
		 JOIN subscribers u ON u.telegram_id = r.subscriber_id
		 WHERE r.event_id = ? AND r.status = 'active'
		 ORDER BY r.created_at`,
		eventID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attendee
	for rows.Next() {
		var a Attendee
		var createdAt int64
		if err := rows.Scan(&a.RegistrationID, &a.ChatID, &a.Username, &a.FirstName, &createdAt); err != nil {
			return nil, err
		}
		a.RegisteredAt = fromMsec(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ActiveRegistrationCount(ctx context.Context, eventID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM registrations WHERE event_id = ? AND status = 'active'`, eventID).Scan(&n)
	return n, err
}

func (s *sqliteStore) SubscriberRegistrations(ctx context.Context, subscriberID int64) ([]RegisteredEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.subscriber_id, r.event_id, r.status, r.created_at,
		        e.id, e.title, e.topic, e.format, e.starts_at, e.location, e.description, e.organizer_contact, e.cancelled, e.created_at
		 FROM registrations r
		 JOIN events e ON e.id = r.event_id
		 WHERE r.subscriber_id = ? AND r.status = 'active' AND e.cancelled = 0
		 ORDER BY e.starts_at`,
		subscriberID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RegisteredEvent
	for rows.Next() {
		var re RegisteredEvent
		var regStatus string
		var regCreated, starts, evCreated int64
		var evCancelled int
		if err := rows.Scan(
			&re.Registration.ID, &re.Registration.SubscriberID, &re.Registration.EventID, &regStatus, &regCreated,
			&re.Event.ID, &re.Event.Title, &re.Event.Topic, &re.Event.Format, &starts,
			&re.Event.Location, &re.Event.Description, &re.Event.OrganizerContact, &evCancelled, &evCreated,
		); err != nil {
			return nil, err
		}
		re.Registration.Status = model.RegistrationStatus(regStatus)
		re.Registration.CreatedAt = fromMsec(regCreated)
		re.Event.StartsAt = fromMsec(starts)
		re.Event.Cancelled = evCancelled != 0
		re.Event.CreatedAt = fromMsec(evCreated)
		out = append(out, re)
	}
	return out, rows.Err()
}

// ---- Reminders ----

func (s *sqliteStore) DueReminders(ctx context.Context, now time.Time, limit int) ([]DueReminder, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT sr.id, sr.registration_id, sr.kind, sr.fire_at, r.subscriber_id,
		        e.id, e.title, e.topic, e.format, e.starts_at, e.location, e.description, e.organizer_contact, e.cancelled, e.created_at
		 FROM reminders sr
		 JOIN registrations r ON r.id = sr.registration_id
		 JOIN events e ON e.id = r.event_id
		 WHERE sr.fire_at <= ? AND sr.status = 'pending'
		   AND r.status = 'active' AND e.cancelled = 0
		 ORDER BY sr.fire_at ASC
		 LIMIT ?`,
		msec(now), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DueReminder
	for rows.Next() {
		var d DueReminder
		var kind string
		var fireAt, starts, evCreated int64
		var evCancelled int
		if err := rows.Scan(
			&d.ReminderID, &d.RegistrationID, &kind, &fireAt, &d.ChatID,
			&d.Event.ID, &d.Event.Title, &d.Event.Topic, &d.Event.Format, &starts,
			&d.Event.Location, &d.Event.Description, &d.Event.OrganizerContact, &evCancelled, &evCreated,
		); err != nil {
			return nil, err
		}
		d.Kind = model.Kind(kind)
		d.FireAt = fromMsec(fireAt)
		d.Event.StartsAt = fromMsec(starts)
		d.Event.Cancelled = evCancelled != 0
		d.Event.CreatedAt = fromMsec(evCreated)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ClaimReminder(ctx context.Context, reminderID int64) (bool, error) {
	// Single conditional UPDATE: the claim is the only synchronization
	// primitive shared by dispatcher instances.
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET status = 'sent'
		 WHERE id = ? AND status = 'pending'
		   AND EXISTS (
		       SELECT 1 FROM registrations r
		       JOIN events e ON e.id = r.event_id
		       WHERE r.id = reminders.registration_id
		         AND r.status = 'active' AND e.cancelled = 0
		   )`,
		reminderID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) DeadLetterReminders(ctx context.Context, cutoff, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	n, err := suppressPendingOutcomeTx(ctx, tx, `fire_at < ?`, model.OutcomeDeadLetter,
		"fire time too far past", now, msec(cutoff))
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func (s *sqliteStore) PendingReminders(ctx context.Context, registrationID int64) ([]model.Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, registration_id, kind, fire_at, status
		 FROM reminders WHERE registration_id = ? AND status = 'pending'
		 ORDER BY fire_at`,
		registrationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Reminder
	for rows.Next() {
		var r model.Reminder
		var kind, status string
		var fireAt int64
		if err := rows.Scan(&r.ID, &r.RegistrationID, &kind, &fireAt, &status); err != nil {
			return nil, err
		}
		r.Kind = model.Kind(kind)
		r.FireAt = fromMsec(fireAt)
		r.Status = model.ReminderStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecordOutcome(ctx context.Context, reminderID int64, outcome model.Outcome, detail string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminder_outcomes (reminder_id, outcome, detail, at) VALUES (?,?,?,?)`,
		reminderID, string(outcome), detail, msec(now),
	)
	return err
}

func (s *sqliteStore) Outcomes(ctx context.Context, reminderID int64) ([]OutcomeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT reminder_id, outcome, detail, at FROM reminder_outcomes
		 WHERE reminder_id = ? ORDER BY at`,
		reminderID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutcomeRecord
	for rows.Next() {
		var rec OutcomeRecord
		var outcome string
		var at int64
		if err := rows.Scan(&rec.ReminderID, &outcome, &rec.Detail, &at); err != nil {
			return nil, err
		}
		rec.Outcome = model.Outcome(outcome)
		rec.At = fromMsec(at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// suppressPendingTx finalizes pending reminders matched by where as
// suppressed, recording one outcome row per reminder.
func suppressPendingTx(ctx context.Context, tx *sql.Tx, where, detail string, now time.Time, args ...any) (int, error) {
	return suppressPendingOutcomeTx(ctx, tx, where, model.OutcomeSuppressed, detail, now, args...)
}

func suppressPendingOutcomeTx(ctx context.Context, tx *sql.Tx, where string, outcome model.Outcome, detail string, now time.Time, args ...any) (int, error) {
	insArgs := append([]any{string(outcome), detail, msec(now)}, args...)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO reminder_outcomes (reminder_id, outcome, detail, at)
		 SELECT id, ?, ?, ? FROM reminders WHERE status = 'pending' AND `+where,
		insArgs...,
	); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE reminders SET status = 'suppressed' WHERE status = 'pending' AND `+where,
		args...,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ---- Scan helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscriber(row rowScanner) (model.Subscriber, error) {
	var sub model.Subscriber
	var it, sport, books int
	var createdAt int64
	err := row.Scan(&sub.TelegramID, &sub.Username, &sub.FirstName, &it, &sport, &books, &createdAt)
	if err != nil {
		return model.Subscriber{}, err
	}
	sub.NotifyIT = it != 0
	sub.NotifySport = sport != 0
	sub.NotifyBooks = books != 0
	sub.CreatedAt = fromMsec(createdAt)
	return sub, nil
}

func scanEvent(row rowScanner) (model.Event, error) {
	var ev model.Event
	var topic, format string
	var starts, createdAt int64
	var cancelled int
	err := row.Scan(&ev.ID, &ev.Title, &topic, &format, &starts,
		&ev.Location, &ev.Description, &ev.OrganizerContact, &cancelled, &createdAt)
	if err != nil {
		return model.Event{}, err
	}
	ev.Topic = model.Topic(topic)
	ev.Format = model.Format(format)
	ev.StartsAt = fromMsec(starts)
	ev.Cancelled = cancelled != 0
	ev.CreatedAt = fromMsec(createdAt)
	return ev, nil
}

func msec(t time.Time) int64      { return t.UnixMilli() }
func fromMsec(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
