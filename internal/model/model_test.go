package model

import (
	"testing"
	"time"
)

func TestMaterializeComputesFireTimes(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 9, 12, 19, 0, 0, 0, time.UTC)
	rs := Materialize(7, start, DefaultOffsets())

	if len(rs) != 2 {
		t.Fatalf("expected 2 reminders, got %d", len(rs))
	}
	byKind := map[Kind]Reminder{}
	for _, r := range rs {
		if r.RegistrationID != 7 {
			t.Fatalf("RegistrationID = %d, want 7", r.RegistrationID)
		}
		if r.Status != ReminderPending {
			t.Fatalf("Status = %s, want pending", r.Status)
		}
		byKind[r.Kind] = r
	}
	if got := byKind[KindLongLead].FireAt; !got.Equal(start.Add(-24 * time.Hour)) {
		t.Fatalf("long_lead fires at %v", got)
	}
	if got := byKind[KindImminent].FireAt; !got.Equal(start.Add(-15 * time.Minute)) {
		t.Fatalf("imminent fires at %v", got)
	}
}

func TestMaterializeKeepsPastDueObligations(t *testing.T) {
	t.Parallel()
	// Late sign-up: event starts in 5 minutes, both fire times are
	// already in the past. They must still be materialized.
	start := time.Now().Add(5 * time.Minute)
	rs := Materialize(1, start, DefaultOffsets())
	if len(rs) != 2 {
		t.Fatalf("expected 2 reminders, got %d", len(rs))
	}
	for _, r := range rs {
		if !r.FireAt.Before(time.Now()) {
			t.Fatalf("%s fire time %v should be past", r.Kind, r.FireAt)
		}
	}
}

func TestMaterializeNormalizesToUTC(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+3", 3*60*60)
	start := time.Date(2026, 9, 12, 19, 0, 0, 0, loc)
	for _, r := range Materialize(1, start, DefaultOffsets()) {
		if r.FireAt.Location() != time.UTC {
			t.Fatalf("fire time not UTC: %v", r.FireAt)
		}
	}
}

func TestParseTopic(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want Topic
		ok   bool
	}{
		{"it", TopicIT, true},
		{" Sport ", TopicSport, true},
		{"BOOKS", TopicBooks, true},
		{"music", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseTopic(tt.raw)
		if ok != tt.ok {
			t.Fatalf("ParseTopic(%q) ok = %v, want %v", tt.raw, ok, tt.ok)
		}
		if ok && got != tt.want {
			t.Fatalf("ParseTopic(%q) = %s, want %s", tt.raw, got, tt.want)
		}
	}
}

func TestSubscribedPerTopic(t *testing.T) {
	t.Parallel()
	s := Subscriber{NotifyIT: true, NotifyBooks: false, NotifySport: true}
	if !s.Subscribed(TopicIT) || !s.Subscribed(TopicSport) {
		t.Fatal("expected it and sport subscribed")
	}
	if s.Subscribed(TopicBooks) {
		t.Fatal("books should be off")
	}
	if s.Subscribed(Topic("music")) {
		t.Fatal("unknown topic should never be subscribed")
	}
}

func TestOffsetsLead(t *testing.T) {
	t.Parallel()
	off := Offsets{LongLead: 48 * time.Hour, Imminent: 10 * time.Minute}
	if off.Lead(KindLongLead) != 48*time.Hour {
		t.Fatalf("long lead = %v", off.Lead(KindLongLead))
	}
	if off.Lead(KindImminent) != 10*time.Minute {
		t.Fatalf("imminent = %v", off.Lead(KindImminent))
	}
}
