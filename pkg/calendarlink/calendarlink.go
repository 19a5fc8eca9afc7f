// Package calendarlink builds "add to calendar" URLs for Google and
// Yandex calendars from event data.
package calendarlink

import (
	"net/url"
	"strings"
	"time"
)

// DefaultDuration is assumed when the event has no explicit end time.
const DefaultDuration = 2 * time.Hour

// Entry is the calendar-relevant slice of an event.
type Entry struct {
	Title       string
	StartsAt    time.Time // UTC
	Location    string
	Description string
}

// Google returns a Google Calendar event-creation URL.
func Google(e Entry) string {
	start := e.StartsAt.UTC()
	end := start.Add(DefaultDuration)

	// Google expects compact UTC timestamps: YYYYMMDDTHHMMSSZ.
	const layout = "20060102T150405Z"
	q := url.Values{}
	q.Set("action", "TEMPLATE")
	q.Set("text", e.Title)
	q.Set("dates", start.Format(layout)+"/"+end.Format(layout))
	q.Set("location", e.Location)
	if d := strings.TrimSpace(e.Description); d != "" {
		q.Set("details", d)
	}
	return "https://calendar.google.com/calendar/render?" + q.Encode()
}

// Yandex returns a Yandex Calendar event-creation URL.
func Yandex(e Entry) string {
	start := e.StartsAt.UTC()
	end := start.Add(DefaultDuration)

	const layout = "2006-01-02T15:04:05"
	q := url.Values{}
	q.Set("startTs", start.Format(layout))
	q.Set("endTs", end.Format(layout))
	q.Set("name", e.Title)
	q.Set("where", e.Location)
	if d := strings.TrimSpace(e.Description); d != "" {
		q.Set("description", d)
	}
	return "https://calendar.yandex.ru/event?" + q.Encode()
}
