package tgui

import "testing"

func TestDataSplitRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		ns, action, payload string
		want                string
	}{
		{"evt", "show", "5", "evt:show:5"},
		{"evt", "list", "", "evt:list"},
		{"adm", "topic", "it", "adm:topic:it"},
	}
	for _, tt := range tests {
		got := Data(tt.ns, tt.action, tt.payload)
		if got != tt.want {
			t.Fatalf("Data = %q, want %q", got, tt.want)
		}
		ns, action, payload := Split(got)
		if ns != tt.ns || action != tt.action || payload != tt.payload {
			t.Fatalf("Split(%q) = %q %q %q", got, ns, action, payload)
		}
	}
}

func TestSplitKeepsColonsInPayload(t *testing.T) {
	t.Parallel()
	ns, action, payload := Split("evt:open:https://example.com")
	if ns != "evt" || action != "open" || payload != "https://example.com" {
		t.Fatalf("got %q %q %q", ns, action, payload)
	}
}

func TestDataID(t *testing.T) {
	t.Parallel()
	if got := DataID("rem", "ok", 42); got != "rem:ok:42" {
		t.Fatalf("DataID = %q", got)
	}
	id, ok := PayloadID("42")
	if !ok || id != 42 {
		t.Fatalf("PayloadID = %d, %v", id, ok)
	}
	if _, ok := PayloadID("nope"); ok {
		t.Fatal("expected parse failure")
	}
}

func TestEscEscapesHTML(t *testing.T) {
	t.Parallel()
	if got := Esc(`<b>&"'`); got == "" || got == `<b>&"'` {
		t.Fatalf("Esc did not escape: %q", got)
	}
	if got := B("a<b"); got != "<b>a&lt;b</b>" {
		t.Fatalf("B = %q", got)
	}
}

func TestLinesJoins(t *testing.T) {
	t.Parallel()
	got := Lines(Esc("a"), Raw(""), Esc("b"))
	if got.String() != "a\n\nb" {
		t.Fatalf("Lines = %q", got)
	}
}
