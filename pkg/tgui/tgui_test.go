package tgui

import (
	"errors"
	"strings"
	"testing"
)

func TestCallbackData(t *testing.T) {
	t.Parallel()
	tests := []struct {
		data, action, payload string
	}{
		{"list", "list", ""},
		{"info:3f2a", "info", "3f2a"},
		{"edit_cron:a:b", "edit_cron", "a:b"},
		{" delete:x ", "delete", "x"},
	}
	for _, tt := range tests {
		a, p := ParseData(tt.data)
		if a != tt.action || p != tt.payload {
			t.Fatalf("ParseData(%q) = %q, %q", tt.data, a, p)
		}
	}
	if got := Data("info", "id"); got != "info:id" {
		t.Fatalf("Data = %q", got)
	}
	if got := Data("list", ""); got != "list" {
		t.Fatalf("Data = %q", got)
	}
	if _, err := CheckedData("edit_message", strings.Repeat("x", 60)); !errors.Is(err, ErrCallbackDataTooLong) {
		t.Fatalf("CheckedData err = %v", err)
	}
	if _, err := CheckedData("edit_message", "0c3c7a3e-4a8f-4a55-9a6e-1b1e2cfd3a10"); err != nil {
		t.Fatalf("uuid payload rejected: %v", err)
	}
}

func TestHTML(t *testing.T) {
	t.Parallel()
	got := JoinH("\n", Esc("a<b & c"), "", B("Next"), Code("* * * * *")).String()
	want := "a&lt;b &amp; c\n<b>Next</b>\n<code>* * * * *</code>"
	if got != want {
		t.Fatalf("JoinH = %q, want %q", got, want)
	}
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello world", 6, "hello…"},
		{"привет мир", 4, "при…"},
		{"x", 0, ""},
	}
	for _, tt := range tests {
		if got := TruncRunes(tt.in, tt.n); got != tt.want {
			t.Fatalf("TruncRunes(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestInlineMarkup(t *testing.T) {
	t.Parallel()
	kb := NewInline().Row(Btn("◀️", "list"), Btn("❌", "delete:1")).Row()
	if kb.Len() != 1 {
		t.Fatalf("rows = %d", kb.Len())
	}
	rm := kb.Markup()
	if len(rm.InlineKeyboard) != 1 || rm.InlineKeyboard[0][1].Data != "delete:1" {
		t.Fatalf("markup = %+v", rm.InlineKeyboard)
	}
	if empty := NewInline().Markup(); empty.InlineKeyboard == nil || len(empty.InlineKeyboard) != 0 {
		t.Fatalf("empty markup = %+v", empty.InlineKeyboard)
	}
}
