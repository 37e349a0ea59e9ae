package adapter

import (
	"errors"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "remindbot/internal/transport"
)

// textLimit is Telegram's maximum message length in characters.
const textLimit = 4096

// splitText cuts s into chunks of at most limit runes. Cuts prefer a newline,
// then a space, in the last third of the window; with HTML parse mode a cut
// is moved before a dangling '<' so tags are not broken.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	html := strings.EqualFold(parseMode, tele.ModeHTML)

	var out []string
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			if cut := lastBreak(rs, start, end, limit/3); cut > 0 {
				end = cut
			}
			if html {
				if open := danglingTag(rs, start, end); open > start {
					end = open
				}
			}
		}
		chunk := strings.TrimRight(string(rs[start:end]), "\n ")
		if chunk != "" {
			out = append(out, chunk)
		}
		start = end
		for start < len(rs) && (rs[start] == '\n' || rs[start] == ' ') {
			start++
		}
	}
	if len(out) == 0 {
		return []string{""}
	}
	return out
}

// lastBreak returns the index after the last newline (or else space) in
// rs[start:end] that leaves a chunk of at least minLen runes, or -1.
func lastBreak(rs []rune, start, end, minLen int) int {
	for _, sep := range []rune{'\n', ' '} {
		for i := end - 1; i > start; i-- {
			if rs[i] == sep && i-start >= minLen {
				return i + 1
			}
		}
	}
	return -1
}

func danglingTag(rs []rune, start, end int) int {
	open, closed := -1, -1
	for i := start; i < end; i++ {
		switch rs[i] {
		case '<':
			open = i
		case '>':
			closed = i
		}
	}
	if open > closed {
		return open
	}
	return -1
}

// mapError converts the Telegram errors callers act on into transport
// sentinels, keeping the original in the chain.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	var te *tele.Error
	switch {
	case errors.As(err, &te) && te.Code == 403,
		strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "chat not found"),
		strings.Contains(msg, "bot was blocked"):
		return fmt.Errorf("%w: %w", kit.ErrForbidden, err)
	case strings.Contains(msg, "message to delete not found"),
		strings.Contains(msg, "message to edit not found"),
		strings.Contains(msg, "message can't be deleted"),
		strings.Contains(msg, "message_id_invalid"):
		return fmt.Errorf("%w: %w", kit.ErrMessageGone, err)
	}
	return err
}

func isNotModified(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "message is not modified")
}
