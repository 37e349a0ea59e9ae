package tgui

import (
	tele "gopkg.in/telebot.v4"
)

// Inline builds an inline keyboard.
type Inline struct {
	rm   *tele.ReplyMarkup
	rows []tele.Row
}

func NewInline() *Inline {
	return &Inline{rm: &tele.ReplyMarkup{}}
}

// Row appends one row of buttons. Empty rows are skipped.
func (i *Inline) Row(btn ...tele.Btn) *Inline {
	if len(btn) == 0 {
		return i
	}
	i.rows = append(i.rows, i.rm.Row(btn...))
	i.rm.Inline(i.rows...)
	return i
}

func (i *Inline) Len() int { return len(i.rows) }

// Markup returns the reply markup. A keyboard with no rows yields an empty
// inline keyboard, which removes buttons when used in an edit.
func (i *Inline) Markup() *tele.ReplyMarkup {
	if len(i.rows) == 0 {
		i.rm.InlineKeyboard = [][]tele.InlineButton{}
	}
	return i.rm
}

// Btn creates a callback button with raw callback data.
func Btn(text, data string) tele.Btn {
	return tele.Btn{Text: text, Data: data}
}
