package transport

import (
	"context"
	"errors"
)

var (
	// ErrMessageGone is returned by EditText and DeleteMessage when the
	// target message no longer exists.
	ErrMessageGone = errors.New("message not found")
	// ErrForbidden means the bot can no longer write to the chat (blocked,
	// kicked, chat deleted). Retrying does not help.
	ErrForbidden = errors.New("chat not writable")
)

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

// Update is one inbound event from the chat platform.
type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

// Callback is an inline keyboard press. MessageID is the message carrying
// the keyboard.
type Callback struct {
	ID           string
	FromID       int64
	FromUsername string
	ChatID       int64
	ThreadID     int
	MessageID    int
	Data         string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string // "HTML" or empty
	DisablePreview bool
	// ReplyMarkup carries adapter-specific markup (Telegram: *telebot.ReplyMarkup).
	ReplyMarkup any
}

// BotCommand is one entry of the platform command menu.
type BotCommand struct {
	Command     string
	Description string
}

// Sender delivers text. Reminder dispatch only needs this part of Adapter.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

type Adapter interface {
	Sender

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	DeleteMessage(ctx context.Context, ref MessageRef) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
	SetCommands(ctx context.Context, cmds []BotCommand) error
}
