package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"remindbot/internal/cron"
	"remindbot/internal/scheduler"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

// cancelInput aborts any pending conversation step.
const cancelInput = "."

type wizardState int

const (
	stateIdle wizardState = iota
	stateAwaitingMessage
	stateAwaitingCron
)

func (s wizardState) String() string {
	switch s {
	case stateAwaitingMessage:
		return "awaiting_message"
	case stateAwaitingCron:
		return "awaiting_cron"
	default:
		return "idle"
	}
}

// conversation is the pending step of one chat. JobID is empty while a new
// task is being created.
type conversation struct {
	State   wizardState
	JobID   string
	Text    string
	expires time.Time
}

type wizards struct {
	ttl time.Duration
	now func() time.Time

	mu sync.Mutex
	m  map[int64]conversation
}

func newWizards(ttl time.Duration, now func() time.Time) *wizards {
	return &wizards{ttl: ttl, now: now, m: map[int64]conversation{}}
}

// get returns the chat's conversation; expired ones read as idle.
func (w *wizards) get(chatID int64) conversation {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.m[chatID]
	if !ok {
		return conversation{}
	}
	if !w.now().Before(c.expires) {
		delete(w.m, chatID)
		return conversation{}
	}
	return c
}

func (w *wizards) set(chatID int64, c conversation) {
	if c.State == stateIdle {
		w.reset(chatID)
		return
	}
	c.expires = w.now().Add(w.ttl)
	w.mu.Lock()
	w.m[chatID] = c
	w.mu.Unlock()
}

func (w *wizards) reset(chatID int64) {
	w.mu.Lock()
	delete(w.m, chatID)
	w.mu.Unlock()
}

// sweep drops expired conversations and returns how many.
func (w *wizards) sweep() int {
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for id, c := range w.m {
		if !now.Before(c.expires) {
			delete(w.m, id)
			n++
		}
	}
	return n
}

// handleText advances the chat's conversation with a plain text message.
func (r *Router) handleText(ctx context.Context, req *Request) error {
	conv := r.wiz.get(req.Chat.ChatID)
	req.Logger.Debug("wizard step", logx.String("state", conv.State.String()))

	switch conv.State {
	case stateAwaitingMessage:
		return r.stepEditMessage(ctx, req, conv)
	case stateAwaitingCron:
		return r.stepCron(ctx, req, conv)
	default:
		r.wiz.set(req.Chat.ChatID, conversation{State: stateAwaitingCron, Text: req.Text})
		return r.sendHTML(ctx, req.Chat, cronHelp())
	}
}

func (r *Router) stepEditMessage(ctx context.Context, req *Request, conv conversation) error {
	chat := req.Chat.ChatID
	if req.Text == cancelInput {
		r.wiz.reset(chat)
		return r.send(ctx, req.Chat, msgEditMessageCancelled)
	}
	job, err := r.deps.Scheduler.ModifyJob(ctx, conv.JobID, req.Text)
	r.wiz.reset(chat)
	switch {
	case errors.Is(err, scheduler.ErrNotFound):
		return r.send(ctx, req.Chat, msgTaskNotFound)
	case err != nil:
		_ = r.send(ctx, req.Chat, msgTryLater)
		return err
	}
	return r.sendHTML(ctx, req.Chat, taskSavedView(msgTaskMessageUpdated, job, r.deps.Scheduler.Location()))
}

func (r *Router) stepCron(ctx context.Context, req *Request, conv conversation) error {
	chat := req.Chat.ChatID
	if req.Text == cancelInput {
		r.wiz.reset(chat)
		if conv.JobID == "" {
			return r.send(ctx, req.Chat, msgCreationCancelled)
		}
		return r.send(ctx, req.Chat, msgEditCronCancelled)
	}

	expr := strings.ToLower(req.Text)
	var (
		job  scheduler.Job
		err  error
		done string
	)
	if conv.JobID == "" {
		job, err = r.deps.Scheduler.AddJob(ctx, expr, chat, conv.Text)
		done = msgTaskAdded
	} else {
		job, err = r.deps.Scheduler.ModifyTrigger(ctx, conv.JobID, expr)
		done = msgTaskScheduleUpdated
	}

	switch {
	case cron.IsParseError(err):
		// Keep the pending text and ask again.
		r.wiz.set(chat, conv)
		req.Logger.Debug("invalid cron input", logx.String("expr", expr), logx.Err(err))
		if err := r.send(ctx, req.Chat, msgInvalidCron); err != nil {
			return err
		}
		return r.sendHTML(ctx, req.Chat, cronHelp())
	case errors.Is(err, scheduler.ErrNotFound):
		r.wiz.reset(chat)
		return r.send(ctx, req.Chat, msgTaskNotFound)
	case err != nil:
		r.wiz.reset(chat)
		_ = r.send(ctx, req.Chat, msgTryLater)
		return err
	}
	r.wiz.reset(chat)
	return r.sendHTML(ctx, req.Chat, taskSavedView(done, job, r.deps.Scheduler.Location()))
}

func (r *Router) send(ctx context.Context, to kit.ChatTarget, text string) error {
	_, err := r.deps.Adapter.SendText(ctx, to, text, nil)
	return err
}

func (r *Router) sendHTML(ctx context.Context, to kit.ChatTarget, text string) error {
	_, err := r.deps.Adapter.SendText(ctx, to, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}
