// Package router turns inbound chat updates into scheduler operations.
//
// Updates are sharded by chat id onto a fixed set of workers, so every chat
// sees its own updates handled in arrival order while different chats run
// concurrently. Commands and callbacks go through the same middleware chain.
package router

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"remindbot/internal/executor"
	"remindbot/internal/reminder"
	rtsup "remindbot/internal/runtime/supervisor"
	"remindbot/internal/scheduler"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
	"remindbot/pkg/tgui"
)

// SchedulerPort is the part of the scheduler the handlers use.
type SchedulerPort interface {
	AddJob(ctx context.Context, expr string, chatID int64, taskMessage string) (scheduler.Job, error)
	RemoveJob(ctx context.Context, id string) error
	ModifyJob(ctx context.Context, id, taskMessage string) (scheduler.Job, error)
	ModifyTrigger(ctx context.Context, id, expr string) (scheduler.Job, error)
	GetJob(id string) (scheduler.Job, bool)
	ListJobsForChat(chatID int64) []scheduler.Job
	FormatTrigger(j scheduler.Job) string
	TimeUntil(j scheduler.Job) string
	Location() *time.Location
	Stats() scheduler.Stats
}

// ExecutorStats and DeliveryStats feed /status. Both are optional.
type ExecutorStats interface{ Snapshot() executor.Snapshot }

type DeliveryStats interface{ Stats() reminder.Stats }

type Deps struct {
	Adapter   kit.Adapter
	Scheduler SchedulerPort
	Executor  ExecutorStats
	Delivery  DeliveryStats
}

type Config struct {
	AllowedChatIDs []int64
	Workers        int
	QueueSize      int // per worker
	HandlerTimeout time.Duration
	WizardTTL      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 15 * time.Second
	}
	if c.WizardTTL <= 0 {
		c.WizardTTL = 10 * time.Minute
	}
	return c
}

// Request is one routed update.
type Request struct {
	Update       kit.Update
	Chat         kit.ChatTarget
	FromID       int64
	FromUsername string
	Command      string // "start", "list", "cb:info", "text"
	Text         string // message text, trimmed
	Payload      string // callback payload
	ReqID        string
	Logger       logx.Logger
}

func (r *Request) logger(fallback logx.Logger) logx.Logger {
	if r != nil && !r.Logger.IsZero() {
		return r.Logger
	}
	return fallback
}

// callbackID returns the id of the pressed button, or "".
func (r *Request) callbackID() string {
	if r.Update.Callback == nil {
		return ""
	}
	return r.Update.Callback.ID
}

func (r *Request) messageRef() kit.MessageRef {
	if cb := r.Update.Callback; cb != nil {
		return kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
	}
	return kit.MessageRef{ChatID: r.Chat.ChatID, ThreadID: r.Chat.ThreadID}
}

// Command is a slash command.
type Command struct {
	Name        string
	Description string
	// Public commands skip the allow-list.
	Public bool
	Handle HandlerFunc
}

type CallbackRoute struct {
	Action string
	Handle HandlerFunc
}

type Router struct {
	cfg   Config
	deps  Deps
	log   logx.Logger
	wiz   *wizards
	queue []chan func()

	allowMu sync.RWMutex
	allowed map[int64]struct{}

	commands  map[string]Command
	menu      []Command
	callbacks map[string]CallbackRoute

	busy atomic.Uint64
}

func New(cfg Config, deps Deps, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	r := &Router{
		cfg:  cfg,
		deps: deps,
		log:  log.Named("telegram.router"),
		wiz:  newWizards(cfg.WizardTTL, time.Now),
	}
	r.SetAllowed(cfg.AllowedChatIDs)
	r.register()
	return r
}

func (r *Router) register() {
	r.menu = []Command{
		{Name: "start", Description: "Start the bot", Public: true, Handle: r.cmdStart},
		{Name: "list", Description: "List your tasks", Handle: r.cmdList},
		{Name: "my_id", Description: "Show this chat's ID", Public: true, Handle: r.cmdMyID},
		{Name: "status", Description: "Scheduler status", Handle: r.cmdStatus},
	}
	r.commands = make(map[string]Command, len(r.menu))
	for _, c := range r.menu {
		r.commands[c.Name] = c
	}
	r.callbacks = map[string]CallbackRoute{}
	for _, cb := range []CallbackRoute{
		{Action: actionList, Handle: r.cbList},
		{Action: actionInfo, Handle: r.cbInfo},
		{Action: actionDelete, Handle: r.cbDelete},
		{Action: actionEditMessage, Handle: r.cbEditMessage},
		{Action: actionEditCron, Handle: r.cbEditCron},
	} {
		r.callbacks[cb.Action] = cb
	}
}

// Commands returns the command menu in display order.
func (r *Router) Commands() []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(r.menu))
	for _, c := range r.menu {
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

// SetAllowed replaces the chat allow-list. Safe during hot reload.
func (r *Router) SetAllowed(ids []int64) {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	r.allowMu.Lock()
	r.allowed = m
	r.allowMu.Unlock()
	if len(m) == 0 {
		r.log.Warn("chat allow-list is empty; protected commands are denied for everyone")
	}
}

func (r *Router) isAllowed(chatID int64) bool {
	r.allowMu.RLock()
	_, ok := r.allowed[chatID]
	r.allowMu.RUnlock()
	return ok
}

// Run consumes updates until ctx is done or the channel closes.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	r.queue = make([]chan func(), r.cfg.Workers)
	for i := range r.queue {
		q := make(chan func(), r.cfg.QueueSize)
		r.queue[i] = q
		idx := i
		sup.GoRestart("router.worker."+strconv.Itoa(idx), func(c context.Context) error {
			return r.worker(c, q)
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	sup.Go0("router.wizard_sweep", func(c context.Context) {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				if n := r.wiz.sweep(); n > 0 {
					r.log.Debug("expired conversations dropped", logx.Int("count", n))
				}
			}
		}
	})
	r.log.Info("dispatcher started", logx.Int("workers", r.cfg.Workers), logx.Int("queue_cap", r.cfg.QueueSize))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("dispatcher stopped", logx.Uint64("busy_rejects", r.busy.Load()))
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) worker(ctx context.Context, q <-chan func()) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-q:
			job()
		}
	}
}

func (r *Router) route(ctx context.Context, up kit.Update) {
	req, job := r.prepare(ctx, up)
	if job != nil {
		r.enqueue(ctx, req, job)
	}
}

// prepare resolves an update to its request and the job that handles it.
// The job is nil for updates that need no handling.
func (r *Router) prepare(ctx context.Context, up kit.Update) (*Request, func()) {
	var (
		req *Request
		h   HandlerFunc
	)
	switch up.Kind {
	case kit.UpdateMessage:
		req, h = r.routeMessage(up)
	case kit.UpdateCallback:
		req, h = r.routeCallback(up)
	}
	if req == nil {
		return nil, nil
	}
	req.ReqID = newReqID()
	req.Logger = r.log.With(
		logx.String("rid", req.ReqID),
		logx.Int64("chat_id", req.Chat.ChatID),
		logx.Int64("from_id", req.FromID),
		logx.String("cmd", req.Command),
	)
	final := Chain(h,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(r.cfg.HandlerTimeout),
	)
	return req, func() {
		_ = final(ctx, req)
		// Stops the client's loading spinner; handlers that toast answer first.
		if id := req.callbackID(); id != "" {
			_ = r.deps.Adapter.AnswerCallback(ctx, id, "")
		}
	}
}

func (r *Router) routeMessage(up kit.Update) (*Request, HandlerFunc) {
	msg := up.Message
	if msg == nil {
		return nil, nil
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil, nil
	}
	req := &Request{
		Update:       up,
		Chat:         kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		Text:         text,
	}

	var (
		h      HandlerFunc
		public bool
	)
	if name, ok := commandName(text); ok {
		cmd, known := r.commands[name]
		if !known {
			req.Command = "unknown"
			h, public = r.cmdUnknown, true
		} else {
			req.Command = cmd.Name
			// A recognised command abandons any pending conversation.
			inner := cmd.Handle
			h = func(ctx context.Context, req *Request) error {
				r.wiz.reset(req.Chat.ChatID)
				return inner(ctx, req)
			}
			public = cmd.Public
		}
	} else {
		req.Command = "text"
		h = r.handleText
	}
	if !public {
		h = r.protect(h)
	}
	return req, h
}

func (r *Router) routeCallback(up kit.Update) (*Request, HandlerFunc) {
	cb := up.Callback
	if cb == nil {
		return nil, nil
	}
	action, payload := tgui.ParseData(cb.Data)
	route, ok := r.callbacks[action]
	req := &Request{
		Update:       up,
		Chat:         kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID},
		FromID:       cb.FromID,
		FromUsername: cb.FromUsername,
		Command:      "cb:" + action,
		Payload:      payload,
	}
	if !ok {
		// Stale keyboards from older versions only get their spinner stopped.
		return req, func(context.Context, *Request) error { return nil }
	}
	return req, r.protect(route.Handle)
}

// protect rejects requests from chats outside the allow-list.
func (r *Router) protect(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		if r.isAllowed(req.Chat.ChatID) {
			return next(ctx, req)
		}
		req.Logger.Warn("access denied",
			logx.Int64("user_id", req.FromID),
			logx.String("username", req.FromUsername),
		)
		if id := req.callbackID(); id != "" {
			return r.deps.Adapter.AnswerCallback(ctx, id, msgNotAllowed)
		}
		_, err := r.deps.Adapter.SendText(ctx, req.Chat, msgNotAllowed, nil)
		return err
	}
}

func (r *Router) enqueue(ctx context.Context, req *Request, job func()) {
	q := r.queue[shard(req.Chat.ChatID, len(r.queue))]
	select {
	case q <- job:
		return
	default:
	}
	r.busy.Add(1)
	req.Logger.Warn("request rejected (worker queue full)")
	if id := req.callbackID(); id != "" {
		_ = r.deps.Adapter.AnswerCallback(ctx, id, msgBusy)
		return
	}
	_, _ = r.deps.Adapter.SendText(ctx, req.Chat, msgBusy, nil)
}

func shard(chatID int64, n int) int {
	return int(uint64(chatID) % uint64(n))
}

// commandName extracts "list" from "/list@my_bot extra".
func commandName(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	word, _, _ := strings.Cut(text[1:], " ")
	word, _, _ = strings.Cut(word, "@")
	word = strings.ToLower(strings.TrimSpace(word))
	return word, word != ""
}

var ridSeq atomic.Uint64

// newReqID is a short sortable id: base36 timestamp and sequence.
func newReqID() string {
	n := ridSeq.Add(1)
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatUint(n, 36)
}
