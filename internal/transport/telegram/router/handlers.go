package router

import (
	"context"
	"errors"
	"strconv"

	"remindbot/internal/scheduler"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
	"remindbot/pkg/tgui"
)

func (r *Router) cmdStart(ctx context.Context, req *Request) error {
	return r.send(ctx, req.Chat, msgStart)
}

func (r *Router) cmdMyID(ctx context.Context, req *Request) error {
	text := "Your chat ID is " + tgui.Code(strconv.FormatInt(req.Chat.ChatID, 10)).String()
	if req.FromID != 0 && req.FromID != req.Chat.ChatID {
		text += "\nYour user ID is " + tgui.Code(strconv.FormatInt(req.FromID, 10)).String()
	}
	return r.sendHTML(ctx, req.Chat, text)
}

func (r *Router) cmdUnknown(ctx context.Context, req *Request) error {
	return r.send(ctx, req.Chat, msgUnknownCommand)
}

func (r *Router) cmdList(ctx context.Context, req *Request) error {
	jobs := r.deps.Scheduler.ListJobsForChat(req.Chat.ChatID)
	if len(jobs) == 0 {
		return r.send(ctx, req.Chat, msgNoTasks)
	}
	_, err := r.deps.Adapter.SendText(ctx, req.Chat, msgYourTasks,
		&kit.SendOptions{ReplyMarkup: listMarkup(jobs, r.deps.Scheduler.TimeUntil)})
	return err
}

func (r *Router) cmdStatus(ctx context.Context, req *Request) error {
	return r.sendHTML(ctx, req.Chat, statusView(r.deps.Scheduler.Stats(), r.deps.Executor, r.deps.Delivery))
}

func (r *Router) cbList(ctx context.Context, req *Request) error {
	return r.renderList(ctx, req, false)
}

// renderList redraws the task list in the pressed message. With
// dropWhenEmpty an empty list removes the message instead.
func (r *Router) renderList(ctx context.Context, req *Request, dropWhenEmpty bool) error {
	ref := req.messageRef()
	jobs := r.deps.Scheduler.ListJobsForChat(req.Chat.ChatID)
	if len(jobs) == 0 {
		if dropWhenEmpty {
			return ignoreGone(r.deps.Adapter.DeleteMessage(ctx, ref))
		}
		return ignoreGone(r.deps.Adapter.EditText(ctx, ref, msgNoTasks,
			&kit.SendOptions{ReplyMarkup: tgui.NewInline().Markup()}))
	}
	return ignoreGone(r.deps.Adapter.EditText(ctx, ref, msgYourTasks,
		&kit.SendOptions{ReplyMarkup: listMarkup(jobs, r.deps.Scheduler.TimeUntil)}))
}

func (r *Router) cbInfo(ctx context.Context, req *Request) error {
	job, ok := r.ownedJob(req)
	if !ok {
		return r.deps.Adapter.AnswerCallback(ctx, req.callbackID(), msgTaskNotFound)
	}
	text, kb := infoView(job, r.deps.Scheduler.FormatTrigger(job), r.deps.Scheduler.Location())
	return ignoreGone(r.deps.Adapter.EditText(ctx, req.messageRef(), text,
		&kit.SendOptions{ParseMode: "HTML", DisablePreview: true, ReplyMarkup: kb}))
}

func (r *Router) cbDelete(ctx context.Context, req *Request) error {
	// Tasks already gone count as deleted.
	if _, ok := r.ownedJob(req); ok {
		if err := r.deps.Scheduler.RemoveJob(ctx, req.Payload); err != nil {
			_ = r.deps.Adapter.AnswerCallback(ctx, req.callbackID(), msgTryLater)
			return err
		}
		req.Logger.Info("task deleted", logx.String("job", req.Payload))
	}
	if err := r.deps.Adapter.AnswerCallback(ctx, req.callbackID(), msgTaskDeleted); err != nil {
		req.Logger.Debug("answer callback failed", logx.Err(err))
	}
	return r.renderList(ctx, req, true)
}

func (r *Router) cbEditMessage(ctx context.Context, req *Request) error {
	job, ok := r.ownedJob(req)
	if !ok {
		return r.deps.Adapter.AnswerCallback(ctx, req.callbackID(), msgTaskNotFound)
	}
	r.wiz.set(req.Chat.ChatID, conversation{State: stateAwaitingMessage, JobID: job.ID})
	return r.send(ctx, req.Chat, msgEditMessagePrompt)
}

func (r *Router) cbEditCron(ctx context.Context, req *Request) error {
	job, ok := r.ownedJob(req)
	if !ok {
		return r.deps.Adapter.AnswerCallback(ctx, req.callbackID(), msgTaskNotFound)
	}
	r.wiz.set(req.Chat.ChatID, conversation{State: stateAwaitingCron, JobID: job.ID})
	return r.sendHTML(ctx, req.Chat, cronHelp())
}

// ownedJob resolves the callback payload to a job of the requesting chat.
func (r *Router) ownedJob(req *Request) (scheduler.Job, bool) {
	if req.Payload == "" {
		return scheduler.Job{}, false
	}
	job, ok := r.deps.Scheduler.GetJob(req.Payload)
	if !ok || job.ChatID != req.Chat.ChatID {
		return scheduler.Job{}, false
	}
	return job, true
}

func ignoreGone(err error) error {
	if errors.Is(err, kit.ErrMessageGone) {
		return nil
	}
	return err
}
