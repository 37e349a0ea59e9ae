package router

import (
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"remindbot/internal/scheduler"
	"remindbot/pkg/tgui"
)

const (
	msgStart                = "Hello! Send me a task you want to be reminded of."
	msgNotAllowed           = "You are not allowed to use this command."
	msgNoTasks              = "You have no tasks scheduled."
	msgYourTasks            = "Your tasks:"
	msgCreationCancelled    = "Task creation has been cancelled."
	msgEditMessageCancelled = "Task message update has been cancelled."
	msgEditCronCancelled    = "Task schedule update has been cancelled."
	msgInvalidCron          = "Invalid cron format. Please try again."
	msgTaskAdded            = "Your task has been added!"
	msgTaskMessageUpdated   = "Task message updated!"
	msgTaskScheduleUpdated  = "Task schedule updated!"
	msgTaskDeleted          = "Task deleted!"
	msgTaskNotFound         = "Task not found."
	msgEditMessagePrompt    = "Send the new task text or '.' to cancel."
	msgUnknownCommand       = "Unknown command. Send a message to create a task or /list to see yours."
	msgBusy                 = "busy, try again"
	msgTryLater             = "Something went wrong, please try again later."
)

// Callback actions.
const (
	actionList        = "list"
	actionInfo        = "info"
	actionDelete      = "delete"
	actionEditMessage = "edit_message"
	actionEditCron    = "edit_cron"
)

// timeLayout renders fire times in the scheduler's timezone.
const timeLayout = "2006-01-02 15:04"

// followingRuns is how many fire times after the next one a confirmation lists.
const followingRuns = 2

// listButtonRunes bounds the task preview shown on a list button.
const listButtonRunes = 48

func cronHelp() string {
	return tgui.Pre("Input cron string according to the format or '" + cancelInput + "' to cancel\n" +
		"┌───────  minute (0–59)\n" +
		"│ ┌───────  hour (0–23)\n" +
		"│ │ ┌─────── day/month (1–31)\n" +
		"│ │ │ ┌───────── month\n" +
		"│ │ │ │     (1-12, jan-dec)\n" +
		"│ │ │ │ ┌───────── day/week\n" +
		"│ │ │ │ │    (0–6, sun-sat)\n" +
		"│ │ │ │ │    0 is Sunday\n" +
		"│ │ │ │ │\n" +
		"* * * * *").String()
}

func taskSavedView(headline string, j scheduler.Job, loc *time.Location) string {
	var then tgui.H
	if j.Trigger != nil {
		runs := j.Trigger.Preview(j.NextRunTime, followingRuns)
		parts := make([]string, 0, len(runs))
		for _, at := range runs {
			parts = append(parts, at.In(loc).Format(timeLayout))
		}
		if len(parts) > 0 {
			then = tgui.JoinH(": ", tgui.B("Then"), tgui.Esc(strings.Join(parts, ", ")))
		}
	}
	return tgui.JoinH("\n",
		tgui.Esc(headline),
		tgui.JoinH(": ", tgui.B("Next run time"), tgui.Esc(j.NextRunTime.In(loc).Format(timeLayout))),
		then,
	).String()
}

// listMarkup renders one button per job, labelled "{time_until}: {task}".
func listMarkup(jobs []scheduler.Job, until func(scheduler.Job) string) *tele.ReplyMarkup {
	kb := tgui.NewInline()
	for _, j := range jobs {
		label := until(j) + ": " + tgui.TruncRunes(oneLine(j.TaskMessage), listButtonRunes)
		kb.Row(tgui.Btn(label, tgui.Data(actionInfo, j.ID)))
	}
	return kb.Markup()
}

func infoView(j scheduler.Job, expr string, loc *time.Location) (string, *tele.ReplyMarkup) {
	text := tgui.JoinH("\n",
		tgui.Esc(j.TaskMessage),
		tgui.JoinH(": ", tgui.B("Next run time"), tgui.Esc(j.NextRunTime.In(loc).Format(timeLayout))),
		tgui.JoinH(": ", tgui.B("Crontab"), tgui.Code(expr)),
	).String()
	kb := tgui.NewInline().Row(
		tgui.Btn("◀️", tgui.Data(actionList, "")),
		tgui.Btn("✏️", tgui.Data(actionEditMessage, j.ID)),
		tgui.Btn("🔄", tgui.Data(actionEditCron, j.ID)),
		tgui.Btn("❌", tgui.Data(actionDelete, j.ID)),
	)
	return text, kb.Markup()
}

func statusView(st scheduler.Stats, ex ExecutorStats, dl DeliveryStats) string {
	var b strings.Builder
	line := func(k, v string) {
		b.WriteString(tgui.B(k).String())
		b.WriteString(": ")
		b.WriteString(tgui.Esc(v).String())
		b.WriteByte('\n')
	}
	u := func(n uint64) string { return strconv.FormatUint(n, 10) }

	state := "stopped"
	if st.Running {
		state = "running"
	}
	line("Scheduler", state)
	line("Timezone", st.Timezone)
	line("Jobs", strconv.Itoa(st.Jobs))
	if !st.LastTick.IsZero() {
		line("Last tick", st.LastTick.Format(time.DateTime))
	}
	line("Fired / skipped / shed", u(st.Fired)+" / "+u(st.Skipped)+" / "+u(st.Shed))
	if st.StoreErrors > 0 {
		line("Store errors", u(st.StoreErrors))
	}
	if ex != nil {
		snap := ex.Snapshot()
		for _, p := range snap.Pools {
			line("Pool "+p.Name, strconv.FormatInt(p.Running, 10)+"/"+strconv.Itoa(p.Workers)+
				" running, "+strconv.Itoa(p.Queued)+" queued, "+u(p.Completed)+" done, "+
				u(p.Failed)+" failed, "+u(p.Dropped)+" dropped")
		}
	}
	if dl != nil {
		ds := dl.Stats()
		line("Reminders sent / failed", u(ds.Sent)+" / "+u(ds.Failed))
	}
	return strings.TrimRight(b.String(), "\n")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
