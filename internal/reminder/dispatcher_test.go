package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/scheduler"
	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	fails []error // consumed one per call
	sent  []string
	chats []int64
	calls int
}

func (f *fakeSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.fails) > 0 {
		err := f.fails[0]
		f.fails = f.fails[1:]
		if err != nil {
			return transport.MessageRef{}, err
		}
	}
	f.sent = append(f.sent, text)
	f.chats = append(f.chats, to.ChatID)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: f.calls}, nil
}

func fastConfig() Config {
	return Config{RatePerSec: 1000, Burst: 10, Timeout: time.Second, RetryMax: 2, RetryBase: time.Millisecond}
}

func TestRunSendsTaskMessage(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, eventbus.ReminderSent)
	defer unsub()
	d := New(fastConfig(), s, logx.Nop(), bus)

	if err := d.Run(context.Background(), scheduler.Payload{ChatID: 42, TaskMessage: "stretch"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(s.sent) != 1 || s.sent[0] != "stretch" || s.chats[0] != 42 {
		t.Fatalf("sent = %v to %v", s.sent, s.chats)
	}
	if st := d.Stats(); st.Sent != 1 || st.Failed != 0 {
		t.Fatalf("stats = %+v", st)
	}
	if len(events) != 1 {
		t.Fatal("reminder.sent not published")
	}
}

func TestRunRetries(t *testing.T) {
	t.Parallel()
	flaky := errors.New("502 bad gateway")
	tests := []struct {
		name      string
		fails     []error
		wantErr   bool
		wantCalls int
	}{
		{"recovers", []error{flaky, flaky}, false, 3},
		{"gives up", []error{flaky, flaky, flaky}, true, 3},
		{"forbidden is final", []error{transport.ErrForbidden}, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := &fakeSender{fails: tt.fails}
			d := New(fastConfig(), s, logx.Nop(), nil)
			err := d.Run(context.Background(), scheduler.Payload{ChatID: 1, TaskMessage: "x"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Run = %v, wantErr %v", err, tt.wantErr)
			}
			if s.calls != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", s.calls, tt.wantCalls)
			}
			if !tt.wantErr {
				return
			}
			var de *DeliveryError
			if !errors.As(err, &de) || de.ChatID != 1 || de.Attempts != tt.wantCalls {
				t.Fatalf("err = %#v", err)
			}
			if !errors.Is(err, tt.fails[len(tt.fails)-1]) {
				t.Fatalf("cause lost: %v", err)
			}
		})
	}
}

func TestRunRejectsEmptyText(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	d := New(fastConfig(), s, logx.Nop(), nil)
	var de *DeliveryError
	if err := d.Run(context.Background(), scheduler.Payload{ChatID: 1, TaskMessage: "  "}); !errors.As(err, &de) {
		t.Fatalf("Run = %v", err)
	}
	if s.calls != 0 {
		t.Fatal("empty text reached the sender")
	}
}

func TestDeliverSwallowsErrors(t *testing.T) {
	t.Parallel()
	s := &fakeSender{fails: []error{transport.ErrForbidden}}
	d := New(fastConfig(), s, logx.Nop(), nil)
	d.Deliver(context.Background(), 5, "hi")
	if st := d.Stats(); st.Failed != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestRunHonoursRateLimit(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	d := New(Config{RatePerSec: 20, Burst: 1, Timeout: time.Second}, s, logx.Nop(), nil)
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := d.Run(context.Background(), scheduler.Payload{ChatID: 1, TaskMessage: "x"}); err != nil {
			t.Fatalf("Run: %v", err)
		}
	}
	// Burst 1 at 20/s: the 2nd and 3rd sends wait ~50ms each.
	if took := time.Since(start); took < 80*time.Millisecond {
		t.Fatalf("3 sends took %v, limiter not applied", took)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	s := &fakeSender{fails: []error{errors.New("timeout")}}
	cfg := fastConfig()
	cfg.RetryBase = time.Hour
	d := New(cfg, s, logx.Nop(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Run(ctx, scheduler.Payload{ChatID: 1, TaskMessage: "x"}); err == nil {
		t.Fatal("Run succeeded after cancel")
	}
	if s.calls != 1 {
		t.Fatalf("calls = %d", s.calls)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(500*time.Millisecond, attempt)
		if d <= 0 || d > 13*time.Second {
			t.Fatalf("attempt %d: delay %v", attempt, d)
		}
	}
}
