package systemd

import (
	"context"
	"testing"
	"time"
)

func TestNotifyOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")

	if sent, err := Ready(); sent || err != nil {
		t.Fatalf("Ready = %v, %v", sent, err)
	}
	if sent, err := Stopping(); sent || err != nil {
		t.Fatalf("Stopping = %v, %v", sent, err)
	}
	if d, err := WatchdogInterval(); d != 0 || err != nil {
		t.Fatalf("WatchdogInterval = %v, %v", d, err)
	}
}

func TestWatchdogInterval(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "4000000")
	t.Setenv("WATCHDOG_PID", "")
	d, err := WatchdogInterval()
	if err != nil {
		t.Fatal(err)
	}
	if d != 2*time.Second {
		t.Fatalf("interval = %v, want 2s", d)
	}
}

func TestWatchdogStopsOnCancel(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	ctx, cancel := context.WithCancel(context.Background())
	pings := 0
	done := make(chan struct{})
	go func() {
		Watchdog(ctx, time.Millisecond, func() bool { pings++; return true })
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watchdog did not return")
	}
	if pings == 0 {
		t.Fatal("healthy was never consulted")
	}
}
