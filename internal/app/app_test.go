package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"remindbot/internal/config"
	"remindbot/internal/executor"
)

func loadConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	m := config.NewManager(path)
	m.SetEnv(func(k string) string {
		if k == config.EnvToken {
			return "123:test"
		}
		return ""
	})
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func TestMapDefaults(t *testing.T) {
	t.Parallel()
	cfg := loadConfig(t, "storage:\n  driver: memory\n")

	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if sc.Location.String() != "Europe/Sofia" || sc.TickInterval != time.Second || sc.MisfireGrace != 30*time.Second {
		t.Fatalf("scheduler = %+v", sc)
	}
	if sc.MaxInstances != 3 || sc.Coalesce || sc.Executor != executor.DefaultPool {
		t.Fatalf("job defaults = %+v", sc)
	}

	ec, err := mapExecutorConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(ec.Pools) != 2 || ec.Pools[0].Workers != 20 || ec.Pools[1].Name != executor.ProcessPool || ec.Pools[1].Workers != 5 {
		t.Fatalf("pools = %+v", ec.Pools)
	}

	dc, err := mapDeliveryConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if dc.RatePerSec != 25 || dc.RetryMax != 2 || dc.RetryBase != 500*time.Millisecond {
		t.Fatalf("delivery = %+v", dc)
	}

	rc, err := mapRouterConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if rc.Workers != 4 || rc.WizardTTL != 10*time.Minute {
		t.Fatalf("router = %+v", rc)
	}
}

func TestMapStorageRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	cfg := loadConfig(t, "storage:\n  driver: memory\n")
	cfg.Storage.Driver = "mongo"
	if _, err := mapStorageConfig(cfg); err == nil || !strings.Contains(err.Error(), "mongo") {
		t.Fatalf("err = %v", err)
	}
}

func TestRestartRequired(t *testing.T) {
	t.Parallel()
	prev := loadConfig(t, "storage:\n  driver: memory\n")
	next := *prev
	next.Telegram.AllowedChatIDs = []int64{1, 2}
	next.Logging.Level = "debug"
	if got := restartRequired(prev, &next); len(got) != 0 {
		t.Fatalf("hot-reloadable change flagged: %v", got)
	}
	next.Scheduler.Timezone = "UTC"
	next.Storage.Driver = "sqlite"
	if got := strings.Join(restartRequired(prev, &next), ","); got != "scheduler,storage" {
		t.Fatalf("sections = %q", got)
	}
}

func TestNewWiresComponents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "scheduler:\n  timezone: UTC\nstorage:\n  driver: file\n  path: " + filepath.Join(dir, "jobs.json") + "\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(config.EnvToken, "123:test")

	a, err := New(Options{ConfigPath: path, Offline: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.store.Close(); _ = a.logs.Close() })
	if a.sched.Location().String() != "UTC" {
		t.Fatalf("tz = %v", a.sched.Location())
	}
	if cmds := a.router.Commands(); len(cmds) != 4 {
		t.Fatalf("commands = %+v", cmds)
	}
	if a.Err() != nil {
		t.Fatal("Err before Start")
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done must be closed before Start")
	}

	// Reload pushes delivery and allow-list changes without a restart.
	next := *a.cfgm.Get()
	next.Delivery.RatePerSec = 1
	next.Telegram.AllowedChatIDs = []int64{7}
	a.applyConfig(a.cfgm.Get(), &next)
}

func TestNewRequiresToken(t *testing.T) {
	t.Setenv(config.EnvToken, "")
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("storage:\n  driver: memory\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(Options{ConfigPath: path, Offline: true}); err == nil {
		t.Fatal("New succeeded without a token")
	}
}

func TestStepBoundsSlowSteps(t *testing.T) {
	t.Setenv(config.EnvToken, "123:test")
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("storage:\n  driver: memory\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	a, err := New(Options{ConfigPath: path, Offline: true})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.logs.Close() })

	release := make(chan struct{})
	defer close(release)
	start := time.Now()
	a.step(context.Background(), "hang", 50*time.Millisecond, func(context.Context) error {
		<-release
		return nil
	})
	if took := time.Since(start); took > time.Second {
		t.Fatalf("step blocked for %v", took)
	}

	ran := false
	a.step(context.Background(), "panics", time.Second, func(context.Context) error {
		ran = true
		panic("boom")
	})
	if !ran {
		t.Fatal("step not run")
	}
}
