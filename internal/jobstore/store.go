package jobstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	logx "remindbot/pkg/logx"
)

// ErrNotFound is returned by Delete and Update for an unknown id.
var ErrNotFound = errors.New("job not found")

// StoreError wraps a durable read or write failure.
type StoreError struct {
	Op  string
	ID  string
	Err error
}

func (e *StoreError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("jobstore %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("jobstore %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsStoreError reports whether err carries a *StoreError.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// Record is the persisted form of a job. The trigger is kept as its
// canonical cron string plus timezone and parsed again on load.
type Record struct {
	ID           string    `json:"id"`
	Cron         string    `json:"cron"`
	Timezone     string    `json:"timezone"`
	ChatID       int64     `json:"chat_id"`
	TaskMessage  string    `json:"task_message"`
	NextRunTime  time.Time `json:"next_run_time"` // zero when unscheduled
	MaxInstances int       `json:"max_instances"`
	Coalesce     bool      `json:"coalesce"`
	Executor     string    `json:"executor"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store persists job records. Every mutation is durable when it returns.
// Callers serialize mutations of the same id.
type Store interface {
	Put(ctx context.Context, r Record) error
	Get(ctx context.Context, id string) (Record, bool, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Record, error)
	Update(ctx context.Context, id string, fn func(*Record) error) (Record, error)
	Close() error
}

// Config selects and configures a driver.
//
// Driver values:
//   - "sqlite" (default): embedded SQLite database at Path
//   - "file": single JSON document at Path
//   - "postgres": PostgreSQL reachable via DSN
//   - "memory": process-local, not durable
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.Named("jobstore")

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown jobstore driver: " + driver)
	}
}

func validate(r Record) error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("record id required")
	}
	if strings.TrimSpace(r.Cron) == "" {
		return errors.New("record cron required")
	}
	return nil
}

func sortRecords(rs []Record) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.Before(rs[j].CreatedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}

// applyUpdate runs fn on a copy of cur and pins the id.
func applyUpdate(cur Record, fn func(*Record) error) (Record, error) {
	next := cur
	if fn != nil {
		if err := fn(&next); err != nil {
			return Record{}, err
		}
	}
	next.ID = cur.ID
	return next, nil
}
