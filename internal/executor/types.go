package executor

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrMaxInstances = errors.New("job reached max instances")
	ErrQueueFull    = errors.New("executor queue full")
	ErrStopped      = errors.New("executor stopped")
	ErrNilRunnable  = errors.New("runnable is nil")
)

// Pool names.
const (
	DefaultPool = "default"
	// ProcessPool is the smaller pool reserved for CPU-heavy payloads.
	ProcessPool = "processpool"
)

// Ref identifies the job an invocation belongs to.
type Ref struct {
	ID           string
	ChatID       int64
	MaxInstances int
	Pool         string
}

// Runnable is one job invocation.
type Runnable func(ctx context.Context) error

type PoolConfig struct {
	Name      string
	Workers   int
	QueueSize int
}

type Config struct {
	Pools []PoolConfig
	// Timeout bounds a single invocation; 0 means no timeout.
	Timeout time.Duration
}

// DefaultConfig mirrors the stock pool layout: 20 general workers and 5 for
// CPU-heavy work.
func DefaultConfig() Config {
	return Config{
		Pools: []PoolConfig{
			{Name: DefaultPool, Workers: 20, QueueSize: 256},
			{Name: ProcessPool, Workers: 5, QueueSize: 64},
		},
		Timeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	out := c
	out.Pools = nil
	seen := map[string]bool{}
	for _, p := range c.Pools {
		p.Name = strings.ToLower(strings.TrimSpace(p.Name))
		if p.Name == "" || seen[p.Name] {
			continue
		}
		if p.Workers <= 0 {
			p.Workers = 1
		}
		if p.QueueSize <= 0 {
			p.QueueSize = 256
		}
		seen[p.Name] = true
		out.Pools = append(out.Pools, p)
	}
	if !seen[DefaultPool] {
		out.Pools = append(out.Pools, PoolConfig{Name: DefaultPool, Workers: 20, QueueSize: 256})
	}
	return out
}

// PoolStats is a point-in-time view of one pool.
type PoolStats struct {
	Name      string
	Workers   int
	Queued    int
	Running   int64
	Completed uint64
	Failed    uint64
	Dropped   uint64
}

// Snapshot is a point-in-time view of the executor.
type Snapshot struct {
	Running bool
	Pools   []PoolStats
	// InFlightJobs counts distinct jobs with at least one queued or running invocation.
	InFlightJobs int
}
