package restore

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// stageResult is what one wave task reports back. Every submitted task
// produces exactly one result, including tasks that never started.
type stageResult struct {
	Outcome  Outcome
	Decision Decision
	Err      error
	Started  time.Time
	Finished time.Time
}

func (r stageResult) duration() time.Duration {
	if r.Started.IsZero() || r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

// waveTask runs the wave's stage for task index i.
type waveTask func(ctx context.Context, i int) stageResult

// WavePool runs one wave of tasks with a fixed number of concurrent workers.
// Run returns only after every task has reported, which makes it the barrier
// between stages.
type WavePool struct {
	name        string
	logger      *slog.Logger
	workerCount int

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	completed   atomic.Int32
}

// WavePoolConfig configures a new wave pool.
type WavePoolConfig struct {
	Name        string
	Logger      *slog.Logger
	WorkerCount int // Concurrent tasks (default: 1)
}

// NewWavePool creates a new wave pool.
func NewWavePool(cfg WavePoolConfig) *WavePool {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	name := cfg.Name
	if name == "" {
		name = "wave"
	}

	workerCount := cfg.WorkerCount
	if workerCount <= 0 {
		workerCount = 1
	}

	return &WavePool{
		name:        name,
		logger:      logger.With("pool", name, "workers", workerCount),
		workerCount: workerCount,
	}
}

// PoolStatus reports a pool's current state.
type PoolStatus struct {
	Name        string `json:"name" yaml:"name"`
	Workers     int    `json:"workers" yaml:"workers"`
	InFlight    int    `json:"in_flight" yaml:"in_flight"`
	MaxInFlight int    `json:"max_in_flight" yaml:"max_in_flight"`
	Completed   int    `json:"completed" yaml:"completed"`
}

// Status returns current pool status.
func (p *WavePool) Status() PoolStatus {
	return PoolStatus{
		Name:        p.name,
		Workers:     p.workerCount,
		InFlight:    int(p.inFlight.Load()),
		MaxInFlight: int(p.maxInFlight.Load()),
		Completed:   int(p.completed.Load()),
	}
}

// Run executes n tasks and blocks until all of them have returned.
// Once ctx is cancelled, tasks that have not started are reported as aborted.
// A panicking task is reported as failed; it never takes the pool down.
func (p *WavePool) Run(ctx context.Context, n int, task waveTask) []stageResult {
	results := make([]stageResult, n)

	var g errgroup.Group
	g.SetLimit(p.workerCount)

	p.logger.Debug("wave pool starting", "tasks", n)
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			results[i] = stageResult{Outcome: OutcomeAborted, Err: ctx.Err()}
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				results[i] = stageResult{Outcome: OutcomeAborted, Err: ctx.Err()}
				return nil
			}
			p.enter()
			defer p.leave()
			results[i] = p.process(ctx, i, task)
			return nil
		})
	}
	_ = g.Wait()

	p.logger.Debug("wave pool drained", "tasks", n, "max_in_flight", p.maxInFlight.Load())
	return results
}

func (p *WavePool) enter() {
	cur := p.inFlight.Add(1)
	for {
		peak := p.maxInFlight.Load()
		if cur <= peak || p.maxInFlight.CompareAndSwap(peak, cur) {
			return
		}
	}
}

func (p *WavePool) leave() {
	p.inFlight.Add(-1)
	p.completed.Add(1)
}

// process runs a single task, converting a panic into a failed result.
func (p *WavePool) process(ctx context.Context, i int, task waveTask) (res stageResult) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("wave task panicked", "task", i, "panic", r)
			res = stageResult{
				Outcome:  OutcomeFailed,
				Err:      fmt.Errorf("%w: %v", ErrStagePanicked, r),
				Started:  started,
				Finished: time.Now(),
			}
		}
	}()
	return task(ctx, i)
}
