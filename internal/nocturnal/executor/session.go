// Package executor implements the Parallel Executor: a bounded-concurrency
// session of task attempts, each isolated on its own branch via
// branch.Manager and routed through quality.Controller. Concurrency is
// provided by sourcegraph/conc's pool, replacing the teacher's
// Temporal-based workflow fan-out with an in-process worker pool.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sourcegraph/conc/pool"

	"github.com/nocturnal-agent/nocturnal/internal/nocturnal"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/branch"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/quality"
)

// Config tunes session concurrency and per-task timeouts.
type Config struct {
	MaxParallelExecutions int           // default 3
	TaskTimeout           time.Duration // default 30m
	FinalizeTimeout       time.Duration // default 5m
}

// DefaultConfig returns spec.md's documented defaults.
func DefaultConfig() Config {
	return Config{MaxParallelExecutions: 3, TaskTimeout: 30 * time.Minute, FinalizeTimeout: 5 * time.Minute}
}

// attempt tracks one task's progress through the session.
type attempt struct {
	task   nocturnal.Task
	done   chan struct{}
	result nocturnal.ExecutionResult
	err    error
}

// Session is one overnight ExecutionSession: a bounded pool of
// concurrent task attempts sharing a single night-main branch.
type Session struct {
	mu sync.Mutex

	id         string
	cfg        Config
	branches   *branch.Manager
	quality    *quality.Controller
	pool       *pool.ContextPool
	active     map[string]*attempt
	completed  map[string]*attempt
	failed     map[string]*attempt
	peak       int
	nightMain  string
}

// Summary is the return value of FinalizeParallelSession.
type Summary struct {
	Completed      int
	Failed         int
	ParallelPeak   int
	ActiveBranches []nocturnal.BranchInfo
	PendingReviews []string

	// Errors aggregates every failed attempt's error, nil if none.
	Errors error
}

// StartParallelSession initializes the night-main branch and returns a
// new Session bounded by cfg.MaxParallelExecutions.
func StartParallelSession(ctx context.Context, cfg Config, branches *branch.Manager, qc *quality.Controller) (*Session, error) {
	info, err := branches.InitializeNightSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("initializing night session: %w", err)
	}

	p := pool.New().WithContext(ctx).WithMaxGoroutines(cfg.MaxParallelExecutions)

	return &Session{
		id:        uuid.New().String(),
		cfg:       cfg,
		branches:  branches,
		quality:   qc,
		pool:      p,
		active:    make(map[string]*attempt),
		completed: make(map[string]*attempt),
		failed:    make(map[string]*attempt),
		nightMain: info.Name,
	}, nil
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// ExecuteTaskParallel asks the quality controller for a decision from
// estimatedQuality; a reject decision records a synthetic failure
// without spawning a goroutine. Otherwise it submits fn to the bounded
// pool, tracked under the session's active set until it completes.
func (s *Session) ExecuteTaskParallel(ctx context.Context, task nocturnal.Task, fn quality.ExecutorFunc, estimatedQuality float64) error {
	decision := quality.Decide(estimatedQuality, s.quality.Thresholds())

	a := &attempt{task: task, done: make(chan struct{})}

	s.mu.Lock()
	if decision.Action == nocturnal.ActionReject {
		a.result = nocturnal.ExecutionResult{TaskID: task.ID, Success: false, Errors: []string{"rejected by quality controller"}}
		close(a.done)
		s.failed[task.ID] = a
		s.mu.Unlock()
		return nil
	}
	s.active[task.ID] = a
	if len(s.active) > s.peak {
		s.peak = len(s.active)
	}
	s.mu.Unlock()

	s.pool.Go(func(ctx context.Context) error {
		result, err := s.quality.ExecuteWithQualityControl(ctx, task, decision, s.cfg.TaskTimeout, fn)

		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.active, task.ID)
		a.result = result
		a.err = err
		close(a.done)
		if err != nil || !result.Success {
			s.failed[task.ID] = a
		} else {
			s.completed[task.ID] = a
		}
		return nil
	})

	return nil
}

// WaitStatus is the outcome reported by WaitForCompletion.
type WaitStatus string

const (
	WaitCompleted WaitStatus = "completed"
	WaitTimeout   WaitStatus = "timeout"
)

// WaitForCompletion awaits a specific task if taskID is non-empty, or
// every currently active task otherwise, up to timeout.
func (s *Session) WaitForCompletion(ctx context.Context, taskID string, timeout time.Duration) (WaitStatus, map[string]int) {
	deadline := time.After(timeout)

	if taskID != "" {
		s.mu.Lock()
		a, ok := s.active[taskID]
		s.mu.Unlock()
		if !ok {
			return WaitCompleted, s.counts()
		}
		select {
		case <-a.done:
			return WaitCompleted, s.counts()
		case <-deadline:
			return WaitTimeout, s.counts()
		case <-ctx.Done():
			return WaitTimeout, s.counts()
		}
	}

	for {
		s.mu.Lock()
		remaining := len(s.active)
		s.mu.Unlock()
		if remaining == 0 {
			return WaitCompleted, s.counts()
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			return WaitTimeout, s.counts()
		case <-ctx.Done():
			return WaitTimeout, s.counts()
		}
	}
}

func (s *Session) counts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]int{
		"active":    len(s.active),
		"completed": len(s.completed),
		"failed":    len(s.failed),
	}
}

// FinalizeParallelSession awaits residual tasks up to
// cfg.FinalizeTimeout, then runs the branch manager's end-of-session
// cleanup and returns a summary.
func (s *Session) FinalizeParallelSession(ctx context.Context, maxBranchAge time.Duration) (*Summary, error) {
	s.WaitForCompletion(ctx, "", s.cfg.FinalizeTimeout)

	if _, err := s.branches.CleanupInactiveBranches(ctx, maxBranchAge); err != nil {
		return nil, fmt.Errorf("cleaning up branches: %w", err)
	}

	// Branches the quality controller routed to review stay pending
	// across the finalize boundary; a later, separate CLI invocation
	// approves/rejects/defers them against the persisted list.
	active := s.branches.FinalizeNightSession()

	s.mu.Lock()
	defer s.mu.Unlock()

	var errs *multierror.Error
	for id, a := range s.failed {
		if a.err != nil {
			errs = multierror.Append(errs, fmt.Errorf("task %s: %w", id, a.err))
			continue
		}
		for _, msg := range a.result.Errors {
			errs = multierror.Append(errs, fmt.Errorf("task %s: %s", id, msg))
		}
	}

	return &Summary{
		Completed:      len(s.completed),
		Failed:         len(s.failed),
		ParallelPeak:   s.peak,
		ActiveBranches: active,
		PendingReviews: s.quality.PendingReviewBranches(),
		Errors:         errs.ErrorOrNil(),
	}, nil
}
