// Package queue implements the priority task queue: a min-heap of
// QueuedTasks with a persistent JSON mirror, dependency-aware dequeue,
// and a retry policy on failure.
package queue

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/nocturnal-agent/nocturnal/internal/nocturnal"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/repository"
)

// Status is the queue's operating mode.
type Status string

const (
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusDraining Status = "draining"
	StatusStopped  Status = "stopped"
)

// Config configures queue behavior and defaults.
type Config struct {
	MaxConcurrentTasks int
	MaxQueueSize       int
	DefaultMaxRetries  int
}

// DefaultConfig returns spec.md's documented defaults.
func DefaultConfig() Config {
	return Config{MaxConcurrentTasks: 1, MaxQueueSize: 100, DefaultMaxRetries: 3}
}

// Stats mirrors the original's rolling statistics dict.
type Stats struct {
	TasksQueued           int       `json:"tasks_queued"`
	TasksCompleted        int       `json:"tasks_completed"`
	TasksFailed           int       `json:"tasks_failed"`
	AverageCompletionTime float64   `json:"average_completion_time_seconds"`
	QueueStartTime        time.Time `json:"queue_start_time"`
}

// persistedState is the on-disk shape of task_queue.json.
type persistedState struct {
	Status    Status                  `json:"status"`
	Pending   []*nocturnal.QueuedTask `json:"pending"`
	Running   []*nocturnal.QueuedTask `json:"running"`
	Completed []*nocturnal.QueuedTask `json:"completed"`
	Failed    []*nocturnal.QueuedTask `json:"failed"`
	Stats     Stats                   `json:"stats"`
}

// heapSlice implements container/heap.Interface over QueuedTasks,
// ordered by PriorityScore ascending and, within ties, by QueuedAt
// ascending (FIFO) per spec.md §5's ordering guarantee.
type heapSlice []*nocturnal.QueuedTask

func (h heapSlice) Len() int { return len(h) }
func (h heapSlice) Less(i, j int) bool {
	if h[i].PriorityScore != h[j].PriorityScore {
		return h[i].PriorityScore < h[j].PriorityScore
	}
	return h[i].QueuedAt.Before(h[j].QueuedAt)
}
func (h heapSlice) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *heapSlice) Push(x any)   { *h = append(*h, x.(*nocturnal.QueuedTask)) }
func (h *heapSlice) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Queue is the priority task queue.
type Queue struct {
	mu     sync.Mutex
	cfg    Config
	status Status
	repo   *repository.JSONFile

	pending   heapSlice
	running   map[string]*nocturnal.QueuedTask
	completed []*nocturnal.QueuedTask
	failed    []*nocturnal.QueuedTask
	stats     Stats

	now func() time.Time
}

// New constructs a Queue backed by repo, loading any persisted state.
func New(cfg Config, repo *repository.JSONFile) (*Queue, error) {
	q := &Queue{
		cfg:     cfg,
		status:  StatusActive,
		repo:    repo,
		running: make(map[string]*nocturnal.QueuedTask),
		now:     time.Now,
	}
	q.stats.QueueStartTime = q.now()
	heap.Init(&q.pending)

	var state persistedState
	if err := repo.Load(&state); err != nil {
		return nil, fmt.Errorf("loading queue state: %w", err)
	}
	if state.Status != "" {
		q.status = state.Status
		q.pending = heapSlice(state.Pending)
		heap.Init(&q.pending)
		for _, qt := range state.Running {
			q.running[qt.Task.ID] = qt
		}
		q.completed = state.Completed
		q.failed = state.Failed
		q.stats = state.Stats
	}
	return q, nil
}

func (q *Queue) save() error {
	state := persistedState{
		Status:    q.status,
		Pending:   append([]*nocturnal.QueuedTask{}, q.pending...),
		Completed: q.completed,
		Failed:    q.failed,
		Stats:     q.stats,
	}
	for _, qt := range q.running {
		state.Running = append(state.Running, qt)
	}
	return q.repo.Save(&state)
}

// calculatePriorityScore implements spec.md §4.2's score formula: base
// weight by priority level, minus an age bonus (0.1/hour, capped at
// 1.0), plus a quality penalty for low estimated quality, floored at
// 0.1.
func (q *Queue) calculatePriorityScore(task nocturnal.Task, estimatedQuality float64) float64 {
	base := nocturnal.PriorityWeight(task.Priority)

	if !task.CreatedAt.IsZero() {
		ageHours := q.now().Sub(task.CreatedAt).Hours()
		ageFactor := ageHours * 0.1
		if ageFactor > 1.0 {
			ageFactor = 1.0
		}
		if ageFactor > 0 {
			base -= ageFactor
		}
	}

	if estimatedQuality > 0 {
		base += (1.0 - estimatedQuality) * 0.5
	}

	if base < 0.1 {
		base = 0.1
	}
	return base
}

// AddTask enqueues task. It rejects when the queue is Stopped or at
// MaxQueueSize, and never blocks.
func (q *Queue) AddTask(task nocturnal.Task, priorityOverride *float64, estimatedDuration time.Duration, dependencies []string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.status == StatusStopped {
		return false, nil
	}
	if len(q.pending) >= q.cfg.MaxQueueSize {
		return false, nil
	}

	score := q.calculatePriorityScore(task, 0)
	if priorityOverride != nil {
		score = *priorityOverride
	}
	if estimatedDuration == 0 {
		estimatedDuration = 15 * time.Minute
	}

	qt := &nocturnal.QueuedTask{
		Task:              task,
		PriorityScore:     score,
		QueuedAt:          q.now(),
		EstimatedDuration: estimatedDuration,
		Dependencies:      dependencies,
		MaxRetries:        q.cfg.DefaultMaxRetries,
	}
	heap.Push(&q.pending, qt)
	q.stats.TasksQueued++

	if err := q.save(); err != nil {
		return true, err
	}
	return true, nil
}

// hasUnresolvedDependencies reports whether any of qt's dependencies is
// neither completed nor currently running.
func (q *Queue) hasUnresolvedDependencies(qt *nocturnal.QueuedTask) bool {
	if len(qt.Dependencies) == 0 {
		return false
	}
	completedIDs := make(map[string]bool, len(q.completed))
	for _, c := range q.completed {
		completedIDs[c.Task.ID] = true
	}
	for _, dep := range qt.Dependencies {
		if completedIDs[dep] {
			continue
		}
		if _, running := q.running[dep]; running {
			continue
		}
		return true
	}
	return false
}

// GetNextTask pops the next executable task: the lowest-score task
// with no unresolved dependencies. Tasks whose dependencies are not yet
// satisfied are demoted (priority_score += 0.1) and retried against the
// next candidate, so a task whose dependencies never complete stays
// queued forever without blocking dequeue of other work. Returns nil
// when no task is ready, the queue is not Active/Draining, or
// max_concurrent_tasks are already running.
func (q *Queue) GetNextTask() *nocturnal.QueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.status != StatusActive && q.status != StatusDraining {
		return nil
	}
	if len(q.running) >= q.cfg.MaxConcurrentTasks {
		return nil
	}

	// Bounded scan: re-queue blocked candidates, try up to len(pending) times.
	attempts := len(q.pending)
	for i := 0; i < attempts; i++ {
		if len(q.pending) == 0 {
			return nil
		}
		candidate := heap.Pop(&q.pending).(*nocturnal.QueuedTask)
		if q.hasUnresolvedDependencies(candidate) {
			candidate.PriorityScore += 0.1
			heap.Push(&q.pending, candidate)
			continue
		}
		candidate.Task.Status = nocturnal.TaskRunning
		q.running[candidate.Task.ID] = candidate
		_ = q.save()
		return candidate
	}
	return nil
}

// CompleteTask moves a running task to completed or, on failure with
// retries remaining, re-enqueues it with a promoted priority score.
// Exceeding max retries archives the task as permanently failed; it is
// never silently dropped.
func (q *Queue) CompleteTask(taskID string, success bool, startedAt, completedAt time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	qt, ok := q.running[taskID]
	if !ok {
		return false
	}
	delete(q.running, taskID)

	if success {
		qt.Task.Status = nocturnal.TaskCompleted
		q.completed = append(q.completed, qt)
		q.stats.TasksCompleted++
		if !startedAt.IsZero() && !completedAt.IsZero() {
			q.updateAverageCompletionTime(completedAt.Sub(startedAt).Seconds())
		}
	} else if qt.RetryCount < qt.MaxRetries {
		qt.RetryCount++
		qt.PriorityScore -= 0.5
		qt.Task.Status = nocturnal.TaskPending
		heap.Push(&q.pending, qt)
	} else {
		qt.Task.Status = nocturnal.TaskFailed
		q.failed = append(q.failed, qt)
		q.stats.TasksFailed++
	}

	if q.status == StatusDraining && len(q.running) == 0 {
		q.status = StatusStopped
	}

	_ = q.save()
	return true
}

func (q *Queue) updateAverageCompletionTime(newTime float64) {
	n := q.stats.TasksCompleted
	if n <= 1 {
		q.stats.AverageCompletionTime = newTime
		return
	}
	q.stats.AverageCompletionTime = (q.stats.AverageCompletionTime*float64(n-1) + newTime) / float64(n)
}

// Pause stops dequeuing new tasks; running tasks continue.
func (q *Queue) Pause() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.status = StatusPaused
	return q.save()
}

// Resume returns the queue to Active.
func (q *Queue) Resume() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.status = StatusActive
	return q.save()
}

// Drain finishes running tasks and accepts no new dequeues; once the
// running set empties it auto-transitions to Stopped.
func (q *Queue) Drain() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.status = StatusDraining
	if len(q.running) == 0 {
		q.status = StatusStopped
	}
	return q.save()
}

// Stop halts the queue and moves every running task back to pending.
func (q *Queue) Stop() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.status = StatusStopped
	for id, qt := range q.running {
		qt.Task.Status = nocturnal.TaskPending
		heap.Push(&q.pending, qt)
		delete(q.running, id)
	}
	return q.save()
}

// Status returns the queue's current operating mode.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status
}

// Stats returns a copy of the queue's rolling statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Counts returns (pending, running, completed, failed) sizes, used by
// invariant 1 in spec.md §8: completed+failed+pending == total ever
// enqueued.
func (q *Queue) Counts() (pending, running, completed, failed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.running), len(q.completed), len(q.failed)
}

// RemoveTask removes a pending (not running) task by id.
func (q *Queue) RemoveTask(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, running := q.running[taskID]; running {
		return false
	}

	var kept heapSlice
	removed := false
	for _, qt := range q.pending {
		if qt.Task.ID == taskID {
			removed = true
			continue
		}
		kept = append(kept, qt)
	}
	if removed {
		q.pending = kept
		heap.Init(&q.pending)
		_ = q.save()
	}
	return removed
}

// SetClock overrides the wall clock source, for deterministic tests.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}
