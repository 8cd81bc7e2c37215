package queue

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/nocturnal-agent/nocturnal/internal/nocturnal"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/repository"
)

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	repo := repository.NewJSONFile(afero.NewMemMapFs(), "/project/.nocturnal/queue/task_queue.json")
	q, err := New(cfg, repo)
	require.NoError(t, err)
	return q
}

func task(id string, p nocturnal.Priority) nocturnal.Task {
	return nocturnal.Task{ID: id, Priority: p, CreatedAt: time.Now(), Status: nocturnal.TaskPending}
}

func TestDequeueOrderRespectsScoreThenFIFO(t *testing.T) {
	q := newTestQueue(t, DefaultConfig())
	q.cfg.MaxConcurrentTasks = 10

	ok, err := q.AddTask(task("low", nocturnal.PriorityLow), nil, 0, nil)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = q.AddTask(task("critical", nocturnal.PriorityCritical), nil, 0, nil)
	require.NoError(t, err)
	require.True(t, ok)

	first := q.GetNextTask()
	require.NotNil(t, first)
	require.Equal(t, "critical", first.Task.ID)
}

func TestAddTaskRejectsAtMaxQueueSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxQueueSize = 1
	q := newTestQueue(t, cfg)

	ok, err := q.AddTask(task("a", nocturnal.PriorityMedium), nil, 0, nil)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = q.AddTask(task("b", nocturnal.PriorityMedium), nil, 0, nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDependencyNotSatisfiedDemotesCandidate(t *testing.T) {
	q := newTestQueue(t, DefaultConfig())
	q.cfg.MaxConcurrentTasks = 10

	_, err := q.AddTask(task("dependent", nocturnal.PriorityHigh), nil, 0, []string{"never-completes"})
	require.NoError(t, err)
	_, err = q.AddTask(task("ready", nocturnal.PriorityLow), nil, 0, nil)
	require.NoError(t, err)

	next := q.GetNextTask()
	require.NotNil(t, next)
	require.Equal(t, "ready", next.Task.ID)
}

func TestCompleteTaskRetriesOnFailureThenArchives(t *testing.T) {
	q := newTestQueue(t, DefaultConfig())
	_, err := q.AddTask(task("flaky", nocturnal.PriorityHigh), nil, 0, nil)
	require.NoError(t, err)

	qt := q.GetNextTask()
	require.NotNil(t, qt)
	qt.MaxRetries = 1

	q.CompleteTask("flaky", false, time.Now(), time.Now())
	_, running, _, _ := q.Counts()
	require.Equal(t, 0, running)

	retried := q.GetNextTask()
	require.NotNil(t, retried)
	require.Equal(t, 1, retried.RetryCount)

	q.CompleteTask("flaky", false, time.Now(), time.Now())
	_, _, _, failed := q.Counts()
	require.Equal(t, 1, failed)
}

func TestPersistThenReloadPreservesPriorityOrder(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := "/project/.nocturnal/queue/task_queue.json"

	q, err := New(DefaultConfig(), repository.NewJSONFile(fs, path))
	require.NoError(t, err)
	q.cfg.MaxConcurrentTasks = 10
	_, err = q.AddTask(task("a", nocturnal.PriorityLow), nil, 0, nil)
	require.NoError(t, err)
	_, err = q.AddTask(task("b", nocturnal.PriorityCritical), nil, 0, nil)
	require.NoError(t, err)

	reloaded, err := New(DefaultConfig(), repository.NewJSONFile(fs, path))
	require.NoError(t, err)
	reloaded.cfg.MaxConcurrentTasks = 10

	next := reloaded.GetNextTask()
	require.NotNil(t, next)
	require.Equal(t, "b", next.Task.ID)
}
