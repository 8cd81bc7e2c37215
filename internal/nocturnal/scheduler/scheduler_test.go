package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/nocturnal-agent/nocturnal/internal/nocturnal"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/branch"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/cost"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/events"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/executor"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/quality"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/queue"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/repository"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/resources"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/safety"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/safety/backup"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/safety/danger"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/safety/rollback"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/timewindow"
)

type fakeVCS struct {
	branchName string
	commit     string
}

func (f *fakeVCS) CurrentBranch(ctx context.Context) (string, error) { return f.branchName, nil }
func (f *fakeVCS) HeadCommit(ctx context.Context) (string, error)    { return f.commit, nil }
func (f *fakeVCS) RevParse(ctx context.Context, ref string) (string, error) { return ref, nil }
func (f *fakeVCS) Checkout(ctx context.Context, name string, create bool, base string) error {
	f.branchName = name
	return nil
}
func (f *fakeVCS) DeleteBranch(ctx context.Context, name string) error { return nil }
func (f *fakeVCS) Add(ctx context.Context, paths ...string) error     { return nil }
func (f *fakeVCS) Commit(ctx context.Context, message string) error   { return nil }
func (f *fakeVCS) Merge(ctx context.Context, branchName, message string) error { return nil }
func (f *fakeVCS) ResetHard(ctx context.Context, ref string) error             { return nil }
func (f *fakeVCS) Clean(ctx context.Context) error                            { return nil }
func (f *fakeVCS) MergeTree(ctx context.Context, target, source string) (string, error) {
	return "", nil
}
func (f *fakeVCS) BundleCreate(ctx context.Context, file string) error { return nil }
func (f *fakeVCS) BundleVerify(ctx context.Context, file string) error { return nil }
func (f *fakeVCS) DiffNames(ctx context.Context, a, b string) ([]string, error) {
	return nil, nil
}
func (f *fakeVCS) StatusPorcelain(ctx context.Context) (string, error) { return "", nil }

func newTestScheduler(t *testing.T) (*Scheduler, *executor.Session) {
	t.Helper()
	fs := afero.NewMemMapFs()
	v := &fakeVCS{branchName: "main", commit: "abc"}

	q, err := queue.New(queue.DefaultConfig(), repository.NewJSONFile(fs, "/project/.nocturnal/queue/task_queue.json"))
	require.NoError(t, err)

	bus := events.New()
	tc := timewindow.New(timewindow.DefaultConfig(), bus)
	tc.SetClock(func() time.Time { return time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC) })

	rm := resources.New(resources.DefaultConfig("/project"), bus)

	costCfg := cost.DefaultConfig("/project/.nocturnal_cost")
	costCfg.MonthlyBudget = decimal.NewFromFloat(100)
	tracker := cost.NewTracker(costCfg, fs, bus)
	optimizer := cost.NewOptimizer(costCfg, tracker)

	bm := branch.New(branch.DefaultConfig(), v)
	qc, err := quality.New(quality.DefaultThresholds(), bm, nil)
	require.NoError(t, err)

	d, err := danger.NewWithBuiltins(danger.Config{})
	require.NoError(t, err)
	backups := backup.New(backup.DefaultConfig("/project", "/backups"), fs, nil)
	rollbacks := rollback.New(rollback.DefaultConfig("/project"), fs, v, backups, "/project/.nocturnal")
	safetyC := safety.New(safety.DefaultConfig(), d, backups, rollbacks, v, bus)

	agent := func(ctx context.Context, task nocturnal.Task) (string, quality.ExecutorFunc) {
		return "func handle() {}", func(ctx context.Context, t nocturnal.Task) (nocturnal.ExecutionResult, error) {
			return nocturnal.ExecutionResult{TaskID: t.ID, Success: true, Quality: &nocturnal.QualityScore{Overall: 0.95}}, nil
		}
	}

	s := New(DefaultConfig(), nil, bus, tc, rm, q, optimizer, safetyC, agent)

	execSession, err := executor.StartParallelSession(context.Background(), executor.DefaultConfig(), bm, qc)
	require.NoError(t, err)

	return s, execSession
}

func TestSchedulerRunsOneTaskToCompletion(t *testing.T) {
	s, execSession := newTestScheduler(t)

	require.NoError(t, afero.WriteFile(afero.NewMemMapFs(), "/dummy", []byte("x"), 0o644))
	ok, err := s.q.AddTask(nocturnal.Task{ID: "t1", Priority: nocturnal.PriorityHigh}, nil, time.Minute, nil)
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	go func() {
		time.Sleep(500 * time.Millisecond)
		s.Stop()
	}()

	require.NoError(t, s.Start(ctx, execSession))

	stats := s.Stats()
	require.GreaterOrEqual(t, stats.Attempted, 1)
}

func TestEmergencyStopMarksShutdown(t *testing.T) {
	s, execSession := newTestScheduler(t)
	s.session = execSession
	s.safetySession, _ = s.safetyC.InitializeSafetySession(context.Background())

	s.EmergencyStop(context.Background(), "test")
	require.Equal(t, 1, s.Stats().EmergencyStops)
	require.False(t, s.running)
}
