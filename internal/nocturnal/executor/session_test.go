package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nocturnal-agent/nocturnal/internal/nocturnal"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/branch"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/quality"
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
func (f *fakeVCS) Commit(ctx context.Context, message string) error {
	f.commit = "commit-" + message
	return nil
}
func (f *fakeVCS) Merge(ctx context.Context, branchName, message string) error { return nil }
func (f *fakeVCS) ResetHard(ctx context.Context, ref string) error             { f.commit = ref; return nil }
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

func newTestSession(t *testing.T) (*Session, *branch.Manager) {
	t.Helper()
	v := &fakeVCS{branchName: "main", commit: "abc"}
	bm := branch.New(branch.DefaultConfig(), v)
	qc, err := quality.New(quality.DefaultThresholds(), bm, nil)
	require.NoError(t, err)

	sess, err := StartParallelSession(context.Background(), DefaultConfig(), bm, qc)
	require.NoError(t, err)
	return sess, bm
}

func TestExecuteTaskParallelRunsSuccessfulTask(t *testing.T) {
	sess, _ := newTestSession(t)

	fn := func(ctx context.Context, task nocturnal.Task) (nocturnal.ExecutionResult, error) {
		return nocturnal.ExecutionResult{TaskID: task.ID, Success: true, Quality: &nocturnal.QualityScore{Overall: 0.95}}, nil
	}

	require.NoError(t, sess.ExecuteTaskParallel(context.Background(), nocturnal.Task{ID: "t1"}, fn, 0.95))

	status, counts := sess.WaitForCompletion(context.Background(), "t1", 2*time.Second)
	require.Equal(t, WaitCompleted, status)
	require.Equal(t, 1, counts["completed"])
}

func TestExecuteTaskParallelRejectsZeroQuality(t *testing.T) {
	sess, _ := newTestSession(t)

	fn := func(ctx context.Context, task nocturnal.Task) (nocturnal.ExecutionResult, error) {
		t.Fatal("executor should not run for a rejected task")
		return nocturnal.ExecutionResult{}, nil
	}

	require.NoError(t, sess.ExecuteTaskParallel(context.Background(), nocturnal.Task{ID: "t2"}, fn, 0))
	counts := sess.counts()
	require.Equal(t, 1, counts["failed"])
}

func TestFinalizeParallelSessionReturnsSummary(t *testing.T) {
	sess, _ := newTestSession(t)

	fn := func(ctx context.Context, task nocturnal.Task) (nocturnal.ExecutionResult, error) {
		return nocturnal.ExecutionResult{TaskID: task.ID, Success: true, Quality: &nocturnal.QualityScore{Overall: 0.95}}, nil
	}
	require.NoError(t, sess.ExecuteTaskParallel(context.Background(), nocturnal.Task{ID: "t3"}, fn, 0.95))

	summary, err := sess.FinalizeParallelSession(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Completed)
	require.Equal(t, 1, summary.ParallelPeak)
}
