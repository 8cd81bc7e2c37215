package safety

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/nocturnal-agent/nocturnal/internal/nocturnal"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/events"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/safety/backup"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/safety/danger"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/safety/rollback"
)

type fakeVCS struct {
	commit string
	branch string
	reset  []string
	clean  int
}

func (f *fakeVCS) HeadCommit(ctx context.Context) (string, error)    { return f.commit, nil }
func (f *fakeVCS) CurrentBranch(ctx context.Context) (string, error) { return f.branch, nil }
func (f *fakeVCS) ResetHard(ctx context.Context, ref string) error {
	f.reset = append(f.reset, ref)
	f.commit = ref
	return nil
}
func (f *fakeVCS) Clean(ctx context.Context) error { f.clean++; return nil }

func newTestCoordinator(t *testing.T) (*Coordinator, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/project/main.go", []byte("package main"), 0o644))

	vcs := &fakeVCS{commit: "abc123", branch: "night-main"}
	backups := backup.New(backup.DefaultConfig("/project", "/backups"), fs, nil)
	rollbacks := rollback.New(rollback.DefaultConfig("/project"), fs, vcs, backups, "/project/.nocturnal")
	d, err := danger.NewWithBuiltins(danger.Config{BlockOnHigh: true, BlockOnCritical: true})
	require.NoError(t, err)

	c := New(DefaultConfig(), d, backups, rollbacks, vcs, events.New())
	return c, fs
}

func TestPreTaskSafetyCheckBlocksDangerousCode(t *testing.T) {
	c, _ := newTestCoordinator(t)
	report := c.PreTaskSafetyCheck(nocturnal.Task{ID: "t1"}, "os.Exec(\"rm -rf /\")")
	require.False(t, report.SafeToExecute)
	require.NotEmpty(t, report.BlockingIssues)
}

func TestPreTaskSafetyCheckAllowsCleanCode(t *testing.T) {
	c, _ := newTestCoordinator(t)
	report := c.PreTaskSafetyCheck(nocturnal.Task{ID: "t1"}, "func add(a, b int) int { return a + b }")
	require.True(t, report.SafeToExecute)
	require.Empty(t, report.BlockingIssues)
}

func TestPostTaskSafetyCheckCreatesRollbackPointOnSuccess(t *testing.T) {
	c, _ := newTestCoordinator(t)
	result := nocturnal.ExecutionResult{TaskID: "t1", Success: true, FilesModified: []string{"main.go"}}
	out, err := c.PostTaskSafetyCheck(context.Background(), nocturnal.Task{ID: "t1"}, result)
	require.NoError(t, err)
	require.NotEmpty(t, out.NewRollbackPointID)
	require.False(t, out.RollbackRecommended)
}

func TestPostTaskSafetyCheckFlagsLowQuality(t *testing.T) {
	c, _ := newTestCoordinator(t)
	result := nocturnal.ExecutionResult{
		TaskID:  "t1",
		Success: true,
		Quality: &nocturnal.QualityScore{Overall: 0.1},
	}
	out, err := c.PostTaskSafetyCheck(context.Background(), nocturnal.Task{ID: "t1"}, result)
	require.NoError(t, err)
	require.True(t, out.RollbackRecommended)
}

func TestEmergencyRecoveryRestoresViaRollbackPoint(t *testing.T) {
	c, fs := newTestCoordinator(t)
	session, err := c.InitializeSafetySession(context.Background())
	require.NoError(t, err)

	require.NoError(t, afero.WriteFile(fs, "/project/main.go", []byte("mutated"), 0o644))

	result := c.EmergencyRecovery(context.Background(), session, "test trigger")
	require.Equal(t, "rollback_to_point", result.Method)

	data, err := afero.ReadFile(fs, "/project/main.go")
	require.NoError(t, err)
	require.Equal(t, "package main", string(data))
}

func TestFinalizeSafetySessionReturnsHistory(t *testing.T) {
	c, _ := newTestCoordinator(t)
	session, err := c.InitializeSafetySession(context.Background())
	require.NoError(t, err)

	c.EmergencyRecovery(context.Background(), session, "wrap up")

	history, err := c.FinalizeSafetySession(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, history)
}
