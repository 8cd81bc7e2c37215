package rollback

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/nocturnal-agent/nocturnal/internal/nocturnal"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/safety/backup"
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

func TestFullRestoreMatchesOriginalSnapshot(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/project/main.go", []byte("package main"), 0o644))

	backupCfg := backup.DefaultConfig("/project", "/backups")
	backups := backup.New(backupCfg, fs, nil)

	vcs := &fakeVCS{commit: "abc123", branch: "night-main"}
	cfg := DefaultConfig("/project")
	m := New(cfg, fs, vcs, backups, "/project/.nocturnal")

	point, err := m.CreateRollbackPoint(context.Background(), "before task", true)
	require.NoError(t, err)

	require.NoError(t, afero.WriteFile(fs, "/project/main.go", []byte("mutated content"), 0o644))
	vcs.commit = "def456"

	op, err := m.RollbackToPoint(context.Background(), point.ID, nocturnal.RollbackFullRestore, true)
	require.NoError(t, err)
	require.Equal(t, nocturnal.RollbackVerified, op.Status)
	require.True(t, op.Verified)

	data, err := afero.ReadFile(fs, "/project/main.go")
	require.NoError(t, err)
	require.Equal(t, "package main", string(data))
}

func TestRollbackToUnknownPointFails(t *testing.T) {
	fs := afero.NewMemMapFs()
	backups := backup.New(backup.DefaultConfig("/project", "/backups"), fs, nil)
	vcs := &fakeVCS{commit: "abc", branch: "main"}
	m := New(DefaultConfig("/project"), fs, vcs, backups, "/project/.nocturnal")

	_, err := m.RollbackToPoint(context.Background(), "nonexistent", nocturnal.RollbackGitReset, false)
	require.Error(t, err)
}
