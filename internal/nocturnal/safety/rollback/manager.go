// Package rollback implements the Rollback Manager: persisted
// restoration targets (VCS commit + optional backup + file-hash
// snapshot) and the five restoration strategies. Per spec.md §9's
// re-architected layering, this package owns a handle to backup.Manager
// and never the reverse, eliminating the source's cyclic references.
package rollback

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/nocturnal-agent/nocturnal/internal/nocturnal"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/repository"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/safety/backup"
)

// VCS is the narrow capability the Manager needs from the version
// control subprocess driver.
type VCS interface {
	HeadCommit(ctx context.Context) (string, error)
	CurrentBranch(ctx context.Context) (string, error)
	ResetHard(ctx context.Context, ref string) error
	Clean(ctx context.Context) error
}

// Config configures retention and the tree snapshotted by
// CreateRollbackPoint.
type Config struct {
	ProjectRoot     string
	MaxPoints       int // default 10
	ExcludePatterns []string
}

// DefaultConfig returns spec.md's documented defaults.
func DefaultConfig(projectRoot string) Config {
	return Config{ProjectRoot: projectRoot, MaxPoints: 10, ExcludePatterns: []string{".git", ".nocturnal", ".nocturnal_backups"}}
}

// Manager owns the rollback point index and operation history for one
// project.
type Manager struct {
	mu          sync.Mutex
	fs          afero.Fs
	cfg         Config
	vcs         VCS
	backups     *backup.Manager
	pointsRepo  *repository.JSONFile
	historyRepo *repository.JSONFile
	clock       func() time.Time

	opMu sync.Mutex // serializes RollbackToPoint: one in-progress per project
}

// New constructs a Manager. fs may be nil to use the OS filesystem.
func New(cfg Config, fs afero.Fs, v VCS, backups *backup.Manager, stateDir string) *Manager {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Manager{
		fs:          fs,
		cfg:         cfg,
		vcs:         v,
		backups:     backups,
		pointsRepo:  repository.NewJSONFile(fs, filepath.Join(stateDir, "rollback_points.json")),
		historyRepo: repository.NewJSONFile(fs, filepath.Join(stateDir, "rollback_history.json")),
		clock:       time.Now,
	}
}

func (m *Manager) loadPoints() ([]nocturnal.RollbackPoint, error) {
	var pts []nocturnal.RollbackPoint
	if err := m.pointsRepo.Load(&pts); err != nil {
		return nil, err
	}
	return pts, nil
}

func (m *Manager) savePoints(pts []nocturnal.RollbackPoint) error {
	return m.pointsRepo.Save(&pts)
}

func (m *Manager) loadHistory() ([]nocturnal.RollbackOperation, error) {
	var ops []nocturnal.RollbackOperation
	if err := m.historyRepo.Load(&ops); err != nil {
		return nil, err
	}
	return ops, nil
}

func (m *Manager) appendHistory(op nocturnal.RollbackOperation) error {
	ops, err := m.loadHistory()
	if err != nil {
		return err
	}
	ops = append(ops, op)
	return m.historyRepo.Save(&ops)
}

func (m *Manager) excluded(rel string) bool {
	for _, p := range m.cfg.ExcludePatterns {
		if p == "" {
			continue
		}
		if rel == p || len(rel) > len(p) && rel[:len(p)+1] == p+string(filepath.Separator) {
			return true
		}
	}
	return false
}

// snapshot computes a relative-path→SHA-256 map over ProjectRoot.
func (m *Manager) snapshot() (map[string]string, error) {
	hashes := make(map[string]string)
	err := afero.Walk(m.fs, m.cfg.ProjectRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(m.cfg.ProjectRoot, path)
		if err != nil {
			return err
		}
		if m.excluded(rel) {
			return nil
		}
		f, err := m.fs.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		h := sha256.New()
		if _, err := io.Copy(h, f); err != nil {
			return err
		}
		hashes[rel] = hex.EncodeToString(h.Sum(nil))
		return nil
	})
	return hashes, err
}

// CreateRollbackPoint captures the current VCS commit/branch, optionally
// triggers a Full backup, and builds a file-hash snapshot.
func (m *Manager) CreateRollbackPoint(ctx context.Context, description string, triggerBackup bool) (*nocturnal.RollbackPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	commit, err := m.vcs.HeadCommit(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading HEAD: %w", err)
	}
	branchName, err := m.vcs.CurrentBranch(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading current branch: %w", err)
	}

	var backupID string
	if triggerBackup && m.backups != nil {
		info, err := m.backups.CreateBackup(ctx, nocturnal.BackupFull)
		if err != nil {
			return nil, fmt.Errorf("creating backup: %w", err)
		}
		backupID = info.ID
	}

	hashes, err := m.snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshotting files: %w", err)
	}

	point := &nocturnal.RollbackPoint{
		ID:          uuid.New().String(),
		Timestamp:   m.clock(),
		GitCommit:   commit,
		GitBranch:   branchName,
		BackupID:    backupID,
		FileHashes:  hashes,
		Description: description,
	}
	if point.GitCommit == "" && point.BackupID == "" {
		return nil, fmt.Errorf("rollback point must reference a commit or a verified backup")
	}

	pts, err := m.loadPoints()
	if err != nil {
		return nil, err
	}
	pts = append(pts, *point)
	if len(pts) > m.cfg.MaxPoints {
		pts = pts[len(pts)-m.cfg.MaxPoints:]
	}
	if err := m.savePoints(pts); err != nil {
		return nil, err
	}
	return point, nil
}

func (m *Manager) findPoint(id string) (nocturnal.RollbackPoint, error) {
	pts, err := m.loadPoints()
	if err != nil {
		return nocturnal.RollbackPoint{}, err
	}
	for _, p := range pts {
		if p.ID == id {
			return p, nil
		}
	}
	return nocturnal.RollbackPoint{}, fmt.Errorf("rollback point %s not found", id)
}

// RollbackToPoint restores the project to the state described by the
// rollback point id, using the strategy named by typ, and optionally
// verifies the result.
func (m *Manager) RollbackToPoint(ctx context.Context, id string, typ nocturnal.RollbackType, verifyAfter bool) (*nocturnal.RollbackOperation, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	point, err := m.findPoint(id)
	if err != nil {
		return nil, err
	}

	op := nocturnal.RollbackOperation{
		ID:            uuid.New().String(),
		Type:          typ,
		TargetPointID: id,
		Status:        nocturnal.RollbackInProgress,
		StartedAt:     m.clock(),
	}

	var execErr error
	switch typ {
	case nocturnal.RollbackGitReset:
		execErr = m.gitReset(ctx, point)
	case nocturnal.RollbackFileRestore:
		execErr = m.fileRestore(ctx, point)
	case nocturnal.RollbackFullRestore:
		if execErr = m.gitReset(ctx, point); execErr == nil {
			execErr = m.fileRestore(ctx, point)
		}
	case nocturnal.RollbackSelective:
		// Delegates to FileRestore; spec.md §9 leaves a true subset
		// strategy an open question.
		execErr = m.fileRestore(ctx, point)
	case nocturnal.RollbackIncremental:
		// Delegates to GitReset; spec.md §9 leaves a true step-wise
		// strategy an open question.
		execErr = m.gitReset(ctx, point)
	default:
		execErr = fmt.Errorf("unknown rollback type %q", typ)
	}

	completed := m.clock()
	op.CompletedAt = &completed

	if execErr != nil {
		op.Status = nocturnal.RollbackFailed
		op.Errors = append(op.Errors, execErr.Error())
		_ = m.appendHistory(op)
		return &op, execErr
	}

	op.Status = nocturnal.RollbackCompleted

	if verifyAfter {
		ok, verifyErrs := m.verify(ctx, point)
		op.Verified = ok
		op.Errors = append(op.Errors, verifyErrs...)
		if ok {
			op.Status = nocturnal.RollbackVerified
		} else {
			op.Status = nocturnal.RollbackFailed
		}
	}

	if err := m.appendHistory(op); err != nil {
		return &op, err
	}
	return &op, nil
}

func (m *Manager) gitReset(ctx context.Context, point nocturnal.RollbackPoint) error {
	if point.GitCommit == "" {
		return fmt.Errorf("rollback point has no git commit to reset to")
	}
	if err := m.vcs.ResetHard(ctx, point.GitCommit); err != nil {
		return fmt.Errorf("resetting to %s: %w", point.GitCommit, err)
	}
	return m.vcs.Clean(ctx)
}

func (m *Manager) fileRestore(ctx context.Context, point nocturnal.RollbackPoint) error {
	if point.BackupID == "" {
		return fmt.Errorf("rollback point has no backup to restore from")
	}
	if m.backups == nil {
		return fmt.Errorf("no backup manager configured")
	}
	return m.backups.Restore(ctx, point.BackupID)
}

// verify checks that the current commit equals the target's commit and
// that at least 95% of the snapshot's file hashes still match.
func (m *Manager) verify(ctx context.Context, point nocturnal.RollbackPoint) (bool, []string) {
	var errs []string

	current, err := m.vcs.HeadCommit(ctx)
	if err != nil {
		errs = append(errs, fmt.Sprintf("reading current commit: %v", err))
		return false, errs
	}
	commitMatches := point.GitCommit == "" || current == point.GitCommit
	if !commitMatches {
		errs = append(errs, fmt.Sprintf("current commit %s does not match target %s", current, point.GitCommit))
	}

	hashes, err := m.snapshot()
	if err != nil {
		errs = append(errs, fmt.Sprintf("re-snapshotting: %v", err))
		return false, errs
	}

	matched := 0
	for rel, want := range point.FileHashes {
		if hashes[rel] == want {
			matched++
		}
	}
	ratio := 1.0
	if len(point.FileHashes) > 0 {
		ratio = float64(matched) / float64(len(point.FileHashes))
	}
	if ratio < 0.95 {
		errs = append(errs, fmt.Sprintf("only %.1f%% of snapshot file hashes matched", ratio*100))
	}

	return commitMatches && ratio >= 0.95, errs
}

// Points returns a snapshot of all persisted rollback points, newest
// last.
func (m *Manager) Points() ([]nocturnal.RollbackPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pts, err := m.loadPoints()
	if err != nil {
		return nil, err
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].Timestamp.Before(pts[j].Timestamp) })
	return pts, nil
}

// History returns every recorded RollbackOperation.
func (m *Manager) History() ([]nocturnal.RollbackOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadHistory()
}

// SetClock overrides the wall clock source, for deterministic tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = now
}
