// Package backup implements the Backup Manager: Full, Git, Incremental,
// and Critical backups with SHA-256 integrity hashing, verification,
// and retention pruning. It knows nothing of rollback — per spec.md
// §9's re-architected layering, RollbackManager owns a handle to this
// package, never the reverse.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/nocturnal-agent/nocturnal/internal/nocturnal"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/repository"
)

// GitBundler is the narrow VCS capability the Git backup type needs.
// It is satisfied by vcs.VCS; declared locally to avoid a dependency
// cycle (vcs never needs to know about backups).
type GitBundler interface {
	BundleCreate(ctx context.Context, file string) error
	BundleVerify(ctx context.Context, file string) error
	HeadCommit(ctx context.Context) (string, error)
	CurrentBranch(ctx context.Context) (string, error)
}

// Config configures exclusion/critical lists and retention.
type Config struct {
	ProjectRoot     string
	BackupRoot      string // default <project>/../.nocturnal_backups
	ExcludePatterns []string
	CriticalPaths   []string
	MaxBackups      int // default 50
	RetentionDays   int // default 30
}

// DefaultConfig returns spec.md's documented defaults.
func DefaultConfig(projectRoot, backupRoot string) Config {
	return Config{
		ProjectRoot:     projectRoot,
		BackupRoot:      backupRoot,
		ExcludePatterns: []string{".git", "node_modules", ".nocturnal", ".nocturnal_backups"},
		MaxBackups:      50,
		RetentionDays:   30,
	}
}

// Manager owns the backup index for one project.
type Manager struct {
	mu    sync.Mutex
	fs    afero.Fs
	cfg   Config
	repo  *repository.JSONFile
	git   GitBundler
	clock func() time.Time
}

// New constructs a Manager. fs may be nil to use the OS filesystem;
// git may be nil, which disables Git-type backups.
func New(cfg Config, fs afero.Fs, git GitBundler) *Manager {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Manager{
		fs:    fs,
		cfg:   cfg,
		repo:  repository.NewJSONFile(fs, filepath.Join(cfg.BackupRoot, "backups_index.json")),
		git:   git,
		clock: time.Now,
	}
}

func (m *Manager) loadIndex() ([]nocturnal.BackupInfo, error) {
	var idx []nocturnal.BackupInfo
	if err := m.repo.Load(&idx); err != nil {
		return nil, err
	}
	return idx, nil
}

func (m *Manager) saveIndex(idx []nocturnal.BackupInfo) error {
	return m.repo.Save(&idx)
}

func (m *Manager) excluded(rel string) bool {
	for _, pat := range m.cfg.ExcludePatterns {
		if pat == "" {
			continue
		}
		if strings.HasPrefix(rel, pat+string(filepath.Separator)) || rel == pat {
			return true
		}
	}
	return false
}

// listFiles walks ProjectRoot and returns relative paths of every
// non-excluded regular file, sorted for deterministic hashing.
func (m *Manager) listFiles() ([]string, error) {
	var files []string
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
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// criticalFiles returns the subset of ProjectRoot's files under any
// configured critical path.
func (m *Manager) criticalFiles(all []string) []string {
	var out []string
	for _, f := range all {
		for _, c := range m.cfg.CriticalPaths {
			if strings.HasPrefix(f, c) {
				out = append(out, f)
				break
			}
		}
	}
	return out
}

// newerThan returns the subset of files modified after cutoff.
func (m *Manager) newerThan(all []string, cutoff time.Time) ([]string, error) {
	var out []string
	for _, rel := range all {
		info, err := m.fs.Stat(filepath.Join(m.cfg.ProjectRoot, rel))
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			out = append(out, rel)
		}
	}
	return out, nil
}

// hashFiles computes SHA-256 over the sorted relative paths and file
// contents, the integrity hash spec.md §4.9 requires.
func (m *Manager) hashFiles(files []string) (string, error) {
	h := sha256.New()
	sort.Strings(files)
	for _, rel := range files {
		h.Write([]byte(rel))
		f, err := m.fs.Open(filepath.Join(m.cfg.ProjectRoot, rel))
		if err != nil {
			return "", fmt.Errorf("opening %s: %w", rel, err)
		}
		if _, err := io.Copy(h, f); err != nil {
			f.Close()
			return "", fmt.Errorf("hashing %s: %w", rel, err)
		}
		f.Close()
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (m *Manager) copyFiles(files []string, destDir string) (int64, error) {
	var size int64
	for _, rel := range files {
		src := filepath.Join(m.cfg.ProjectRoot, rel)
		dst := filepath.Join(destDir, rel)
		if err := m.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return size, err
		}
		data, err := afero.ReadFile(m.fs, src)
		if err != nil {
			return size, fmt.Errorf("reading %s: %w", rel, err)
		}
		if err := afero.WriteFile(m.fs, dst, data, 0o644); err != nil {
			return size, fmt.Errorf("writing %s: %w", dst, err)
		}
		size += int64(len(data))
	}
	return size, nil
}

// CreateBackup produces a backup of typ and appends it to the index.
func (m *Manager) CreateBackup(ctx context.Context, typ nocturnal.BackupType) (*nocturnal.BackupInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.New().String()
	destDir := filepath.Join(m.cfg.BackupRoot, id)

	all, err := m.listFiles()
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}

	var files []string
	switch typ {
	case nocturnal.BackupFull:
		files = all
	case nocturnal.BackupCritical:
		files = m.criticalFiles(all)
	case nocturnal.BackupIncremental:
		idx, err := m.loadIndex()
		if err != nil {
			return nil, err
		}
		cutoff := time.Time{}
		if len(idx) > 0 {
			cutoff = idx[len(idx)-1].Timestamp
		}
		files, err = m.newerThan(all, cutoff)
		if err != nil {
			return nil, err
		}
	case nocturnal.BackupGit:
		files = nil // Git backups copy VCS metadata, not the working tree.
	default:
		return nil, fmt.Errorf("unknown backup type %q", typ)
	}

	var size int64
	var gitCommit, gitBranch string
	if typ == nocturnal.BackupGit {
		if m.git == nil {
			return nil, fmt.Errorf("git backup requested but no VCS is configured")
		}
		if err := m.fs.MkdirAll(destDir, 0o755); err != nil {
			return nil, err
		}
		bundlePath := filepath.Join(destDir, "repo.bundle")
		if err := m.git.BundleCreate(ctx, bundlePath); err != nil {
			return nil, fmt.Errorf("creating bundle: %w", err)
		}
		for _, meta := range []string{"config", "HEAD", "refs", "hooks"} {
			src := filepath.Join(m.cfg.ProjectRoot, ".git", meta)
			if exists, _ := afero.Exists(m.fs, src); exists {
				_ = m.copyTree(src, filepath.Join(destDir, ".git", meta))
			}
		}
		gitCommit, _ = m.git.HeadCommit(ctx)
		gitBranch, _ = m.git.CurrentBranch(ctx)
	} else {
		if _, err := m.copyFiles(files, destDir); err != nil {
			return nil, err
		}
		if sz, err := m.dirSize(destDir); err == nil {
			size = sz
		}
		if m.git != nil {
			gitCommit, _ = m.git.HeadCommit(ctx)
			gitBranch, _ = m.git.CurrentBranch(ctx)
		}
	}

	hash, err := m.hashFiles(files)
	if err != nil {
		return nil, err
	}

	info := &nocturnal.BackupInfo{
		ID:                 id,
		Type:               typ,
		Timestamp:          m.clock(),
		GitCommit:          gitCommit,
		GitBranch:          gitBranch,
		FileCount:          len(files),
		SizeBytes:          size,
		IntegrityHash:       hash,
		VerificationStatus: nocturnal.VerificationPending,
		Path:               destDir,
	}

	idx, err := m.loadIndex()
	if err != nil {
		return nil, err
	}
	idx = append(idx, *info)
	if err := m.saveIndex(idx); err != nil {
		return nil, err
	}
	return info, nil
}

// dirSize sums the size of every regular file under dir.
func (m *Manager) dirSize(dir string) (int64, error) {
	var total int64
	err := afero.Walk(m.fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

func (m *Manager) copyTree(src, dst string) error {
	return afero.Walk(m.fs, src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return m.fs.MkdirAll(target, 0o755)
		}
		data, err := afero.ReadFile(m.fs, path)
		if err != nil {
			return err
		}
		return afero.WriteFile(m.fs, target, data, 0o644)
	})
}

// VerifyBackup recomputes the integrity hash for the files recorded
// under the backup's source tree at verification time and compares it
// to the stored hash. For Git backups, it additionally validates the
// bundle.
func (m *Manager) VerifyBackup(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	idx, err := m.loadIndex()
	m.mu.Unlock()
	if err != nil {
		return false, err
	}

	for i := range idx {
		if idx[i].ID != id {
			continue
		}
		info := &idx[i]

		ok := true
		if info.Type == nocturnal.BackupGit {
			if m.git != nil {
				if err := m.git.BundleVerify(ctx, filepath.Join(info.Path, "repo.bundle")); err != nil {
					ok = false
				}
			}
		} else {
			files, err := m.backedUpFiles(info.Path)
			if err != nil {
				return false, err
			}
			recomputed, err := m.hashFilesAt(info.Path, files)
			if err != nil {
				return false, err
			}
			ok = recomputed == info.IntegrityHash
		}

		if ok {
			info.VerificationStatus = nocturnal.VerificationVerified
		} else {
			info.VerificationStatus = nocturnal.VerificationFailed
		}

		m.mu.Lock()
		err := m.saveIndex(idx)
		m.mu.Unlock()
		if err != nil {
			return false, err
		}
		return ok, nil
	}
	return false, fmt.Errorf("backup %s not found", id)
}

// backedUpFiles lists the relative paths actually copied into dir.
func (m *Manager) backedUpFiles(dir string) ([]string, error) {
	var files []string
	err := afero.Walk(m.fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	sort.Strings(files)
	return files, err
}

func (m *Manager) hashFilesAt(root string, files []string) (string, error) {
	h := sha256.New()
	for _, rel := range files {
		h.Write([]byte(rel))
		f, err := m.fs.Open(filepath.Join(root, rel))
		if err != nil {
			return "", err
		}
		if _, err := io.Copy(h, f); err != nil {
			f.Close()
			return "", err
		}
		f.Close()
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CreatePreExecutionBackup produces a Full backup and requires its
// verification to succeed before returning.
func (m *Manager) CreatePreExecutionBackup(ctx context.Context) (*nocturnal.BackupInfo, error) {
	info, err := m.CreateBackup(ctx, nocturnal.BackupFull)
	if err != nil {
		return nil, err
	}
	ok, err := m.VerifyBackup(ctx, info.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("pre-execution backup %s failed verification", info.ID)
	}
	info.VerificationStatus = nocturnal.VerificationVerified
	return info, nil
}

// Prune deletes backups beyond MaxBackups (oldest first) and any
// backup older than RetentionDays.
func (m *Manager) Prune(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	idx, err := m.loadIndex()
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	sort.Slice(idx, func(i, j int) bool { return idx[i].Timestamp.Before(idx[j].Timestamp) })

	cutoff := m.clock().AddDate(0, 0, -m.cfg.RetentionDays)
	var kept []nocturnal.BackupInfo
	var removed []string
	excess := len(idx) - m.cfg.MaxBackups

	for i, b := range idx {
		tooOld := b.Timestamp.Before(cutoff)
		tooMany := i < excess
		if tooOld || tooMany {
			_ = m.fs.RemoveAll(b.Path)
			removed = append(removed, b.ID)
			continue
		}
		kept = append(kept, b)
	}

	m.mu.Lock()
	err = m.saveIndex(kept)
	m.mu.Unlock()
	return removed, err
}

// List returns a snapshot of the backup index.
func (m *Manager) List() ([]nocturnal.BackupInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadIndex()
}

// Get returns one backup by id.
func (m *Manager) Get(id string) (nocturnal.BackupInfo, bool) {
	idx, err := m.List()
	if err != nil {
		return nocturnal.BackupInfo{}, false
	}
	for _, b := range idx {
		if b.ID == id {
			return b, true
		}
	}
	return nocturnal.BackupInfo{}, false
}

// Restore copies every file from the backup at id back over
// ProjectRoot, used by rollback's FileRestore strategy.
func (m *Manager) Restore(ctx context.Context, id string) error {
	info, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("backup %s not found", id)
	}
	files, err := m.backedUpFiles(info.Path)
	if err != nil {
		return err
	}
	for _, rel := range files {
		data, err := afero.ReadFile(m.fs, filepath.Join(info.Path, rel))
		if err != nil {
			return fmt.Errorf("reading backed-up %s: %w", rel, err)
		}
		dst := filepath.Join(m.cfg.ProjectRoot, rel)
		if err := m.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := afero.WriteFile(m.fs, dst, data, 0o644); err != nil {
			return fmt.Errorf("restoring %s: %w", rel, err)
		}
	}
	return nil
}

// SetClock overrides the wall clock source, for deterministic tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = now
}
