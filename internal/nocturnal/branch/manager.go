// Package branch implements the Branch Manager: the VCS-side strategy
// for night-session isolation, quality-tier branch naming, conflict
// detection, and the auto-merge gate onto night-main.
package branch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nocturnal-agent/nocturnal/internal/nocturnal"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/vcs"
)

// Config configures branch naming and thresholds.
type Config struct {
	Prefix                string // default "nocturnal"
	HighQualityThreshold  float64
	MediumQualityThreshold float64
}

// DefaultConfig returns spec.md's documented defaults.
func DefaultConfig() Config {
	return Config{Prefix: "nocturnal", HighQualityThreshold: 0.85, MediumQualityThreshold: 0.70}
}

// MergeConflict describes one conflicting file from a dry-run merge.
type MergeConflict struct {
	File string
}

// ConflictSeverity classifies a set of merge conflicts by file count.
type ConflictSeverity string

const (
	SeverityLow    ConflictSeverity = "low"
	SeverityMedium ConflictSeverity = "medium"
	SeverityHigh   ConflictSeverity = "high"
)

// ConflictReport is the result of detect_merge_conflicts.
type ConflictReport struct {
	Conflicts      []MergeConflict
	Severity       ConflictSeverity
	AutoResolvable bool
}

// MergeResult is the outcome of attempt_auto_merge.
type MergeResult struct {
	Success        bool
	CommitHash     string
	RefusalReason  string
}

// Manager owns every BranchInfo entry for one project.
type Manager struct {
	mu        sync.Mutex
	cfg       Config
	vcs       vcs.VCS
	clock     func() time.Time
	branches  map[string]*nocturnal.BranchInfo
	nightMain string

	mergeMu sync.Mutex // serializes auto-merges onto night-main
}

// New constructs a Manager driving v.
func New(cfg Config, v vcs.VCS) *Manager {
	return &Manager{
		cfg:      cfg,
		vcs:      v,
		clock:    time.Now,
		branches: make(map[string]*nocturnal.BranchInfo),
	}
}

// InitializeNightSession snapshots the current branch/commit and
// creates the session's night-main branch off HEAD.
func (m *Manager) InitializeNightSession(ctx context.Context) (*nocturnal.BranchInfo, error) {
	head, err := m.vcs.HeadCommit(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading HEAD: %w", err)
	}

	name := fmt.Sprintf("%s/night-%s", m.cfg.Prefix, m.clock().Format("20060102"))
	if err := m.vcs.Checkout(ctx, name, true, ""); err != nil {
		return nil, fmt.Errorf("creating night-main branch: %w", err)
	}

	info := &nocturnal.BranchInfo{
		Name:             name,
		Type:             nocturnal.BranchNightMain,
		BaseCommit:       head,
		CreatedAt:        m.clock(),
		LastActivity:     m.clock(),
		QualityThreshold: m.cfg.HighQualityThreshold,
		Status:           nocturnal.BranchActive,
	}

	m.mu.Lock()
	m.branches[name] = info
	m.nightMain = name
	m.mu.Unlock()

	return info, nil
}

// NightMain returns the current session's night-main branch name.
func (m *Manager) NightMain() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nightMain
}

// tierFor classifies a quality score into an isolation branch type.
func (m *Manager) tierFor(quality float64) (nocturnal.BranchType, string) {
	switch {
	case quality >= m.cfg.HighQualityThreshold:
		return nocturnal.BranchHighQuality, "high_quality"
	case quality >= m.cfg.MediumQualityThreshold:
		return nocturnal.BranchMediumQuality, "medium_quality"
	default:
		return nocturnal.BranchExperimental, "experimental"
	}
}

// CreateQualityBranch classifies quality into a tier and creates an
// isolation branch off night-main named
// <prefix>/<tier>-<task_id>-<HHmmss>.
func (m *Manager) CreateQualityBranch(ctx context.Context, quality float64, taskID, taskDescription string) (*nocturnal.BranchInfo, error) {
	branchType, tierName := m.tierFor(quality)

	m.mu.Lock()
	base := m.nightMain
	m.mu.Unlock()

	name := fmt.Sprintf("%s/%s-%s-%s", m.cfg.Prefix, tierName, taskID, m.clock().Format("150405"))
	if err := m.vcs.Checkout(ctx, name, true, base); err != nil {
		return nil, fmt.Errorf("creating quality branch: %w", err)
	}

	info := &nocturnal.BranchInfo{
		Name:              name,
		Type:              branchType,
		BaseCommit:        base,
		CreatedAt:         m.clock(),
		LastActivity:      m.clock(),
		QualityThreshold:  quality,
		AssociatedTaskIDs: []string{taskID},
		Status:            nocturnal.BranchActive,
	}

	m.mu.Lock()
	m.branches[name] = info
	m.mu.Unlock()

	return info, nil
}

// CommitTaskResult stages filesChanged (or all changes if empty) and
// commits with a message embedding taskID.
func (m *Manager) CommitTaskResult(ctx context.Context, taskID, message string, filesChanged []string) (string, error) {
	if err := m.vcs.Add(ctx, filesChanged...); err != nil {
		return "", fmt.Errorf("staging changes: %w", err)
	}
	canonical := fmt.Sprintf("[task:%s] %s", taskID, message)
	if err := m.vcs.Commit(ctx, canonical); err != nil {
		return "", fmt.Errorf("committing: %w", err)
	}
	hash, err := m.vcs.HeadCommit(ctx)
	if err != nil {
		return "", fmt.Errorf("reading new commit: %w", err)
	}

	if current, err := m.vcs.CurrentBranch(ctx); err == nil {
		m.mu.Lock()
		if b, ok := m.branches[current]; ok {
			b.LastActivity = m.clock()
		}
		m.mu.Unlock()
	}

	return hash, nil
}

// DetectMergeConflicts asks the VCS for a dry-run three-way merge and
// parses the conflicting file names.
func (m *Manager) DetectMergeConflicts(ctx context.Context, source, target string) (ConflictReport, error) {
	out, err := m.vcs.MergeTree(ctx, target, source)
	if err != nil {
		return ConflictReport{}, fmt.Errorf("computing merge-tree: %w", err)
	}

	var conflicts []MergeConflict
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "<<<<<<<") || strings.HasPrefix(strings.TrimSpace(line), "CONFLICT") {
			conflicts = append(conflicts, MergeConflict{File: strings.TrimSpace(line)})
		}
	}

	var severity ConflictSeverity
	switch {
	case len(conflicts) <= 0:
		severity = SeverityLow
	case len(conflicts) <= 2:
		severity = SeverityMedium
	default:
		severity = SeverityHigh
	}

	return ConflictReport{
		Conflicts:      conflicts,
		Severity:       severity,
		AutoResolvable: len(conflicts) <= 2,
	}, nil
}

// AttemptAutoMerge merges source into target. Auto-merges onto
// night-main are serialized: one in-flight merge at a time.
func (m *Manager) AttemptAutoMerge(ctx context.Context, source, target string, qualityScore float64) (MergeResult, error) {
	m.mu.Lock()
	isNightMain := target == m.nightMain
	m.mu.Unlock()

	if isNightMain && qualityScore < m.cfg.HighQualityThreshold {
		return MergeResult{Success: false, RefusalReason: "quality gate"}, nil
	}

	report, err := m.DetectMergeConflicts(ctx, source, target)
	if err != nil {
		return MergeResult{}, err
	}
	if len(report.Conflicts) > 0 && !report.AutoResolvable {
		return MergeResult{Success: false, RefusalReason: "manual intervention required"}, nil
	}

	m.mergeMu.Lock()
	defer m.mergeMu.Unlock()

	original, err := m.vcs.CurrentBranch(ctx)
	if err != nil {
		return MergeResult{}, fmt.Errorf("reading current branch: %w", err)
	}

	if err := m.vcs.Checkout(ctx, target, false, ""); err != nil {
		return MergeResult{}, fmt.Errorf("checking out target: %w", err)
	}

	message := fmt.Sprintf("merge %s into %s (quality=%.2f)", source, target, qualityScore)
	if err := m.vcs.Merge(ctx, source, message); err != nil {
		_ = m.vcs.Checkout(ctx, original, false, "")
		return MergeResult{Success: false, RefusalReason: err.Error()}, nil
	}

	hash, err := m.vcs.HeadCommit(ctx)
	if err != nil {
		return MergeResult{}, fmt.Errorf("reading merge commit: %w", err)
	}

	m.mu.Lock()
	if b, ok := m.branches[source]; ok {
		b.Status = nocturnal.BranchMerged
	}
	m.mu.Unlock()

	return MergeResult{Success: true, CommitHash: hash}, nil
}

// CleanupInactiveBranches deletes merged/abandoned, non-night-main
// branches older than maxAge.
func (m *Manager) CleanupInactiveBranches(ctx context.Context, maxAge time.Duration) ([]string, error) {
	m.mu.Lock()
	var toDelete []string
	cutoff := m.clock().Add(-maxAge)
	for name, b := range m.branches {
		if name == m.nightMain {
			continue
		}
		if (b.Status == nocturnal.BranchMerged || b.Status == nocturnal.BranchAbandoned) && b.LastActivity.Before(cutoff) {
			toDelete = append(toDelete, name)
		}
	}
	m.mu.Unlock()

	sort.Strings(toDelete)
	var deleted []string
	for _, name := range toDelete {
		if err := m.vcs.DeleteBranch(ctx, name); err != nil {
			continue
		}
		m.mu.Lock()
		delete(m.branches, name)
		m.mu.Unlock()
		deleted = append(deleted, name)
	}
	return deleted, nil
}

// FinalizeNightSession reports branches still active and pending
// manual review (every non-night-main active branch).
func (m *Manager) FinalizeNightSession() []nocturnal.BranchInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []nocturnal.BranchInfo
	for name, b := range m.branches {
		if name == m.nightMain {
			continue
		}
		if b.Status == nocturnal.BranchActive {
			pending = append(pending, *b)
		}
	}
	return pending
}

// Get returns the known BranchInfo for name, if any.
func (m *Manager) Get(name string) (nocturnal.BranchInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.branches[name]
	if !ok {
		return nocturnal.BranchInfo{}, false
	}
	return *b, true
}

// Abandon marks a branch abandoned so it becomes eligible for cleanup.
func (m *Manager) Abandon(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.branches[name]; ok {
		b.Status = nocturnal.BranchAbandoned
		b.LastActivity = m.clock()
	}
}

// SetClock overrides the wall clock source, for deterministic tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = now
}
