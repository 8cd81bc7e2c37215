// Package safety implements the Safety Coordinator: the single entry
// point that wires the Danger Detector, Backup Manager, and Rollback
// Manager together for one overnight session. Per spec.md §9's
// re-architected layering, the Coordinator is the only package that
// holds handles to all three; none of them reference each other or the
// Coordinator back.
package safety

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/nocturnal-agent/nocturnal/internal/nocturnal"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/events"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/safety/backup"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/safety/danger"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/safety/rollback"
)

// VCS is the narrow capability the Coordinator needs directly, for the
// last-resort step of EmergencyRecovery.
type VCS interface {
	ResetHard(ctx context.Context, ref string) error
	Clean(ctx context.Context) error
}

// Config tunes the Coordinator's policy decisions.
type Config struct {
	// IncrementalBackupFileThreshold triggers a post-task incremental
	// backup once a task has touched at least this many files.
	IncrementalBackupFileThreshold int
	// LowQualityThreshold flags a completed task for rollback
	// consideration when its overall quality falls below it.
	LowQualityThreshold float64
}

// DefaultConfig returns spec.md's documented defaults.
func DefaultConfig() Config {
	return Config{IncrementalBackupFileThreshold: 5, LowQualityThreshold: 0.3}
}

// Session is the handle returned by InitializeSafetySession: the home
// rollback point and backup that EmergencyRecovery falls back to.
type Session struct {
	StartedAt           time.Time
	HomeRollbackPointID string
	HomeBackupID        string
}

// Report is the outcome of PreTaskSafetyCheck.
type Report struct {
	SafeToExecute  bool
	BlockingIssues []string
	Warnings       []string
	DangerResult   danger.Result
}

// PostCheckResult is the outcome of PostTaskSafetyCheck.
type PostCheckResult struct {
	RollbackRecommended bool
	NewRollbackPointID  string
	IncrementalBackupID string
}

// RecoveryResult describes which EmergencyRecovery step succeeded.
type RecoveryResult struct {
	Method string // "rollback_to_point", "restore_from_backup", "vcs_reset"
	Errors []string

	errs *multierror.Error
}

// Err returns the aggregated error from every failed fallback step, or
// nil if Method != "exhausted".
func (r *RecoveryResult) Err() error {
	return r.errs.ErrorOrNil()
}

// Coordinator is the single owner of the project's danger, backup, and
// rollback subsystems for one overnight run.
type Coordinator struct {
	mu sync.Mutex

	cfg       Config
	danger    *danger.Detector
	backups   *backup.Manager
	rollbacks *rollback.Manager
	vcs       VCS
	bus       *events.Bus
	clock     func() time.Time
}

// New constructs a Coordinator from its already-built subsystems.
func New(cfg Config, d *danger.Detector, b *backup.Manager, r *rollback.Manager, vcs VCS, bus *events.Bus) *Coordinator {
	return &Coordinator{cfg: cfg, danger: d, backups: b, rollbacks: r, vcs: vcs, bus: bus, clock: time.Now}
}

// InitializeSafetySession creates a verified pre-execution backup and
// an initial rollback point, and returns the Session handle that
// EmergencyRecovery uses as its fallback target for the rest of the
// run.
func (c *Coordinator) InitializeSafetySession(ctx context.Context) (*Session, error) {
	backupInfo, err := c.backups.CreatePreExecutionBackup(ctx)
	if err != nil {
		return nil, fmt.Errorf("pre-execution backup: %w", err)
	}

	point, err := c.rollbacks.CreateRollbackPoint(ctx, "session start", false)
	if err != nil {
		return nil, fmt.Errorf("initial rollback point: %w", err)
	}

	return &Session{
		StartedAt:           c.clock(),
		HomeRollbackPointID: point.ID,
		HomeBackupID:        backupInfo.ID,
	}, nil
}

// PreTaskSafetyCheck scans a task's planned code for danger patterns
// and hard-coded secrets before it runs. A Critical or High match
// under the configured blocking policy makes the task unsafe to
// execute; every match below that bar is surfaced as a warning.
func (c *Coordinator) PreTaskSafetyCheck(task nocturnal.Task, plannedCode string) Report {
	result := c.danger.AnalyzeCode(plannedCode)

	report := Report{SafeToExecute: true, DangerResult: result}
	if c.danger.Blocked(result) {
		report.SafeToExecute = false
		for _, m := range result.Matches {
			if m.Level == nocturnal.DangerHigh || m.Level == nocturnal.DangerCritical {
				report.BlockingIssues = append(report.BlockingIssues, fmt.Sprintf("%s: %s (%s)", m.Category, m.Pattern, m.Level))
			}
		}
	}
	for _, m := range result.Matches {
		if m.Level == nocturnal.DangerLow || m.Level == nocturnal.DangerMedium {
			report.Warnings = append(report.Warnings, fmt.Sprintf("%s: %s (%s)", m.Category, m.Pattern, m.Level))
		}
	}

	if !report.SafeToExecute && c.bus != nil {
		c.bus.Publish(events.Event{Type: events.DangerDetected, Payload: DangerDetectedPayload{
			TaskID: task.ID,
			Result: result,
		}})
	}

	return report
}

// DangerDetectedPayload is published on events.DangerDetected.
type DangerDetectedPayload struct {
	TaskID string
	Result danger.Result
}

// PostTaskSafetyCheck runs after a task finishes: it captures a new
// rollback point for a successful task that touched files, takes an
// incremental backup once enough files have changed, and flags a
// failed or low-quality task for rollback consideration.
func (c *Coordinator) PostTaskSafetyCheck(ctx context.Context, task nocturnal.Task, result nocturnal.ExecutionResult) (*PostCheckResult, error) {
	out := &PostCheckResult{}

	touched := len(result.FilesModified) + len(result.FilesCreated)

	if !result.Success || len(result.Errors) > 0 {
		out.RollbackRecommended = true
	}
	if result.Quality != nil && result.Quality.Overall < c.cfg.LowQualityThreshold {
		out.RollbackRecommended = true
	}

	if result.Success && touched > 0 {
		point, err := c.rollbacks.CreateRollbackPoint(ctx, fmt.Sprintf("after task %s", task.ID), false)
		if err != nil {
			return out, fmt.Errorf("post-task rollback point: %w", err)
		}
		out.NewRollbackPointID = point.ID
	}

	if touched >= c.cfg.IncrementalBackupFileThreshold {
		info, err := c.backups.CreateBackup(ctx, nocturnal.BackupIncremental)
		if err != nil {
			return out, fmt.Errorf("incremental backup: %w", err)
		}
		out.IncrementalBackupID = info.ID
	}

	return out, nil
}

// EmergencyRecovery restores the project to the session's home state
// through three fallback steps, stopping at the first that succeeds:
// a FullRestore to the session's rollback point, a FileRestore from
// the session's backup, and finally a raw VCS reset to the commit
// recorded against that backup.
func (c *Coordinator) EmergencyRecovery(ctx context.Context, session *Session, reason string) *RecoveryResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := &RecoveryResult{}

	if session.HomeRollbackPointID != "" {
		op, err := c.rollbacks.RollbackToPoint(ctx, session.HomeRollbackPointID, nocturnal.RollbackFullRestore, true)
		if err == nil && op.Status == nocturnal.RollbackVerified {
			result.Method = "rollback_to_point"
			c.publishRecovery(reason, result)
			return result
		}
		if err != nil {
			result.Errors = append(result.Errors, "rollback_to_point: "+err.Error())
			result.errs = multierror.Append(result.errs, fmt.Errorf("rollback_to_point: %w", err))
		} else {
			msg := fmt.Sprintf("rollback_to_point: unverified status %s", op.Status)
			result.Errors = append(result.Errors, msg)
			result.errs = multierror.Append(result.errs, fmt.Errorf("%s", msg))
		}
	}

	if session.HomeBackupID != "" {
		if err := c.backups.Restore(ctx, session.HomeBackupID); err == nil {
			result.Method = "restore_from_backup"
			c.publishRecovery(reason, result)
			return result
		} else {
			result.Errors = append(result.Errors, "restore_from_backup: "+err.Error())
			result.errs = multierror.Append(result.errs, fmt.Errorf("restore_from_backup: %w", err))
		}
	}

	if session.HomeBackupID != "" && c.vcs != nil {
		if info, ok := c.backups.Get(session.HomeBackupID); ok && info.GitCommit != "" {
			if err := c.vcs.ResetHard(ctx, info.GitCommit); err == nil {
				_ = c.vcs.Clean(ctx)
				result.Method = "vcs_reset"
				c.publishRecovery(reason, result)
				return result
			} else {
				result.Errors = append(result.Errors, "vcs_reset: "+err.Error())
				result.errs = multierror.Append(result.errs, fmt.Errorf("vcs_reset: %w", err))
			}
		} else {
			const msg = "vcs_reset: session backup has no recorded commit"
			result.Errors = append(result.Errors, msg)
			result.errs = multierror.Append(result.errs, fmt.Errorf(msg))
		}
	}

	result.Method = "exhausted"
	c.publishRecovery(reason, result)
	return result
}

// EmergencyRecoveryPayload is published on events.EmergencyRecovery.
type EmergencyRecoveryPayload struct {
	Reason string
	Method string
	Errors []string
}

func (c *Coordinator) publishRecovery(reason string, result *RecoveryResult) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{Type: events.EmergencyRecovery, Payload: EmergencyRecoveryPayload{
		Reason: reason,
		Method: result.Method,
		Errors: result.Errors,
	}})
}

// FinalizeSafetySession prunes backups past retention and returns the
// rollback history accumulated over the session, for reporting.
func (c *Coordinator) FinalizeSafetySession(ctx context.Context) ([]nocturnal.RollbackOperation, error) {
	if _, err := c.backups.Prune(ctx); err != nil {
		return nil, fmt.Errorf("pruning backups: %w", err)
	}
	return c.rollbacks.History()
}

// SetClock overrides the wall clock source, for deterministic tests.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = now
}
