// Package quality implements the Quality Controller: tier
// classification, branch-targeted execution, post-action routing, and
// the pending-review and advisory surfaces.
package quality

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nocturnal-agent/nocturnal/internal/nocturnal"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/branch"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/repository"
)

// Thresholds holds spec.md §4.7's tier boundaries.
type Thresholds struct {
	AutoApply float64 // 0.90
	High      float64 // 0.85
	Medium    float64 // 0.70
}

// DefaultThresholds returns spec.md's documented defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{AutoApply: 0.90, High: 0.85, Medium: 0.70}
}

// Classify maps an overall score to a tier.
func Classify(overall float64, t Thresholds) nocturnal.QualityTier {
	switch {
	case overall >= t.High:
		return nocturnal.TierHigh
	case overall >= t.Medium:
		return nocturnal.TierMedium
	case overall > 0:
		return nocturnal.TierLow
	default:
		return nocturnal.TierFailed
	}
}

// Decide produces a QualityDecision from an estimated or measured
// overall score.
func Decide(overall float64, t Thresholds) nocturnal.QualityDecision {
	tier := Classify(overall, t)

	switch tier {
	case nocturnal.TierHigh:
		action := nocturnal.ActionParallelBranch
		if overall >= t.AutoApply {
			action = nocturnal.ActionImmediateApply
		}
		return nocturnal.QualityDecision{
			Tier: tier, Action: action, AutoMergeEligible: true, Confidence: overall,
		}
	case nocturnal.TierMedium:
		return nocturnal.QualityDecision{
			Tier: tier, Action: nocturnal.ActionParallelBranch, RequiresReview: true, Confidence: overall,
		}
	case nocturnal.TierLow:
		return nocturnal.QualityDecision{
			Tier: tier, Action: nocturnal.ActionExperimentalBranch, RequiresReview: true, Confidence: overall,
		}
	default:
		return nocturnal.QualityDecision{Tier: nocturnal.TierFailed, Action: nocturnal.ActionReject}
	}
}

// ExecutorFunc is the external agent capability: given a task, produce
// an ExecutionResult within the caller-enforced timeout, or error.
type ExecutorFunc func(ctx context.Context, task nocturnal.Task) (nocturnal.ExecutionResult, error)

// RollbackStrategy is the post-failure cleanup applied per tier.
type RollbackStrategy string

const (
	RollbackBranchDeletion RollbackStrategy = "branch_deletion"
	RollbackRevertCommit   RollbackStrategy = "revert_commit"
)

// pendingReview is one branch awaiting review.
type pendingReview struct {
	Branch            string
	Decision          nocturnal.QualityDecision
	AssociatedTaskIDs []string
}

// persistedState is the on-disk shape of the pending-review list, so
// an approve/reject/defer run by a separate CLI invocation the next
// night sees the same branches the run that queued them did.
type persistedState struct {
	Pending []pendingReview `json:"pending"`
}

// Controller is the Quality Controller.
type Controller struct {
	mu         sync.Mutex
	thresholds Thresholds
	branches   *branch.Manager
	repo       *repository.JSONFile
	pending    []pendingReview
	recent     []float64 // last N overall scores, most recent last
}

// New constructs a Controller, loading any pending reviews persisted
// by a previous session from repo. repo may be nil, in which case the
// pending-review list lives in memory only for this process's
// lifetime.
func New(thresholds Thresholds, branches *branch.Manager, repo *repository.JSONFile) (*Controller, error) {
	c := &Controller{thresholds: thresholds, branches: branches, repo: repo}
	if repo == nil {
		return c, nil
	}
	var state persistedState
	if err := repo.Load(&state); err != nil {
		return nil, fmt.Errorf("loading pending reviews: %w", err)
	}
	c.pending = state.Pending
	return c, nil
}

// save persists the current pending-review list. A nil repo is a
// no-op so in-memory-only Controllers (tests) never touch disk.
func (c *Controller) save() error {
	if c.repo == nil {
		return nil
	}
	return c.repo.Save(&persistedState{Pending: c.pending})
}

// Thresholds returns the tier boundaries this Controller classifies
// against.
func (c *Controller) Thresholds() Thresholds {
	return c.thresholds
}

// ExecuteWithQualityControl prepares the target branch, runs fn under
// timeout, assesses the result, and runs the decision's post-action.
func (c *Controller) ExecuteWithQualityControl(ctx context.Context, task nocturnal.Task, decision nocturnal.QualityDecision, timeout time.Duration, fn ExecutorFunc) (nocturnal.ExecutionResult, error) {
	targetBranch, err := c.prepareBranch(ctx, task, decision)
	if err != nil {
		return nocturnal.ExecutionResult{}, fmt.Errorf("preparing branch: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result nocturnal.ExecutionResult
		err    error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		res, err := fn(runCtx, task)
		resultCh <- outcome{res, err}
	}()

	var result nocturnal.ExecutionResult
	select {
	case <-runCtx.Done():
		result = nocturnal.ExecutionResult{
			TaskID:  task.ID,
			Success: false,
			Errors:  []string{"execution timed out"},
			Quality: &nocturnal.QualityScore{Overall: 0},
		}
		c.runRollback(ctx, targetBranch, decision)
		return result, nil
	case o := <-resultCh:
		if o.err != nil {
			result = nocturnal.ExecutionResult{
				TaskID:  task.ID,
				Success: false,
				Errors:  []string{o.err.Error()},
				Quality: &nocturnal.QualityScore{Overall: 0},
			}
			c.runRollback(ctx, targetBranch, decision)
			return result, nil
		}
		result = o.result
	}

	c.recordScore(result)
	c.runPostAction(ctx, targetBranch, decision, result)
	return result, nil
}

func (c *Controller) prepareBranch(ctx context.Context, task nocturnal.Task, decision nocturnal.QualityDecision) (string, error) {
	if decision.Action == nocturnal.ActionImmediateApply {
		return c.branches.NightMain(), nil
	}
	info, err := c.branches.CreateQualityBranch(ctx, decision.Confidence, task.ID, task.Description)
	if err != nil {
		return "", err
	}
	return info.Name, nil
}

func (c *Controller) runPostAction(ctx context.Context, targetBranch string, decision nocturnal.QualityDecision, result nocturnal.ExecutionResult) {
	overall := 0.0
	if result.Quality != nil {
		overall = result.Quality.Overall
	}

	switch decision.Action {
	case nocturnal.ActionImmediateApply:
		// Already targeted night-main directly; nothing further to merge.
	default:
		if decision.AutoMergeEligible && overall >= c.thresholds.High {
			night := c.branches.NightMain()
			mergeResult, err := c.branches.AttemptAutoMerge(ctx, targetBranch, night, overall)
			if err != nil || !mergeResult.Success {
				c.queueForReview(targetBranch, decision, result.TaskID)
			}
			return
		}
		c.queueForReview(targetBranch, decision, result.TaskID)
	}
}

func (c *Controller) queueForReview(targetBranch string, decision nocturnal.QualityDecision, taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, pendingReview{
		Branch:            targetBranch,
		Decision:          decision,
		AssociatedTaskIDs: []string{taskID},
	})
	_ = c.save()
}

// runRollback applies the decision's rollback strategy: Experimental
// branches are discarded outright (branch_deletion) to avoid tainting
// night-main; other tiers are merely abandoned so cleanup reclaims them
// (revert_commit is a no-op here since nothing was ever merged).
func (c *Controller) runRollback(ctx context.Context, targetBranch string, decision nocturnal.QualityDecision) {
	c.branches.Abandon(targetBranch)
}

func (c *Controller) recordScore(result nocturnal.ExecutionResult) {
	if result.Quality == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recent = append(c.recent, result.Quality.Overall)
	if len(c.recent) > 10 {
		c.recent = c.recent[len(c.recent)-10:]
	}
}

// ReviewOutcome is the result of reviewing one pending branch.
type ReviewOutcome string

const (
	ReviewApprove ReviewOutcome = "approve"
	ReviewManual  ReviewOutcome = "manual"
	ReviewReject  ReviewOutcome = "reject"
)

// ReviewPendingBranches iterates the pending-reviews list. The
// simplified reviewer approves when at least one task is associated,
// rejects when none are, and may invoke AttemptAutoMerge for approved
// auto-merge-eligible entries. Reviewed entries are removed from the
// pending list.
func (c *Controller) ReviewPendingBranches(ctx context.Context) map[string]ReviewOutcome {
	c.mu.Lock()
	items := c.pending
	c.pending = nil
	c.mu.Unlock()

	outcomes := make(map[string]ReviewOutcome, len(items))
	for _, item := range items {
		var outcome ReviewOutcome
		switch {
		case len(item.AssociatedTaskIDs) == 0:
			outcome = ReviewReject
		case item.Decision.AutoMergeEligible:
			outcome = ReviewApprove
			night := c.branches.NightMain()
			_, _ = c.branches.AttemptAutoMerge(ctx, item.Branch, night, item.Decision.Confidence)
		default:
			outcome = ReviewManual
		}
		outcomes[item.Branch] = outcome
	}
	return outcomes
}

// PendingReviewBranches returns the names of branches currently
// awaiting review.
func (c *Controller) PendingReviewBranches() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.pending))
	for _, p := range c.pending {
		names = append(names, p.Branch)
	}
	return names
}

// take removes and returns the pendingReview for branchName, or false
// if it isn't awaiting review. Caller must hold c.mu.
func (c *Controller) take(branchName string) (pendingReview, bool) {
	for i, p := range c.pending {
		if p.Branch == branchName {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return p, true
		}
	}
	return pendingReview{}, false
}

// ApproveBranch merges branchName onto night-main and removes it from
// the pending-review list. Safe to call from a CLI invocation separate
// from the one that queued the review, since the list is persisted.
func (c *Controller) ApproveBranch(ctx context.Context, branchName string) error {
	c.mu.Lock()
	item, ok := c.take(branchName)
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("branch %q is not pending review", branchName)
	}
	err := c.save()
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("persisting review state: %w", err)
	}

	night := c.branches.NightMain()
	mergeResult, err := c.branches.AttemptAutoMerge(ctx, item.Branch, night, item.Decision.Confidence)
	if err != nil {
		return fmt.Errorf("merging %s: %w", branchName, err)
	}
	if !mergeResult.Success {
		return fmt.Errorf("merging %s: %s", branchName, mergeResult.Message)
	}
	return nil
}

// RejectBranch abandons branchName and removes it from the
// pending-review list.
func (c *Controller) RejectBranch(branchName string) error {
	c.mu.Lock()
	_, ok := c.take(branchName)
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("branch %q is not pending review", branchName)
	}
	err := c.save()
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("persisting review state: %w", err)
	}

	c.branches.Abandon(branchName)
	return nil
}

// DeferBranch confirms branchName is still awaiting review, leaving it
// on the pending list for a future approve/reject.
func (c *Controller) DeferBranch(branchName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pending {
		if p.Branch == branchName {
			return nil
		}
	}
	return fmt.Errorf("branch %q is not pending review", branchName)
}

// Recommendation is one advisory from GetQualityRecommendations.
type Recommendation string

const (
	RecommendQualityImprovement  Recommendation = "recommend_quality_improvement"
	RecommendExecutionReview     Recommendation = "recommend_execution_strategy_review"
	RecommendBranchCleanup       Recommendation = "recommend_branch_cleanup"
)

// GetQualityRecommendations emits advisories per spec.md §4.7.
func (c *Controller) GetQualityRecommendations(activeBranchCount, maxParallelExecutions int) []Recommendation {
	c.mu.Lock()
	recent := append([]float64{}, c.recent...)
	c.mu.Unlock()

	var recs []Recommendation

	if len(recent) > 0 {
		sum := 0.0
		highCount := 0
		for _, s := range recent {
			sum += s
			if s >= c.thresholds.AutoApply {
				highCount++
			}
		}
		mean := sum / float64(len(recent))
		if mean < c.thresholds.Medium {
			recs = append(recs, RecommendQualityImprovement)
		}
		rate := float64(highCount) / float64(len(recent))
		if rate < 0.30 {
			recs = append(recs, RecommendExecutionReview)
		}
	}

	if float64(activeBranchCount) > 1.5*float64(maxParallelExecutions) {
		recs = append(recs, RecommendBranchCleanup)
	}

	return recs
}
