package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current resource status and queue statistics",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	if err := requireProjectRoot(); err != nil {
		return err
	}
	a, err := buildApp(configPath, projectRoot)
	if err != nil {
		return validationErr(err)
	}

	snap, resStatus, err := a.resources.Sample(context.Background())
	if err != nil {
		return runtimeErr(fmt.Errorf("sampling resources: %w", err))
	}

	pending, running, completed, failed := a.queue.Counts()
	stats := a.queue.Stats()

	fmt.Printf("queue: %s\n", a.queue.Status())
	fmt.Printf("  pending=%d running=%d completed=%d failed=%d\n", pending, running, completed, failed)
	fmt.Printf("  lifetime: queued=%d completed=%d failed=%d avg_completion=%.1fs\n",
		stats.TasksQueued, stats.TasksCompleted, stats.TasksFailed, stats.AverageCompletionTime)

	fmt.Printf("time window: %s\n", a.time.State())

	fmt.Printf("resources: %s\n", resStatus)
	fmt.Printf("  cpu=%.1f%% mem=%.1f%% disk=%.1f%% load=%.2f open_files=%d processes=%d\n",
		snap.CPUPercent, snap.MemPercent, snap.DiskPercent, snap.LoadAverage, snap.OpenFiles, snap.ProcessCount)

	status, err := a.tracker.BudgetStatus()
	if err != nil {
		return runtimeErr(fmt.Errorf("reading budget status: %w", err))
	}
	fmt.Printf("budget: spend=%s of %s remaining=%s on_track=%v emergency=%v\n",
		status.CurrentSpend.StringFixed(2), status.MonthlyBudget.StringFixed(2),
		status.RemainingBudget.StringFixed(2), status.OnTrack, status.EmergencyMode)

	pendingReview := a.quality.PendingReviewBranches()
	fmt.Printf("pending review: %d branch(es)\n", len(pendingReview))
	for _, b := range pendingReview {
		fmt.Printf("  - %s\n", b)
	}

	return nil
}
