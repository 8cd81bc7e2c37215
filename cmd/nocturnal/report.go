package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/repository"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the most recently finished session's report",
	RunE:  runReport,
}

func runReport(cmd *cobra.Command, args []string) error {
	if err := requireProjectRoot(); err != nil {
		return err
	}

	var rep report
	repo := repository.NewJSONFile(nil, reportPath(projectRoot))
	if err := repo.Load(&rep); err != nil {
		return runtimeErr(fmt.Errorf("reading report: %w", err))
	}
	if rep.FinishedAt.IsZero() {
		return validationErr(fmt.Errorf("no session has finished yet"))
	}

	fmt.Printf("session finished at %s\n", rep.FinishedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("completed=%d failed=%d parallel_peak=%d\n", rep.Completed, rep.Failed, rep.ParallelPeak)
	fmt.Printf("lifetime stats: queued=%d completed=%d failed=%d avg_completion=%.1fs\n",
		rep.Stats.TasksQueued, rep.Stats.TasksCompleted, rep.Stats.TasksFailed, rep.Stats.AverageCompletionTime)

	fmt.Printf("active branches: %d\n", len(rep.ActiveBranches))
	for _, b := range rep.ActiveBranches {
		fmt.Printf("  - %s (tasks %v)\n", b.Name, b.AssociatedTaskIDs)
	}

	fmt.Printf("pending review: %d\n", len(rep.PendingReviews))
	for _, b := range rep.PendingReviews {
		fmt.Printf("  - %s\n", b)
	}

	if len(rep.RollbackHistory) > 0 {
		fmt.Printf("rollbacks: %d\n", len(rep.RollbackHistory))
		for _, r := range rep.RollbackHistory {
			fmt.Printf("  - %s -> %s: %s\n", r.ID, r.TargetPointID, r.Status)
		}
	}

	if rep.Errors != "" {
		fmt.Printf("errors:\n%s\n", rep.Errors)
	}

	return nil
}
