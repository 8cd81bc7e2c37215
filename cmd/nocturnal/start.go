package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nocturnal-agent/nocturnal/internal/nocturnal"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/agentcmd"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/executor"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/metrics"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/repository"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/scheduler"
)

var metricsAddr string

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run an overnight session until the night window closes or it is stopped",
	RunE:  runStart,
}

func init() {
	startCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics at this address (overrides config)")
}

// report is the JSON document start writes at Finalize time, read back
// by the report subcommand.
type report struct {
	FinishedAt      time.Time                     `json:"finished_at"`
	Stats           scheduler.Stats               `json:"stats"`
	Completed       int                           `json:"completed"`
	Failed          int                           `json:"failed"`
	ParallelPeak    int                           `json:"parallel_peak"`
	ActiveBranches  []nocturnal.BranchInfo         `json:"active_branches"`
	PendingReviews  []string                      `json:"pending_reviews"`
	Errors          string                        `json:"errors,omitempty"`
	RollbackHistory []nocturnal.RollbackOperation `json:"rollback_history"`
}

func runStart(cmd *cobra.Command, args []string) error {
	if err := requireProjectRoot(); err != nil {
		return err
	}

	a, err := buildApp(configPath, projectRoot)
	if err != nil {
		return validationErr(err)
	}
	if a.cfg.Agent.Command == "" {
		return validationErr(fmt.Errorf("agent.command must be set in config to start a session"))
	}

	if err := applyPersistedControlState(a); err != nil {
		return runtimeErr(fmt.Errorf("applying persisted control state: %w", err))
	}

	agentFn := agentcmd.New(a.cfg.AgentConfigValue()).Func()
	sched := scheduler.New(a.cfg.SchedulerConfigValue(), a.log.Underlying(), a.bus, a.time, a.resources, a.queue, a.optimizer, a.safety, agentFn)

	session, err := executor.StartParallelSession(context.Background(), a.cfg.ParallelConfigValue(), a.branches, a.quality)
	if err != nil {
		return runtimeErr(fmt.Errorf("starting session: %w", err))
	}

	addr := a.cfg.Metrics.Addr
	if metricsAddr != "" {
		addr = metricsAddr
	}
	if a.cfg.Metrics.Enabled || metricsAddr != "" {
		reg := metrics.New(metrics.Sources{Queue: a.queue, Resources: a.resources, Cost: a.tracker})
		srv := &http.Server{Addr: addr, Handler: reg.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.log.Underlying().Warn("metrics server stopped", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx, session); err != nil {
		return runtimeErr(fmt.Errorf("running session: %w", err))
	}

	finalizeCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Parallel.FinalizeTimeout.Duration())
	defer cancel()

	summary, rollbacks, err := sched.Finalize(finalizeCtx)
	if err != nil {
		return runtimeErr(fmt.Errorf("finalizing session: %w", err))
	}

	rep := report{
		FinishedAt:      time.Now(),
		Stats:           sched.Stats(),
		ParallelPeak:    summary.ParallelPeak,
		Completed:       summary.Completed,
		Failed:          summary.Failed,
		ActiveBranches:  summary.ActiveBranches,
		PendingReviews:  summary.PendingReviews,
		RollbackHistory: rollbacks,
	}
	if summary.Errors != nil {
		rep.Errors = summary.Errors.Error()
	}

	if err := repository.NewJSONFile(nil, reportPath(projectRoot)).Save(&rep); err != nil {
		return runtimeErr(fmt.Errorf("writing report: %w", err))
	}

	fmt.Printf("session finished: %d completed, %d failed, %d pending review\n", rep.Completed, rep.Failed, len(rep.PendingReviews))
	return nil
}

// controlState is the persisted maintenance overlay the maintenance
// subcommand writes, applied by the next start invocation before it
// enters its main loop. Pause/resume need no equivalent: Queue already
// persists its own Status, which GetNextTask consults directly.
// timewindow.Controller's manual overlay has no persistence of its own,
// since it only matters to the single process running the main loop,
// so maintenance needs this separate file to cross the process
// boundary.
type controlState struct {
	Maintenance bool `json:"maintenance"`
}

func applyPersistedControlState(a *app) error {
	var cs controlState
	repo := repository.NewJSONFile(nil, controlPath(projectRoot))
	if err := repo.Load(&cs); err != nil {
		return err
	}
	if cs.Maintenance {
		a.time.EnterMaintenance()
		_ = a.queue.Drain()
	}
	return nil
}
