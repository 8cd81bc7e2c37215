// Package main implements the nocturnal CLI: a cobra-based boundary
// that drives the overnight agent's core in-process, following
// cmd/ctxd/main.go's command layout. Unlike ctxd's HTTP client, every
// RunE here builds the subsystem object graph directly from config and
// calls its exported methods; there is no server to talk to.
package main

import (
	"fmt"
	"path/filepath"

	"github.com/nocturnal-agent/nocturnal/internal/logging"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/branch"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/config"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/cost"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/events"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/quality"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/queue"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/repository"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/resources"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/safety"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/safety/backup"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/safety/danger"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/safety/rollback"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/timewindow"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/vcs"
)

// stateDir is where the CLI keeps every piece of persisted,
// cross-invocation state: the task queue, pending quality reviews, the
// maintenance/pause overlay, and the last run's report.
func stateDir(projectRoot string) string {
	return filepath.Join(projectRoot, ".nocturnal")
}

func queuePath(projectRoot string) string {
	return filepath.Join(stateDir(projectRoot), "queue", "task_queue.json")
}

func reviewPath(projectRoot string) string {
	return filepath.Join(stateDir(projectRoot), "quality", "pending_reviews.json")
}

func controlPath(projectRoot string) string {
	return filepath.Join(stateDir(projectRoot), "control.json")
}

func reportPath(projectRoot string) string {
	return filepath.Join(stateDir(projectRoot), "report.json")
}

// app is the full object graph one CLI invocation needs. Not every
// subcommand touches every field; buildApp always constructs the whole
// graph since none of the pieces are expensive to allocate.
type app struct {
	cfg *config.Config
	log *logging.Logger

	bus       *events.Bus
	time      *timewindow.Controller
	resources *resources.Monitor
	queue     *queue.Queue
	tracker   *cost.Tracker
	optimizer *cost.Optimizer
	vcsDriver *vcs.Git
	branches  *branch.Manager
	quality   *quality.Controller
	danger    *danger.Detector
	backups   *backup.Manager
	rollbacks *rollback.Manager
	safety    *safety.Coordinator
}

// buildApp loads config from configPath/projectRoot and constructs
// every subsystem against it, wiring the persisted repositories each
// CLI invocation shares with every other.
func buildApp(configPath, projectRoot string) (*app, error) {
	cfg, err := config.LoadWithFile(configPath, projectRoot)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logCfg := logging.NewDefaultConfig()
	if cfg.Logging.Level != "" {
		_ = logCfg.Level.UnmarshalText([]byte(cfg.Logging.Level))
	}
	if !cfg.Logging.JSON {
		logCfg.Format = "console"
	}
	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	bus := events.New()
	tc := timewindow.New(cfg.TimeWindowConfig(), bus)
	rm := resources.New(cfg.ResourcesConfigValue(), bus)

	q, err := queue.New(cfg.QueueConfigValue(), repository.NewJSONFile(nil, queuePath(projectRoot)))
	if err != nil {
		return nil, fmt.Errorf("loading queue: %w", err)
	}

	tracker := cost.NewTracker(cfg.CostConfigValue(), nil, bus)
	optimizer := cost.NewOptimizer(cfg.CostConfigValue(), tracker)

	vcsDriver := vcs.New(projectRoot)
	branches := branch.New(cfg.BranchConfigValue(), vcsDriver)

	qc, err := quality.New(cfg.QualityThresholds(), branches, repository.NewJSONFile(nil, reviewPath(projectRoot)))
	if err != nil {
		return nil, fmt.Errorf("loading pending reviews: %w", err)
	}

	d, err := danger.NewWithBuiltins(cfg.DangerConfigValue())
	if err != nil {
		return nil, fmt.Errorf("building danger detector: %w", err)
	}
	backups := backup.New(cfg.BackupConfigValue(), nil, vcsDriver)
	rollbacks := rollback.New(cfg.RollbackConfigValue(), nil, vcsDriver, backups, stateDir(projectRoot))
	safetyC := safety.New(cfg.SafetyCoordinatorConfig(), d, backups, rollbacks, vcsDriver, bus)

	return &app{
		cfg: cfg, log: logger,
		bus: bus, time: tc, resources: rm, queue: q,
		tracker: tracker, optimizer: optimizer,
		vcsDriver: vcsDriver, branches: branches, quality: qc,
		danger: d, backups: backups, rollbacks: rollbacks, safety: safetyC,
	}, nil
}
