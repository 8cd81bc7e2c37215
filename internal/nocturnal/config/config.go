// Package config loads nocturnal's configuration the way
// internal/config/loader.go loads contextd's: a YAML file overridden by
// environment variables through koanf, then validated and converted into
// the concrete sub-configs each subsystem package already declares.
package config

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/agentcmd"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/branch"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/cost"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/executor"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/quality"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/queue"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/resources"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/safety"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/safety/backup"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/safety/danger"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/safety/rollback"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/scheduler"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/timewindow"
)

// TimeWindowConfig mirrors timewindow.Config.
type TimeWindowConfig struct {
	StartHour    int      `koanf:"starthour"`
	EndHour      int      `koanf:"endhour"`
	SafetyMargin Duration `koanf:"safetymargin"`
}

// QueueConfig mirrors queue.Config.
type QueueConfig struct {
	MaxConcurrentTasks int `koanf:"maxconcurrenttasks"`
	MaxQueueSize       int `koanf:"maxqueuesize"`
	DefaultMaxRetries  int `koanf:"defaultmaxretries"`
}

// ResourcesConfig mirrors resources.Config/Thresholds.
type ResourcesConfig struct {
	Interval        Duration `koanf:"interval"`
	HistorySize     int      `koanf:"historysize"`
	ProjectPath     string   `koanf:"projectpath"`
	CPUWarning      float64  `koanf:"cpuwarning"`
	CPUCritical     float64  `koanf:"cpucritical"`
	CPUEmergency    float64  `koanf:"cpuemergency"`
	MemWarning      float64  `koanf:"memwarning"`
	MemCritical     float64  `koanf:"memcritical"`
	MemEmergency    float64  `koanf:"mememergency"`
	MemHardCapGB    float64  `koanf:"memhardcapgb"`
	DiskWarning     float64  `koanf:"diskwarning"`
	DiskCritical    float64  `koanf:"diskcritical"`
	MinFreeDiskGB   float64  `koanf:"minfreediskgb"`
	EmergencyDiskGB float64  `koanf:"emergencydiskgb"`
	SafetyMargin    float64  `koanf:"safetymargin"`
}

// ParallelConfig mirrors executor.Config.
type ParallelConfig struct {
	MaxParallelExecutions int      `koanf:"maxparallelexecutions"`
	TaskTimeout           Duration `koanf:"tasktimeout"`
	FinalizeTimeout       Duration `koanf:"finalizetimeout"`
}

// QualityConfig mirrors quality.Thresholds.
type QualityConfig struct {
	AutoApply float64 `koanf:"autoapply"`
	High      float64 `koanf:"high"`
	Medium    float64 `koanf:"medium"`
}

// CostConfig mirrors cost.Config (minus Rates, which stay the compiled
// defaults; per-service overrides are not exposed over YAML/env).
type CostConfig struct {
	MonthlyBudget       float64   `koanf:"monthlybudget"`
	FreeToolTargetRate  float64   `koanf:"freetooltargetrate"`
	AlertThresholds     []float64 `koanf:"alertthresholds"`
	EmergencyActivate   float64   `koanf:"emergencyactivate"`
	EmergencyDeactivate float64   `koanf:"emergencydeactivate"`
	StoragePath         string    `koanf:"storagepath"`
}

// SafetyConfig groups the Coordinator's own policy knobs with the
// Backup/Rollback/Danger managers it wires together, since spec.md's
// sub-config list names a single "Safety" group.
type SafetyConfig struct {
	IncrementalBackupFileThreshold int      `koanf:"incrementalbackupfilethreshold"`
	LowQualityThreshold            float64  `koanf:"lowqualitythreshold"`
	BackupRoot                     string   `koanf:"backuproot"`
	MaxBackups                     int      `koanf:"maxbackups"`
	BackupRetentionDays            int      `koanf:"backupretentiondays"`
	ExcludePatterns                []string `koanf:"excludepatterns"`
	CriticalPaths                  []string `koanf:"criticalpaths"`
	MaxRollbackPoints              int      `koanf:"maxrollbackpoints"`
	ProtectedPaths                 []string `koanf:"protectedpaths"`
	CriticalSystemPaths            []string `koanf:"criticalsystempaths"`
	BlockOnHigh                    bool     `koanf:"blockonhigh"`
	BlockOnCritical                bool     `koanf:"blockoncritical"`
}

// BranchConfig mirrors branch.Config.
type BranchConfig struct {
	Prefix                 string  `koanf:"prefix"`
	HighQualityThreshold   float64 `koanf:"highqualitythreshold"`
	MediumQualityThreshold float64 `koanf:"mediumqualitythreshold"`
}

// LoggingConfig tunes the shared zap logger built in internal/logging.
type LoggingConfig struct {
	Level string `koanf:"level"`
	JSON  bool   `koanf:"json"`
}

// AgentConfig names the external subprocess command that plans and
// performs a task's edits. Required by the start subcommand; unused by
// every other CLI subcommand.
type AgentConfig struct {
	Command string   `koanf:"command"`
	Args    []string `koanf:"args"`
	Timeout Duration `koanf:"timeout"`
}

// MetricsConfig tunes the optional Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// Config is the root nocturnal configuration, loaded by LoadWithFile and
// passed by the CLI to every subsystem constructor.
type Config struct {
	ProjectRoot string           `koanf:"projectroot"`
	TimeWindow  TimeWindowConfig `koanf:"timewindow"`
	Queue       QueueConfig      `koanf:"queue"`
	Resources   ResourcesConfig  `koanf:"resources"`
	Parallel    ParallelConfig   `koanf:"parallel"`
	Quality     QualityConfig    `koanf:"quality"`
	Cost        CostConfig       `koanf:"cost"`
	Safety      SafetyConfig     `koanf:"safety"`
	Branch      BranchConfig     `koanf:"branch"`
	Logging     LoggingConfig    `koanf:"logging"`
	Agent       AgentConfig      `koanf:"agent"`
	Metrics     MetricsConfig    `koanf:"metrics"`
}

// Default returns the documented defaults from every subsystem package's
// own DefaultConfig, rooted at projectRoot.
func Default(projectRoot string) Config {
	tw := timewindow.DefaultConfig()
	q := queue.DefaultConfig()
	rm := resources.DefaultConfig(projectRoot)
	ex := executor.DefaultConfig()
	qt := quality.DefaultThresholds()
	costCfg := cost.DefaultConfig(projectRoot + "/.nocturnal_cost")
	safetyCfg := safety.DefaultConfig()
	bk := backup.DefaultConfig(projectRoot, projectRoot+"/../.nocturnal_backups")
	rb := rollback.DefaultConfig(projectRoot)
	dg := danger.Config{BlockOnHigh: true, BlockOnCritical: true}
	br := branch.DefaultConfig()

	budget, _ := costCfg.MonthlyBudget.Float64()

	return Config{
		ProjectRoot: projectRoot,
		TimeWindow: TimeWindowConfig{
			StartHour: tw.StartHour, EndHour: tw.EndHour, SafetyMargin: Duration(tw.SafetyMargin),
		},
		Queue: QueueConfig{
			MaxConcurrentTasks: q.MaxConcurrentTasks, MaxQueueSize: q.MaxQueueSize, DefaultMaxRetries: q.DefaultMaxRetries,
		},
		Resources: ResourcesConfig{
			Interval: Duration(rm.Interval), HistorySize: rm.HistorySize, ProjectPath: rm.ProjectPath,
			CPUWarning: rm.Thresholds.CPUWarning, CPUCritical: rm.Thresholds.CPUCritical, CPUEmergency: rm.Thresholds.CPUEmergency,
			MemWarning: rm.Thresholds.MemWarning, MemCritical: rm.Thresholds.MemCritical, MemEmergency: rm.Thresholds.MemEmergency,
			MemHardCapGB: rm.Thresholds.MemHardCapGB, DiskWarning: rm.Thresholds.DiskWarning, DiskCritical: rm.Thresholds.DiskCritical,
			MinFreeDiskGB: rm.Thresholds.MinFreeDiskGB, EmergencyDiskGB: rm.Thresholds.EmergencyDiskGB, SafetyMargin: rm.Thresholds.SafetyMargin,
		},
		Parallel: ParallelConfig{
			MaxParallelExecutions: ex.MaxParallelExecutions, TaskTimeout: Duration(ex.TaskTimeout), FinalizeTimeout: Duration(ex.FinalizeTimeout),
		},
		Quality: QualityConfig{AutoApply: qt.AutoApply, High: qt.High, Medium: qt.Medium},
		Cost: CostConfig{
			MonthlyBudget: budget, FreeToolTargetRate: costCfg.FreeToolTargetRate, AlertThresholds: costCfg.AlertThresholds,
			EmergencyActivate: costCfg.EmergencyActivate, EmergencyDeactivate: costCfg.EmergencyDeactivate, StoragePath: costCfg.StoragePath,
		},
		Safety: SafetyConfig{
			IncrementalBackupFileThreshold: safetyCfg.IncrementalBackupFileThreshold, LowQualityThreshold: safetyCfg.LowQualityThreshold,
			BackupRoot: bk.BackupRoot, MaxBackups: bk.MaxBackups, BackupRetentionDays: bk.RetentionDays, ExcludePatterns: bk.ExcludePatterns,
			CriticalPaths: bk.CriticalPaths, MaxRollbackPoints: rb.MaxPoints, ProtectedPaths: dg.ProtectedPaths,
			CriticalSystemPaths: dg.CriticalSystemPaths, BlockOnHigh: dg.BlockOnHigh, BlockOnCritical: dg.BlockOnCritical,
		},
		Branch:  BranchConfig{Prefix: br.Prefix, HighQualityThreshold: br.HighQualityThreshold, MediumQualityThreshold: br.MediumQualityThreshold},
		Logging: LoggingConfig{Level: "info", JSON: true},
		Agent:   AgentConfig{Timeout: Duration(agentcmd.DefaultConfig().Timeout)},
		Metrics: MetricsConfig{Enabled: false, Addr: ":9477"},
	}
}

// Validate enforces spec.md §6's numeric invariants: tier and resource
// thresholds ordered correctly, positive sizes, and a sane night window.
func (c Config) Validate() error {
	if c.ProjectRoot == "" {
		return fmt.Errorf("projectroot must be set")
	}
	if c.TimeWindow.StartHour < 0 || c.TimeWindow.StartHour > 23 || c.TimeWindow.EndHour < 0 || c.TimeWindow.EndHour > 23 {
		return fmt.Errorf("timewindow.starthour/endhour must be within 0-23")
	}
	if c.Queue.MaxConcurrentTasks <= 0 || c.Queue.MaxQueueSize <= 0 {
		return fmt.Errorf("queue.maxconcurrenttasks and maxqueuesize must be positive")
	}
	if !(c.Quality.Medium < c.Quality.High && c.Quality.High <= c.Quality.AutoApply) {
		return fmt.Errorf("quality thresholds must satisfy medium < high <= autoapply")
	}
	if !(c.Resources.CPUWarning < c.Resources.CPUCritical && c.Resources.CPUCritical < c.Resources.CPUEmergency) {
		return fmt.Errorf("resources cpu thresholds must satisfy warning < critical < emergency")
	}
	if !(c.Resources.MemWarning < c.Resources.MemCritical && c.Resources.MemCritical < c.Resources.MemEmergency) {
		return fmt.Errorf("resources mem thresholds must satisfy warning < critical < emergency")
	}
	if c.Parallel.MaxParallelExecutions <= 0 {
		return fmt.Errorf("parallel.maxparallelexecutions must be positive")
	}
	if c.Cost.MonthlyBudget < 0 {
		return fmt.Errorf("cost.monthlybudget cannot be negative")
	}
	if !(c.Cost.EmergencyDeactivate < c.Cost.EmergencyActivate) {
		return fmt.Errorf("cost.emergencydeactivate must be less than emergencyactivate")
	}
	if err := validatePath(c.ProjectRoot); err != nil {
		return fmt.Errorf("projectroot: %w", err)
	}
	if c.Safety.BackupRoot != "" {
		if err := validatePath(c.Safety.BackupRoot); err != nil {
			return fmt.Errorf("safety.backuproot: %w", err)
		}
	}
	return nil
}

// TimeWindow converts to timewindow.Config.
func (c Config) TimeWindowConfig() timewindow.Config {
	return timewindow.Config{StartHour: c.TimeWindow.StartHour, EndHour: c.TimeWindow.EndHour, SafetyMargin: c.TimeWindow.SafetyMargin.Duration()}
}

// QueueConfigValue converts to queue.Config.
func (c Config) QueueConfigValue() queue.Config {
	return queue.Config{MaxConcurrentTasks: c.Queue.MaxConcurrentTasks, MaxQueueSize: c.Queue.MaxQueueSize, DefaultMaxRetries: c.Queue.DefaultMaxRetries}
}

// ResourcesConfigValue converts to resources.Config.
func (c Config) ResourcesConfigValue() resources.Config {
	return resources.Config{
		Interval: c.Resources.Interval.Duration(), HistorySize: c.Resources.HistorySize, ProjectPath: c.Resources.ProjectPath,
		Thresholds: resources.Thresholds{
			CPUWarning: c.Resources.CPUWarning, CPUCritical: c.Resources.CPUCritical, CPUEmergency: c.Resources.CPUEmergency,
			MemWarning: c.Resources.MemWarning, MemCritical: c.Resources.MemCritical, MemEmergency: c.Resources.MemEmergency,
			MemHardCapGB: c.Resources.MemHardCapGB, DiskWarning: c.Resources.DiskWarning, DiskCritical: c.Resources.DiskCritical,
			MinFreeDiskGB: c.Resources.MinFreeDiskGB, EmergencyDiskGB: c.Resources.EmergencyDiskGB, SafetyMargin: c.Resources.SafetyMargin,
		},
	}
}

// ParallelConfigValue converts to executor.Config.
func (c Config) ParallelConfigValue() executor.Config {
	return executor.Config{
		MaxParallelExecutions: c.Parallel.MaxParallelExecutions, TaskTimeout: c.Parallel.TaskTimeout.Duration(), FinalizeTimeout: c.Parallel.FinalizeTimeout.Duration(),
	}
}

// QualityThresholds converts to quality.Thresholds.
func (c Config) QualityThresholds() quality.Thresholds {
	return quality.Thresholds{AutoApply: c.Quality.AutoApply, High: c.Quality.High, Medium: c.Quality.Medium}
}

// CostConfigValue converts to cost.Config, keeping the compiled default
// per-service rates since they are not exposed over YAML/env.
func (c Config) CostConfigValue() cost.Config {
	return cost.Config{
		MonthlyBudget: decimal.NewFromFloat(c.Cost.MonthlyBudget), FreeToolTargetRate: c.Cost.FreeToolTargetRate,
		AlertThresholds: c.Cost.AlertThresholds, EmergencyActivate: c.Cost.EmergencyActivate, EmergencyDeactivate: c.Cost.EmergencyDeactivate,
		StoragePath: c.Cost.StoragePath, Rates: cost.DefaultRates(),
	}
}

// SafetyCoordinatorConfig converts to safety.Config.
func (c Config) SafetyCoordinatorConfig() safety.Config {
	return safety.Config{IncrementalBackupFileThreshold: c.Safety.IncrementalBackupFileThreshold, LowQualityThreshold: c.Safety.LowQualityThreshold}
}

// BackupConfigValue converts to backup.Config.
func (c Config) BackupConfigValue() backup.Config {
	return backup.Config{
		ProjectRoot: c.ProjectRoot, BackupRoot: c.Safety.BackupRoot, ExcludePatterns: c.Safety.ExcludePatterns,
		CriticalPaths: c.Safety.CriticalPaths, MaxBackups: c.Safety.MaxBackups, RetentionDays: c.Safety.BackupRetentionDays,
	}
}

// RollbackConfigValue converts to rollback.Config.
func (c Config) RollbackConfigValue() rollback.Config {
	return rollback.Config{ProjectRoot: c.ProjectRoot, MaxPoints: c.Safety.MaxRollbackPoints, ExcludePatterns: c.Safety.ExcludePatterns}
}

// DangerConfigValue converts to danger.Config.
func (c Config) DangerConfigValue() danger.Config {
	return danger.Config{
		ProtectedPaths: c.Safety.ProtectedPaths, CriticalSystemPaths: c.Safety.CriticalSystemPaths,
		BlockOnHigh: c.Safety.BlockOnHigh, BlockOnCritical: c.Safety.BlockOnCritical,
	}
}

// BranchConfigValue converts to branch.Config.
func (c Config) BranchConfigValue() branch.Config {
	return branch.Config{Prefix: c.Branch.Prefix, HighQualityThreshold: c.Branch.HighQualityThreshold, MediumQualityThreshold: c.Branch.MediumQualityThreshold}
}

// SchedulerConfigValue returns the scheduler's poll-interval defaults;
// they are not yet exposed over YAML/env.
func (c Config) SchedulerConfigValue() scheduler.Config {
	return scheduler.DefaultConfig()
}

// AgentConfigValue converts to agentcmd.Config.
func (c Config) AgentConfigValue() agentcmd.Config {
	return agentcmd.Config{Command: c.Agent.Command, Args: c.Agent.Args, Timeout: c.Agent.Timeout.Duration()}
}
