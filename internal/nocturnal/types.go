// Package nocturnal defines the shared data model for the overnight
// development agent: tasks, execution results, quality scoring, branch
// and backup metadata, and the usage/resource snapshots the rest of the
// subsystems operate on.
package nocturnal

import "time"

// Priority is a sum type over task urgency. Weights used by the queue's
// scoring function come from a single mapping (PriorityWeight) rather
// than scattering magic numbers across callers.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// PriorityWeight returns the base priority score weight; lower is
// dequeued sooner.
func PriorityWeight(p Priority) float64 {
	switch p {
	case PriorityCritical:
		return 1.0
	case PriorityHigh:
		return 2.0
	case PriorityMedium:
		return 3.0
	case PriorityLow:
		return 4.0
	default:
		return 3.0
	}
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is a unit of work submitted to the queue. IDs are unique across
// both the live queue and archived history.
type Task struct {
	ID                string        `json:"id"`
	Description       string        `json:"description"`
	Priority          Priority      `json:"priority"`
	Requirements      []string      `json:"requirements,omitempty"`
	Constraints       []string      `json:"constraints,omitempty"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	DependsOn         []string      `json:"depends_on,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	Status            TaskStatus    `json:"status"`
}

// QueuedTask wraps a Task with scheduling metadata. Lower PriorityScore
// is dequeued sooner.
type QueuedTask struct {
	Task              Task          `json:"task"`
	PriorityScore     float64       `json:"priority_score"`
	QueuedAt          time.Time     `json:"queued_at"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	Dependencies      []string      `json:"dependencies,omitempty"`
	RetryCount        int           `json:"retry_count"`
	MaxRetries        int           `json:"max_retries"`
	EstimatedQuality  float64       `json:"estimated_quality"`
}

// QualityScore is the immutable outcome of assessing a single execution
// attempt. Overall is a deterministic weighted mean of the sub-scores
// when all are present.
type QualityScore struct {
	Overall       float64 `json:"overall"`
	CodeQuality   float64 `json:"code_quality"`
	Consistency   float64 `json:"consistency"`
	TestCoverage  float64 `json:"test_coverage"`
	Security      float64 `json:"security"`
	Performance   float64 `json:"performance"`
}

// QualityWeights is the fixed weighting used to derive Overall from
// sub-scores when the caller does not already supply Overall directly.
var QualityWeights = struct {
	CodeQuality  float64
	Consistency  float64
	TestCoverage float64
	Security     float64
	Performance  float64
}{
	CodeQuality:  0.30,
	Consistency:  0.20,
	TestCoverage: 0.20,
	Security:     0.20,
	Performance:  0.10,
}

// ComputeOverall derives Overall from sub-scores using QualityWeights.
func (q QualityScore) ComputeOverall() float64 {
	return q.CodeQuality*QualityWeights.CodeQuality +
		q.Consistency*QualityWeights.Consistency +
		q.TestCoverage*QualityWeights.TestCoverage +
		q.Security*QualityWeights.Security +
		q.Performance*QualityWeights.Performance
}

// ExecutionResult is produced once per execution attempt by an external
// agent.
type ExecutionResult struct {
	TaskID         string        `json:"task_id"`
	Success        bool          `json:"success"`
	Quality        *QualityScore `json:"quality,omitempty"`
	GeneratedCode  string        `json:"generated_code,omitempty"`
	FilesModified  []string      `json:"files_modified,omitempty"`
	FilesCreated   []string      `json:"files_created,omitempty"`
	Errors         []string      `json:"errors,omitempty"`
	ExecutionTime  time.Duration `json:"execution_time"`
	AgentUsed      string        `json:"agent_used,omitempty"`
	CostIncurred   float64       `json:"cost_incurred"`
}

// QualityTier classifies a quality score into an action bucket.
type QualityTier string

const (
	TierHigh   QualityTier = "high"
	TierMedium QualityTier = "medium"
	TierLow    QualityTier = "low"
	TierFailed QualityTier = "failed"
)

// QualityAction is the routing decision attached to a QualityDecision.
type QualityAction string

const (
	ActionImmediateApply   QualityAction = "immediate_apply"
	ActionParallelBranch   QualityAction = "parallel_branch"
	ActionExperimentalBranch QualityAction = "experimental_branch"
	ActionReject           QualityAction = "reject"
)

// QualityDecision is produced once per task, before execution, from an
// estimated (and later re-derived from a measured) quality score.
type QualityDecision struct {
	Tier              QualityTier   `json:"tier"`
	Action            QualityAction `json:"action"`
	TargetBranch      string        `json:"target_branch"`
	AutoMergeEligible bool          `json:"auto_merge_eligible"`
	RequiresReview    bool          `json:"requires_review"`
	Confidence        float64       `json:"confidence"`
}

// BranchType classifies a BranchInfo entry.
type BranchType string

const (
	BranchNightMain BranchType = "night_main"
	BranchHighQuality BranchType = "high_quality"
	BranchMediumQuality BranchType = "medium_quality"
	BranchExperimental BranchType = "experimental"
	BranchEmergency BranchType = "emergency"
)

// BranchStatus is the lifecycle state of a BranchInfo entry.
type BranchStatus string

const (
	BranchActive    BranchStatus = "active"
	BranchMerged    BranchStatus = "merged"
	BranchAbandoned BranchStatus = "abandoned"
)

// BranchInfo describes one isolation or integration branch.
type BranchInfo struct {
	Name              string       `json:"name"`
	Type              BranchType   `json:"type"`
	BaseCommit        string       `json:"base_commit"`
	CreatedAt         time.Time    `json:"created_at"`
	LastActivity      time.Time    `json:"last_activity"`
	QualityThreshold  float64      `json:"quality_threshold"`
	AssociatedTaskIDs []string     `json:"associated_task_ids,omitempty"`
	Status            BranchStatus `json:"status"`
}

// BackupType classifies a BackupInfo entry.
type BackupType string

const (
	BackupFull        BackupType = "full"
	BackupGit         BackupType = "git"
	BackupIncremental BackupType = "incremental"
	BackupCritical    BackupType = "critical"
)

// VerificationStatus is the outcome of verifying a BackupInfo's
// integrity hash.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationFailed   VerificationStatus = "failed"
)

// BackupInfo records a single backup.
type BackupInfo struct {
	ID                 string             `json:"id"`
	Type               BackupType         `json:"type"`
	Timestamp          time.Time          `json:"timestamp"`
	GitCommit          string             `json:"git_commit,omitempty"`
	GitBranch          string             `json:"git_branch,omitempty"`
	FileCount          int                `json:"file_count"`
	SizeBytes          int64              `json:"size_bytes"`
	IntegrityHash      string             `json:"integrity_hash"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	Path               string             `json:"path"`
}

// RollbackPoint is a persisted, restorable reference to prior state.
type RollbackPoint struct {
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	GitCommit   string            `json:"git_commit"`
	GitBranch   string            `json:"git_branch"`
	BackupID    string            `json:"backup_id,omitempty"`
	FileHashes  map[string]string `json:"file_hashes"`
	Description string            `json:"description"`
}

// RollbackType selects the restoration strategy.
type RollbackType string

const (
	RollbackGitReset    RollbackType = "git_reset"
	RollbackFileRestore RollbackType = "file_restore"
	RollbackFullRestore RollbackType = "full_restore"
	RollbackSelective   RollbackType = "selective"
	RollbackIncremental RollbackType = "incremental"
)

// RollbackStatus is the lifecycle state of a RollbackOperation.
type RollbackStatus string

const (
	RollbackPending    RollbackStatus = "pending"
	RollbackInProgress RollbackStatus = "in_progress"
	RollbackCompleted  RollbackStatus = "completed"
	RollbackFailed     RollbackStatus = "failed"
	RollbackVerified   RollbackStatus = "verified"
	RollbackCancelled  RollbackStatus = "cancelled"
)

// RollbackOperation records one restoration attempt. Only one may be
// in-progress per project at a time.
type RollbackOperation struct {
	ID             string         `json:"id"`
	Type           RollbackType   `json:"type"`
	TargetPointID  string         `json:"target_point_id"`
	Status         RollbackStatus `json:"status"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	FilesAffected  []string       `json:"files_affected,omitempty"`
	Errors         []string       `json:"errors,omitempty"`
	Verified       bool           `json:"verified"`
}

// Service identifies a usage-tracked external service.
type Service string

const (
	ServiceLocalLLM   Service = "local_llm"
	ServiceClaudeAPI  Service = "claude_api"
	ServiceOpenAIAPI  Service = "openai_api"
	ServiceGithubAPI  Service = "github_api"
	ServiceObsidianAPI Service = "obsidian_api"
	ServiceOther      Service = "other"
)

// IsFree reports whether the service incurs zero monetary cost.
func (s Service) IsFree() bool {
	return s == ServiceLocalLLM || s == ServiceGithubAPI
}

// UsageRecord is one append-only entry in a day's usage log.
type UsageRecord struct {
	Timestamp    time.Time `json:"timestamp"`
	Service      Service   `json:"service"`
	Operation    string    `json:"operation"`
	Cost         float64   `json:"cost"`
	TokensUsed   int       `json:"tokens_used"`
	RequestCount int       `json:"request_count"`
	TaskID       string    `json:"task_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// AlertLevel is the severity of a budget alert state.
type AlertLevel string

const (
	AlertNormal    AlertLevel = "normal"
	AlertAttention AlertLevel = "attention"
	AlertWarning   AlertLevel = "warning"
	AlertCritical  AlertLevel = "critical"
)

// BudgetState is recomputed on every usage record.
type BudgetState struct {
	MonthlyBudget     float64      `json:"monthly_budget"`
	CurrentSpend      float64      `json:"current_spend"`
	FreeToolRate      float64      `json:"free_tool_rate"`
	AlertsTriggered   []float64    `json:"alerts_triggered,omitempty"`
	AlertLevel        AlertLevel   `json:"alert_level"`
	EmergencyMode     bool         `json:"emergency_mode"`
}

// ResourceSnapshot is one sample of system resource utilization.
type ResourceSnapshot struct {
	Timestamp    time.Time `json:"timestamp"`
	CPUPercent   float64   `json:"cpu_percent"`
	MemPercent   float64   `json:"mem_percent"`
	MemUsedGB    float64   `json:"mem_used_gb"`
	DiskPercent  float64   `json:"disk_percent"`
	DiskFreeGB   float64   `json:"disk_free_gb"`
	OpenFiles    int       `json:"open_files"`
	ProcessCount int       `json:"process_count"`
	LoadAverage  float64   `json:"load_average"`
}

// ResourceStatus is the worst-of-any-metric classification of a
// ResourceSnapshot.
type ResourceStatus string

const (
	ResourceHealthy   ResourceStatus = "healthy"
	ResourceWarning   ResourceStatus = "warning"
	ResourceCritical  ResourceStatus = "critical"
	ResourceEmergency ResourceStatus = "emergency"
)

// DangerLevel orders danger pattern severities.
type DangerLevel int

const (
	DangerSafe DangerLevel = iota
	DangerLow
	DangerMedium
	DangerHigh
	DangerCritical
)

func (l DangerLevel) String() string {
	switch l {
	case DangerSafe:
		return "safe"
	case DangerLow:
		return "low"
	case DangerMedium:
		return "medium"
	case DangerHigh:
		return "high"
	case DangerCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// DangerPattern is one rule in the danger detector's table.
type DangerPattern struct {
	Name     string      `json:"name"`
	Regex    string      `json:"regex"`
	Level    DangerLevel `json:"level"`
	Category string      `json:"category"`
	Enabled  bool        `json:"enabled"`
}
