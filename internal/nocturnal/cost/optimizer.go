package cost

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/nocturnal-agent/nocturnal/internal/nocturnal"
)

// PriorityLevel selects how aggressively the optimizer favors free
// services over performance.
type PriorityLevel string

const (
	PriorityFreeOnly      PriorityLevel = "free_only"
	PriorityFreePreferred PriorityLevel = "free_preferred"
	PriorityPerformance   PriorityLevel = "performance"
	PriorityBalanced      PriorityLevel = "balanced"
)

// ServiceOption is one candidate service/agent pairing the optimizer
// may select.
type ServiceOption struct {
	Service          nocturnal.Service
	Agent            string
	PerformanceScore float64 // 0-1
	Available        bool
}

// DefaultOptions returns the built-in candidate services.
func DefaultOptions() []ServiceOption {
	return []ServiceOption{
		{Service: nocturnal.ServiceLocalLLM, Agent: "local", PerformanceScore: 0.6, Available: true},
		{Service: nocturnal.ServiceOpenAIAPI, Agent: "openai-chat", PerformanceScore: 0.85, Available: true},
		{Service: nocturnal.ServiceClaudeAPI, Agent: "claude-chat", PerformanceScore: 0.95, Available: true},
	}
}

// TaskContext carries the per-task inputs the optimizer scores
// candidates against.
type TaskContext struct {
	Urgency         string // "high", "normal", ...
	QualityRequired string // "high", "normal", ...
	EstimatedTokens int
}

// decisionContext is the rule engine's mutable working state for one
// optimization pass.
type decisionContext struct {
	priority   PriorityLevel
	freeOnly   bool
	candidates []ServiceOption
}

// rule is one entry in the priority-ordered rule table.
type rule struct {
	Name      string
	Priority  int // higher runs first
	Condition func(dc *decisionContext, status BudgetStatus) bool
	Apply     func(dc *decisionContext, status BudgetStatus)
}

// builtinRules returns spec.md §4.8's three built-in rules, in priority
// order (100, 90, 80).
func builtinRules() []rule {
	return []rule{
		{
			Name:     "budget-limit",
			Priority: 100,
			Condition: func(dc *decisionContext, status BudgetStatus) bool {
				return status.RemainingBudget.LessThanOrEqual(decimal.Zero) || utilizationOf(status) >= 0.95
			},
			Apply: func(dc *decisionContext, status BudgetStatus) {
				dc.freeOnly = true
			},
		},
		{
			Name:     "performance-priority",
			Priority: 90,
			Condition: func(dc *decisionContext, status BudgetStatus) bool {
				return dc.priority == PriorityPerformance
			},
			Apply: func(dc *decisionContext, status BudgetStatus) {
				sort.SliceStable(dc.candidates, func(i, j int) bool {
					return dc.candidates[i].PerformanceScore > dc.candidates[j].PerformanceScore
				})
			},
		},
		{
			Name:     "free-rate-improvement",
			Priority: 80,
			Condition: func(dc *decisionContext, status BudgetStatus) bool {
				return status.FreeToolRate < 0.9-0.10 && dc.priority != PriorityPerformance
			},
			Apply: func(dc *decisionContext, status BudgetStatus) {
				dc.freeOnly = true
			},
		},
	}
}

func utilizationOf(status BudgetStatus) float64 {
	if status.MonthlyBudget.IsZero() {
		return 0
	}
	f, _ := status.CurrentSpend.Div(status.MonthlyBudget).Float64()
	return f
}

// Decision is the outcome of OptimizeTaskExecution.
type Decision struct {
	SelectedService nocturnal.Service
	SelectedAgent   string
	CostEstimate    decimal.Decimal
	PriorityLevel   PriorityLevel
	BudgetStatus    BudgetStatus
	Recommendations []string
}

// Optimizer is the Cost Optimizer: it picks a service tier per task
// under a priority-ordered rule engine, deferring to the Usage
// Tracker's budget status and free-tool rate.
type Optimizer struct {
	cfg     Config
	tracker *Tracker
	options []ServiceOption
	rules   []rule
}

// NewOptimizer constructs an Optimizer reading budget state from
// tracker.
func NewOptimizer(cfg Config, tracker *Tracker) *Optimizer {
	rules := builtinRules()
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })
	return &Optimizer{cfg: cfg, tracker: tracker, options: DefaultOptions(), rules: rules}
}

// selectPriorityLevel implements spec.md §4.8's priority-level table.
func (o *Optimizer) selectPriorityLevel(status BudgetStatus, taskCtx TaskContext) PriorityLevel {
	utilization := utilizationOf(status)
	switch {
	case utilization >= 0.95:
		return PriorityFreeOnly
	case utilization >= 0.80:
		return PriorityFreePreferred
	case status.FreeToolRate < o.cfg.FreeToolTargetRate-0.10:
		return PriorityFreePreferred
	case taskCtx.Urgency == "high" || taskCtx.QualityRequired == "high":
		return PriorityPerformance
	default:
		return PriorityBalanced
	}
}

// OptimizeTaskExecution selects the service/agent for task under
// taskCtx. In emergency mode, the context is forced to free-only
// before rule evaluation.
func (o *Optimizer) OptimizeTaskExecution(task nocturnal.Task, taskCtx TaskContext) (Decision, error) {
	status, err := o.tracker.BudgetStatus()
	if err != nil {
		return Decision{}, err
	}

	dc := &decisionContext{
		priority:   o.selectPriorityLevel(status, taskCtx),
		candidates: append([]ServiceOption{}, o.options...),
	}
	if status.EmergencyMode {
		dc.freeOnly = true
		dc.priority = PriorityFreeOnly
	}

	for _, r := range o.rules {
		if r.Condition(dc, status) {
			r.Apply(dc, status)
		}
	}

	selected := o.pick(dc, status)
	cost := EstimateCost(o.cfg.Rates, selected.Service, taskCtx.EstimatedTokens)

	return Decision{
		SelectedService: selected.Service,
		SelectedAgent:   selected.Agent,
		CostEstimate:    cost,
		PriorityLevel:   dc.priority,
		BudgetStatus:    status,
		Recommendations: o.recommendations(status),
	}, nil
}

// pick chooses among dc.candidates: if freeOnly, the first available
// free service; otherwise the first available candidate, which
// performance-priority has already sorted best-first.
func (o *Optimizer) pick(dc *decisionContext, status BudgetStatus) ServiceOption {
	for _, c := range dc.candidates {
		if !c.Available {
			continue
		}
		if dc.freeOnly && !c.Service.IsFree() {
			continue
		}
		return c
	}
	// Fall back to the first available option even if none are free;
	// a task must always get a service assignment.
	for _, c := range dc.candidates {
		if c.Available {
			return c
		}
	}
	return ServiceOption{Service: nocturnal.ServiceLocalLLM, Agent: "local"}
}

// recommendations mirrors the Quality Controller's advisory surface
// for cost (ben-saito/nocturnal-agent's cost_optimizer.py
// get_optimization_recommendations).
func (o *Optimizer) recommendations(status BudgetStatus) []string {
	var recs []string
	if status.FreeToolRate < o.cfg.FreeToolTargetRate {
		recs = append(recs, "increase free-tool usage to reach target rate")
	}
	if !status.OnTrack {
		recs = append(recs, "spend is ahead of the elapsed-month fraction; consider free-only mode")
	}
	if status.EmergencyMode {
		recs = append(recs, "budget emergency mode active; only free services will be selected")
	}
	return recs
}
