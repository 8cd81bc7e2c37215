package cost

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/afero"

	"github.com/nocturnal-agent/nocturnal/internal/nocturnal"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/events"
	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/repository"
)

// dayAggregate is the on-disk shape of daily_YYYY-MM-DD.json.
type dayAggregate struct {
	Date             string                  `json:"date"`
	Records          []nocturnal.UsageRecord `json:"records"`
	TotalCost        decimal.Decimal         `json:"total_cost"`
	RequestCount     int                     `json:"request_count"`
	FreeRequestCount int                     `json:"free_request_count"`
}

// monthAggregate is the on-disk shape of monthly_YYYY_MM.json.
type monthAggregate struct {
	Month            string          `json:"month"`
	TotalCost        decimal.Decimal `json:"total_cost"`
	TotalTokens      int             `json:"total_tokens"`
	RequestCount     int             `json:"request_count"`
	FreeRequestCount int             `json:"free_request_count"`
	AlertsTriggered  []float64       `json:"alerts_triggered,omitempty"`
	EmergencyMode    bool            `json:"emergency_mode"`
}

// BudgetAlertPayload is published on events.BudgetAlert.
type BudgetAlertPayload struct {
	Threshold   float64
	Utilization float64
	Month       string
}

// EmergencyModePayload is published on events.EmergencyModeChanged.
type EmergencyModePayload struct {
	Active bool
	Month  string
}

// BudgetStatus is the derived view of the current month's spend.
type BudgetStatus struct {
	MonthlyBudget        decimal.Decimal
	CurrentSpend         decimal.Decimal
	RemainingBudget       decimal.Decimal
	DaysRemainingInMonth int
	DailyBudgetRemaining decimal.Decimal
	OnTrack              bool
	AlertLevel           nocturnal.AlertLevel
	FreeToolRate         float64
	EmergencyMode        bool
}

// Tracker is the Usage Tracker: it persists per-day and per-month
// aggregates and evaluates alert thresholds / emergency mode on every
// recorded usage.
type Tracker struct {
	mu    sync.Mutex
	fs    afero.Fs
	cfg   Config
	bus   *events.Bus
	clock func() time.Time
}

// NewTracker constructs a Tracker. fs may be nil to use the OS
// filesystem; bus may be nil to run without event publication.
func NewTracker(cfg Config, fs afero.Fs, bus *events.Bus) *Tracker {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Tracker{fs: fs, cfg: cfg, bus: bus, clock: time.Now}
}

func (t *Tracker) dayFile(date string) *repository.JSONFile {
	return repository.NewJSONFile(t.fs, filepath.Join(t.cfg.StoragePath, fmt.Sprintf("daily_%s.json", date)))
}

func (t *Tracker) monthFile(month string) *repository.JSONFile {
	return repository.NewJSONFile(t.fs, filepath.Join(t.cfg.StoragePath, fmt.Sprintf("monthly_%s.json", month)))
}

// RecordUsage appends a UsageRecord to today's day aggregate,
// recomputes the current month's totals and free-tool rate, and
// evaluates alert thresholds / emergency mode, firing each threshold's
// BudgetAlert at most once per month.
func (t *Tracker) RecordUsage(service nocturnal.Service, operation string, cost float64, tokens int, taskID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	date := now.Format("2006-01-02")
	month := now.Format("2006_01")

	record := nocturnal.UsageRecord{
		Timestamp:    now,
		Service:      service,
		Operation:    operation,
		Cost:         cost,
		TokensUsed:   tokens,
		RequestCount: 1,
		TaskID:       taskID,
	}

	dayRepo := t.dayFile(date)
	var day dayAggregate
	if err := dayRepo.Load(&day); err != nil {
		return fmt.Errorf("loading day aggregate: %w", err)
	}
	day.Date = date
	day.Records = append(day.Records, record)
	day.RequestCount++
	day.TotalCost = day.TotalCost.Add(decimal.NewFromFloat(cost))
	if service.IsFree() {
		day.FreeRequestCount++
	}
	if err := dayRepo.Save(&day); err != nil {
		return fmt.Errorf("saving day aggregate: %w", err)
	}

	monthRepo := t.monthFile(month)
	var agg monthAggregate
	if err := monthRepo.Load(&agg); err != nil {
		return fmt.Errorf("loading month aggregate: %w", err)
	}
	agg.Month = month
	agg.TotalCost = agg.TotalCost.Add(decimal.NewFromFloat(cost))
	agg.TotalTokens += tokens
	agg.RequestCount++
	if service.IsFree() {
		agg.FreeRequestCount++
	}

	utilization := t.utilization(agg)
	t.evaluateAlerts(&agg, utilization, month)
	t.evaluateEmergencyMode(&agg, utilization, month)

	return monthRepo.Save(&agg)
}

func (t *Tracker) utilization(agg monthAggregate) float64 {
	if t.cfg.MonthlyBudget.IsZero() {
		return 0
	}
	f, _ := agg.TotalCost.Div(t.cfg.MonthlyBudget).Float64()
	return f
}

// evaluateAlerts fires BudgetAlert for every configured threshold the
// utilization has newly crossed, at most once per threshold per month.
func (t *Tracker) evaluateAlerts(agg *monthAggregate, utilization float64, month string) {
	triggered := make(map[float64]bool, len(agg.AlertsTriggered))
	for _, th := range agg.AlertsTriggered {
		triggered[th] = true
	}

	thresholds := append([]float64{}, t.cfg.AlertThresholds...)
	sort.Float64s(thresholds)
	for _, th := range thresholds {
		if utilization >= th && !triggered[th] {
			agg.AlertsTriggered = append(agg.AlertsTriggered, th)
			triggered[th] = true
			if t.bus != nil {
				t.bus.Publish(events.Event{
					Type:    events.BudgetAlert,
					Payload: BudgetAlertPayload{Threshold: th, Utilization: utilization, Month: month},
				})
			}
		}
	}
}

// evaluateEmergencyMode activates emergency mode at cfg.EmergencyActivate
// utilization and deactivates it once utilization falls back below
// cfg.EmergencyDeactivate, per spec.md §4.8.
func (t *Tracker) evaluateEmergencyMode(agg *monthAggregate, utilization float64, month string) {
	if !agg.EmergencyMode && utilization >= t.cfg.EmergencyActivate {
		agg.EmergencyMode = true
		if t.bus != nil {
			t.bus.Publish(events.Event{
				Type:    events.EmergencyModeChanged,
				Payload: EmergencyModePayload{Active: true, Month: month},
			})
		}
	} else if agg.EmergencyMode && utilization < t.cfg.EmergencyDeactivate {
		agg.EmergencyMode = false
		if t.bus != nil {
			t.bus.Publish(events.Event{
				Type:    events.EmergencyModeChanged,
				Payload: EmergencyModePayload{Active: false, Month: month},
			})
		}
	}
}

// BudgetStatus derives the current budget status from the current
// month's persisted aggregate.
func (t *Tracker) BudgetStatus() (BudgetStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.budgetStatusLocked()
}

func (t *Tracker) budgetStatusLocked() (BudgetStatus, error) {
	now := t.clock()
	month := now.Format("2006_01")

	var agg monthAggregate
	if err := t.monthFile(month).Load(&agg); err != nil {
		return BudgetStatus{}, fmt.Errorf("loading month aggregate: %w", err)
	}

	utilization := t.utilization(agg)
	remaining := t.cfg.MonthlyBudget.Sub(agg.TotalCost)

	daysInMonth := time.Date(now.Year(), now.Month()+1, 0, 0, 0, 0, 0, now.Location()).Day()
	daysRemaining := daysInMonth - now.Day() + 1
	if daysRemaining < 1 {
		daysRemaining = 1
	}
	dailyRemaining := remaining.Div(decimal.NewFromInt(int64(daysRemaining)))

	elapsedFraction := float64(now.Day()) / float64(daysInMonth)
	onTrack := utilization <= elapsedFraction

	freeRate := 0.0
	if agg.RequestCount > 0 {
		freeRate = float64(agg.FreeRequestCount) / float64(agg.RequestCount)
	}

	return BudgetStatus{
		MonthlyBudget:        t.cfg.MonthlyBudget,
		CurrentSpend:         agg.TotalCost,
		RemainingBudget:      remaining,
		DaysRemainingInMonth: daysRemaining,
		DailyBudgetRemaining: dailyRemaining,
		OnTrack:              onTrack,
		AlertLevel:           alertLevelFor(utilization),
		FreeToolRate:         freeRate,
		EmergencyMode:        agg.EmergencyMode,
	}, nil
}

func alertLevelFor(utilization float64) nocturnal.AlertLevel {
	switch {
	case utilization >= 0.95:
		return nocturnal.AlertCritical
	case utilization >= 0.80:
		return nocturnal.AlertWarning
	case utilization >= 0.50:
		return nocturnal.AlertAttention
	default:
		return nocturnal.AlertNormal
	}
}

// EmergencyMode reports whether the current month is in emergency mode.
func (t *Tracker) EmergencyMode() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	status, err := t.budgetStatusLocked()
	if err != nil {
		return false
	}
	return status.EmergencyMode
}

// SetClock overrides the wall clock source, for deterministic tests.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clock = now
}
