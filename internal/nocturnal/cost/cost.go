// Package cost implements the Cost Manager: a Usage Tracker that
// accumulates per-day and per-month spend aggregates and evaluates
// budget alerts/emergency mode, and a Cost Optimizer that picks a
// service tier per task under a rule engine.
package cost

import (
	"github.com/shopspring/decimal"

	"github.com/nocturnal-agent/nocturnal/internal/nocturnal"
)

// ServiceRate is the USD-per-1000-tokens rate for a service.
type ServiceRate struct {
	Service Service
	Per1k   decimal.Decimal
}

// Service re-exports nocturnal.Service for package-local readability.
type Service = nocturnal.Service

// DefaultRates returns spec.md §4.8's documented default per-1k rates.
func DefaultRates() []ServiceRate {
	return []ServiceRate{
		{Service: nocturnal.ServiceLocalLLM, Per1k: decimal.Zero},
		{Service: nocturnal.ServiceOpenAIAPI, Per1k: decimal.NewFromFloat(0.002)},
		{Service: nocturnal.ServiceClaudeAPI, Per1k: decimal.NewFromFloat(0.003)},
		{Service: nocturnal.ServiceGithubAPI, Per1k: decimal.Zero},
	}
}

// EstimateCost computes (tokens/1000) * rate for service, 0 if the
// service has no configured rate (treated as free).
func EstimateCost(rates []ServiceRate, service Service, tokens int) decimal.Decimal {
	for _, r := range rates {
		if r.Service == service {
			return r.Per1k.Mul(decimal.NewFromInt(int64(tokens))).Div(decimal.NewFromInt(1000))
		}
	}
	return decimal.Zero
}

// Config configures both the tracker and the optimizer.
type Config struct {
	MonthlyBudget      decimal.Decimal
	FreeToolTargetRate float64   // default 0.9
	AlertThresholds    []float64 // default {0.5, 0.8, 0.9, 0.95}
	EmergencyActivate  float64   // default 0.98
	EmergencyDeactivate float64  // default 0.95
	StoragePath        string    // directory for daily_*.json / monthly_*.json
	Rates              []ServiceRate
}

// DefaultConfig returns spec.md's documented defaults rooted at
// storagePath.
func DefaultConfig(storagePath string) Config {
	return Config{
		MonthlyBudget:       decimal.NewFromFloat(10.0),
		FreeToolTargetRate:  0.9,
		AlertThresholds:     []float64{0.5, 0.8, 0.9, 0.95},
		EmergencyActivate:   0.98,
		EmergencyDeactivate: 0.95,
		StoragePath:         storagePath,
		Rates:               DefaultRates(),
	}
}
