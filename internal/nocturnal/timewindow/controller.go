// Package timewindow implements the Time Controller: the component
// that owns the nightly execution window and the manual Paused /
// Maintenance overlays on top of it.
package timewindow

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron"

	"github.com/nocturnal-agent/nocturnal/internal/nocturnal/events"
)

// State is one of the Time Controller's four states.
type State string

const (
	Active      State = "active"
	Inactive    State = "inactive"
	Paused      State = "paused"
	Maintenance State = "maintenance"
)

// Config configures the night window.
type Config struct {
	StartHour    int           // default 22
	EndHour      int           // default 6
	SafetyMargin time.Duration // default 5 minutes
}

// DefaultConfig returns spec.md's documented defaults.
func DefaultConfig() Config {
	return Config{StartHour: 22, EndHour: 6, SafetyMargin: 5 * time.Minute}
}

// spec returns a cron.SpecSchedule describing the window's opening
// minute, used only to validate and describe the configured window
// (e.g. in status reports); the controller does not depend on cron for
// its actual gating decision, which is a direct hour comparison.
func (c Config) spec() (cron.Schedule, error) {
	expr := fmt.Sprintf("0 %d * * *", c.StartHour)
	return cron.Parse(expr)
}

// Controller owns the execution window and the manual overlays on top
// of it.
type Controller struct {
	mu       sync.Mutex
	cfg      Config
	manual   State // Active (no overlay), Paused, or Maintenance
	bus      *events.Bus
	now      func() time.Time
	lastAuto State
}

// New constructs a Controller. bus may be nil to run without event
// publication (useful in tests).
func New(cfg Config, bus *events.Bus) *Controller {
	if _, err := cfg.spec(); err != nil {
		cfg.StartHour = DefaultConfig().StartHour
	}
	return &Controller{
		cfg:      cfg,
		manual:   Active,
		bus:      bus,
		now:      time.Now,
		lastAuto: Inactive,
	}
}

// inWindow reports whether t's local hour lies within the configured
// night window, correctly handling a window that crosses midnight
// (start=22, end=6): inclusive at the start hour, exclusive at the end
// hour.
func (c Config) inWindow(t time.Time) bool {
	h := t.Hour()
	if c.StartHour == c.EndHour {
		return true // 24h window
	}
	if c.StartHour < c.EndHour {
		return h >= c.StartHour && h < c.EndHour
	}
	// Wraps midnight: e.g. 22..6
	return h >= c.StartHour || h < c.EndHour
}

// State returns the controller's effective state at the current time.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Controller) stateLocked() State {
	if c.manual == Paused || c.manual == Maintenance {
		return c.manual
	}
	if c.cfg.inWindow(c.now()) {
		return Active
	}
	return Inactive
}

// IsExecutionAllowed is true iff current local time lies in the night
// window and state is not Paused/Maintenance.
func (c *Controller) IsExecutionAllowed() bool {
	return c.State() == Active
}

// CanStartTask returns false when the remaining window is shorter than
// estimatedDuration plus the configured safety margin.
func (c *Controller) CanStartTask(estimatedDuration time.Duration) (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stateLocked() != Active {
		return false, fmt.Sprintf("not in active window (state=%s)", c.stateLocked())
	}

	remaining := c.remainingLocked()
	needed := estimatedDuration + c.cfg.SafetyMargin
	if remaining < needed {
		return false, fmt.Sprintf("remaining window %s shorter than needed %s", remaining, needed)
	}
	return true, ""
}

// remainingLocked computes time until the window closes from now.
func (c *Controller) remainingLocked() time.Duration {
	now := c.now()
	end := time.Date(now.Year(), now.Month(), now.Day(), c.cfg.EndHour, 0, 0, 0, now.Location())
	if c.cfg.StartHour > c.cfg.EndHour && now.Hour() >= c.cfg.StartHour {
		end = end.AddDate(0, 0, 1)
	}
	if end.Before(now) {
		return 0
	}
	return end.Sub(now)
}

// Pause manually transitions to Paused regardless of the window.
func (c *Controller) Pause() { c.setManual(Paused) }

// Resume clears any manual overlay, returning to automatic Active/Inactive.
func (c *Controller) Resume() { c.setManual(Active) }

// EnterMaintenance stops new task admission while running tasks finish.
func (c *Controller) EnterMaintenance() { c.setManual(Maintenance) }

// ExitMaintenance clears the Maintenance overlay.
func (c *Controller) ExitMaintenance() { c.setManual(Active) }

func (c *Controller) setManual(s State) {
	c.mu.Lock()
	old := c.stateLocked()
	c.manual = s
	next := c.stateLocked()
	c.mu.Unlock()

	if old != next && c.bus != nil {
		c.bus.Publish(events.Event{
			Type:    events.TimeWindowChanged,
			Payload: StateChange{Old: old, New: next, At: c.now()},
		})
	}
}

// StateChange is the payload published on TimeWindowChanged.
type StateChange struct {
	Old State
	New State
	At  time.Time
}

// Poll samples the wall clock; callers invoke this at >=1-minute
// cadence (spec.md §4.1) to drive automatic Active/Inactive transitions
// and their callbacks.
func (c *Controller) Poll() {
	c.mu.Lock()
	current := c.stateLocked()
	prev := c.lastAuto
	c.lastAuto = current
	c.mu.Unlock()

	if current != prev && c.bus != nil {
		c.bus.Publish(events.Event{
			Type:    events.TimeWindowChanged,
			Payload: StateChange{Old: prev, New: current, At: c.now()},
		})
	}
}

// RegisterTaskCompletion is an observer hook for metrics only; it
// carries no state-machine semantics.
func (c *Controller) RegisterTaskCompletion(hasChanges bool) {
	_ = hasChanges
}

// SetClock overrides the wall clock source, for deterministic tests.
func (c *Controller) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}
