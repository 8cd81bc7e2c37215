// Package danger implements the Danger Detector: a table of regex
// rules over planned code/commands/file-operations, classified by
// severity and optionally blocking execution.
package danger

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/nocturnal-agent/nocturnal/internal/nocturnal"
	"github.com/nocturnal-agent/nocturnal/pkg/secrets"
)

// compiled is one DangerPattern with its regex pre-compiled.
type compiled struct {
	nocturnal.DangerPattern
	re *regexp.Regexp
}

// Match is one rule that fired during analysis.
type Match struct {
	Pattern  string
	Category string
	Level    nocturnal.DangerLevel
}

// Result is the outcome of scanning one piece of code, command, or
// file operation: the worst level over all matches.
type Result struct {
	Level   nocturnal.DangerLevel
	Matches []Match
}

// Config configures blocking behavior and path-based escalation.
type Config struct {
	ProtectedPaths     []string
	CriticalSystemPaths []string
	BlockOnHigh        bool
	BlockOnCritical    bool
}

// FileOperation describes one planned filesystem mutation.
type FileOperation struct {
	Op   string // "delete", "write", "chmod", ...
	Path string
}

// Detector holds the enabled/disabled rule table.
type Detector struct {
	mu       sync.Mutex
	cfg      Config
	patterns []compiled
}

// New compiles patterns and returns a Detector. A pattern with an
// invalid regex is a configuration error: "regex compiles" is an
// invariant of DangerPattern, so New fails fast rather than silently
// dropping a rule.
func New(cfg Config, patterns []nocturnal.DangerPattern) (*Detector, error) {
	d := &Detector{cfg: cfg}
	for _, p := range patterns {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("compiling danger pattern %q: %w", p.Name, err)
		}
		d.patterns = append(d.patterns, compiled{DangerPattern: p, re: re})
	}
	return d, nil
}

// NewWithBuiltins is New(cfg, BuiltinPatterns()) plus any user-supplied
// extra patterns appended.
func NewWithBuiltins(cfg Config, extra ...nocturnal.DangerPattern) (*Detector, error) {
	return New(cfg, append(BuiltinPatterns(), extra...))
}

// BuiltinPatterns returns the built-in danger pattern table covering
// spec.md §4.9's named categories.
func BuiltinPatterns() []nocturnal.DangerPattern {
	return []nocturnal.DangerPattern{
		{Name: "recursive-delete-root", Regex: `rm\s+-[a-zA-Z]*r[a-zA-Z]*f[a-zA-Z]*\s+/(\s|$)`, Level: nocturnal.DangerCritical, Category: "filesystem", Enabled: true},
		{Name: "recursive-delete", Regex: `rm\s+-[a-zA-Z]*r[a-zA-Z]*f`, Level: nocturnal.DangerHigh, Category: "filesystem", Enabled: true},
		{Name: "drive-format", Regex: `\b(mkfs|fdisk|dd\s+if=.*of=/dev/)\b`, Level: nocturnal.DangerCritical, Category: "filesystem", Enabled: true},
		{Name: "permission-widening", Regex: `chmod\s+-R?\s*(777|a\+rwx|ugo\+rwx)`, Level: nocturnal.DangerMedium, Category: "permissions", Enabled: true},
		{Name: "curl-pipe-shell", Regex: `(curl|wget)\s+.*\|\s*(sh|bash|zsh)`, Level: nocturnal.DangerHigh, Category: "network", Enabled: true},
		{Name: "reverse-shell", Regex: `(nc|ncat|netcat)\s+.*-e\s*(/bin/)?(sh|bash)`, Level: nocturnal.DangerCritical, Category: "network", Enabled: true},
		{Name: "network-backdoor-listener", Regex: `socket\.(bind|listen)\(.*0\.0\.0\.0`, Level: nocturnal.DangerHigh, Category: "network", Enabled: true},
		{Name: "sudoers-modification", Regex: `/etc/sudoers`, Level: nocturnal.DangerCritical, Category: "privilege", Enabled: true},
		{Name: "crontab-modification", Regex: `\bcrontab\s+-[re]\b`, Level: nocturnal.DangerMedium, Category: "privilege", Enabled: true},
		{Name: "service-disable", Regex: `systemctl\s+(disable|stop|mask)\s+\S*(firewall|security|audit)`, Level: nocturnal.DangerHigh, Category: "system", Enabled: true},
		{Name: "eval-injection", Regex: `\beval\s*\(`, Level: nocturnal.DangerHigh, Category: "injection", Enabled: true},
		{Name: "exec-injection", Regex: `\bexec\s*\(`, Level: nocturnal.DangerMedium, Category: "injection", Enabled: true},
		{Name: "sql-injection-shape", Regex: `(?i)(select|insert|update|delete)\b.*\+\s*(request|params|input|user)`, Level: nocturnal.DangerHigh, Category: "injection", Enabled: true},
		{Name: "hardcoded-secret", Regex: `(?i)(api[_-]?key|secret|password|token)\s*[:=]\s*['"][A-Za-z0-9/+=_-]{8,}['"]`, Level: nocturnal.DangerHigh, Category: "secrets", Enabled: true},
		{Name: "crypto-key-generation", Regex: `(openssl\s+genrsa|ssh-keygen)\b`, Level: nocturnal.DangerLow, Category: "secrets", Enabled: true},
		{Name: "database-drop", Regex: `(?i)\bdrop\s+(table|database|schema)\b`, Level: nocturnal.DangerHigh, Category: "data", Enabled: true},
		{Name: "database-truncate", Regex: `(?i)\btruncate\s+table\b`, Level: nocturnal.DangerMedium, Category: "data", Enabled: true},
		{Name: "kill-critical-process", Regex: `\b(kill\s+-9\s+1\b|killall\s+-9\s+(init|systemd))`, Level: nocturnal.DangerCritical, Category: "process", Enabled: true},
		{Name: "destructive-vcs", Regex: `git\s+(push\s+.*--force|reset\s+--hard|clean\s+-[a-zA-Z]*f[a-zA-Z]*d)`, Level: nocturnal.DangerMedium, Category: "vcs", Enabled: true},
		{Name: "path-poisoning", Regex: `export\s+PATH=[^:]*:\$PATH`, Level: nocturnal.DangerLow, Category: "system", Enabled: true},
	}
}

func worse(a, b nocturnal.DangerLevel) nocturnal.DangerLevel {
	if b > a {
		return b
	}
	return a
}

// analyze runs every enabled pattern against text and returns the
// worst-over-matches Result.
func (d *Detector) analyze(text string) Result {
	d.mu.Lock()
	patterns := append([]compiled{}, d.patterns...)
	d.mu.Unlock()

	var result Result
	for _, p := range patterns {
		if !p.Enabled {
			continue
		}
		if p.re.MatchString(text) {
			result.Matches = append(result.Matches, Match{Pattern: p.Name, Category: p.Category, Level: p.Level})
			result.Level = worse(result.Level, p.Level)
		}
	}
	return result
}

// AnalyzeCode scans planned code for danger patterns, additionally
// running the gitleaks-backed secrets detector (pkg/secrets, already
// used by the knowledge-base redaction path) so the "hard-coded
// secrets" category benefits from a real credential-shaped scanner
// rather than the coarse regex alone.
func (d *Detector) AnalyzeCode(code string) Result {
	result := d.analyze(code)

	findings, err := secrets.Detect(code, nil)
	if err == nil && len(findings) > 0 {
		result.Matches = append(result.Matches, Match{Pattern: "gitleaks:" + findings[0].RuleID, Category: "secrets", Level: nocturnal.DangerHigh})
		result.Level = worse(result.Level, nocturnal.DangerHigh)
	}

	return result
}

// AnalyzeCommand scans a planned shell command for danger patterns.
func (d *Detector) AnalyzeCommand(cmd string) Result {
	return d.analyze(cmd)
}

// AnalyzeFileOperation augments pattern analysis with path-based
// rules: an operation on a protected path raises to High, on a
// critical system path raises to Critical, and a bulk wildcard delete
// raises to Medium.
func (d *Detector) AnalyzeFileOperation(op FileOperation) Result {
	result := d.analyze(op.Path)

	for _, p := range d.cfg.CriticalSystemPaths {
		if strings.HasPrefix(op.Path, p) {
			result.Matches = append(result.Matches, Match{Pattern: "critical-system-path", Category: "filesystem", Level: nocturnal.DangerCritical})
			result.Level = worse(result.Level, nocturnal.DangerCritical)
		}
	}
	for _, p := range d.cfg.ProtectedPaths {
		if strings.HasPrefix(op.Path, p) {
			result.Matches = append(result.Matches, Match{Pattern: "protected-path", Category: "filesystem", Level: nocturnal.DangerHigh})
			result.Level = worse(result.Level, nocturnal.DangerHigh)
		}
	}
	if strings.EqualFold(op.Op, "delete") && strings.Contains(op.Path, "*") {
		result.Matches = append(result.Matches, Match{Pattern: "bulk-wildcard-delete", Category: "filesystem", Level: nocturnal.DangerMedium})
		result.Level = worse(result.Level, nocturnal.DangerMedium)
	}

	return result
}

// Blocked reports whether result's level should abort the operation
// under the configured blocking policy.
func (d *Detector) Blocked(result Result) bool {
	switch result.Level {
	case nocturnal.DangerHigh:
		return d.cfg.BlockOnHigh
	case nocturnal.DangerCritical:
		return d.cfg.BlockOnCritical
	default:
		return false
	}
}

// AddPattern registers a new pattern at runtime.
func (d *Detector) AddPattern(p nocturnal.DangerPattern) error {
	re, err := regexp.Compile(p.Regex)
	if err != nil {
		return fmt.Errorf("compiling danger pattern %q: %w", p.Name, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.patterns = append(d.patterns, compiled{DangerPattern: p, re: re})
	return nil
}

// RemovePattern deletes a pattern by name.
func (d *Detector) RemovePattern(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.patterns[:0]
	for _, p := range d.patterns {
		if p.Name != name {
			kept = append(kept, p)
		}
	}
	d.patterns = kept
}

// setEnabled toggles a pattern's Enabled flag by name.
func (d *Detector) setEnabled(name string, enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.patterns {
		if d.patterns[i].Name == name {
			d.patterns[i].Enabled = enabled
		}
	}
}

// EnablePattern re-enables a previously disabled pattern.
func (d *Detector) EnablePattern(name string) { d.setEnabled(name, true) }

// DisablePattern disables a pattern without removing it.
func (d *Detector) DisablePattern(name string) { d.setEnabled(name, false) }

// Patterns returns a snapshot of the current rule table.
func (d *Detector) Patterns() []nocturnal.DangerPattern {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]nocturnal.DangerPattern, len(d.patterns))
	for i, p := range d.patterns {
		out[i] = p.DangerPattern
	}
	return out
}
