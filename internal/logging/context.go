// internal/logging/context.go
package logging

import (
	"context"
	"fmt"
	"regexp"
	"unicode/utf8"

	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 8)

	// Task context
	if task := TaskFromContext(ctx); task != nil {
		fields = append(fields,
			zap.String("task.id", task.ID),
			zap.String("task.tier", task.Tier),
			zap.String("task.branch", task.Branch),
		)
	}

	// Session context
	if sessionID := SessionIDFromContext(ctx); sessionID != "" {
		fields = append(fields, zap.String("session.id", sessionID))
	}

	// Request ID
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}

	return fields
}

// Context key types
type taskCtxKey struct{}
type sessionCtxKey struct{}
type requestCtxKey struct{}

// Task carries the currently executing task's correlation data, logged
// alongside every entry produced while it runs.
type Task struct {
	ID     string
	Tier   string
	Branch string
}

// Validation constants
const (
	maxTaskFieldLen = 64
	maxIDLen        = 128
)

var (
	// taskFieldPattern allows alphanumeric, hyphen, underscore
	taskFieldPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	// branchFieldPattern additionally allows the slash separator used by
	// branch.Manager's "prefix/tier-task-suffix" naming scheme.
	branchFieldPattern = regexp.MustCompile(`^[a-zA-Z0-9_/-]+$`)
	// idPattern allows alphanumeric, hyphen, underscore with optional prefix
	idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// validateTaskField validates a task correlation field (id, tier, branch).
func validateTaskField(field, name string) error {
	if field == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if !utf8.ValidString(field) {
		return fmt.Errorf("%s contains invalid UTF-8", name)
	}
	if len(field) > maxTaskFieldLen {
		return fmt.Errorf("%s exceeds max length %d", name, maxTaskFieldLen)
	}
	pattern := taskFieldPattern
	if name == "task.Branch" {
		pattern = branchFieldPattern
	}
	if !pattern.MatchString(field) {
		return fmt.Errorf("%s contains invalid characters (must be alphanumeric, hyphen, underscore)", name)
	}
	return nil
}

// validateID validates a session or request ID.
func validateID(id, name string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%s contains invalid UTF-8", name)
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("%s exceeds max length %d", name, maxIDLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters (must be alphanumeric, hyphen, underscore)", name)
	}
	return nil
}

// TaskFromContext extracts the task correlation data from context.
func TaskFromContext(ctx context.Context) *Task {
	if t, ok := ctx.Value(taskCtxKey{}).(*Task); ok {
		return t
	}
	return nil
}

// WithTask adds task correlation data to context.
// Panics if task is nil or contains invalid field values.
func WithTask(ctx context.Context, task *Task) context.Context {
	if task == nil {
		panic("logging: task cannot be nil")
	}
	if err := validateTaskField(task.ID, "task.ID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	if err := validateTaskField(task.Tier, "task.Tier"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	if err := validateTaskField(task.Branch, "task.Branch"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, taskCtxKey{}, task)
}

// SessionIDFromContext extracts session ID from context.
func SessionIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(sessionCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithSessionID adds session ID to context.
// Panics if sessionID is empty or contains invalid characters.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if err := validateID(sessionID, "sessionID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, sessionCtxKey{}, sessionID)
}

// RequestIDFromContext extracts request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithRequestID adds request ID to context.
// Panics if requestID is empty or contains invalid characters.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if err := validateID(requestID, "requestID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// loggerCtxKey is the context key for Logger.
type loggerCtxKey struct{}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a default nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}
