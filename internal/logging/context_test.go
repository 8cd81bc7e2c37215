package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestContextFields_Empty(t *testing.T) {
	ctx := context.Background()
	fields := ContextFields(ctx)
	assert.Empty(t, fields)
}

func TestContextFields_Task(t *testing.T) {
	task := &Task{
		ID:     "t-1",
		Tier:   "high",
		Branch: "nocturnal/high-t-1-120000",
	}
	ctx := context.WithValue(context.Background(), taskCtxKey{}, task)

	fields := ContextFields(ctx)

	assert.Len(t, fields, 3)
	assertFieldExists(t, fields, "task.id", "t-1")
	assertFieldExists(t, fields, "task.tier", "high")
	assertFieldExists(t, fields, "task.branch", "nocturnal/high-t-1-120000")
}

func TestContextFields_Session(t *testing.T) {
	ctx := context.WithValue(context.Background(), sessionCtxKey{}, "sess_123")

	fields := ContextFields(ctx)

	assert.Len(t, fields, 1)
	assertFieldExists(t, fields, "session.id", "sess_123")
}

func TestContextFields_Request(t *testing.T) {
	ctx := context.WithValue(context.Background(), requestCtxKey{}, "req_456")

	fields := ContextFields(ctx)

	assert.Len(t, fields, 1)
	assertFieldExists(t, fields, "request.id", "req_456")
}

func assertFieldExists(t *testing.T, fields []zap.Field, key, expected string) {
	t.Helper()
	for _, field := range fields {
		if field.Key == key && field.String == expected {
			return
		}
	}
	t.Errorf("field %q with value %q not found", key, expected)
}

func TestLogger_InContext(t *testing.T) {
	logger := &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
	ctx := WithLogger(context.Background(), logger)

	retrieved := FromContext(ctx)
	assert.Equal(t, logger, retrieved)
}

func TestLogger_FromContextMissing(t *testing.T) {
	ctx := context.Background()
	retrieved := FromContext(ctx)

	// Should return default logger (nop for test)
	assert.NotNil(t, retrieved)
}

// Validation tests

func TestWithTask_Valid(t *testing.T) {
	task := &Task{ID: "t-1", Tier: "medium", Branch: "nocturnal/medium-t-1-api-server"}

	ctx := WithTask(context.Background(), task)
	retrieved := TaskFromContext(ctx)

	assert.Equal(t, task, retrieved)
}

func TestWithTask_NilPanics(t *testing.T) {
	assert.PanicsWithValue(t, "logging: task cannot be nil", func() {
		WithTask(context.Background(), nil)
	})
}

func TestWithTask_EmptyFieldsPanics(t *testing.T) {
	tests := []struct {
		name string
		task *Task
		want string
	}{
		{
			name: "empty ID",
			task: &Task{ID: "", Tier: "high", Branch: "nocturnal/high-t"},
			want: "logging: task.ID cannot be empty",
		},
		{
			name: "empty Tier",
			task: &Task{ID: "t-1", Tier: "", Branch: "nocturnal/high-t"},
			want: "logging: task.Tier cannot be empty",
		},
		{
			name: "empty Branch",
			task: &Task{ID: "t-1", Tier: "high", Branch: ""},
			want: "logging: task.Branch cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.PanicsWithValue(t, tt.want, func() {
				WithTask(context.Background(), tt.task)
			})
		})
	}
}

func TestWithTask_InvalidCharactersPanics(t *testing.T) {
	tests := []struct {
		name string
		task *Task
	}{
		{
			name: "ID with spaces",
			task: &Task{ID: "t 1", Tier: "high", Branch: "nocturnal/high-t"},
		},
		{
			name: "Tier with special chars",
			task: &Task{ID: "t-1", Tier: "high@", Branch: "nocturnal/high-t"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Panics(t, func() {
				WithTask(context.Background(), tt.task)
			})
		})
	}
}

func TestWithTask_TooLongPanics(t *testing.T) {
	longString := string(make([]byte, 65)) // 65 chars, max is 64
	for i := range longString {
		longString = longString[:i] + "a" + longString[i+1:]
	}

	task := &Task{ID: longString, Tier: "high", Branch: "nocturnal/high-t"}

	assert.Panics(t, func() {
		WithTask(context.Background(), task)
	})
}

func TestWithSessionID_Valid(t *testing.T) {
	tests := []struct {
		name      string
		sessionID string
	}{
		{"simple", "sess_123"},
		{"with hyphens", "sess-abc-123"},
		{"with underscores", "sess_abc_123"},
		{"alphanumeric", "sessABC123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := WithSessionID(context.Background(), tt.sessionID)
			retrieved := SessionIDFromContext(ctx)
			assert.Equal(t, tt.sessionID, retrieved)
		})
	}
}

func TestWithSessionID_EmptyPanics(t *testing.T) {
	assert.PanicsWithValue(t, "logging: sessionID cannot be empty", func() {
		WithSessionID(context.Background(), "")
	})
}

func TestWithSessionID_InvalidCharactersPanics(t *testing.T) {
	tests := []struct {
		name      string
		sessionID string
	}{
		{"with spaces", "sess 123"},
		{"with slash", "sess/123"},
		{"with special chars", "sess@123"},
		{"with dots", "sess.123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Panics(t, func() {
				WithSessionID(context.Background(), tt.sessionID)
			})
		})
	}
}

func TestWithSessionID_TooLongPanics(t *testing.T) {
	longID := string(make([]byte, 129)) // 129 chars, max is 128
	for i := range longID {
		longID = longID[:i] + "a" + longID[i+1:]
	}

	assert.Panics(t, func() {
		WithSessionID(context.Background(), longID)
	})
}

func TestWithRequestID_Valid(t *testing.T) {
	tests := []struct {
		name      string
		requestID string
	}{
		{"simple", "req_456"},
		{"with hyphens", "req-abc-456"},
		{"with underscores", "req_abc_456"},
		{"alphanumeric", "reqABC456"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := WithRequestID(context.Background(), tt.requestID)
			retrieved := RequestIDFromContext(ctx)
			assert.Equal(t, tt.requestID, retrieved)
		})
	}
}

func TestWithRequestID_EmptyPanics(t *testing.T) {
	assert.PanicsWithValue(t, "logging: requestID cannot be empty", func() {
		WithRequestID(context.Background(), "")
	})
}

func TestWithRequestID_InvalidCharactersPanics(t *testing.T) {
	tests := []struct {
		name      string
		requestID string
	}{
		{"with spaces", "req 456"},
		{"with slash", "req/456"},
		{"with special chars", "req@456"},
		{"with dots", "req.456"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Panics(t, func() {
				WithRequestID(context.Background(), tt.requestID)
			})
		})
	}
}

func TestWithRequestID_TooLongPanics(t *testing.T) {
	longID := string(make([]byte, 129)) // 129 chars, max is 128
	for i := range longID {
		longID = longID[:i] + "a" + longID[i+1:]
	}

	assert.Panics(t, func() {
		WithRequestID(context.Background(), longID)
	})
}
