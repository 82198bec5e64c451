package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config LogConfig
	}{
		{
			name: "json format",
			config: LogConfig{
				Level:  "info",
				Format: "json",
			},
		},
		{
			name: "text format",
			config: LogConfig{
				Level:  "debug",
				Format: "text",
			},
		},
		{
			name:   "defaults",
			config: LogConfig{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Fatal("NewLogger() returned nil")
			}
			if logger.logger == nil {
				t.Error("Logger.logger is nil")
			}
		})
	}
}

func TestLoggerLevels(t *testing.T) {
	tests := []struct {
		level    string
		expected string
	}{
		{"debug", "debug"},
		{"info", "info"},
		{"warn", "warn"},
		{"warning", "warn"},
		{"error", "error"},
		{"invalid", "info"}, // defaults to info
		{"", "info"},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(LogConfig{
				Level:  tt.level,
				Format: "json",
				Output: &buf,
			})

			if logger == nil {
				t.Fatal("NewLogger() returned nil")
			}

			ctx := context.Background()
			logger.Debug(ctx, "debug message")
			logger.Info(ctx, "info message")
			logger.Warn(ctx, "warn message")
			logger.Error(ctx, "error message")

			if buf.Len() > 0 {
				return
			}

			if tt.expected == "error" && tt.level == "error" {
				// error level suppresses everything below it
				return
			}
		})
	}
}

func TestLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "info",
		Format: "json",
		Output: &buf,
	})

	ctx := context.Background()
	logger.Info(ctx, "test message", "key", "value", "number", 42)

	output := buf.String()
	if output == "" {
		t.Fatal("Expected log output, got empty string")
	}

	var logEntry map[string]any
	if err := json.Unmarshal([]byte(output), &logEntry); err != nil {
		t.Fatalf("Failed to parse JSON log output: %v", err)
	}

	if _, ok := logEntry["time"]; !ok {
		t.Error("Expected 'time' field in JSON log")
	}
	if _, ok := logEntry["level"]; !ok {
		t.Error("Expected 'level' field in JSON log")
	}
	if _, ok := logEntry["msg"]; !ok {
		t.Error("Expected 'msg' field in JSON log")
	}
}

func TestLoggerTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "info",
		Format: "text",
		Output: &buf,
	})

	ctx := context.Background()
	logger.Info(ctx, "test message", "key", "value")

	output := buf.String()
	if output == "" {
		t.Fatal("Expected log output, got empty string")
	}

	if !strings.Contains(output, "test message") {
		t.Error("Expected log output to contain message")
	}
}

func TestLoggerWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "info",
		Format: "json",
		Output: &buf,
	})

	ctx := context.Background()
	ctx = AddRequestID(ctx, "req-123")
	ctx = AddConversation(ctx, "support-thread")
	ctx = AddTaskID(ctx, "task-789")

	logger.Info(ctx, "test message")

	output := buf.String()
	if output == "" {
		t.Fatal("Expected log output")
	}

	if !strings.Contains(output, "req-123") {
		t.Error("Expected request_id in log output")
	}
	if !strings.Contains(output, "support-thread") {
		t.Error("Expected conversation in log output")
	}
	if !strings.Contains(output, "task-789") {
		t.Error("Expected task_id in log output")
	}
}

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "info",
		Format: "json",
		Output: &buf,
	})

	componentLogger := logger.WithFields("component", "engine", "version", "1.0")
	ctx := context.Background()
	componentLogger.Info(ctx, "test message")

	output := buf.String()
	if !strings.Contains(output, "engine") {
		t.Error("Expected component field in log output")
	}
	if !strings.Contains(output, "1.0") {
		t.Error("Expected version field in log output")
	}
}

func TestRedactAnthropicKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "info",
		Format: "json",
		Output: &buf,
	})

	ctx := context.Background()
	logger.Info(ctx, "API key: sk-ant-REDACTED")

	output := buf.String()
	if strings.Contains(output, "sk-ant-api03") {
		t.Error("Expected Anthropic API key to be redacted")
	}
	if !strings.Contains(output, "[REDACTED]") {
		t.Error("Expected [REDACTED] in output")
	}
}

func TestRedactOpenAIKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "info",
		Format: "json",
		Output: &buf,
	})

	ctx := context.Background()
	// OpenAI keys are 51 chars total: sk- + 48 chars
	openaiKey := "sk-1234567890abcdefghijklmnopqrstuvwxyzABCDEFGHIJKL"
	logger.Info(ctx, "API key: "+openaiKey)

	output := buf.String()
	if strings.Contains(output, openaiKey) {
		t.Error("Expected OpenAI API key to be redacted")
	}
	if !strings.Contains(output, "[REDACTED]") {
		t.Error("Expected [REDACTED] in output")
	}
}

func TestRedactPasswords(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "info",
		Format: "json",
		Output: &buf,
	})

	ctx := context.Background()
	logger.Info(ctx, "password: supersecret123")

	output := buf.String()
	if strings.Contains(output, "supersecret123") {
		t.Error("Expected password to be redacted")
	}
}

func TestRedactMap(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "info",
		Format: "json",
		Output: &buf,
	})

	ctx := context.Background()
	data := map[string]string{
		"username": "john",
		"password": "secret123",
		"api_key":  "sk-1234567890",
	}

	logger.Info(ctx, "User data", "data", data)

	output := buf.String()
	if strings.Contains(output, "secret123") {
		t.Error("Expected password in map to be redacted")
	}
	if strings.Contains(output, "sk-1234567890") {
		t.Error("Expected api_key in map to be redacted")
	}
	if !strings.Contains(output, "john") {
		t.Error("Expected non-sensitive username to be preserved")
	}
}

func TestRedactCustomPatterns(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:          "info",
		Format:         "json",
		Output:         &buf,
		RedactPatterns: []string{`secret-[a-z0-9]+`},
	})

	ctx := context.Background()
	logger.Info(ctx, "Custom secret: secret-abc123")

	output := buf.String()
	if strings.Contains(output, "secret-abc123") {
		t.Error("Expected custom pattern to be redacted")
	}
}

func TestLoggerError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "error",
		Format: "json",
		Output: &buf,
	})

	ctx := context.Background()
	testErr := errors.New("test error message")
	logger.Error(ctx, "Operation failed", "error", testErr)

	output := buf.String()
	if !strings.Contains(output, "Operation failed") {
		t.Error("Expected error message in output")
	}
}

func TestGetRequestID(t *testing.T) {
	ctx := context.Background()
	ctx = AddRequestID(ctx, "req-123")

	requestID := GetRequestID(ctx)
	if requestID != "req-123" {
		t.Errorf("Expected request ID 'req-123', got '%s'", requestID)
	}

	emptyCtx := context.Background()
	emptyID := GetRequestID(emptyCtx)
	if emptyID != "" {
		t.Errorf("Expected empty request ID, got '%s'", emptyID)
	}
}

func TestGetConversation(t *testing.T) {
	ctx := context.Background()
	ctx = AddConversation(ctx, "research-notes")

	name := GetConversation(ctx)
	if name != "research-notes" {
		t.Errorf("Expected conversation 'research-notes', got '%s'", name)
	}

	emptyCtx := context.Background()
	emptyName := GetConversation(emptyCtx)
	if emptyName != "" {
		t.Errorf("Expected empty conversation, got '%s'", emptyName)
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"invalid", "INFO"},
		{"", "INFO"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level := LogLevelFromString(tt.input)
			if level.String() == "" {
				t.Error("Expected non-empty level string")
			}
		})
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()

	ctx = AddRequestID(ctx, "req-123")
	if GetRequestID(ctx) != "req-123" {
		t.Error("AddRequestID/GetRequestID failed")
	}

	ctx = AddConversation(ctx, "daily-standup")
	if GetConversation(ctx) != "daily-standup" {
		t.Error("AddConversation/GetConversation failed")
	}

	ctx = AddTaskID(ctx, "task-789")
	if taskID, ok := ctx.Value(TaskIDKey).(string); !ok || taskID != "task-789" {
		t.Error("AddTaskID failed")
	}
}

func TestLoggerWithAllLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "debug",
		Format: "text",
		Output: &buf,
	})

	ctx := context.Background()

	logger.Debug(ctx, "debug message")
	logger.Info(ctx, "info message")
	logger.Warn(ctx, "warn message")
	logger.Error(ctx, "error message")

	output := buf.String()
	if output == "" {
		t.Fatal("Expected log output")
	}

	if !strings.Contains(output, "debug message") {
		t.Error("Expected debug message in output")
	}
	if !strings.Contains(output, "info message") {
		t.Error("Expected info message in output")
	}
	if !strings.Contains(output, "warn message") {
		t.Error("Expected warn message in output")
	}
	if !strings.Contains(output, "error message") {
		t.Error("Expected error message in output")
	}
}

func TestRedactNestedMap(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "info",
		Format: "json",
		Output: &buf,
	})

	ctx := context.Background()

	data := map[string]any{
		"user": map[string]any{
			"name":     "John",
			"password": "secret123",
			"token":    "sk-1234567890",
		},
		"metadata": map[string]any{
			"timestamp": "2024-01-01",
			"api_key":   "sensitive-key",
		},
	}

	logger.Info(ctx, "Complex data", "data", data)

	output := buf.String()
	if strings.Contains(output, "secret123") {
		t.Error("Expected nested password to be redacted")
	}
}

func TestLoggerAddSource(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:     "info",
		Format:    "json",
		Output:    &buf,
		AddSource: true,
	})

	ctx := context.Background()
	logger.Info(ctx, "test with source")

	output := buf.String()
	if output == "" {
		t.Fatal("Expected log output")
	}

	if !strings.Contains(output, "test with source") {
		t.Error("Expected message in output")
	}
}

func TestEmptyContextValues(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "info",
		Format: "json",
		Output: &buf,
	})

	ctx := context.Background()
	ctx = AddRequestID(ctx, "")
	ctx = AddConversation(ctx, "")

	logger.Info(ctx, "test message")

	if buf.Len() == 0 {
		t.Error("Expected log output even with empty context values")
	}
}
