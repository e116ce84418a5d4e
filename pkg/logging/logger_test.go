package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	sdkerrors "github.com/openpond/openpond-sdk-go/pkg/errors"
)

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, &TextFormatter{DisableColors: true, DisableTimestamp: true})
	logger.SetLevel(DebugLevel)

	logger.Debug("Debug message", String("key", "value"))
	logger.Info("Info message", Int("count", 42))
	logger.Warn("Warning message", Bool("flag", true))
	logger.Error("Error message", ErrorField(errors.New("test error")))

	output := buf.String()
	for _, want := range []string{
		"[DEBUG] Debug message | key=value",
		"[INFO] Info message | count=42",
		"[WARN] Warning message | flag=true",
		`[ERROR] Error message | error="test error"`,
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output:\n%s", want, output)
		}
	}
}

func TestLogLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, NewTextFormatter())
	logger.SetLevel(WarnLevel)

	logger.Debug("Debug message")
	logger.Info("Info message")
	logger.Warn("Warning message")
	logger.Error("Error message")

	output := buf.String()
	if strings.Contains(output, "Debug message") || strings.Contains(output, "Info message") {
		t.Error("messages below warn should be filtered out")
	}
	if !strings.Contains(output, "Warning message") || !strings.Contains(output, "Error message") {
		t.Error("warn and error messages should be logged")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   DebugLevel,
		"":        InfoLevel,
		"WARN":    WarnLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
		"off":     DisabledLevel,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil {
			t.Errorf("ParseLevel(%q) error: %v", in, err)
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestWithFieldsDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	base := New(&buf, &TextFormatter{DisableColors: true, DisableTimestamp: true})
	child := base.WithFields(String("component", "delivery"), String("operation", "poll"))

	child.Info("polled")
	base.Info("plain")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0] != "[INFO] delivery/poll: polled" {
		t.Errorf("unexpected child line %q", lines[0])
	}
	if lines[1] != "[INFO] plain" {
		t.Errorf("parent picked up child fields: %q", lines[1])
	}
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, &TextFormatter{DisableColors: true, DisableTimestamp: true})

	ctx := ContextWithRequestID(context.Background(), "req-123")
	logger.WithContext(ctx).Info("with request")

	if !strings.Contains(buf.String(), "[req-123] with request") {
		t.Errorf("request id missing: %q", buf.String())
	}
}

func TestEnsureRequestID(t *testing.T) {
	ctx, id := EnsureRequestID(context.Background())
	if id == "" || RequestIDFromContext(ctx) != id {
		t.Fatalf("expected generated id in context, got %q", id)
	}

	again, same := EnsureRequestID(ctx)
	if same != id || again != ctx {
		t.Error("existing request id should be kept")
	}
}

func TestWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, NewJSONFormatter())

	err := sdkerrors.NewAPIError(429, "rate limited").WithContext(&sdkerrors.Context{
		RequestID: "req-9",
		Operation: "send_message",
		Timestamp: time.Now(),
	})
	logger.WithError(err).Error("send failed")

	var entry map[string]interface{}
	if jsonErr := json.Unmarshal(buf.Bytes(), &entry); jsonErr != nil {
		t.Fatalf("invalid JSON: %v", jsonErr)
	}
	if entry["error"] != "API error: 429 - rate limited" {
		t.Errorf("error = %v", entry["error"])
	}
	if entry["status"] != float64(429) {
		t.Errorf("status = %v", entry["status"])
	}
	if entry["error_category"] != "api" {
		t.Errorf("error_category = %v", entry["error_category"])
	}
	if entry["request_id"] != "req-9" {
		t.Errorf("request_id = %v", entry["request_id"])
	}
}

func TestJSONFormatter(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, NewJSONFormatter())

	logger.Info("hello", String("agent", "a1"), Duration("delay", time.Second))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry["level"] != "info" || entry["msg"] != "hello" {
		t.Errorf("unexpected entry %v", entry)
	}
	if entry["delay"] != "1s" {
		t.Errorf("duration should render as string, got %v", entry["delay"])
	}
	if _, ok := entry["ts"]; !ok {
		t.Error("timestamp missing")
	}
}

func TestNopLogger(t *testing.T) {
	logger := NewNop()
	logger.Error("dropped")
	if logger.GetLevel() != DisabledLevel {
		t.Errorf("GetLevel() = %v", logger.GetLevel())
	}
}

func TestNewFromConfig(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewFromConfig(&buf, "debug", "json")
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	logger.Debug("x")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("expected JSON output, got %q", buf.String())
	}

	if _, err := NewFromConfig(&buf, "chatty", "text"); err == nil {
		t.Error("expected error for bad level")
	}
}

func TestZapLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapLogger(zap.New(core))

	logger.WithFields(String("component", "transport")).
		WithContext(ContextWithRequestID(context.Background(), "req-1")).
		Warn("retrying", Int("attempt", 2), ErrorField(errors.New("refused")))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Level != zapcore.WarnLevel || e.Message != "retrying" {
		t.Errorf("unexpected entry %+v", e.Entry)
	}
	fields := e.ContextMap()
	if fields["component"] != "transport" || fields["request_id"] != "req-1" {
		t.Errorf("missing inherited fields: %v", fields)
	}
	if fields["attempt"] != int64(2) {
		t.Errorf("attempt = %#v", fields["attempt"])
	}
	if fields["error"] != "refused" {
		t.Errorf("error = %#v", fields["error"])
	}

	logger.SetLevel(ErrorLevel)
	logger.Info("filtered")
	if logs.Len() != 1 {
		t.Error("SDK level filter not applied")
	}
}

func TestGlobalLogger(t *testing.T) {
	orig := GetGlobalLogger()
	defer SetGlobalLogger(orig)

	var buf bytes.Buffer
	SetGlobalLogger(New(&buf, NewTextFormatter()))
	Info("global message")

	if !strings.Contains(buf.String(), "global message") {
		t.Error("global logger not used")
	}

	SetGlobalLogger(nil)
	LogError("nowhere")
}
