package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestLogger(buf *bytes.Buffer, level LogLevel) *Logger {
	return NewLogger(&Config{
		Level:   level,
		Format:  "text",
		Output:  buf,
		Sync:    true,
		NoColor: true,
	})
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelWarn)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	output := buf.String()
	if strings.Contains(output, "debug message") {
		t.Error("debug message should be filtered")
	}
	if strings.Contains(output, "info message") {
		t.Error("info message should be filtered")
	}
	if !strings.Contains(output, "warn message") {
		t.Error("warn message missing")
	}
	if !strings.Contains(output, "error message") {
		t.Error("error message missing")
	}
}

func TestLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelInfo, Format: "json", Output: &buf, Sync: true})

	logger.Info("hello", "queue_depth", 8)

	output := buf.String()
	if !strings.Contains(output, `"message":"hello"`) {
		t.Errorf("expected json message, got %q", output)
	}
	if !strings.Contains(output, `"queue_depth":8`) {
		t.Errorf("expected queue_depth field, got %q", output)
	}
}

func TestLoggerContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	logger.WithDevice(42).WithStream(3).WithTask(17, "kernel").Info("task event")

	output := buf.String()
	for _, want := range []string{"device_id=42", "stream_id=3", "seq=17", "kind=kernel"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in %q", want, output)
		}
	}
}

func TestLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelInfo)

	logger.WithError(errors.New("boom")).Error("operation failed")

	output := buf.String()
	if !strings.Contains(output, "boom") {
		t.Errorf("expected error text in %q", output)
	}
}

func TestTaskLifecycleHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	logger.TaskSubmitted(5, "memcpy", 1)
	logger.TaskRetired(5, "memcpy", time.Millisecond, nil)
	logger.TaskRetired(6, "kernel", time.Millisecond, errors.New("fault"))
	logger.QueueStateError(9, 1, 3, errors.New("head ahead of tail"))

	output := buf.String()
	for _, want := range []string{"task submitted", "task retired", "fault", "invalid queue state", "hw_head=9"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in %q", want, output)
		}
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	old := Default()
	defer SetDefault(old)

	SetDefault(newTestLogger(&buf, LevelDebug))

	Debug("global debug")
	Info("global info")
	Warn("global warn")
	Error("global error")

	output := buf.String()
	for _, want := range []string{"global debug", "global info", "global warn", "global error"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output", want)
		}
	}
}

func TestAsyncWriterClose(t *testing.T) {
	var buf bytes.Buffer
	aw := newAsyncWriter(&buf, 4)
	if _, err := aw.Write([]byte("line\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := aw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if buf.String() != "line\n" {
		t.Errorf("expected flushed line, got %q", buf.String())
	}
	if _, err := aw.Write([]byte("late")); err == nil {
		t.Error("expected error writing after close")
	}
}

func TestNopLogger(t *testing.T) {
	logger := Nop()
	logger.WithDevice(1).WithStream(2).Info("discarded")
}
