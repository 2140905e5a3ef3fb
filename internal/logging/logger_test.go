package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLoggerDefaultsToInfo(t *testing.T) {
	logger := NewLogger(nil)
	if logger == nil {
		t.Fatal("NewLogger(nil) returned nil")
	}
	if logger.level != LevelInfo {
		t.Errorf("expected default level LevelInfo, got %v", logger.level)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Info("should not appear")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below configured level, got: %s", buf.String())
	}

	logger.Warn("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Fatalf("expected warn message in output, got: %s", buf.String())
	}
}

func TestLoggerWithSessionAndClient(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	sessionLogger := logger.WithSession(7)
	clientLogger := sessionLogger.WithClient(12)
	clientLogger.Info("buffer created")

	output := buf.String()
	if !strings.Contains(output, "session=7") {
		t.Errorf("expected session=7 in output, got: %s", output)
	}
	if !strings.Contains(output, "client_id=12") {
		t.Errorf("expected client_id=12 in output, got: %s", output)
	}
	if !strings.Contains(output, "buffer created") {
		t.Errorf("expected message text in output, got: %s", output)
	}
}

func TestLoggerFormatArgs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Debugf("op=%s dev=%d", "CREATE_BUFFER", 0)
	if !strings.Contains(buf.String(), "op=CREATE_BUFFER dev=0") {
		t.Errorf("expected formatted message, got: %s", buf.String())
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))

	Info("daemon starting")
	if !strings.Contains(buf.String(), "daemon starting") {
		t.Errorf("expected message via package-level Info, got: %s", buf.String())
	}
}
