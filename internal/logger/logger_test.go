package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"none", LevelNone},
		{"invalid", LevelInfo}, // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := ParseLevel(tt.input)
			if result != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestFileLogger(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "nested", "server.log")

	logger, err := New(LevelInfo, logPath, "router")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	logger.Info("session %s created", "abc")
	logger.Debug("should not appear")
	logger.Close()

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	contentStr := string(content)
	if !strings.Contains(contentStr, "[INFO] [router] session abc created") {
		t.Errorf("Log file missing info line, got: %s", contentStr)
	}
	if strings.Contains(contentStr, "should not appear") {
		t.Errorf("Log file contains debug message when level is INFO")
	}
}

func TestWithPrefixSharesOutput(t *testing.T) {
	var buf bytes.Buffer
	parent := NewWriter(LevelDebug, &buf, "server")
	child := parent.WithPrefix("bridge")

	child.Warn("child line")
	if err := child.Close(); err != nil {
		t.Fatalf("closing child: %v", err)
	}
	parent.Info("parent line")

	out := buf.String()
	if !strings.Contains(out, "[server:bridge] child line") {
		t.Errorf("missing combined prefix, got: %s", out)
	}
	if !strings.Contains(out, "[server] parent line") {
		t.Errorf("closing a child must not silence the parent, got: %s", out)
	}
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(LevelInfo, &buf, "")

	logger.Debug("debug1")
	logger.SetLevel(LevelDebug)
	logger.Debug("debug2")

	out := buf.String()
	if strings.Contains(out, "debug1") {
		t.Errorf("debug1 should not appear (level was INFO)")
	}
	if !strings.Contains(out, "debug2") {
		t.Errorf("debug2 should appear (level changed to DEBUG)")
	}
}

func TestLoggerDisabled(t *testing.T) {
	logger, err := New(LevelNone, "", "test")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Close()

	logger.Debug("debug")
	logger.Error("error")
}

func TestStdLoggerForwards(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(LevelDebug, &buf, "http")

	std := NewStdLogger(logger, slog.LevelWarn)
	std.Printf("tls handshake error from %s", "127.0.0.1")

	out := buf.String()
	if !strings.Contains(out, "[WARN] [http] tls handshake error from 127.0.0.1") {
		t.Errorf("unexpected std logger output: %s", out)
	}
}

func TestSlogHandlerAttrs(t *testing.T) {
	var buf bytes.Buffer
	handler := NewSlogHandler(NewWriter(LevelDebug, &buf, ""))

	slog.New(handler).WithGroup("conn").Info("closed", "id", "1.2.3.4:5")

	if !strings.Contains(buf.String(), "closed conn.id=1.2.3.4:5") {
		t.Errorf("unexpected slog output: %s", buf.String())
	}
}
