package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to unmarshal log entry: %v", err)
	}
	return entry
}

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	t.Run("debug suppressed at info level", func(t *testing.T) {
		buf.Reset()
		logger.Debug("lock acquired")
		if buf.Len() > 0 {
			t.Error("debug message should not be logged at info level")
		}
	})

	t.Run("info logged at info level", func(t *testing.T) {
		buf.Reset()
		logger.Info("event reconciled")
		entry := decodeLine(t, &buf)
		if entry["level"] != "INFO" {
			t.Errorf("expected level INFO, got %v", entry["level"])
		}
		if entry["msg"] != "event reconciled" {
			t.Errorf("expected message 'event reconciled', got %v", entry["msg"])
		}
	})

	t.Run("warn logged at info level", func(t *testing.T) {
		buf.Reset()
		logger.Warn("checkout superseded")
		if buf.Len() == 0 {
			t.Error("warn message should be logged at info level")
		}
	})

	t.Run("error logged at info level", func(t *testing.T) {
		buf.Reset()
		logger.Error("grant failed")
		if buf.Len() == 0 {
			t.Error("error message should be logged at info level")
		}
	})
}

func TestLogger_WithField(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.WithField("event_id", "evt_123").Info("event reconciled")

	entry := decodeLine(t, &buf)
	if entry["event_id"] != "evt_123" {
		t.Errorf("expected field event_id to be 'evt_123', got %v", entry["event_id"])
	}
}

func TestLogger_WithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.WithFields(map[string]interface{}{
		"user_id": 7,
		"quota":   "seo_audits",
	}).Info("consumption denied")

	entry := decodeLine(t, &buf)
	if entry["user_id"] != float64(7) {
		t.Errorf("expected field user_id to be 7, got %v", entry["user_id"])
	}
	if entry["quota"] != "seo_audits" {
		t.Errorf("expected field quota to be 'seo_audits', got %v", entry["quota"])
	}
}

func TestLogger_WithError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.WithError(errors.New("connection refused")).Error("cache eviction failed")

	entry := decodeLine(t, &buf)
	if entry["error"] != "connection refused" {
		t.Errorf("expected error field 'connection refused', got %v", entry["error"])
	}
}

func TestLogger_WithErrorNil(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.WithError(nil).Info("no failure")

	entry := decodeLine(t, &buf)
	if _, exists := entry["error"]; exists {
		t.Error("nil error must not add an error field")
	}
}

func TestLogLevel_String(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  string
	}{
		{DebugLevel, "DEBUG"},
		{InfoLevel, "INFO"},
		{WarnLevel, "WARN"},
		{ErrorLevel, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("LogLevel.String() = %v, want %v", got, tt.want)
			}
		})
	}
}
