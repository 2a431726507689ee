package audit

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var logEntry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("failed to unmarshal log entry: %v", err)
	}
	return logEntry
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	auditLogger := NewLogger(zerolog.New(&buf))

	if auditLogger == nil {
		t.Fatal("NewLogger returned nil")
	}
}

func TestLogRuleChange(t *testing.T) {
	tests := []struct {
		name      string
		action    string
		target    string
		access    string
		result    string
		details   string
		wantLevel string
	}{
		{
			name:      "rule added",
			action:    "add",
			target:    "60.0.0.0-60.0.0.2",
			access:    "blocked",
			result:    "applied",
			wantLevel: "info",
		},
		{
			name:      "rule rejected",
			action:    "add",
			target:    "60.0.0.9-60.0.0.1",
			access:    "blocked",
			result:    "rejected",
			details:   "first address is greater than last address",
			wantLevel: "warn",
		},
		{
			name:      "filter cleared",
			action:    "clear",
			result:    "applied",
			wantLevel: "info",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			auditLogger := NewLogger(zerolog.New(&buf))

			auditLogger.LogRuleChange("control", tt.action, tt.target, tt.access, tt.result, tt.details)

			logEntry := decode(t, &buf)
			if got := logEntry["level"]; got != tt.wantLevel {
				t.Errorf("level = %v, want %v", got, tt.wantLevel)
			}
			if got := logEntry["event_type"]; got != "ip_filter_change" {
				t.Errorf("event_type = %v, want ip_filter_change", got)
			}
			if got := logEntry["source"]; got != "control" {
				t.Errorf("source = %v, want control", got)
			}
			if got := logEntry["action"]; got != tt.action {
				t.Errorf("action = %v, want %v", got, tt.action)
			}
			if got := logEntry["result"]; got != tt.result {
				t.Errorf("result = %v, want %v", got, tt.result)
			}

			// optional fields are omitted when empty
			if tt.target == "" {
				if _, ok := logEntry["target"]; ok {
					t.Error("target should be omitted when empty")
				}
			} else if got := logEntry["target"]; got != tt.target {
				t.Errorf("target = %v, want %v", got, tt.target)
			}
			if tt.details == "" {
				if _, ok := logEntry["details"]; ok {
					t.Error("details should be omitted when empty")
				}
			} else if got := logEntry["details"]; got != tt.details {
				t.Errorf("details = %v, want %v", got, tt.details)
			}
		})
	}
}

func TestLogTorrentFilter(t *testing.T) {
	tests := []struct {
		apply     bool
		wantLevel string
	}{
		{apply: true, wantLevel: "info"},
		{apply: false, wantLevel: "warn"},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		auditLogger := NewLogger(zerolog.New(&buf))

		auditLogger.LogTorrentFilter("control", "abc123", tt.apply)

		logEntry := decode(t, &buf)
		if got := logEntry["level"]; got != tt.wantLevel {
			t.Errorf("apply=%v: level = %v, want %v", tt.apply, got, tt.wantLevel)
		}
		if got := logEntry["event_type"]; got != "torrent_filter" {
			t.Errorf("event_type = %v, want torrent_filter", got)
		}
		if got := logEntry["torrent"]; got != "abc123" {
			t.Errorf("torrent = %v, want abc123", got)
		}
		if got := logEntry["apply_ip_filter"]; got != tt.apply {
			t.Errorf("apply_ip_filter = %v, want %v", got, tt.apply)
		}
	}
}
