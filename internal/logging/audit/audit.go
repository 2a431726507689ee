package audit

import (
	"github.com/rs/zerolog"
)

// Logger provides structured audit logging for filter policy changes.
// Every event carries an event_type field for filtering.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger from a zerolog.Logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// LogRuleChange logs a mutation of the IP filter.
// source: where the change came from (e.g., "control", "config", "blocklist")
// action: "add", "clear" or "import"
// target: the range or file affected (may be empty for clear)
// access: "allowed" or "blocked" (may be empty)
// result: "applied" or "rejected"
// details: additional context (e.g., error message or rule count)
func (l *Logger) LogRuleChange(source, action, target, access, result, details string) {
	level := zerolog.InfoLevel
	if result == "rejected" {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "ip_filter_change").
		Str("source", source).
		Str("action", action).
		Str("result", result)

	if target != "" {
		event = event.Str("target", target)
	}
	if access != "" {
		event = event.Str("access", access)
	}
	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("IP filter change")
}

// LogTorrentFilter logs a change of a torrent's apply-ip-filter flag.
// Turning the filter off is logged at warn level.
func (l *Logger) LogTorrentFilter(source, torrentID string, apply bool) {
	level := zerolog.InfoLevel
	if !apply {
		level = zerolog.WarnLevel
	}

	l.logger.WithLevel(level).
		Str("event_type", "torrent_filter").
		Str("source", source).
		Str("torrent", torrentID).
		Bool("apply_ip_filter", apply).
		Msg("Torrent IP filter setting")
}
