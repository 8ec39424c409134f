package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Init configures the global slog logger.
// In production (ENVIRONMENT=production) it uses JSON output for log aggregation.
// Otherwise it uses the human-readable text handler.
func Init() {
	slog.SetDefault(New(os.Stdout, os.Getenv("ENVIRONMENT")))
}

// New builds a logger writing to w for the given environment
func New(w io.Writer, environment string) *slog.Logger {
	var handler slog.Handler
	if strings.ToLower(environment) == "production" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}
	return slog.New(handler)
}

// WithSubject returns a logger carrying the subject id.
// Message content must never be attached to log records.
func WithSubject(subjectID string) *slog.Logger {
	return slog.With("subject_id", subjectID)
}

// WithSession returns a logger scoped to one companion session
func WithSession(sessionID, subjectID string) *slog.Logger {
	return slog.With(
		"session_id", sessionID,
		"subject_id", subjectID,
	)
}

// Audit event names
const (
	AuditSafetyTrigger    = "safety_trigger"
	AuditConsentWithdrawn = "consent_withdrawn"
	AuditConsentGranted   = "consent_granted"
	AuditConsentSkip      = "followup_skipped_consent"
	AuditHandoff          = "handoff"
	AuditForcedAlert      = "forced_alert"
)

// Audit records a safety- or consent-relevant event. Audit records are kept
// at warn level so they survive production log filtering.
func Audit(logger *slog.Logger, event string, attrs ...any) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("audit", append([]any{"audit_event", event}, attrs...)...)
}
