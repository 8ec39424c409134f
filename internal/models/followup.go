package models

import "time"

// FollowupStatus tracks a scheduled follow-up through delivery
type FollowupStatus string

const (
	FollowupPending FollowupStatus = "pending"
	FollowupSending FollowupStatus = "sending"
	FollowupSent    FollowupStatus = "sent"
)

// ScheduledFollowup is a pending delayed check-in.
// The source fields are captured at session end and never revised.
type ScheduledFollowup struct {
	ID              string         `json:"id"`
	SubjectID       string         `json:"subjectId"`
	SourceSessionID string         `json:"sourceSessionId"`
	SourceSeverity  Severity       `json:"sourceSeverity"`
	SessionDuration time.Duration  `json:"sessionDuration"`
	SessionEndedAt  time.Time      `json:"sessionEndedAt"`
	EndReason       EndReason      `json:"endReason"`
	ScheduledFor    time.Time      `json:"scheduledFor"`
	ExpiresAt       time.Time      `json:"expiresAt"`
	Status          FollowupStatus `json:"status"`
	SentAt          *time.Time     `json:"sentAt,omitempty"`
	RespondedAt     *time.Time     `json:"respondedAt,omitempty"`
	VariantIndex    int            `json:"variantIndex"`
	Attempts        int            `json:"attempts"`
}

// IsDue reports whether the follow-up should be sent at now
func (f *ScheduledFollowup) IsDue(now time.Time) bool {
	return f.Status == FollowupPending && !now.Before(f.ScheduledFor)
}

// IsExpired reports whether the follow-up is past its hard maximum age
func (f *ScheduledFollowup) IsExpired(now time.Time) bool {
	return f.SentAt == nil && now.After(f.ExpiresAt)
}

// FollowupStats are running counters exposed to operators
type FollowupStats struct {
	Scheduled          int64 `json:"scheduled"`
	Sent               int64 `json:"sent"`
	SkippedConsent     int64 `json:"skippedConsent"`
	SkippedEligibility int64 `json:"skippedEligibility"`
	Expired            int64 `json:"expired"`
	Failed             int64 `json:"failed"`
	Responded          int64 `json:"responded"`
	// Superseded counts pending items replaced by a newer one for the same subject
	Superseded int64 `json:"superseded"`
	// Cancelled counts pending items dropped because consent was withdrawn
	Cancelled int64 `json:"cancelled"`
}
