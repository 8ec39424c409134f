package models

import "time"

// Mood is a coarse label from a small fixed vocabulary
type Mood string

const (
	MoodCalm       Mood = "calm"
	MoodLow        Mood = "low"
	MoodAnxious    Mood = "anxious"
	MoodDistressed Mood = "distressed"
	MoodUnclear    Mood = "unclear"
)

// HandoffBrief is a non-verbatim summary for a responder joining a session.
// It never contains conversation text.
type HandoffBrief struct {
	SessionID       string        `json:"sessionId"`
	SubjectID       string        `json:"subjectId"`
	ResponderID     string        `json:"responderId"`
	Duration        time.Duration `json:"duration"`
	TurnCount       int           `json:"turnCount"`
	Topics          []string      `json:"topics"`
	Mood            Mood          `json:"mood"`
	TriggerSeverity Severity      `json:"triggerSeverity"`
	PriorAlertCount int           `json:"priorAlertCount"`
	GeneratedAt     time.Time     `json:"generatedAt"`
}

// Member is a chat-platform member as seen by the core
type Member struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName,omitempty"`
	Roles       []string `json:"roles,omitempty"`
}

// HasRole reports whether the member holds the given role id
func (m Member) HasRole(roleID string) bool {
	if roleID == "" {
		return false
	}
	for _, r := range m.Roles {
		if r == roleID {
			return true
		}
	}
	return false
}
