package models

import "time"

// SessionState is the companion-session state machine position.
// A session leaves SessionActive through one of the reason states and settles
// in SessionEnded; the reason stays on Session.EndReason.
type SessionState string

const (
	SessionActive      SessionState = "active"
	SessionIdleTimeout SessionState = "idle_timeout"
	SessionMaxDuration SessionState = "max_duration"
	SessionUserEnded   SessionState = "user_ended"
	SessionHandedOff   SessionState = "handed_off"
	SessionTransferred SessionState = "transferred"
	SessionEnded       SessionState = "ended"
)

// EndReason records why a session finished
type EndReason string

const (
	EndUserEnded   EndReason = "user_ended"
	EndIdleTimeout EndReason = "idle_timeout"
	EndMaxDuration EndReason = "max_duration"
	EndHandedOff   EndReason = "handed_off"
	EndTransferred EndReason = "transferred"
)

// State returns the transitional state a session passes through when it ends for r
func (r EndReason) State() SessionState {
	switch r {
	case EndUserEnded:
		return SessionUserEnded
	case EndIdleTimeout:
		return SessionIdleTimeout
	case EndMaxDuration:
		return SessionMaxDuration
	case EndHandedOff:
		return SessionHandedOff
	case EndTransferred:
		return SessionTransferred
	default:
		return SessionEnded
	}
}

// SuppressesFollowup reports whether a session ending this way must never get a follow-up
func (r EndReason) SuppressesFollowup() bool {
	return r == EndHandedOff || r == EndTransferred
}

// TurnRole identifies who produced a turn
type TurnRole string

const (
	RoleSubject   TurnRole = "subject"
	RoleCompanion TurnRole = "companion"
)

// Turn is one entry in a session's bounded history
type Turn struct {
	Role TurnRole  `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Session is one bounded AI-companion conversation
type Session struct {
	ID              string        `json:"id"`
	SubjectID       string        `json:"subjectId"`
	ChannelID       string        `json:"channelId"`
	State           SessionState  `json:"state"`
	StartedAt       time.Time     `json:"startedAt"`
	LastActivityAt  time.Time     `json:"lastActivityAt"`
	TriggerSeverity Severity      `json:"triggerSeverity"`
	MaxDuration     time.Duration `json:"maxDuration"`
	History         []Turn        `json:"history"`
	EndReason       *EndReason    `json:"endReason,omitempty"`
	EndedAt         *time.Time    `json:"endedAt,omitempty"`

	// Handoff marks the session to finalize as handed off
	HandoffPending bool       `json:"handoffPending"`
	ResponderID    string     `json:"responderId,omitempty"`
	HandoffAt      *time.Time `json:"handoffAt,omitempty"`

	// FollowupID is set when the session was started by a reply to a follow-up
	FollowupID string `json:"followupId,omitempty"`

	// SafetyFlagged is set when the latest subject turn matched a high-risk phrase
	SafetyFlagged bool `json:"safetyFlagged"`
	// SafetyTriggered is set by the first high-risk turn and never cleared
	SafetyTriggered bool `json:"safetyTriggered"`
}

// IsActive reports whether the session can still receive turns
func (s *Session) IsActive() bool {
	return s.State == SessionActive
}

// Duration returns how long the session ran (or has been running at now)
func (s *Session) Duration(now time.Time) time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return now.Sub(s.StartedAt)
}

// Clone returns a deep copy safe to hand out of a critical section
func (s *Session) Clone() *Session {
	c := *s
	c.History = append([]Turn(nil), s.History...)
	if s.EndReason != nil {
		r := *s.EndReason
		c.EndReason = &r
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	if s.HandoffAt != nil {
		t := *s.HandoffAt
		c.HandoffAt = &t
	}
	return &c
}
