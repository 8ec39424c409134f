package models

import "time"

// AlertTarget is one of the three notification destinations
type AlertTarget string

const (
	TargetMonitor    AlertTarget = "monitor"
	TargetEscalation AlertTarget = "escalation"
	TargetCritical   AlertTarget = "critical"
)

// TargetForSeverity maps a severity to its notification target.
// Returns false for severities that never alert.
func TargetForSeverity(s Severity) (AlertTarget, bool) {
	switch s {
	case SeverityLow, SeverityMedium:
		return TargetMonitor, true
	case SeverityHigh:
		return TargetEscalation, true
	case SeverityCritical:
		return TargetCritical, true
	default:
		return "", false
	}
}

// MessageContext locates the message that produced a signal
type MessageContext struct {
	GuildID   string `json:"guildId" bson:"guildId"`
	ChannelID string `json:"channelId" bson:"channelId"`
	MessageID string `json:"messageId" bson:"messageId"`
}

// AlertRecord is one dispatched notification
type AlertRecord struct {
	ID                    string         `bson:"_id" json:"id"`
	SubjectID             string         `bson:"subjectId" json:"subjectId"`
	Severity              Severity       `bson:"severity" json:"severity"`
	Confidence            float64        `bson:"confidence" json:"confidence"`
	Target                AlertTarget    `bson:"target" json:"target"`
	ChannelID             string         `bson:"channelId" json:"channelId"`
	NotificationMessageID string         `bson:"notificationMessageId,omitempty" json:"notificationMessageId,omitempty"`
	Source                MessageContext `bson:"source" json:"source"`
	JumpLink              string         `bson:"jumpLink,omitempty" json:"jumpLink,omitempty"`
	RolePinged            bool           `bson:"rolePinged" json:"rolePinged"`
	Forced                bool           `bson:"forced" json:"forced"`
	FallbackSignal        bool           `bson:"fallbackSignal" json:"fallbackSignal"`
	DispatchedAt          time.Time      `bson:"dispatchedAt" json:"dispatchedAt"`

	// Acknowledgment (last write wins for display)
	AcknowledgedBy *string    `bson:"acknowledgedBy,omitempty" json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time `bson:"acknowledgedAt,omitempty" json:"acknowledgedAt,omitempty"`

	// FirstAcknowledgedAt never changes once set; it anchors ack latency.
	FirstAcknowledgedAt *time.Time `bson:"firstAcknowledgedAt,omitempty" json:"firstAcknowledgedAt,omitempty"`
}

// IsAcknowledged reports whether anyone has acknowledged the alert
func (a *AlertRecord) IsAcknowledged() bool {
	return a.AcknowledgedAt != nil
}
