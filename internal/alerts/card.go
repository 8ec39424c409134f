package alerts

import (
	"fmt"
	"strings"

	"crisiswatch/internal/models"
	"crisiswatch/internal/platform"
)

// Interaction custom-id prefixes carried by alert card buttons
const (
	ActionAcknowledge = "alert_ack"
	ActionHandoff     = "alert_handoff"
)

// ParseCustomID splits "alert_ack:<id>" into its action and alert id
func ParseCustomID(customID string) (action, alertID string, ok bool) {
	action, alertID, found := strings.Cut(customID, ":")
	if !found || alertID == "" {
		return "", "", false
	}
	switch action {
	case ActionAcknowledge, ActionHandoff:
		return action, alertID, true
	}
	return "", "", false
}

var severityColors = map[models.Severity]int{
	models.SeverityLow:      0x95A5A6, // grey
	models.SeverityMedium:   0xF1C40F, // yellow
	models.SeverityHigh:     0xE67E22, // orange
	models.SeverityCritical: 0xE74C3C, // red
}

var severityIcons = map[models.Severity]string{
	models.SeverityLow:      "⚪",
	models.SeverityMedium:   "🟡",
	models.SeverityHigh:     "🟠",
	models.SeverityCritical: "🔴",
}

const maxCardFactors = 5

// CardBuilder renders an alert record as a platform card
type CardBuilder struct{}

// Build returns the card for record. The card never quotes the message itself.
func (CardBuilder) Build(record *models.AlertRecord, signal models.CrisisSignal) platform.Card {
	name := record.Severity.String()
	title := fmt.Sprintf("%s %s concern", severityIcons[record.Severity], strings.ToUpper(name[:1])+name[1:])
	if record.Forced {
		title += " (manual re-alert)"
	}

	desc := fmt.Sprintf("A message from <@%s> may need attention.", record.SubjectID)
	if record.JumpLink != "" {
		desc += fmt.Sprintf("\n[Jump to message](%s)", record.JumpLink)
	}

	fields := []platform.Field{
		{Name: "Severity", Value: record.Severity.String(), Inline: true},
		{Name: "Confidence", Value: fmt.Sprintf("%.0f%%", signal.Confidence*100), Inline: true},
	}
	if signal.RecommendedAction != "" {
		fields = append(fields, platform.Field{Name: "Suggested action", Value: string(signal.RecommendedAction), Inline: true})
	}
	if len(signal.Factors) > 0 {
		factors := signal.Factors
		if len(factors) > maxCardFactors {
			factors = factors[:maxCardFactors]
		}
		fields = append(fields, platform.Field{Name: "Factors", Value: "• " + strings.Join(factors, "\n• ")})
	}
	if signal.Fallback {
		fields = append(fields, platform.Field{Name: "⚠️ Classifier unavailable", Value: "Automatic assessment failed. Please review manually."})
	}

	return platform.Card{
		Title:       title,
		Description: desc,
		URL:         record.JumpLink,
		Color:       severityColors[record.Severity],
		Fields:      fields,
		Footer:      "Alert " + record.ID,
		Timestamp:   record.DispatchedAt,
		Buttons: []platform.Button{
			{Label: "Acknowledge", CustomID: ActionAcknowledge + ":" + record.ID, Style: platform.ButtonSuccess},
			{Label: "Take over", CustomID: ActionHandoff + ":" + record.ID, Style: platform.ButtonPrimary},
		},
	}
}
