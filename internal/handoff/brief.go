package handoff

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"crisiswatch/internal/config"
	"crisiswatch/internal/models"
)

// moodPriority breaks ties toward the more urgent label
var moodPriority = []models.Mood{
	models.MoodDistressed,
	models.MoodAnxious,
	models.MoodLow,
	models.MoodCalm,
}

// tokenize lowercases text and keeps letters, digits and apostrophes,
// returning the words joined by single spaces with padding on both ends
func tokenize(text string) string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	return " " + strings.Join(words, " ") + " "
}

func containsTerm(tokens, term string) bool {
	t := strings.TrimSpace(tokenize(term))
	return t != "" && strings.Contains(tokens, " "+t+" ")
}

func subjectText(history []models.Turn) string {
	var b strings.Builder
	for _, turn := range history {
		if turn.Role == models.RoleSubject {
			b.WriteString(tokenize(turn.Text))
		}
	}
	return b.String()
}

// DetectTopics returns the sorted topic labels whose keywords appear in the subject's turns
func DetectTopics(history []models.Turn, policy *config.Policy) []string {
	tokens := subjectText(history)
	var topics []string
	for topic, keywords := range policy.TopicKeywords {
		for _, kw := range keywords {
			if containsTerm(tokens, kw) {
				topics = append(topics, topic)
				break
			}
		}
	}
	sort.Strings(topics)
	return topics
}

// DetectMood returns the mood with the most lexicon hits in the subject's turns.
// A session that tripped the safety screen is at least distressed.
func DetectMood(history []models.Turn, safetyTriggered bool, policy *config.Policy) models.Mood {
	if safetyTriggered {
		return models.MoodDistressed
	}
	tokens := subjectText(history)

	best, bestHits := models.MoodUnclear, 0
	for _, mood := range moodPriority {
		hits := 0
		for _, word := range policy.MoodLexicon[mood] {
			if containsTerm(tokens, word) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = mood, hits
		}
	}
	return best
}

// BuildBrief summarises a session for the responder without quoting it
func BuildBrief(s *models.Session, responderID string, priorAlerts int, policy *config.Policy, now time.Time) *models.HandoffBrief {
	turns := 0
	for _, t := range s.History {
		if t.Role == models.RoleSubject {
			turns++
		}
	}
	return &models.HandoffBrief{
		SessionID:       s.ID,
		SubjectID:       s.SubjectID,
		ResponderID:     responderID,
		Duration:        s.Duration(now),
		TurnCount:       turns,
		Topics:          DetectTopics(s.History, policy),
		Mood:            DetectMood(s.History, s.SafetyTriggered, policy),
		TriggerSeverity: s.TriggerSeverity,
		PriorAlertCount: priorAlerts,
		GeneratedAt:     now,
	}
}

// FormatBrief renders a brief as a direct message
func FormatBrief(b *models.HandoffBrief) string {
	topics := "none detected"
	if len(b.Topics) > 0 {
		topics = strings.Join(b.Topics, ", ")
	}
	minutes := int(b.Duration.Round(time.Minute) / time.Minute)

	var sb strings.Builder
	fmt.Fprintf(&sb, "**Handoff brief** for <@%s>\n", b.SubjectID)
	fmt.Fprintf(&sb, "• Session length: %d min, %d messages from the member\n", minutes, b.TurnCount)
	fmt.Fprintf(&sb, "• Triggered at severity: %s\n", b.TriggerSeverity)
	fmt.Fprintf(&sb, "• Apparent mood: %s\n", b.Mood)
	fmt.Fprintf(&sb, "• Topics: %s\n", topics)
	fmt.Fprintf(&sb, "• Alerts in the last 30 days: %d\n", b.PriorAlertCount)
	sb.WriteString("\nThe companion has stopped replying. The conversation is yours.")
	return sb.String()
}
