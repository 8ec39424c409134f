package models

// RecommendedAction is the classifier's suggestion for what should happen next
type RecommendedAction string

const (
	ActionNone        RecommendedAction = "none"
	ActionMonitor     RecommendedAction = "monitor"
	ActionReachOut    RecommendedAction = "reach_out"
	ActionEscalate    RecommendedAction = "escalate"
	ActionHumanReview RecommendedAction = "human_review"
)

// CrisisSignal is one classification result for one message.
// It is produced by the external classifier and never persisted by the core.
type CrisisSignal struct {
	Severity          Severity          `json:"severity"`
	Confidence        float64           `json:"confidence"`
	Score             float64           `json:"score"`
	RecommendedAction RecommendedAction `json:"recommendedAction"`
	Factors           []string          `json:"factors,omitempty"`

	// Fallback is set when the signal was synthesized because the classifier
	// could not be reached.
	Fallback bool `json:"fallback,omitempty"`
}
