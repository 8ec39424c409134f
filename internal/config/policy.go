package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"crisiswatch/internal/models"
)

// Policy is the operator-editable safety vocabulary. It is loaded from
// POLICY_FILE and reloaded when the file changes.
type Policy struct {
	// HighRiskPhrases trigger the in-session safety screen
	HighRiskPhrases []string `yaml:"high_risk_phrases"`
	// EndPhrases let the subject end a session by direct message
	EndPhrases []string `yaml:"end_phrases"`
	// CrisisResources are appended to replies when the safety screen fires
	CrisisResources []string `yaml:"crisis_resources"`
	// TopicKeywords maps a topic label to the keywords that indicate it
	TopicKeywords map[string][]string `yaml:"topic_keywords"`
	// MoodLexicon maps a mood label to indicative words
	MoodLexicon map[models.Mood][]string `yaml:"mood_lexicon"`
	// HandoffAnnouncements are shown to the subject when a responder joins
	HandoffAnnouncements []string `yaml:"handoff_announcements"`
	// Farewells are keyed by end reason
	Farewells map[models.EndReason]string `yaml:"farewells"`
	// FollowupTemplates use {when} for the relative session time
	FollowupTemplates []string `yaml:"followup_templates"`
}

// DefaultPolicy returns the built-in vocabulary
func DefaultPolicy() *Policy {
	return &Policy{
		HighRiskPhrases: []string{
			"kill myself", "end my life", "want to die", "suicide", "suicidal",
			"hurt myself", "self harm", "self-harm", "no reason to live",
			"better off without me", "take my own life", "overdose",
		},
		EndPhrases: []string{
			"stop", "end session", "end chat", "i'm done", "im done", "leave me alone", "goodbye",
		},
		CrisisResources: []string{
			"Emergency services: call your local emergency number (911 in the US, 112 in the EU, 999 in the UK)",
			"US: call or text 988 (Suicide & Crisis Lifeline)",
			"UK & ROI: call Samaritans on 116 123",
			"International: https://findahelpline.com",
		},
		TopicKeywords: map[string][]string{
			"family":            {"mom", "dad", "parent", "parents", "family", "brother", "sister"},
			"relationships":     {"girlfriend", "boyfriend", "partner", "breakup", "broke up", "divorce"},
			"school/work":       {"school", "exam", "grades", "teacher", "job", "work", "boss", "fired"},
			"loneliness":        {"alone", "lonely", "no friends", "nobody", "isolated"},
			"self-harm":         {"hurt myself", "cutting", "self harm", "self-harm"},
			"suicidal thoughts": {"kill myself", "suicide", "suicidal", "end my life", "want to die"},
			"sleep":             {"sleep", "insomnia", "can't sleep", "nightmares"},
			"substances":        {"drunk", "drinking", "pills", "overdose"},
			"bullying":          {"bullied", "bullying", "harassed", "mocked"},
		},
		MoodLexicon: map[models.Mood][]string{
			models.MoodDistressed: {"can't take", "cant take", "panic", "breaking down", "falling apart", "screaming", "want to die"},
			models.MoodAnxious:    {"anxious", "anxiety", "worried", "scared", "nervous", "afraid", "stressed"},
			models.MoodLow:        {"sad", "empty", "tired", "hopeless", "numb", "worthless", "depressed", "crying"},
			models.MoodCalm:       {"okay", "ok", "better", "calm", "fine", "thanks", "thank you", "relieved"},
		},
		HandoffAnnouncements: []string{
			"A member of our support team has joined the conversation. They'll take it from here.",
			"Someone from the support team is here now. You're in good hands.",
			"A human responder just joined. Thank you for staying and talking with me.",
			"One of our team members has arrived and will continue the conversation with you.",
		},
		Farewells: map[models.EndReason]string{
			models.EndUserEnded:   "Okay. Thank you for talking with me. If you want to talk again, just send a message. You matter.",
			models.EndIdleTimeout: "It's been a little while, so I'm going to close this conversation for now. If you need to talk, just send a message any time.",
			models.EndMaxDuration: "We've been talking for a while, so I'm going to close this conversation here. The support team can still see it, and you can reach out again whenever you need.",
			models.EndHandedOff:   "I'm going to step back now so you can keep talking with the support team member who joined. Take care of yourself.",
			models.EndTransferred: "This conversation is being moved to another member of the support team.",
		},
		FollowupTemplates: []string{
			"Hi, it's the community support bot. We talked {when} and I wanted to check in. How are you doing today?",
			"Hey, just checking in after our conversation {when}. How have things been since then?",
			"Hi there. I was thinking about our chat {when}. If you'd like to talk, I'm here. How are you feeling?",
		},
	}
}

// LoadPolicy reads a YAML policy file. Sections missing from the file keep
// their built-in defaults.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var fromFile Policy
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return nil, fmt.Errorf("failed to parse policy YAML: %w", err)
	}

	p := DefaultPolicy()
	if len(fromFile.HighRiskPhrases) > 0 {
		p.HighRiskPhrases = fromFile.HighRiskPhrases
	}
	if len(fromFile.EndPhrases) > 0 {
		p.EndPhrases = fromFile.EndPhrases
	}
	if len(fromFile.CrisisResources) > 0 {
		p.CrisisResources = fromFile.CrisisResources
	}
	if len(fromFile.TopicKeywords) > 0 {
		p.TopicKeywords = fromFile.TopicKeywords
	}
	if len(fromFile.MoodLexicon) > 0 {
		p.MoodLexicon = fromFile.MoodLexicon
	}
	if len(fromFile.HandoffAnnouncements) > 0 {
		p.HandoffAnnouncements = fromFile.HandoffAnnouncements
	}
	for reason, text := range fromFile.Farewells {
		p.Farewells[reason] = text
	}
	if len(fromFile.FollowupTemplates) > 0 {
		p.FollowupTemplates = fromFile.FollowupTemplates
	}
	return p, nil
}

func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// MatchesHighRisk reports whether text contains a high-risk phrase
func (p *Policy) MatchesHighRisk(text string) bool {
	t := normalize(text)
	for _, phrase := range p.HighRiskPhrases {
		if phrase != "" && strings.Contains(t, normalize(phrase)) {
			return true
		}
	}
	return false
}

// IsEndPhrase reports whether the whole message is a request to end the session
func (p *Policy) IsEndPhrase(text string) bool {
	t := strings.Trim(normalize(text), ".!? ")
	for _, phrase := range p.EndPhrases {
		if t == normalize(phrase) {
			return true
		}
	}
	return false
}

// Farewell returns the closing message for reason ("" when none is configured)
func (p *Policy) Farewell(reason models.EndReason) string {
	return p.Farewells[reason]
}

// PolicyHolder serves the current Policy to concurrent readers
type PolicyHolder struct {
	current atomic.Pointer[Policy]
}

// NewPolicyHolder creates a holder serving p
func NewPolicyHolder(p *Policy) *PolicyHolder {
	if p == nil {
		p = DefaultPolicy()
	}
	h := &PolicyHolder{}
	h.current.Store(p)
	return h
}

// Get returns the current policy. Callers must not modify it.
func (h *PolicyHolder) Get() *Policy {
	return h.current.Load()
}

// Set replaces the current policy
func (h *PolicyHolder) Set(p *Policy) {
	h.current.Store(p)
}

// Watch reloads path whenever it changes until ctx is done. A file that fails
// to parse leaves the previous policy in place.
func (h *PolicyHolder) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	// Watch the directory: editors replace files rather than writing in place
	dir := filepath.Dir(absPath)
	filename := filepath.Base(absPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	log.Printf("👁️  [POLICY] Watching %s for changes (hot-reload enabled)", path)

	go func() {
		defer watcher.Close()

		var debounceTimer *time.Timer
		debounceDuration := 500 * time.Millisecond

		for {
			select {
			case <-ctx.Done():
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != filename {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}

				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDuration, func() {
					p, err := LoadPolicy(absPath)
					if err != nil {
						log.Printf("⚠️ [POLICY] Reload failed, keeping previous policy: %v", err)
						return
					}
					h.Set(p)
					log.Printf("🔄 [POLICY] Reloaded %s", path)
				})

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("⚠️ [POLICY] Watcher error: %v", err)
			}
		}
	}()

	return nil
}
