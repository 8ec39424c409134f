// Package engine turns inbound chat events into calls on the alert router,
// session registry, handoff coordinator and follow-up scheduler.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"crisiswatch/internal/alerts"
	"crisiswatch/internal/classifier"
	"crisiswatch/internal/config"
	"crisiswatch/internal/consent"
	"crisiswatch/internal/followup"
	"crisiswatch/internal/handoff"
	"crisiswatch/internal/logging"
	"crisiswatch/internal/models"
	"crisiswatch/internal/sessions"
)

// Options holds engine-level policy
type Options struct {
	AutoSessionMinSeverity models.Severity
	// RecentHistorySize is how many earlier messages per subject are sent to the classifier
	RecentHistorySize int
	// RecentHistoryTTL bounds how long those messages are kept
	RecentHistoryTTL time.Duration
}

// Engine wires the components together
type Engine struct {
	opts       Options
	classifier classifier.Classifier
	router     *alerts.Router
	sessions   *sessions.Registry
	handoff    *handoff.Coordinator
	followups  *followup.Scheduler
	consent    consent.Registry
	policy     *config.PolicyHolder

	recent *cache.Cache
}

// New creates an engine
func New(opts Options, c classifier.Classifier, router *alerts.Router, reg *sessions.Registry, coord *handoff.Coordinator,
	followups *followup.Scheduler, consentReg consent.Registry, policy *config.PolicyHolder) *Engine {
	if opts.RecentHistoryTTL <= 0 {
		opts.RecentHistoryTTL = time.Hour
	}
	if policy == nil {
		policy = config.NewPolicyHolder(nil)
	}
	return &Engine{
		opts:       opts,
		classifier: c,
		router:     router,
		sessions:   reg,
		handoff:    coord,
		followups:  followups,
		consent:    consentReg,
		policy:     policy,
		recent:     cache.New(opts.RecentHistoryTTL, 10*time.Minute),
	}
}

// MessageOutcome reports what happened to one community message
type MessageOutcome struct {
	Signal  *models.CrisisSignal `json:"signal,omitempty"`
	Alert   *models.AlertRecord  `json:"alert,omitempty"`
	Skipped alerts.SkipReason    `json:"skipped,omitempty"`
	Session *models.Session      `json:"session,omitempty"`
	Reply   string               `json:"reply,omitempty"`
	Handoff *models.HandoffBrief `json:"-"`
}

// HandleMessage processes a message seen in the community or in a session channel
func (e *Engine) HandleMessage(ctx context.Context, msg models.InboundMessage) (*MessageOutcome, error) {
	if msg.IsBot || strings.TrimSpace(msg.Content) == "" {
		return &MessageOutcome{}, nil
	}

	if session, ok := e.sessions.ByChannel(msg.ChannelID); ok {
		return e.handleSessionChannelMessage(ctx, session, msg)
	}

	history := e.pushRecent(msg.AuthorID, msg.Content)
	signal, err := e.classifier.Analyze(ctx, classifier.Request{
		Text:      msg.Content,
		SubjectID: msg.AuthorID,
		History:   history,
	})
	if err != nil {
		return nil, fmt.Errorf("classify message: %w", err)
	}

	out := &MessageOutcome{Signal: &signal}
	out.Alert, out.Skipped = e.router.Dispatch(ctx, alerts.DispatchRequest{
		SubjectID: msg.AuthorID,
		Source:    msg.MessageContext,
		Signal:    signal,
	})

	if out.Alert != nil && signal.Severity.AtLeast(e.opts.AutoSessionMinSeverity) {
		session, err := e.sessions.Start(ctx, sessions.StartRequest{
			SubjectID:       msg.AuthorID,
			TriggerSeverity: signal.Severity,
			Origin:          "auto",
		})
		switch {
		case err == nil:
			out.Session = session
		case errors.Is(err, sessions.ErrSessionActive):
		default:
			log.Printf("❌ [ENGINE] Alert %s sent but session could not start for %s: %v", out.Alert.ID, msg.AuthorID, err)
		}
	}
	return out, nil
}

func (e *Engine) handleSessionChannelMessage(ctx context.Context, session *models.Session, msg models.InboundMessage) (*MessageOutcome, error) {
	out := &MessageOutcome{Session: session}

	if msg.AuthorID != session.SubjectID {
		// anyone else speaking in a session channel may be a responder arriving
		brief, err := e.handoff.OnMemberPresent(ctx, msg.ChannelID, models.Member{ID: msg.AuthorID, DisplayName: msg.AuthorName, Roles: msg.AuthorRoles})
		out.Handoff = brief
		return out, err
	}

	if e.policy.Get().IsEndPhrase(msg.Content) {
		ended, err := e.sessions.End(ctx, session.ID, models.EndUserEnded)
		out.Session = ended
		return out, err
	}

	reply, err := e.sessions.Converse(ctx, session.ID, msg.Content)
	out.Reply = reply
	return out, err
}

// pushRecent appends text to the subject's recent messages and returns the
// messages that came before it
func (e *Engine) pushRecent(subjectID, text string) []string {
	size := e.opts.RecentHistorySize
	if size <= 0 {
		return nil
	}

	var prior []string
	if v, found := e.recent.Get(subjectID); found {
		prior = v.([]string)
	}
	next := append(append([]string(nil), prior...), text)
	if len(next) > size {
		next = next[len(next)-size:]
	}
	e.recent.Set(subjectID, next, cache.DefaultExpiration)
	return prior
}

// HandleDirectMessage processes a private message to the bot
func (e *Engine) HandleDirectMessage(ctx context.Context, dm models.DirectMessage) (*MessageOutcome, error) {
	if strings.TrimSpace(dm.Content) == "" {
		return &MessageOutcome{}, nil
	}

	if session, ok := e.sessions.BySubject(dm.AuthorID); ok {
		if e.policy.Get().IsEndPhrase(dm.Content) {
			ended, err := e.sessions.End(ctx, session.ID, models.EndUserEnded)
			return &MessageOutcome{Session: ended}, err
		}
		reply, err := e.sessions.Converse(ctx, session.ID, dm.Content)
		return &MessageOutcome{Session: session, Reply: reply}, err
	}

	session, err := e.followups.HandleReply(ctx, dm)
	if err != nil || session == nil {
		return &MessageOutcome{}, err
	}
	reply, err := e.sessions.Converse(ctx, session.ID, dm.Content)
	return &MessageOutcome{Session: session, Reply: reply}, err
}

// HandleMemberPresent runs handoff detection for a member seen in a channel
func (e *Engine) HandleMemberPresent(ctx context.Context, p models.MemberPresence) (*models.HandoffBrief, error) {
	return e.handoff.OnMemberPresent(ctx, p.ChannelID, p.Member)
}

// HandleInteraction handles an alert card button and returns the text shown to the actor
func (e *Engine) HandleInteraction(ctx context.Context, ix models.Interaction) (string, error) {
	action, alertID, ok := alerts.ParseCustomID(ix.CustomID)
	if !ok {
		return "", fmt.Errorf("unknown interaction %q", ix.CustomID)
	}

	switch action {
	case alerts.ActionAcknowledge:
		record, err := e.router.Acknowledge(ctx, alertID, ix.Actor.ID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("✅ Acknowledged by <@%s>", *record.AcknowledgedBy), nil

	case alerts.ActionHandoff:
		_, err := e.handoff.ClaimFromAlert(ctx, alertID, ix.Actor)
		switch {
		case err == nil:
			return "🤝 You've taken over this conversation. A brief is in your direct messages.", nil
		case errors.Is(err, handoff.ErrAlreadyHandedOff):
			return "Another responder has already taken this conversation.", nil
		case errors.Is(err, handoff.ErrNoActiveSession):
			return "There is no active companion session for this member.", nil
		case errors.Is(err, handoff.ErrNotResponder):
			return "Only responders can take over a conversation.", nil
		default:
			return "", err
		}
	}
	return "", fmt.Errorf("unhandled interaction %q", action)
}

// WithdrawConsent records the withdrawal and drops any pending follow-up
func (e *Engine) WithdrawConsent(ctx context.Context, subjectID, actor, reason string) error {
	if err := e.consent.Withdraw(ctx, subjectID, actor, reason); err != nil {
		return err
	}
	if _, err := e.followups.CancelForSubject(ctx, subjectID); err != nil {
		// the send-time consent check still protects the subject
		log.Printf("⚠️ [ENGINE] Consent withdrawn for %s but pending follow-ups not cancelled: %v", subjectID, err)
	}
	logging.Audit(logging.WithSubject(subjectID), logging.AuditConsentWithdrawn, "actor", actor)
	return nil
}

// GrantConsent re-enables follow-ups for a subject
func (e *Engine) GrantConsent(ctx context.Context, subjectID, actor string) error {
	if err := e.consent.Grant(ctx, subjectID, actor); err != nil {
		return err
	}
	logging.Audit(logging.WithSubject(subjectID), logging.AuditConsentGranted, "actor", actor)
	return nil
}

// StartManualSession opens a session on an operator's request
func (e *Engine) StartManualSession(ctx context.Context, subjectID string, severity models.Severity) (*models.Session, error) {
	return e.sessions.Start(ctx, sessions.StartRequest{
		SubjectID:       subjectID,
		TriggerSeverity: severity,
		Origin:          "manual",
	})
}

// ForceAlert re-alerts a subject regardless of cooldown
func (e *Engine) ForceAlert(ctx context.Context, subjectID string, severity models.Severity, actor string) (*models.AlertRecord, alerts.SkipReason) {
	record, reason := e.router.Dispatch(ctx, alerts.DispatchRequest{
		SubjectID: subjectID,
		Signal: models.CrisisSignal{
			Severity:          severity,
			Confidence:        1,
			RecommendedAction: models.ActionEscalate,
			Factors:           []string{fmt.Sprintf("manual re-alert by <@%s>", actor)},
		},
		Force: true,
	})
	logging.Audit(logging.WithSubject(subjectID), logging.AuditForcedAlert,
		"actor", actor, "severity", severity.String(), "skipped", string(reason))
	return record, reason
}

// AcknowledgeAlert acknowledges an alert on an operator's behalf
func (e *Engine) AcknowledgeAlert(ctx context.Context, alertID, actor string) (*models.AlertRecord, error) {
	return e.router.Acknowledge(ctx, alertID, actor)
}

// EndSession ends a session on an operator's request
func (e *Engine) EndSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return e.sessions.End(ctx, sessionID, models.EndUserEnded)
}

// TransferSession ends a session because it moved to another responder.
// Transferred sessions get no follow-up.
func (e *Engine) TransferSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return e.sessions.End(ctx, sessionID, models.EndTransferred)
}

// Sessions returns the active sessions
func (e *Engine) Sessions() []*models.Session {
	return e.sessions.List()
}

// FollowupStats returns the follow-up counters
func (e *Engine) FollowupStats() models.FollowupStats {
	return e.followups.Stats()
}
