// Package handoff detects a responder joining a session and passes the
// conversation over: one announcement to the subject, a brief to the
// responder, and the session flagged so it finalizes as handed off.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"crisiswatch/internal/config"
	"crisiswatch/internal/logging"
	"crisiswatch/internal/metrics"
	"crisiswatch/internal/models"
	"crisiswatch/internal/platform"
)

var (
	// ErrNotResponder is returned when the actor lacks the responder role
	ErrNotResponder = errors.New("member is not a responder")
	// ErrNoActiveSession is returned when the alert's subject has no session to take over
	ErrNoActiveSession = errors.New("subject has no active session")
	// ErrAlreadyHandedOff is returned when another responder already took the session
	ErrAlreadyHandedOff = errors.New("session already handed off")
)

// PriorAlertLookback is the window counted in the brief
const PriorAlertLookback = 30 * 24 * time.Hour

// Sessions is the part of the session registry the coordinator needs
type Sessions interface {
	ByChannel(channelID string) (*models.Session, bool)
	BySubject(subjectID string) (*models.Session, bool)
	MarkHandoff(ctx context.Context, sessionID, responderID string) (*models.Session, bool, error)
}

// AlertHistory looks up alerts for briefs and card claims
type AlertHistory interface {
	Get(ctx context.Context, alertID string) (*models.AlertRecord, error)
	PriorAlertCount(ctx context.Context, subjectID string, lookback time.Duration) (int, error)
}

// Coordinator hands sessions over to human responders
type Coordinator struct {
	responderRoleID string
	guildID         string
	sessions        Sessions
	alerts          AlertHistory
	platform        platform.Platform
	policy          *config.PolicyHolder
	metrics         *metrics.Metrics

	mu           sync.Mutex
	rotation     int
	lastAnnounce *cache.Cache

	now func() time.Time
}

// NewCoordinator creates a coordinator. alerts and m may be nil.
func NewCoordinator(responderRoleID, guildID string, sessions Sessions, alerts AlertHistory, p platform.Platform, policy *config.PolicyHolder, m *metrics.Metrics) *Coordinator {
	if policy == nil {
		policy = config.NewPolicyHolder(nil)
	}
	return &Coordinator{
		responderRoleID: responderRoleID,
		guildID:         guildID,
		sessions:        sessions,
		alerts:          alerts,
		platform:        p,
		policy:          policy,
		metrics:         m,
		lastAnnounce:    cache.New(7*24*time.Hour, time.Hour),
		now:             time.Now,
	}
}

// OnMemberPresent is called when a member is seen in a channel. When the
// channel belongs to an active session and the member is the first responder
// there, the session is handed off and the brief returned. Otherwise it
// returns nil.
func (c *Coordinator) OnMemberPresent(ctx context.Context, channelID string, member models.Member) (*models.HandoffBrief, error) {
	session, ok := c.sessions.ByChannel(channelID)
	if !ok || member.ID == session.SubjectID || session.HandoffPending {
		return nil, nil
	}

	isResponder, err := c.isResponder(ctx, member)
	if err != nil || !isResponder {
		return nil, err
	}

	brief, err := c.takeOver(ctx, session, member.ID)
	if errors.Is(err, ErrAlreadyHandedOff) {
		return nil, nil
	}
	return brief, err
}

// ClaimFromAlert hands the alerted subject's session to actor from the
// alert card's take-over button
func (c *Coordinator) ClaimFromAlert(ctx context.Context, alertID string, actor models.Member) (*models.HandoffBrief, error) {
	isResponder, err := c.isResponder(ctx, actor)
	if err != nil {
		return nil, err
	}
	if !isResponder {
		return nil, ErrNotResponder
	}
	if c.alerts == nil {
		return nil, ErrNoActiveSession
	}

	alert, err := c.alerts.Get(ctx, alertID)
	if err != nil {
		return nil, err
	}
	session, ok := c.sessions.BySubject(alert.SubjectID)
	if !ok {
		return nil, ErrNoActiveSession
	}
	return c.takeOver(ctx, session, actor.ID)
}

func (c *Coordinator) isResponder(ctx context.Context, member models.Member) (bool, error) {
	if c.responderRoleID == "" {
		return false, nil
	}
	if member.HasRole(c.responderRoleID) {
		return true, nil
	}
	if len(member.Roles) > 0 {
		return false, nil
	}

	// presence events may arrive without roles
	roles, err := c.platform.MemberRoles(ctx, c.guildID, member.ID)
	if errors.Is(err, platform.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup roles for %s: %w", member.ID, err)
	}
	return models.Member{ID: member.ID, Roles: roles}.HasRole(c.responderRoleID), nil
}

func (c *Coordinator) takeOver(ctx context.Context, session *models.Session, responderID string) (*models.HandoffBrief, error) {
	marked, first, err := c.sessions.MarkHandoff(ctx, session.ID, responderID)
	if err != nil {
		return nil, err
	}
	if !first {
		return nil, ErrAlreadyHandedOff
	}

	if _, err := c.platform.SendMessage(ctx, marked.ChannelID, c.nextAnnouncement(marked.SubjectID)); err != nil {
		log.Printf("⚠️ [HANDOFF] Failed to announce handoff in session %s: %v", marked.ID, err)
	}

	prior := 0
	if c.alerts != nil {
		if prior, err = c.alerts.PriorAlertCount(ctx, marked.SubjectID, PriorAlertLookback); err != nil {
			log.Printf("⚠️ [HANDOFF] Prior alert count unavailable for %s: %v", marked.SubjectID, err)
		}
	}

	brief := BuildBrief(marked, responderID, prior, c.policy.Get(), c.now())

	c.metrics.RecordHandoff()
	logging.Audit(logging.WithSession(marked.ID, marked.SubjectID), logging.AuditHandoff, "responder_id", responderID)
	log.Printf("🤝 [HANDOFF] Session %s handed to %s", marked.ID, responderID)

	if _, err := c.platform.SendDirect(ctx, responderID, FormatBrief(brief)); err != nil {
		log.Printf("❌ [HANDOFF] Failed to deliver brief to %s: %v", responderID, err)
		return brief, fmt.Errorf("deliver brief: %w", err)
	}
	return brief, nil
}

// nextAnnouncement rotates through the announcements, never repeating the
// one the subject saw last
func (c *Coordinator) nextAnnouncement(subjectID string) string {
	options := c.policy.Get().HandoffAnnouncements
	if len(options) == 0 {
		return "A member of the support team has joined the conversation."
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.rotation % len(options)
	if last, found := c.lastAnnounce.Get(subjectID); found && last.(int) == idx {
		idx = (idx + 1) % len(options)
	}
	c.rotation = idx + 1
	c.lastAnnounce.Set(subjectID, idx, cache.DefaultExpiration)
	return options[idx]
}
