// Package alerts routes crisis signals to the responder team: severity gating,
// per-subject cooldown, channel selection, role pings and acknowledgment.
package alerts

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"crisiswatch/internal/metrics"
	"crisiswatch/internal/models"
	"crisiswatch/internal/platform"
	"crisiswatch/internal/resilience"
)

// SkipReason explains why a signal produced no alert
type SkipReason string

const (
	Dispatched         SkipReason = ""
	SkipBelowThreshold SkipReason = "below_threshold"
	SkipCoolingDown    SkipReason = "cooling_down"
	SkipNoTarget       SkipReason = "no_target"
	SkipDeliveryFailed SkipReason = "delivery_failed"
)

// RouterConfig holds the routing policy
type RouterConfig struct {
	MinSeverity     models.Severity
	RolePingMin     models.Severity
	ResponderRoleID string
	Channels        map[models.AlertTarget]string
}

// DispatchRequest is one signal to route
type DispatchRequest struct {
	SubjectID string
	Source    models.MessageContext
	Signal    models.CrisisSignal
	// Force bypasses the cooldown gate (operator re-alert). The severity
	// gate still applies and a successful send refreshes the window.
	Force bool
}

// Router turns crisis signals into alert cards
type Router struct {
	cfg      RouterConfig
	platform platform.Platform
	cooldown *resilience.CooldownTracker
	repo     Repository
	metrics  *metrics.Metrics
	cards    CardBuilder
	now      func() time.Time
}

// NewRouter creates a router. m may be nil.
func NewRouter(cfg RouterConfig, p platform.Platform, cooldown *resilience.CooldownTracker, repo Repository, m *metrics.Metrics) *Router {
	if repo == nil {
		repo = NewMemoryRepository()
	}
	return &Router{
		cfg:      cfg,
		platform: p,
		cooldown: cooldown,
		repo:     repo,
		metrics:  m,
		now:      time.Now,
	}
}

// Cooldown exposes the router's cooldown tracker
func (r *Router) Cooldown() *resilience.CooldownTracker {
	return r.cooldown
}

// Dispatch routes one signal. It returns the stored record on success, or nil
// and the reason the signal was not delivered.
func (r *Router) Dispatch(ctx context.Context, req DispatchRequest) (*models.AlertRecord, SkipReason) {
	sev := req.Signal.Severity

	if !sev.AtLeast(r.cfg.MinSeverity) {
		r.metrics.RecordAlertSkipped(string(SkipBelowThreshold))
		return nil, SkipBelowThreshold
	}

	if !req.Force && r.cooldown.IsActive(ctx, req.SubjectID) {
		r.metrics.RecordAlertSkipped(string(SkipCoolingDown))
		return nil, SkipCoolingDown
	}

	target, ok := models.TargetForSeverity(sev)
	channelID := r.cfg.Channels[target]
	if !ok || channelID == "" {
		log.Printf("❌ [ALERT] No channel configured for target %q (severity %s), alert for %s not sent", target, sev, req.SubjectID)
		r.metrics.RecordAlertSkipped(string(SkipNoTarget))
		return nil, SkipNoTarget
	}

	claimed := false
	if !req.Force {
		if !r.cooldown.TryAcquire(ctx, req.SubjectID) {
			r.metrics.RecordAlertSkipped(string(SkipCoolingDown))
			return nil, SkipCoolingDown
		}
		claimed = true
	}

	rolePing := r.cfg.ResponderRoleID != "" && sev.AtLeast(r.cfg.RolePingMin)
	mention := ""
	if rolePing {
		mention = r.cfg.ResponderRoleID
	}

	record := &models.AlertRecord{
		ID:             uuid.New().String(),
		SubjectID:      req.SubjectID,
		Severity:       sev,
		Confidence:     req.Signal.Confidence,
		Target:         target,
		ChannelID:      channelID,
		Source:         req.Source,
		RolePinged:     rolePing,
		Forced:         req.Force,
		FallbackSignal: req.Signal.Fallback,
		DispatchedAt:   r.now(),
	}
	if req.Source.ChannelID != "" && req.Source.MessageID != "" {
		record.JumpLink = r.platform.JumpLink(req.Source.GuildID, req.Source.ChannelID, req.Source.MessageID)
	}

	msgID, err := r.platform.SendCard(ctx, channelID, mention, r.cards.Build(record, req.Signal))
	if err != nil {
		log.Printf("❌ [ALERT] Failed to deliver %s alert for %s to %s: %v", sev, req.SubjectID, target, err)
		if claimed {
			// a failed delivery must not suppress the next attempt
			r.cooldown.Clear(ctx, req.SubjectID)
		}
		r.metrics.RecordAlertSkipped(string(SkipDeliveryFailed))
		return nil, SkipDeliveryFailed
	}
	record.NotificationMessageID = msgID

	// the window runs from the delivered alert
	r.cooldown.Set(ctx, req.SubjectID)

	if err := r.repo.Save(ctx, record); err != nil {
		log.Printf("⚠️ [ALERT] Alert %s delivered but not persisted: %v", record.ID, err)
	}

	r.metrics.RecordAlert(sev.String(), string(target))
	log.Printf("🚨 [ALERT] %s alert %s for %s sent to %s (ping=%v, forced=%v)", sev, record.ID, req.SubjectID, target, rolePing, req.Force)
	return record, Dispatched
}

// Acknowledge records that actorID has seen the alert. Repeated calls update
// the displayed acknowledger; ack latency is only measured on the first.
func (r *Router) Acknowledge(ctx context.Context, alertID, actorID string) (*models.AlertRecord, error) {
	record, first, err := r.repo.Acknowledge(ctx, alertID, actorID, r.now())
	if err != nil {
		return nil, err
	}
	if first {
		latency := record.FirstAcknowledgedAt.Sub(record.DispatchedAt)
		r.metrics.RecordAckLatency(latency)
		log.Printf("✅ [ALERT] Alert %s acknowledged by %s after %s", alertID, actorID, latency.Round(time.Second))
	}
	return record, nil
}

// Get returns a stored alert
func (r *Router) Get(ctx context.Context, alertID string) (*models.AlertRecord, error) {
	return r.repo.Get(ctx, alertID)
}

// PriorAlertCount counts alerts for subjectID within lookback
func (r *Router) PriorAlertCount(ctx context.Context, subjectID string, lookback time.Duration) (int, error) {
	n, err := r.repo.CountSince(ctx, subjectID, r.now().Add(-lookback))
	if err != nil {
		return 0, fmt.Errorf("prior alert count: %w", err)
	}
	return n, nil
}
