// Package followup schedules and delivers delayed check-in messages after a
// companion session ends, and turns replies into new sessions.
package followup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"crisiswatch/internal/config"
	"crisiswatch/internal/consent"
	"crisiswatch/internal/logging"
	"crisiswatch/internal/metrics"
	"crisiswatch/internal/models"
	"crisiswatch/internal/platform"
	"crisiswatch/internal/sessions"
	"crisiswatch/internal/store"
)

const (
	itemPrefix     = "followup:item:"
	pendingPrefix  = "followup:pending:"
	lastSentPrefix = "followup:last_sent:"
	awaitingPrefix = "followup:awaiting:"
	lockPrefix     = "followup:lock:"

	maxSendAttempts = 3
	sendConcurrency = 8
)

// SessionStarter opens sessions for follow-up replies
type SessionStarter interface {
	Start(ctx context.Context, req sessions.StartRequest) (*models.Session, error)
}

// Config holds follow-up policy
type Config struct {
	Delay              time.Duration
	MaxAge             time.Duration
	MinSeverity        models.Severity
	MinSessionDuration time.Duration
	MinSpacing         time.Duration
	ReplyWindow        time.Duration
	SessionMaxDuration time.Duration
	// LockTTL bounds how long a crashed sender can hold an item
	LockTTL time.Duration
}

// DispatchResult summarises one DispatchDue pass
type DispatchResult struct {
	Sent    int
	Skipped int
	Expired int
	Failed  int
}

type counters struct {
	scheduled          atomic.Int64
	sent               atomic.Int64
	skippedConsent     atomic.Int64
	skippedEligibility atomic.Int64
	expired            atomic.Int64
	failed             atomic.Int64
	responded          atomic.Int64
	superseded         atomic.Int64
	cancelled          atomic.Int64
}

// Scheduler owns scheduled follow-ups
type Scheduler struct {
	cfg      Config
	kv       store.Store
	consent  consent.Registry
	platform platform.Platform
	sessions SessionStarter
	policy   *config.PolicyHolder
	metrics  *metrics.Metrics

	stats    counters
	rotation atomic.Uint64
	owner    string
	now      func() time.Time
}

// NewScheduler creates a scheduler. m may be nil.
func NewScheduler(cfg Config, kv store.Store, reg consent.Registry, p platform.Platform, starter SessionStarter, policy *config.PolicyHolder, m *metrics.Metrics) *Scheduler {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if policy == nil {
		policy = config.NewPolicyHolder(nil)
	}
	return &Scheduler{
		cfg:      cfg,
		kv:       kv,
		consent:  reg,
		platform: p,
		sessions: starter,
		policy:   policy,
		metrics:  m,
		owner:    uuid.New().String(),
		now:      time.Now,
	}
}

// OnSessionEnded schedules a follow-up for a finished session
func (s *Scheduler) OnSessionEnded(ctx context.Context, session *models.Session) {
	// the end hook may run on a sweep context that is about to be cancelled
	item, reason := s.Schedule(context.WithoutCancel(ctx), session)
	if item == nil {
		log.Printf("⏭️ [FOLLOWUP] No follow-up for session %s: %s", session.ID, reason)
	}
}

// Schedule creates a pending follow-up for an ended session if it is eligible.
// A newer follow-up replaces a still pending one for the same subject.
func (s *Scheduler) Schedule(ctx context.Context, session *models.Session) (*models.ScheduledFollowup, SkipReason) {
	now := s.now()
	endReason := models.EndUserEnded
	if session.EndReason != nil {
		endReason = *session.EndReason
	}
	endedAt := now
	if session.EndedAt != nil {
		endedAt = *session.EndedAt
	}

	c := candidate{
		subjectID: session.SubjectID,
		severity:  session.TriggerSeverity,
		duration:  session.Duration(now),
		endReason: endReason,
	}
	if reason := s.eligible(ctx, c); reason != Scheduled {
		s.countSkip(reason)
		return nil, reason
	}

	item := &models.ScheduledFollowup{
		ID:              uuid.New().String(),
		SubjectID:       session.SubjectID,
		SourceSessionID: session.ID,
		SourceSeverity:  session.TriggerSeverity,
		SessionDuration: c.duration,
		SessionEndedAt:  endedAt,
		EndReason:       endReason,
		ScheduledFor:    now.Add(s.cfg.Delay),
		ExpiresAt:       now.Add(s.cfg.MaxAge),
		Status:          models.FollowupPending,
	}

	if previous, err := s.kv.Get(ctx, pendingPrefix+item.SubjectID); err == nil {
		if err := s.kv.Delete(ctx, itemPrefix+string(previous)); err != nil {
			log.Printf("⚠️ [FOLLOWUP] Failed to drop superseded follow-up %s: %v", previous, err)
		} else {
			s.stats.superseded.Add(1)
			s.metrics.RecordFollowup("superseded")
			log.Printf("🔁 [FOLLOWUP] Follow-up %s for %s superseded", previous, item.SubjectID)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		log.Printf("⚠️ [FOLLOWUP] Failed to look up pending follow-up for %s: %v", item.SubjectID, err)
	}
	if err := s.save(ctx, item); err != nil {
		log.Printf("❌ [FOLLOWUP] Failed to store follow-up for %s: %v", item.SubjectID, err)
		return nil, SkipStoreError
	}
	if err := s.kv.Set(ctx, pendingPrefix+item.SubjectID, []byte(item.ID), s.itemTTL()); err != nil {
		log.Printf("⚠️ [FOLLOWUP] Failed to index follow-up %s: %v", item.ID, err)
	}

	s.stats.scheduled.Add(1)
	s.metrics.RecordFollowup("scheduled")
	log.Printf("📅 [FOLLOWUP] Scheduled follow-up %s for %s at %s", item.ID, item.SubjectID, item.ScheduledFor.Format(time.RFC3339))
	return item, Scheduled
}

func (s *Scheduler) itemTTL() time.Duration {
	// expired items must outlive ExpiresAt long enough to be counted
	return s.cfg.MaxAge + 24*time.Hour
}

func (s *Scheduler) save(ctx context.Context, item *models.ScheduledFollowup) error {
	return store.SetJSON(ctx, s.kv, itemPrefix+item.ID, item, s.itemTTL())
}

func (s *Scheduler) remove(ctx context.Context, item *models.ScheduledFollowup) {
	keys := []string{itemPrefix + item.ID}
	if id, err := s.kv.Get(ctx, pendingPrefix+item.SubjectID); err == nil && string(id) == item.ID {
		keys = append(keys, pendingPrefix+item.SubjectID)
	}
	if err := s.kv.Delete(ctx, keys...); err != nil {
		log.Printf("⚠️ [FOLLOWUP] Failed to delete follow-up %s: %v", item.ID, err)
	}
}

func (s *Scheduler) countSkip(reason SkipReason) {
	if reason.isConsent() {
		s.stats.skippedConsent.Add(1)
		s.metrics.RecordFollowup("skipped_consent")
		return
	}
	s.stats.skippedEligibility.Add(1)
	s.metrics.RecordFollowup("skipped_eligibility")
}

// Pending returns every stored follow-up that has not been sent
func (s *Scheduler) Pending(ctx context.Context) ([]*models.ScheduledFollowup, error) {
	keys, err := s.kv.Keys(ctx, itemPrefix)
	if err != nil {
		return nil, fmt.Errorf("list follow-ups: %w", err)
	}
	items := make([]*models.ScheduledFollowup, 0, len(keys))
	for _, key := range keys {
		var item models.ScheduledFollowup
		if err := store.GetJSON(ctx, s.kv, key, &item); err != nil {
			continue
		}
		items = append(items, &item)
	}
	return items, nil
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeSent
	outcomeSkipped
	outcomeExpired
	outcomeFailed
)

// DispatchDue sends every due follow-up once. Items are claimed under a store
// lock so concurrent workers never send the same one.
func (s *Scheduler) DispatchDue(ctx context.Context) (DispatchResult, error) {
	items, err := s.Pending(ctx)
	if err != nil {
		return DispatchResult{}, err
	}

	now := s.now()
	var due []*models.ScheduledFollowup
	for _, item := range items {
		if item.Status != models.FollowupSent && (!now.Before(item.ScheduledFor) || item.IsExpired(now)) {
			due = append(due, item)
		}
	}

	outcomes := make([]outcome, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sendConcurrency)
	for i, item := range due {
		g.Go(func() error {
			outcomes[i] = s.process(gctx, item.ID)
			return nil
		})
	}
	g.Wait()

	var res DispatchResult
	for _, o := range outcomes {
		switch o {
		case outcomeSent:
			res.Sent++
		case outcomeSkipped:
			res.Skipped++
		case outcomeExpired:
			res.Expired++
		case outcomeFailed:
			res.Failed++
		}
	}
	if res != (DispatchResult{}) {
		log.Printf("📬 [FOLLOWUP] Dispatch pass: sent=%d skipped=%d expired=%d failed=%d", res.Sent, res.Skipped, res.Expired, res.Failed)
	}
	return res, ctx.Err()
}

func (s *Scheduler) process(ctx context.Context, id string) outcome {
	lockKey := lockPrefix + id
	acquired, err := s.kv.AcquireLock(ctx, lockKey, s.owner, s.cfg.LockTTL)
	if err != nil || !acquired {
		return outcomeNone
	}
	defer s.kv.ReleaseLock(context.WithoutCancel(ctx), lockKey, s.owner)

	var item models.ScheduledFollowup
	if err := store.GetJSON(ctx, s.kv, itemPrefix+id, &item); err != nil {
		return outcomeNone
	}
	if item.Status == models.FollowupSending {
		// holding the lock means the previous sender is gone
		item.Status = models.FollowupPending
	}
	now := s.now()

	if item.SentAt == nil && now.After(item.ExpiresAt) {
		s.remove(ctx, &item)
		s.stats.expired.Add(1)
		s.metrics.RecordFollowup("expired")
		log.Printf("⌛ [FOLLOWUP] Follow-up %s for %s expired unsent", item.ID, item.SubjectID)
		return outcomeExpired
	}
	if !item.IsDue(now) {
		return outcomeNone
	}

	item.Status = models.FollowupSending
	if err := s.save(ctx, &item); err != nil {
		return outcomeNone
	}

	// consent is checked again right before contact, whatever it was at scheduling
	reason := s.eligible(ctx, candidate{
		subjectID: item.SubjectID,
		severity:  item.SourceSeverity,
		duration:  item.SessionDuration,
		endReason: item.EndReason,
	})
	switch reason {
	case Scheduled:
	case SkipConsentUnavailable, SkipStoreError:
		s.revert(ctx, &item)
		return outcomeNone
	case SkipConsentWithdrawn:
		s.remove(ctx, &item)
		s.countSkip(reason)
		logging.Audit(logging.WithSubject(item.SubjectID), logging.AuditConsentSkip, "followup_id", item.ID)
		return outcomeSkipped
	default:
		s.remove(ctx, &item)
		s.countSkip(reason)
		log.Printf("⏭️ [FOLLOWUP] Follow-up %s for %s no longer eligible: %s", item.ID, item.SubjectID, reason)
		return outcomeSkipped
	}

	if ctx.Err() != nil {
		s.revert(ctx, &item)
		return outcomeNone
	}

	variant := int(s.rotation.Add(1) - 1)
	text := compose(s.policy.Get().FollowupTemplates, variant, item.SessionEndedAt, now)

	if _, err := s.platform.SendDirect(ctx, item.SubjectID, text); err != nil {
		return s.handleSendError(ctx, &item, err)
	}

	// delivered: the bookkeeping must land even if shutdown starts now
	wctx := context.WithoutCancel(ctx)
	sentAt := s.now()
	item.Status = models.FollowupSent
	item.SentAt = &sentAt
	item.VariantIndex = variant
	item.Attempts++

	s.remove(wctx, &item)
	if err := s.kv.Set(wctx, lastSentPrefix+item.SubjectID, []byte(sentAt.Format(time.RFC3339Nano)), s.cfg.MinSpacing); err != nil {
		log.Printf("⚠️ [FOLLOWUP] Failed to record send time for %s: %v", item.SubjectID, err)
	}
	if err := store.SetJSON(wctx, s.kv, awaitingPrefix+item.SubjectID, &item, s.cfg.ReplyWindow); err != nil {
		log.Printf("⚠️ [FOLLOWUP] Failed to record reply window for %s: %v", item.SubjectID, err)
	}

	s.stats.sent.Add(1)
	s.metrics.RecordFollowup("sent")
	log.Printf("✉️ [FOLLOWUP] Sent follow-up %s to %s (variant %d)", item.ID, item.SubjectID, variant)
	return outcomeSent
}

// revert puts a claimed item back to pending
func (s *Scheduler) revert(ctx context.Context, item *models.ScheduledFollowup) {
	item.Status = models.FollowupPending
	if err := s.save(context.WithoutCancel(ctx), item); err != nil {
		log.Printf("⚠️ [FOLLOWUP] Failed to release follow-up %s: %v", item.ID, err)
	}
}

func (s *Scheduler) handleSendError(ctx context.Context, item *models.ScheduledFollowup, err error) outcome {
	if ctx.Err() != nil {
		s.revert(ctx, item)
		return outcomeNone
	}

	item.Attempts++
	if platform.IsDeliveryRefused(err) || item.Attempts >= maxSendAttempts {
		s.remove(context.WithoutCancel(ctx), item)
		s.stats.failed.Add(1)
		s.metrics.RecordFollowup("failed")
		log.Printf("❌ [FOLLOWUP] Giving up on follow-up %s for %s after %d attempts: %v", item.ID, item.SubjectID, item.Attempts, err)
		return outcomeFailed
	}

	log.Printf("⚠️ [FOLLOWUP] Send failed for follow-up %s (attempt %d), will retry: %v", item.ID, item.Attempts, err)
	s.revert(ctx, item)
	return outcomeNone
}

// HandleReply starts a follow-up session when subjectID answers a sent
// follow-up inside the reply window. It returns nil when the message is not
// a follow-up reply.
func (s *Scheduler) HandleReply(ctx context.Context, msg models.DirectMessage) (*models.Session, error) {
	var item models.ScheduledFollowup
	err := store.GetJSON(ctx, s.kv, awaitingPrefix+msg.AuthorID, &item)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load follow-up reply window: %w", err)
	}

	now := s.now()
	if item.SentAt == nil || item.RespondedAt != nil || now.Sub(*item.SentAt) > s.cfg.ReplyWindow {
		return nil, nil
	}

	if err := s.kv.Delete(ctx, awaitingPrefix+msg.AuthorID); err != nil {
		return nil, fmt.Errorf("close reply window: %w", err)
	}
	s.stats.responded.Add(1)
	s.metrics.RecordFollowup("responded")

	session, err := s.sessions.Start(ctx, sessions.StartRequest{
		SubjectID:       msg.AuthorID,
		TriggerSeverity: item.SourceSeverity,
		MaxDuration:     s.cfg.SessionMaxDuration,
		FollowupID:      item.ID,
		Origin:          "followup",
	})
	if err != nil {
		return nil, fmt.Errorf("start follow-up session: %w", err)
	}
	log.Printf("↩️ [FOLLOWUP] %s replied to follow-up %s, session %s started", msg.AuthorID, item.ID, session.ID)
	return session, nil
}

// CancelForSubject drops any pending follow-up and open reply window for subjectID
func (s *Scheduler) CancelForSubject(ctx context.Context, subjectID string) (int, error) {
	cancelled := 0
	if id, err := s.kv.Get(ctx, pendingPrefix+subjectID); err == nil {
		if err := s.kv.Delete(ctx, itemPrefix+string(id), pendingPrefix+subjectID); err != nil {
			return 0, fmt.Errorf("cancel follow-up: %w", err)
		}
		cancelled++
	} else if !errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("lookup pending follow-up: %w", err)
	}

	if err := s.kv.Delete(ctx, awaitingPrefix+subjectID); err != nil {
		return cancelled, fmt.Errorf("close reply window: %w", err)
	}
	if cancelled > 0 {
		s.stats.cancelled.Add(int64(cancelled))
		s.metrics.RecordFollowup("cancelled")
		log.Printf("🗑️ [FOLLOWUP] Cancelled pending follow-up for %s", subjectID)
	}
	return cancelled, nil
}

// Stats returns the running counters
func (s *Scheduler) Stats() models.FollowupStats {
	return models.FollowupStats{
		Scheduled:          s.stats.scheduled.Load(),
		Sent:               s.stats.sent.Load(),
		SkippedConsent:     s.stats.skippedConsent.Load(),
		SkippedEligibility: s.stats.skippedEligibility.Load(),
		Expired:            s.stats.expired.Load(),
		Failed:             s.stats.failed.Load(),
		Responded:          s.stats.responded.Load(),
		Superseded:         s.stats.superseded.Load(),
		Cancelled:          s.stats.cancelled.Load(),
	}
}
