package followup

import (
	"context"
	"errors"
	"log"
	"time"

	"crisiswatch/internal/models"
	"crisiswatch/internal/store"
)

// SkipReason explains why a follow-up was not scheduled or not sent
type SkipReason string

const (
	Scheduled              SkipReason = ""
	SkipConsentWithdrawn   SkipReason = "consent_withdrawn"
	SkipConsentUnavailable SkipReason = "consent_unavailable"
	SkipBelowSeverity      SkipReason = "below_severity"
	SkipTooShort           SkipReason = "too_short"
	SkipRecentlySent       SkipReason = "recently_sent"
	SkipEndReason          SkipReason = "end_reason"
	SkipStoreError         SkipReason = "store_error"
)

// isConsent reports whether the reason comes from the consent check
func (r SkipReason) isConsent() bool {
	return r == SkipConsentWithdrawn || r == SkipConsentUnavailable
}

// candidate is the frozen view of a session that eligibility is judged on
type candidate struct {
	subjectID string
	severity  models.Severity
	duration  time.Duration
	endReason models.EndReason
}

// eligible runs every check in order. The same checks apply when scheduling
// and again when sending.
func (s *Scheduler) eligible(ctx context.Context, c candidate) SkipReason {
	withdrawn, err := s.consent.IsWithdrawn(ctx, c.subjectID)
	if err != nil {
		log.Printf("⚠️ [FOLLOWUP] Consent lookup failed for %s, not contacting: %v", c.subjectID, err)
		return SkipConsentUnavailable
	}
	if withdrawn {
		return SkipConsentWithdrawn
	}

	if !c.severity.AtLeast(s.cfg.MinSeverity) {
		return SkipBelowSeverity
	}
	if c.duration < s.cfg.MinSessionDuration {
		return SkipTooShort
	}
	if c.endReason.SuppressesFollowup() {
		return SkipEndReason
	}

	last, err := s.lastSent(ctx, c.subjectID)
	if err != nil {
		log.Printf("⚠️ [FOLLOWUP] Last-sent lookup failed for %s: %v", c.subjectID, err)
		return SkipStoreError
	}
	if !last.IsZero() && s.now().Sub(last) < s.cfg.MinSpacing {
		return SkipRecentlySent
	}
	return Scheduled
}

func (s *Scheduler) lastSent(ctx context.Context, subjectID string) (time.Time, error) {
	raw, err := s.kv.Get(ctx, lastSentPrefix+subjectID)
	if errors.Is(err, store.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return time.Time{}, nil
	}
	return t, nil
}
