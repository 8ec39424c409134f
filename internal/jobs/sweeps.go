package jobs

import (
	"context"
	"errors"
	"log"
	"time"

	"crisiswatch/internal/followup"
)

// SessionSweeper ends expired sessions
type SessionSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// FollowupDispatcher sends due follow-ups
type FollowupDispatcher interface {
	DispatchDue(ctx context.Context) (followup.DispatchResult, error)
}

// CooldownSweeper evicts expired cooldown entries
type CooldownSweeper interface {
	Sweep() int
}

// SessionSweepJob ends sessions past their idle timeout or maximum duration
type SessionSweepJob struct {
	sessions SessionSweeper
	interval time.Duration
}

// NewSessionSweepJob creates the session sweep job
func NewSessionSweepJob(sessions SessionSweeper, interval time.Duration) *SessionSweepJob {
	return &SessionSweepJob{sessions: sessions, interval: interval}
}

// Run performs one sweep
func (j *SessionSweepJob) Run(ctx context.Context) error {
	n, err := j.sessions.Sweep(ctx)
	if n > 0 {
		log.Printf("🧹 [SESSION-SWEEP] Ended %d expired sessions", n)
	}
	return err
}

// Interval returns how often the job runs
func (j *SessionSweepJob) Interval() time.Duration {
	return j.interval
}

// FollowupDispatchJob delivers follow-ups that have come due
type FollowupDispatchJob struct {
	followups FollowupDispatcher
	interval  time.Duration
}

// NewFollowupDispatchJob creates the follow-up send job
func NewFollowupDispatchJob(followups FollowupDispatcher, interval time.Duration) *FollowupDispatchJob {
	return &FollowupDispatchJob{followups: followups, interval: interval}
}

// Run performs one dispatch pass
func (j *FollowupDispatchJob) Run(ctx context.Context) error {
	_, err := j.followups.DispatchDue(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Interval returns how often the job runs
func (j *FollowupDispatchJob) Interval() time.Duration {
	return j.interval
}

// CooldownSweepJob drops expired alert cooldowns from memory
type CooldownSweepJob struct {
	cooldowns CooldownSweeper
	interval  time.Duration
}

// NewCooldownSweepJob creates the cooldown sweep job
func NewCooldownSweepJob(cooldowns CooldownSweeper, interval time.Duration) *CooldownSweepJob {
	return &CooldownSweepJob{cooldowns: cooldowns, interval: interval}
}

// Run evicts expired entries
func (j *CooldownSweepJob) Run(ctx context.Context) error {
	if n := j.cooldowns.Sweep(); n > 0 {
		log.Printf("🧹 [COOLDOWN-SWEEP] Evicted %d expired cooldowns", n)
	}
	return nil
}

// Interval returns how often the job runs
func (j *CooldownSweepJob) Interval() time.Duration {
	return j.interval
}
