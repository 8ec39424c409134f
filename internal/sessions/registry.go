// Package sessions owns the lifecycle of AI companion sessions: start, turns,
// the safety screen, idle and max-duration expiry, handoff marking and
// finalization.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"crisiswatch/internal/companion"
	"crisiswatch/internal/config"
	"crisiswatch/internal/keylock"
	"crisiswatch/internal/logging"
	"crisiswatch/internal/metrics"
	"crisiswatch/internal/models"
	"crisiswatch/internal/platform"
	"crisiswatch/internal/store"
)

var (
	// ErrSessionActive is returned when the subject already has an active session
	ErrSessionActive = errors.New("subject already has an active session")
	// ErrSessionNotFound is returned for an unknown or finished session
	ErrSessionNotFound = errors.New("session not found")
)

const (
	snapshotPrefix = "session:"
	// endedPrefix marks finished sessions so a late snapshot write is never restored
	endedPrefix = "session-ended:"
	// ended sessions stay readable for a while so End stays idempotent
	endedRetention = time.Hour
)

// Responder produces companion replies. fellBack reports a canned reply.
type Responder interface {
	Reply(ctx context.Context, systemPrompt string, turns []models.Turn) (reply string, fellBack bool, err error)
}

// EndHook is notified once for every session that ends in a way that allows a follow-up
type EndHook interface {
	OnSessionEnded(ctx context.Context, session *models.Session)
}

// SnapshotSealer encrypts persisted transcripts with a per-subject key
type SnapshotSealer interface {
	Seal(subjectID string, plaintext []byte) (string, error)
	Open(subjectID, sealed string) ([]byte, error)
}

// sealedSnapshot is what lands in the KV store when a sealer is configured
type sealedSnapshot struct {
	SubjectID string `json:"subjectId"`
	Sealed    string `json:"sealed,omitempty"`
}

// Config holds session limits
type Config struct {
	IdleTimeout     time.Duration
	MaxDuration     time.Duration
	HistoryCap      int
	ParentChannelID string
}

// StartRequest describes a session to open
type StartRequest struct {
	SubjectID       string
	TriggerSeverity models.Severity
	// MaxDuration overrides the configured limit when positive
	MaxDuration time.Duration
	FollowupID  string
	// Origin labels the start for metrics ("auto", "manual", "followup")
	Origin string
}

// Registry tracks active sessions. The registry mutex only guards the maps and
// session fields; platform and companion calls happen outside it. Starts and
// turns for one subject run through a per-subject queue.
type Registry struct {
	cfg       Config
	platform  platform.Platform
	responder Responder
	policy    *config.PolicyHolder
	kv        store.Store
	metrics   *metrics.Metrics
	turns     *keylock.Queue

	mu        sync.RWMutex
	sessions  map[string]*models.Session
	bySubject map[string]string
	byChannel map[string]string
	ended     *cache.Cache

	endHook EndHook
	sealer  SnapshotSealer
	now     func() time.Time
}

// NewRegistry creates a registry. kv and m may be nil.
func NewRegistry(cfg Config, p platform.Platform, responder Responder, policy *config.PolicyHolder, kv store.Store, m *metrics.Metrics) *Registry {
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = 20
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = time.Hour
	}
	if policy == nil {
		policy = config.NewPolicyHolder(nil)
	}
	return &Registry{
		cfg:       cfg,
		platform:  p,
		responder: responder,
		policy:    policy,
		kv:        kv,
		metrics:   m,
		turns:     keylock.NewQueue(),
		sessions:  make(map[string]*models.Session),
		bySubject: make(map[string]string),
		byChannel: make(map[string]string),
		ended:     cache.New(endedRetention, 10*time.Minute),
		now:       time.Now,
	}
}

// SetEndHook registers the component notified when a session ends
func (r *Registry) SetEndHook(h EndHook) {
	r.endHook = h
}

// SetSnapshotSealer encrypts persisted snapshots from now on
func (r *Registry) SetSnapshotSealer(s SnapshotSealer) {
	r.sealer = s
}

// SetClock replaces the time source used for activity and expiry
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Start opens a session for the subject
func (r *Registry) Start(ctx context.Context, req StartRequest) (session *models.Session, err error) {
	r.turns.Do(req.SubjectID, func() {
		session, err = r.start(ctx, req)
	})
	return session, err
}

func (r *Registry) start(ctx context.Context, req StartRequest) (*models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := r.now()
	maxDuration := req.MaxDuration
	if maxDuration <= 0 {
		maxDuration = r.cfg.MaxDuration
	}

	r.mu.Lock()
	if _, exists := r.bySubject[req.SubjectID]; exists {
		r.mu.Unlock()
		return nil, ErrSessionActive
	}
	s := &models.Session{
		ID:              uuid.New().String(),
		SubjectID:       req.SubjectID,
		State:           models.SessionActive,
		StartedAt:       now,
		LastActivityAt:  now,
		TriggerSeverity: req.TriggerSeverity,
		MaxDuration:     maxDuration,
		FollowupID:      req.FollowupID,
	}
	// reserve the subject while the channel is being opened
	r.sessions[s.ID] = s
	r.bySubject[s.SubjectID] = s.ID
	r.mu.Unlock()

	channelID, err := r.platform.OpenSessionChannel(ctx, r.cfg.ParentChannelID, req.SubjectID, channelName(s))
	if err != nil {
		r.mu.Lock()
		delete(r.sessions, s.ID)
		delete(r.bySubject, s.SubjectID)
		r.mu.Unlock()
		log.Printf("❌ [SESSION] Failed to open channel for %s: %v", req.SubjectID, err)
		return nil, fmt.Errorf("open session channel: %w", err)
	}

	r.mu.Lock()
	s.ChannelID = channelID
	r.byChannel[channelID] = s.ID
	snapshot := s.Clone()
	r.mu.Unlock()

	r.persist(ctx, s.ID)

	if _, err := r.platform.SendMessage(ctx, channelID, openingMessage(snapshot)); err != nil {
		log.Printf("⚠️ [SESSION] Failed to send opening message for session %s: %v", s.ID, err)
	}

	origin := req.Origin
	if origin == "" {
		origin = "manual"
	}
	r.metrics.RecordSessionStarted(origin)
	log.Printf("💬 [SESSION] Started session %s for %s (severity=%s, origin=%s, max=%s)", s.ID, s.SubjectID, s.TriggerSeverity, origin, maxDuration)
	return snapshot, nil
}

func channelName(s *models.Session) string {
	return "support-" + s.ID[:8]
}

// RecordTurn appends a turn to the session history and refreshes its activity time
func (r *Registry) RecordTurn(ctx context.Context, sessionID string, role models.TurnRole, text string) (*models.Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok || !s.IsActive() {
		r.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	r.appendTurnLocked(s, role, text)
	snapshot := s.Clone()
	r.mu.Unlock()

	r.persist(ctx, sessionID)
	return snapshot, nil
}

func (r *Registry) appendTurnLocked(s *models.Session, role models.TurnRole, text string) {
	now := r.now()
	s.History = append(s.History, models.Turn{Role: role, Text: text, At: now})
	if over := len(s.History) - r.cfg.HistoryCap; over > 0 {
		s.History = append([]models.Turn(nil), s.History[over:]...)
	}
	s.LastActivityAt = now
}

// Converse handles one subject message inside a session and returns the reply
// that was delivered ("" when the companion stays silent after a handoff).
// Turns for one subject are processed in order.
func (r *Registry) Converse(ctx context.Context, sessionID, text string) (reply string, err error) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.RUnlock()
		return "", ErrSessionNotFound
	}
	subjectID := s.SubjectID
	r.mu.RUnlock()

	r.turns.Do(subjectID, func() {
		reply, err = r.converse(ctx, s, text)
	})
	return reply, err
}

func (r *Registry) converse(ctx context.Context, s *models.Session, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	policy := r.policy.Get()
	flagged := policy.MatchesHighRisk(text)

	r.mu.Lock()
	if !s.IsActive() {
		r.mu.Unlock()
		return "", ErrSessionNotFound
	}
	r.appendTurnLocked(s, models.RoleSubject, text)
	s.SafetyFlagged = flagged
	if flagged {
		s.SafetyTriggered = true
	}
	handedOff := s.HandoffPending
	snapshot := s.Clone()
	r.mu.Unlock()

	if flagged {
		r.metrics.RecordSafetyTrigger()
		logging.Audit(logging.WithSession(snapshot.ID, snapshot.SubjectID), logging.AuditSafetyTrigger,
			"severity", snapshot.TriggerSeverity.String(), "handed_off", handedOff)
	}

	if handedOff {
		r.persist(ctx, snapshot.ID)
		return "", nil
	}

	prompt := companion.BuildSystemPrompt(companion.PromptOptions{
		TriggerSeverity: snapshot.TriggerSeverity,
		FromFollowup:    snapshot.FollowupID != "",
		SafetyFlagged:   flagged,
	})
	reply, fellBack, err := r.responder.Reply(ctx, prompt, snapshot.History)
	if err != nil {
		return "", fmt.Errorf("companion reply: %w", err)
	}
	if flagged || fellBack {
		reply = companion.WithResources(reply, policy.CrisisResources)
	}

	r.mu.Lock()
	if !s.IsActive() || s.HandoffPending {
		// ended or handed off while the companion was thinking
		r.mu.Unlock()
		return "", nil
	}
	r.appendTurnLocked(s, models.RoleCompanion, reply)
	snapshot = s.Clone()
	r.mu.Unlock()

	if _, err := r.platform.SendMessage(ctx, snapshot.ChannelID, reply); err != nil {
		log.Printf("❌ [SESSION] Failed to deliver reply in session %s: %v", snapshot.ID, err)
		return "", fmt.Errorf("deliver reply: %w", err)
	}
	r.persist(ctx, snapshot.ID)
	return reply, nil
}

type expiry struct {
	sessionID string
	reason    models.EndReason
}

// Sweep ends every session past its idle timeout or maximum duration and
// returns how many were ended. Expired sessions are finalized in parallel.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	now := r.now()

	var due []expiry
	r.mu.RLock()
	for id, s := range r.sessions {
		if !s.IsActive() || s.ChannelID == "" {
			continue
		}
		switch {
		case now.Sub(s.StartedAt) > s.MaxDuration:
			due = append(due, expiry{id, models.EndMaxDuration})
		case now.Sub(s.LastActivityAt) > r.cfg.IdleTimeout:
			due = append(due, expiry{id, models.EndIdleTimeout})
		}
	}
	r.mu.RUnlock()

	if len(due) == 0 {
		return 0, nil
	}

	var g errgroup.Group
	for _, e := range due {
		g.Go(func() error {
			_, err := r.End(ctx, e.sessionID, e.reason)
			if errors.Is(err, ErrSessionNotFound) {
				return nil
			}
			return err
		})
	}
	err := g.Wait()
	return len(due), err
}

// End finalizes a session. Ending an already finished session returns it
// unchanged. A session flagged for handoff always ends as handed off. The
// session settles in SessionEnded with the reason on EndReason.
func (r *Registry) End(ctx context.Context, sessionID string, reason models.EndReason) (*models.Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		if v, found := r.ended.Get(sessionID); found {
			return v.(*models.Session).Clone(), nil
		}
		return nil, ErrSessionNotFound
	}

	if s.HandoffPending && reason != models.EndTransferred {
		reason = models.EndHandedOff
	}
	now := r.now()
	log.Printf("🔚 [SESSION] Session %s %s -> %s", s.ID, s.State, reason.State())
	s.State = models.SessionEnded
	s.EndReason = &reason
	s.EndedAt = &now

	delete(r.sessions, s.ID)
	if r.bySubject[s.SubjectID] == s.ID {
		delete(r.bySubject, s.SubjectID)
	}
	delete(r.byChannel, s.ChannelID)
	final := s.Clone()
	r.ended.Set(final.ID, final, cache.DefaultExpiration)
	r.mu.Unlock()

	if final.ChannelID != "" {
		if farewell := r.policy.Get().Farewell(reason); farewell != "" {
			if _, err := r.platform.SendMessage(ctx, final.ChannelID, farewell); err != nil {
				log.Printf("⚠️ [SESSION] Failed to send farewell for session %s: %v", final.ID, err)
			}
		}
		// the responder keeps the channel after a handoff or transfer
		if !reason.SuppressesFollowup() {
			if err := r.platform.CloseSessionChannel(ctx, final.ChannelID); err != nil {
				log.Printf("⚠️ [SESSION] Failed to close channel for session %s: %v", final.ID, err)
			}
		}
	}

	if r.kv != nil {
		ttl := final.MaxDuration + r.cfg.IdleTimeout
		if err := r.kv.Set(ctx, endedPrefix+final.ID, []byte(reason), ttl); err != nil {
			log.Printf("⚠️ [SESSION] Failed to mark session %s ended: %v", final.ID, err)
		}
		if err := r.kv.Delete(ctx, snapshotPrefix+final.ID); err != nil {
			log.Printf("⚠️ [SESSION] Failed to delete snapshot for session %s: %v", final.ID, err)
		}
	}

	r.metrics.RecordSessionEnded(string(reason))
	log.Printf("🏁 [SESSION] Session %s for %s ended (%s) after %s", final.ID, final.SubjectID, reason, final.Duration(now).Round(time.Second))

	if !reason.SuppressesFollowup() && r.endHook != nil {
		r.endHook.OnSessionEnded(ctx, final)
	}
	return final, nil
}

// MarkHandoff flags the session as taken over by responderID. first is false
// when the session had already been handed off.
func (r *Registry) MarkHandoff(ctx context.Context, sessionID, responderID string) (session *models.Session, first bool, err error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok || !s.IsActive() {
		r.mu.Unlock()
		return nil, false, ErrSessionNotFound
	}
	if s.HandoffPending {
		snapshot := s.Clone()
		r.mu.Unlock()
		return snapshot, false, nil
	}
	now := r.now()
	s.HandoffPending = true
	s.ResponderID = responderID
	s.HandoffAt = &now
	snapshot := s.Clone()
	r.mu.Unlock()

	r.persist(ctx, sessionID)
	return snapshot, true, nil
}

// Get returns a copy of an active session
func (r *Registry) Get(sessionID string) (*models.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// BySubject returns the subject's active session
func (r *Registry) BySubject(subjectID string) (*models.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.bySubject[subjectID]
	if !ok {
		return nil, false
	}
	return r.sessions[id].Clone(), true
}

// ByChannel returns the active session that owns channelID
func (r *Registry) ByChannel(channelID string) (*models.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byChannel[channelID]
	if !ok {
		return nil, false
	}
	return r.sessions[id].Clone(), true
}

// List returns all active sessions, oldest first
func (r *Registry) List() []*models.Session {
	r.mu.RLock()
	out := make([]*models.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// ActiveCount returns the number of active sessions
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// persist writes the session's current state. A session that is no longer
// active is never written back.
func (r *Registry) persist(ctx context.Context, sessionID string) {
	if r.kv == nil {
		return
	}
	r.mu.RLock()
	live, ok := r.sessions[sessionID]
	if !ok || !live.IsActive() || live.ChannelID == "" {
		r.mu.RUnlock()
		return
	}
	s := live.Clone()
	r.mu.RUnlock()

	ttl := s.MaxDuration + r.cfg.IdleTimeout

	var value interface{} = s
	if r.sealer != nil {
		plain, err := json.Marshal(s)
		if err != nil {
			log.Printf("⚠️ [SESSION] Failed to encode session %s: %v", s.ID, err)
			return
		}
		sealed, err := r.sealer.Seal(s.SubjectID, plain)
		if err != nil {
			log.Printf("⚠️ [SESSION] Failed to seal session %s: %v", s.ID, err)
			return
		}
		value = sealedSnapshot{SubjectID: s.SubjectID, Sealed: sealed}
	}

	if err := store.SetJSON(ctx, r.kv, snapshotPrefix+s.ID, value, ttl); err != nil {
		log.Printf("⚠️ [SESSION] Failed to persist session %s: %v", s.ID, err)
	}
}

// loadSnapshot reads a plain or sealed snapshot
func (r *Registry) loadSnapshot(ctx context.Context, key string) (*models.Session, error) {
	raw, err := r.kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	var env sealedSnapshot
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if env.Sealed != "" {
		if r.sealer == nil {
			return nil, errors.New("snapshot is sealed but no encryption key is configured")
		}
		if raw, err = r.sealer.Open(env.SubjectID, env.Sealed); err != nil {
			return nil, err
		}
	}

	var s models.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Restore reloads active sessions from their snapshots after a restart.
// Sessions that expired while the process was down end on the next sweep.
// Snapshots of sessions that already ended are removed instead.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.kv == nil {
		return 0, nil
	}
	keys, err := r.kv.Keys(ctx, snapshotPrefix)
	if err != nil {
		return 0, fmt.Errorf("list session snapshots: %w", err)
	}

	restored := 0
	for _, key := range keys {
		id := strings.TrimPrefix(key, snapshotPrefix)
		if _, err := r.kv.Get(ctx, endedPrefix+id); err == nil {
			if err := r.kv.Delete(ctx, key); err != nil {
				log.Printf("⚠️ [SESSION] Failed to remove snapshot of ended session %s: %v", id, err)
			}
			continue
		}

		s, err := r.loadSnapshot(ctx, key)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				log.Printf("⚠️ [SESSION] Skipping unreadable snapshot %s: %v", key, err)
			}
			continue
		}
		if !s.IsActive() || s.ChannelID == "" {
			continue
		}

		r.mu.Lock()
		if _, exists := r.bySubject[s.SubjectID]; !exists {
			r.sessions[s.ID] = s
			r.bySubject[s.SubjectID] = s.ID
			r.byChannel[s.ChannelID] = s.ID
			restored++
		}
		r.mu.Unlock()
	}

	if restored > 0 {
		log.Printf("♻️ [SESSION] Restored %d active sessions", restored)
	}
	return restored, nil
}
