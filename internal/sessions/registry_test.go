package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"crisiswatch/internal/companion"
	"crisiswatch/internal/config"
	"crisiswatch/internal/crypto"
	"crisiswatch/internal/models"
	"crisiswatch/internal/platform"
	"crisiswatch/internal/resilience"
	"crisiswatch/internal/store"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type stubResponder struct {
	mu       sync.Mutex
	reply    string
	fellBack bool
	calls    int
}

func (s *stubResponder) Reply(ctx context.Context, systemPrompt string, turns []models.Turn) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.reply, s.fellBack, nil
}

type recordingHook struct {
	mu    sync.Mutex
	ended []*models.Session
}

func (h *recordingHook) OnSessionEnded(ctx context.Context, s *models.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ended = append(h.ended, s)
}

func (h *recordingHook) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ended)
}

type fixture struct {
	reg       *Registry
	rec       *platform.Recorder
	responder *stubResponder
	hook      *recordingHook
	clock     *testClock
	kv        *store.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rec := platform.NewRecorder()
	rec.Quiet = true
	responder := &stubResponder{reply: "I'm here with you."}
	kv := store.NewMemoryStore(time.Minute)
	reg := NewRegistry(Config{
		IdleTimeout:     10 * time.Minute,
		MaxDuration:     60 * time.Minute,
		HistoryCap:      4,
		ParentChannelID: "support",
	}, rec, responder, config.NewPolicyHolder(nil), kv, nil)

	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg.now = clock.Now
	hook := &recordingHook{}
	reg.SetEndHook(hook)
	return &fixture{reg: reg, rec: rec, responder: responder, hook: hook, clock: clock, kv: kv}
}

func (f *fixture) start(t *testing.T, subject string) *models.Session {
	t.Helper()
	s, err := f.reg.Start(context.Background(), StartRequest{SubjectID: subject, TriggerSeverity: models.SeverityHigh, Origin: "auto"})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	return s
}

func TestStartRejectsSecondSession(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "u1")

	if s.ChannelID == "" || !s.IsActive() {
		t.Fatalf("unexpected session: %+v", s)
	}
	if !s.StartedAt.Equal(s.LastActivityAt) {
		t.Error("last activity should start at the start time")
	}
	if _, err := f.reg.Start(context.Background(), StartRequest{SubjectID: "u1"}); !errors.Is(err, ErrSessionActive) {
		t.Errorf("expected ErrSessionActive, got %v", err)
	}
	if got, ok := f.reg.ByChannel(s.ChannelID); !ok || got.ID != s.ID {
		t.Error("session should be found by channel")
	}
}

func TestConcurrentStartCreatesOneSession(t *testing.T) {
	f := newFixture(t)
	var started int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.reg.Start(context.Background(), StartRequest{SubjectID: "u1"}); err == nil {
				atomic.AddInt32(&started, 1)
			}
		}()
	}
	wg.Wait()
	if started != 1 || f.reg.ActiveCount() != 1 {
		t.Errorf("expected exactly one session, started=%d active=%d", started, f.reg.ActiveCount())
	}
}

func TestStartRollsBackWhenChannelFails(t *testing.T) {
	f := newFixture(t)
	f.rec.FailFor("support", platform.ErrForbidden)

	if _, err := f.reg.Start(context.Background(), StartRequest{SubjectID: "u1"}); !errors.Is(err, platform.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if f.reg.ActiveCount() != 0 {
		t.Error("failed start must not leave a session behind")
	}

	f.rec.FailFor("support", nil)
	f.start(t, "u1")
}

func TestHistoryIsBounded(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "u1")

	var last *models.Session
	for i := 0; i < 7; i++ {
		var err error
		last, err = f.reg.RecordTurn(context.Background(), s.ID, models.RoleSubject, fmt.Sprintf("turn %d", i))
		if err != nil {
			t.Fatal(err)
		}
	}
	if len(last.History) != 4 {
		t.Fatalf("expected history capped at 4, got %d", len(last.History))
	}
	if last.History[0].Text != "turn 3" || last.History[3].Text != "turn 6" {
		t.Errorf("oldest turns should be dropped first: %+v", last.History)
	}
}

func TestConverseAppendsResourcesOnSafetyTrigger(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "u1")
	ctx := context.Background()

	reply, err := f.reg.Converse(ctx, s.ID, "honestly I want to die")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "I'm here with you.") || !strings.Contains(reply, "988") {
		t.Errorf("reply should carry crisis resources, got %q", reply)
	}

	got, _ := f.reg.Get(s.ID)
	if !got.SafetyFlagged || !got.SafetyTriggered || len(got.History) != 2 {
		t.Errorf("expected flagged session with 2 turns, got %+v", got)
	}

	plain, err := f.reg.Converse(ctx, s.ID, "thanks, that helps a bit")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(plain, "988") {
		t.Error("resources should only be added when the screen fires")
	}

	got, _ = f.reg.Get(s.ID)
	if got.SafetyFlagged {
		t.Error("per-turn flag should follow the latest turn")
	}
	if !got.SafetyTriggered {
		t.Error("safety trigger must stick for the rest of the session")
	}
}

func TestConverseFallbackIncludesResources(t *testing.T) {
	f := newFixture(t)
	breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{Name: "companion", FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Minute})
	guard := resilience.NewGuard(breaker, resilience.RetryPolicy{MaxAttempts: 1})
	failing := companionFunc(func() (string, error) { return "", resilience.Transient(errors.New("upstream down")) })
	f.reg.responder = companion.NewGuarded(failing, guard, nil)

	s := f.start(t, "u1")
	reply, err := f.reg.Converse(context.Background(), s.ID, "rough day")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "988") {
		t.Errorf("fallback reply should include resources, got %q", reply)
	}
	if breaker.State() != resilience.CircuitOpen {
		t.Errorf("breaker should be open, got %s", breaker.State())
	}
}

type companionFunc func() (string, error)

func (f companionFunc) Reply(ctx context.Context, systemPrompt string, turns []models.Turn) (string, error) {
	return f()
}

func TestConverseSilentAfterHandoff(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "u1")
	ctx := context.Background()

	if _, first, err := f.reg.MarkHandoff(ctx, s.ID, "responder-1"); err != nil || !first {
		t.Fatalf("handoff failed: first=%v err=%v", first, err)
	}
	if _, first, _ := f.reg.MarkHandoff(ctx, s.ID, "responder-2"); first {
		t.Error("second handoff should not be first")
	}

	f.rec.Reset()
	reply, err := f.reg.Converse(ctx, s.ID, "are you still there?")
	if err != nil || reply != "" {
		t.Fatalf("expected silence, got %q, %v", reply, err)
	}
	if f.responder.calls != 0 || len(f.rec.Deliveries()) != 0 {
		t.Error("companion must not reply after handoff")
	}
}

func TestSweepEndsIdleSessionAndNotifiesHook(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "u1")

	f.clock.Advance(9 * time.Minute)
	if n, _ := f.reg.Sweep(context.Background()); n != 0 {
		t.Fatal("session inside the idle window should survive")
	}

	f.clock.Advance(2 * time.Minute)
	n, err := f.reg.Sweep(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected 1 ended session, got %d, %v", n, err)
	}
	if f.hook.count() != 1 {
		t.Fatalf("end hook should run once, ran %d times", f.hook.count())
	}
	ended := f.hook.ended[0]
	if *ended.EndReason != models.EndIdleTimeout || ended.State != models.SessionEnded {
		t.Errorf("expected ended by idle timeout, got %s (%s)", ended.State, *ended.EndReason)
	}
	if !f.rec.IsClosed(s.ChannelID) {
		t.Error("channel should be closed")
	}
	if _, err := f.kv.Get(context.Background(), snapshotPrefix+s.ID); !errors.Is(err, store.ErrNotFound) {
		t.Error("snapshot should be removed")
	}
}

func TestSweepMaxDurationWinsOverActivity(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "u1")
	ctx := context.Background()

	for i := 0; i < 13; i++ {
		f.clock.Advance(5 * time.Minute)
		f.reg.RecordTurn(ctx, s.ID, models.RoleSubject, "still here")
	}
	if _, err := f.reg.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if f.hook.count() != 1 || *f.hook.ended[0].EndReason != models.EndMaxDuration {
		t.Fatalf("expected max duration end, got %+v", f.hook.ended)
	}
}

func TestEndIsIdempotentAndHandoffForcesReason(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "u1")
	ctx := context.Background()

	f.reg.MarkHandoff(ctx, s.ID, "responder-1")
	f.clock.Advance(11 * time.Minute)

	first, err := f.reg.End(ctx, s.ID, models.EndIdleTimeout)
	if err != nil {
		t.Fatal(err)
	}
	if *first.EndReason != models.EndHandedOff {
		t.Errorf("handoff flag should force handed_off, got %s", *first.EndReason)
	}

	again, err := f.reg.End(ctx, s.ID, models.EndUserEnded)
	if err != nil || *again.EndReason != models.EndHandedOff {
		t.Errorf("second End should be a no-op, got %v %v", again, err)
	}
	if f.hook.count() != 0 {
		t.Error("handed off sessions never reach the follow-up hook")
	}
	if f.rec.IsClosed(s.ChannelID) {
		t.Error("responder keeps the channel after a handoff")
	}
	farewells := f.rec.DeliveriesTo(s.ChannelID)
	if last := farewells[len(farewells)-1]; last.Text != config.DefaultPolicy().Farewell(models.EndHandedOff) {
		t.Errorf("expected handed-off farewell, got %q", last.Text)
	}
	if _, err := f.reg.End(ctx, "unknown", models.EndUserEnded); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestEndSendsFarewellByReason(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "u1")
	f.rec.Reset()

	if _, err := f.reg.End(context.Background(), s.ID, models.EndUserEnded); err != nil {
		t.Fatal(err)
	}
	msgs := f.rec.DeliveriesTo(s.ChannelID)
	if len(msgs) != 1 || msgs[0].Text != config.DefaultPolicy().Farewell(models.EndUserEnded) {
		t.Errorf("expected user-ended farewell, got %+v", msgs)
	}
	if _, ok := f.reg.BySubject("u1"); ok {
		t.Error("subject should be free after end")
	}
	f.start(t, "u1")
}

func TestRestoreFromSnapshots(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "u1")
	f.reg.RecordTurn(context.Background(), s.ID, models.RoleSubject, "hello")

	restarted := NewRegistry(f.reg.cfg, f.rec, f.responder, config.NewPolicyHolder(nil), f.kv, nil)
	n, err := restarted.Restore(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected 1 restored session, got %d, %v", n, err)
	}
	got, ok := restarted.ByChannel(s.ChannelID)
	if !ok || got.SubjectID != "u1" || len(got.History) != 1 {
		t.Errorf("restored session mismatch: %+v", got)
	}
}

func TestSealedSnapshots(t *testing.T) {
	key, _ := crypto.GenerateMasterKey()
	sealer, err := crypto.NewSealer(key)
	if err != nil {
		t.Fatal(err)
	}

	f := newFixture(t)
	f.reg.SetSnapshotSealer(sealer)
	s := f.start(t, "u1")
	f.reg.RecordTurn(context.Background(), s.ID, models.RoleSubject, "nobody would notice")

	raw, err := f.kv.Get(context.Background(), snapshotPrefix+s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "nobody would notice") {
		t.Fatal("snapshot stored in plaintext")
	}

	plain := NewRegistry(f.reg.cfg, f.rec, f.responder, config.NewPolicyHolder(nil), f.kv, nil)
	if n, _ := plain.Restore(context.Background()); n != 0 {
		t.Errorf("sealed snapshot must not restore without the key, got %d", n)
	}

	restarted := NewRegistry(f.reg.cfg, f.rec, f.responder, config.NewPolicyHolder(nil), f.kv, nil)
	restarted.SetSnapshotSealer(sealer)
	n, err := restarted.Restore(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected 1 restored session, got %d, %v", n, err)
	}
	got, _ := restarted.ByChannel(s.ChannelID)
	if got.History[len(got.History)-1].Text != "nobody would notice" {
		t.Errorf("history not restored: %+v", got.History)
	}
}

// pausingStore blocks the first write of one key until released
type pausingStore struct {
	store.Store
	key     string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *pausingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == p.key {
		p.once.Do(func() {
			close(p.entered)
			<-p.release
		})
	}
	return p.Store.Set(ctx, key, value, ttl)
}

func TestEndedSessionIsNotRestoredAfterLateSnapshotWrite(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "u1")
	ctx := context.Background()

	paused := &pausingStore{Store: f.kv, key: snapshotPrefix + s.ID, entered: make(chan struct{}), release: make(chan struct{})}
	f.reg.kv = paused

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.reg.RecordTurn(ctx, s.ID, models.RoleSubject, "still there?")
	}()
	<-paused.entered

	if _, err := f.reg.End(ctx, s.ID, models.EndIdleTimeout); err != nil {
		t.Fatal(err)
	}
	close(paused.release)
	<-done

	if f.hook.count() != 1 {
		t.Fatalf("end hook should run once, ran %d times", f.hook.count())
	}

	hook := &recordingHook{}
	restarted := NewRegistry(f.reg.cfg, f.rec, f.responder, config.NewPolicyHolder(nil), f.kv, nil)
	restarted.SetEndHook(hook)
	n, err := restarted.Restore(ctx)
	if err != nil || n != 0 {
		t.Fatalf("ended session must not be restored, got %d, %v", n, err)
	}
	if _, err := f.kv.Get(ctx, snapshotPrefix+s.ID); !errors.Is(err, store.ErrNotFound) {
		t.Error("stale snapshot should be removed on restore")
	}

	restarted.now = func() time.Time { return f.clock.Now().Add(time.Hour) }
	if ended, _ := restarted.Sweep(ctx); ended != 0 || hook.count() != 0 {
		t.Errorf("restarted registry ended %d sessions, hook ran %d times", ended, hook.count())
	}
}

func TestHandoffAfterEndDoesNotResurrectSnapshot(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "u1")
	ctx := context.Background()

	if _, err := f.reg.End(ctx, s.ID, models.EndUserEnded); err != nil {
		t.Fatal(err)
	}
	if _, _, err := f.reg.MarkHandoff(ctx, s.ID, "responder-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	f.reg.persist(ctx, s.ID)
	if _, err := f.kv.Get(ctx, snapshotPrefix+s.ID); !errors.Is(err, store.ErrNotFound) {
		t.Error("a finished session must never be written back")
	}
}
