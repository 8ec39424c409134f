package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"crisiswatch/internal/alerts"
	"crisiswatch/internal/classifier"
	"crisiswatch/internal/config"
	"crisiswatch/internal/consent"
	"crisiswatch/internal/followup"
	"crisiswatch/internal/handoff"
	"crisiswatch/internal/models"
	"crisiswatch/internal/platform"
	"crisiswatch/internal/resilience"
	"crisiswatch/internal/sessions"
	"crisiswatch/internal/store"
)

const responderRole = "role-responders"

type scriptedClassifier struct {
	mu       sync.Mutex
	severity map[string]models.Severity
	requests []classifier.Request
}

func (c *scriptedClassifier) Analyze(ctx context.Context, req classifier.Request) (models.CrisisSignal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	return models.CrisisSignal{Severity: c.severity[req.Text], Confidence: 0.8}, nil
}

type echoResponder struct{}

func (echoResponder) Reply(ctx context.Context, systemPrompt string, turns []models.Turn) (string, bool, error) {
	return "I hear you.", false, nil
}

type fixture struct {
	engine     *Engine
	rec        *platform.Recorder
	classifier *scriptedClassifier
	consent    *consent.MemoryRegistry
	sessions   *sessions.Registry
	followups  *followup.Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rec := platform.NewRecorder()
	rec.Quiet = true
	kv := store.NewMemoryStore(time.Minute)
	policy := config.NewPolicyHolder(nil)
	consentReg := consent.NewMemoryRegistry()

	router := alerts.NewRouter(alerts.RouterConfig{
		MinSeverity:     models.SeverityMedium,
		RolePingMin:     models.SeverityHigh,
		ResponderRoleID: responderRole,
		Channels: map[models.AlertTarget]string{
			models.TargetMonitor:    "monitor",
			models.TargetEscalation: "escalation",
			models.TargetCritical:   "critical",
		},
	}, rec, resilience.NewCooldownTracker(30*time.Minute, kv), alerts.NewMemoryRepository(), nil)

	reg := sessions.NewRegistry(sessions.Config{ParentChannelID: "support"}, rec, echoResponder{}, policy, kv, nil)
	coord := handoff.NewCoordinator(responderRole, "g1", reg, router, rec, policy, nil)
	sched := followup.NewScheduler(followup.Config{
		Delay:       24 * time.Hour,
		MaxAge:      72 * time.Hour,
		MinSeverity: models.SeverityMedium,
		MinSpacing:  72 * time.Hour,
		ReplyWindow: 48 * time.Hour,
	}, kv, consentReg, rec, reg, policy, nil)
	reg.SetEndHook(sched)

	cls := &scriptedClassifier{severity: map[string]models.Severity{
		"i can't do this anymore": models.SeverityHigh,
		"rough week":              models.SeverityMedium,
	}}

	e := New(Options{AutoSessionMinSeverity: models.SeverityHigh, RecentHistorySize: 2}, cls, router, reg, coord, sched, consentReg, policy)
	return &fixture{engine: e, rec: rec, classifier: cls, consent: consentReg, sessions: reg, followups: sched}
}

func message(author, channel, text string) models.InboundMessage {
	return models.InboundMessage{
		MessageContext: models.MessageContext{GuildID: "g1", ChannelID: channel, MessageID: "m-" + text},
		AuthorID:       author,
		Content:        text,
	}
}

func TestHighSeverityMessageAlertsAndStartsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.engine.HandleMessage(ctx, message("u1", "general", "i can't do this anymore"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Alert == nil || out.Alert.Target != models.TargetEscalation {
		t.Fatalf("expected escalation alert, got %+v", out)
	}
	if out.Session == nil {
		t.Fatal("high severity should start a session")
	}

	reply, err := f.engine.HandleMessage(ctx, message("u1", out.Session.ChannelID, "thanks for being here"))
	if err != nil {
		t.Fatal(err)
	}
	if reply.Reply != "I hear you." {
		t.Errorf("expected a companion reply, got %q", reply.Reply)
	}
	if len(f.classifier.requests) != 1 {
		t.Error("session channel messages are not classified")
	}
}

func TestMediumSeverityAlertsWithoutSession(t *testing.T) {
	f := newFixture(t)
	out, err := f.engine.HandleMessage(context.Background(), message("u1", "general", "rough week"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Alert == nil || out.Session != nil {
		t.Errorf("expected alert without session, got %+v", out)
	}
}

func TestBotAndBelowThresholdMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bot := message("bot", "general", "i can't do this anymore")
	bot.IsBot = true
	if out, _ := f.engine.HandleMessage(ctx, bot); out.Signal != nil {
		t.Error("bot messages are ignored")
	}

	out, err := f.engine.HandleMessage(ctx, message("u1", "general", "nice weather"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Alert != nil || out.Skipped != alerts.SkipBelowThreshold {
		t.Errorf("expected below threshold, got %+v", out)
	}
}

func TestRecentHistoryIsBounded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, text := range []string{"one", "two", "three", "four"} {
		f.engine.HandleMessage(ctx, message("u1", "general", text))
	}
	last := f.classifier.requests[len(f.classifier.requests)-1]
	if strings.Join(last.History, ",") != "two,three" {
		t.Errorf("expected the two previous messages, got %v", last.History)
	}
}

func TestDirectMessageEndPhraseEndsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out, _ := f.engine.HandleMessage(ctx, message("u1", "general", "i can't do this anymore"))

	res, err := f.engine.HandleDirectMessage(ctx, models.DirectMessage{AuthorID: "u1", Content: "End session."})
	if err != nil {
		t.Fatal(err)
	}
	if res.Session == nil || *res.Session.EndReason != models.EndUserEnded {
		t.Fatalf("expected user_ended, got %+v", res.Session)
	}
	if !f.rec.IsClosed(out.Session.ChannelID) {
		t.Error("session channel should be closed")
	}
}

func TestResponderMessageInSessionChannelHandsOff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out, _ := f.engine.HandleMessage(ctx, message("u1", "general", "i can't do this anymore"))

	msg := message("r1", out.Session.ChannelID, "hi, I'm here")
	msg.AuthorRoles = []string{responderRole}
	res, err := f.engine.HandleMessage(ctx, msg)
	if err != nil || res.Handoff == nil {
		t.Fatalf("expected a handoff, got %+v, %v", res, err)
	}

	after, err := f.engine.HandleMessage(ctx, message("u1", out.Session.ChannelID, "ok"))
	if err != nil || after.Reply != "" {
		t.Errorf("companion should be silent after handoff, got %q, %v", after.Reply, err)
	}
}

func TestInteractionAcknowledgeAndClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out, _ := f.engine.HandleMessage(ctx, message("u1", "general", "i can't do this anymore"))
	responder := models.Member{ID: "r1", Roles: []string{responderRole}}

	text, err := f.engine.HandleInteraction(ctx, models.Interaction{CustomID: "alert_ack:" + out.Alert.ID, Actor: responder})
	if err != nil || !strings.Contains(text, "<@r1>") {
		t.Fatalf("ack failed: %q, %v", text, err)
	}

	text, err = f.engine.HandleInteraction(ctx, models.Interaction{CustomID: "alert_handoff:" + out.Alert.ID, Actor: responder})
	if err != nil || !strings.Contains(text, "taken over") {
		t.Fatalf("claim failed: %q, %v", text, err)
	}
	text, _ = f.engine.HandleInteraction(ctx, models.Interaction{CustomID: "alert_handoff:" + out.Alert.ID, Actor: models.Member{ID: "r2", Roles: []string{responderRole}}})
	if !strings.Contains(text, "already") {
		t.Errorf("second claim should be refused, got %q", text)
	}

	if _, err := f.engine.HandleInteraction(ctx, models.Interaction{CustomID: "bogus"}); err == nil {
		t.Error("unknown interaction should error")
	}
}

func TestWithdrawConsentCancelsFollowups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ended := models.EndUserEnded
	endedAt := time.Now()
	f.followups.Schedule(ctx, &models.Session{
		ID: "s1", SubjectID: "u1", TriggerSeverity: models.SeverityHigh,
		StartedAt: endedAt.Add(-10 * time.Minute), EndReason: &ended, EndedAt: &endedAt,
	})

	if err := f.engine.WithdrawConsent(ctx, "u1", "u1", "asked"); err != nil {
		t.Fatal(err)
	}
	if withdrawn, _ := f.consent.IsWithdrawn(ctx, "u1"); !withdrawn {
		t.Error("consent should be withdrawn")
	}
	if pending, _ := f.followups.Pending(ctx); len(pending) != 0 {
		t.Error("pending follow-ups should be cancelled")
	}
}

func TestForceAlertBypassesCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.engine.HandleMessage(ctx, message("u1", "general", "rough week"))

	record, reason := f.engine.ForceAlert(ctx, "u1", models.SeverityHigh, "op1")
	if record == nil || reason != alerts.Dispatched || !record.Forced {
		t.Fatalf("forced alert should go out, got %q", reason)
	}
}
