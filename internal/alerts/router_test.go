package alerts

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"crisiswatch/internal/models"
	"crisiswatch/internal/platform"
	"crisiswatch/internal/resilience"
)

func newTestRouter(t *testing.T) (*Router, *platform.Recorder) {
	t.Helper()
	rec := platform.NewRecorder()
	rec.Quiet = true
	cfg := RouterConfig{
		MinSeverity:     models.SeverityMedium,
		RolePingMin:     models.SeverityHigh,
		ResponderRoleID: "role-responders",
		Channels: map[models.AlertTarget]string{
			models.TargetMonitor:    "chan-monitor",
			models.TargetEscalation: "chan-escalation",
			models.TargetCritical:   "chan-critical",
		},
	}
	r := NewRouter(cfg, rec, resilience.NewCooldownTracker(30*time.Minute, nil), NewMemoryRepository(), nil)
	return r, rec
}

func signal(sev models.Severity) models.CrisisSignal {
	return models.CrisisSignal{Severity: sev, Confidence: 0.9, RecommendedAction: models.ActionReachOut, Factors: []string{"hopelessness"}}
}

func request(subject string, sev models.Severity) DispatchRequest {
	return DispatchRequest{
		SubjectID: subject,
		Source:    models.MessageContext{GuildID: "g1", ChannelID: "c1", MessageID: "m1"},
		Signal:    signal(sev),
	}
}

func TestDispatchHighSignalPingsEscalationAndCoolsDown(t *testing.T) {
	r, rec := newTestRouter(t)
	ctx := context.Background()

	record, reason := r.Dispatch(ctx, request("u1", models.SeverityHigh))
	if reason != Dispatched || record == nil {
		t.Fatalf("expected dispatch, got reason %q", reason)
	}
	if record.Target != models.TargetEscalation || record.ChannelID != "chan-escalation" {
		t.Errorf("wrong target: %s / %s", record.Target, record.ChannelID)
	}
	if !record.RolePinged {
		t.Error("high severity should ping the responder role")
	}

	cards := rec.DeliveriesTo("chan-escalation")
	if len(cards) != 1 || cards[0].RoleID != "role-responders" {
		t.Fatalf("expected one card with role mention, got %+v", cards)
	}
	if cards[0].Card == nil || !strings.Contains(cards[0].Card.Description, "<@u1>") {
		t.Error("card should reference the subject")
	}
	if !r.Cooldown().IsActive(ctx, "u1") {
		t.Error("cooldown should be active after dispatch")
	}

	again, reason := r.Dispatch(ctx, request("u1", models.SeverityHigh))
	if again != nil || reason != SkipCoolingDown {
		t.Errorf("second signal inside the window should be suppressed, got %q", reason)
	}
	if got := len(rec.Deliveries()); got != 1 {
		t.Errorf("expected 1 delivery, got %d", got)
	}
}

func TestDispatchSeverityBoundaries(t *testing.T) {
	tests := []struct {
		severity models.Severity
		reason   SkipReason
		channel  string
		ping     bool
	}{
		{models.SeverityNone, SkipBelowThreshold, "", false},
		{models.SeverityLow, SkipBelowThreshold, "", false},
		{models.SeverityMedium, Dispatched, "chan-monitor", false},
		{models.SeverityHigh, Dispatched, "chan-escalation", true},
		{models.SeverityCritical, Dispatched, "chan-critical", true},
	}

	for _, tt := range tests {
		t.Run(tt.severity.String(), func(t *testing.T) {
			r, rec := newTestRouter(t)
			record, reason := r.Dispatch(context.Background(), request("u-"+tt.severity.String(), tt.severity))
			if reason != tt.reason {
				t.Fatalf("expected %q, got %q", tt.reason, reason)
			}
			if tt.reason != Dispatched {
				if len(rec.Deliveries()) != 0 {
					t.Error("skipped signal should not deliver anything")
				}
				return
			}
			if record.ChannelID != tt.channel {
				t.Errorf("expected channel %s, got %s", tt.channel, record.ChannelID)
			}
			if record.RolePinged != tt.ping {
				t.Errorf("expected ping=%v", tt.ping)
			}
		})
	}
}

func TestDispatchWithoutConfiguredChannel(t *testing.T) {
	r, rec := newTestRouter(t)
	delete(r.cfg.Channels, models.TargetCritical)

	record, reason := r.Dispatch(context.Background(), request("u1", models.SeverityCritical))
	if record != nil || reason != SkipNoTarget {
		t.Fatalf("expected no_target, got %q", reason)
	}
	if len(rec.Deliveries()) != 0 {
		t.Error("critical alert must not fall back to another channel")
	}
	if r.Cooldown().IsActive(context.Background(), "u1") {
		t.Error("no cooldown should start when nothing was sent")
	}
}

func TestDispatchDeliveryFailureReleasesCooldown(t *testing.T) {
	r, rec := newTestRouter(t)
	ctx := context.Background()
	rec.FailFor("chan-escalation", platform.ErrForbidden)

	if _, reason := r.Dispatch(ctx, request("u1", models.SeverityHigh)); reason != SkipDeliveryFailed {
		t.Fatalf("expected delivery_failed, got %q", reason)
	}
	if r.Cooldown().IsActive(ctx, "u1") {
		t.Fatal("failed delivery must not start a cooldown")
	}

	rec.FailFor("chan-escalation", nil)
	if _, reason := r.Dispatch(ctx, request("u1", models.SeverityHigh)); reason != Dispatched {
		t.Errorf("retry after failure should dispatch, got %q", reason)
	}
}

func TestForceBypassesCooldownButNotThreshold(t *testing.T) {
	r, rec := newTestRouter(t)
	ctx := context.Background()

	r.Dispatch(ctx, request("u1", models.SeverityMedium))

	forced := request("u1", models.SeverityMedium)
	forced.Force = true
	record, reason := r.Dispatch(ctx, forced)
	if reason != Dispatched || !record.Forced {
		t.Fatalf("forced dispatch should bypass cooldown, got %q", reason)
	}

	low := request("u1", models.SeverityLow)
	low.Force = true
	if _, reason := r.Dispatch(ctx, low); reason != SkipBelowThreshold {
		t.Errorf("force must not bypass the severity gate, got %q", reason)
	}
	if got := len(rec.Deliveries()); got != 2 {
		t.Errorf("expected 2 deliveries, got %d", got)
	}
}

func TestConcurrentDispatchSendsOnce(t *testing.T) {
	r, rec := newTestRouter(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Dispatch(ctx, request("u1", models.SeverityHigh))
		}()
	}
	wg.Wait()

	if got := len(rec.Deliveries()); got != 1 {
		t.Errorf("concurrent signals for one subject should produce 1 alert, got %d", got)
	}
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	r, _ := newTestRouter(t)
	ctx := context.Background()

	record, _ := r.Dispatch(ctx, request("u1", models.SeverityHigh))

	base := record.DispatchedAt
	r.now = func() time.Time { return base.Add(2 * time.Minute) }
	first, err := r.Acknowledge(ctx, record.ID, "alice")
	if err != nil {
		t.Fatalf("ack failed: %v", err)
	}

	r.now = func() time.Time { return base.Add(5 * time.Minute) }
	second, err := r.Acknowledge(ctx, record.ID, "bob")
	if err != nil {
		t.Fatalf("second ack failed: %v", err)
	}

	if *second.AcknowledgedBy != "bob" {
		t.Errorf("display should show the latest acknowledger, got %s", *second.AcknowledgedBy)
	}
	if !second.FirstAcknowledgedAt.Equal(*first.FirstAcknowledgedAt) {
		t.Error("first acknowledgment time must not change")
	}
	if got := second.FirstAcknowledgedAt.Sub(record.DispatchedAt); got != 2*time.Minute {
		t.Errorf("expected latency 2m, got %s", got)
	}

	if _, err := r.Acknowledge(ctx, "missing", "alice"); !errors.Is(err, ErrAlertNotFound) {
		t.Errorf("expected ErrAlertNotFound, got %v", err)
	}
}

func TestPriorAlertCount(t *testing.T) {
	r, _ := newTestRouter(t)
	ctx := context.Background()
	repo := r.repo.(*MemoryRepository)
	now := time.Now()
	r.now = func() time.Time { return now }

	for i, age := range []time.Duration{time.Hour, 48 * time.Hour, 10 * 24 * time.Hour} {
		repo.Save(ctx, &models.AlertRecord{ID: string(rune('a' + i)), SubjectID: "u1", DispatchedAt: now.Add(-age)})
	}
	repo.Save(ctx, &models.AlertRecord{ID: "other", SubjectID: "u2", DispatchedAt: now})

	n, err := r.PriorAlertCount(ctx, "u1", 7*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 alerts in the last week, got %d", n)
	}
}

func TestParseCustomID(t *testing.T) {
	tests := []struct {
		in     string
		action string
		id     string
		ok     bool
	}{
		{"alert_ack:abc", ActionAcknowledge, "abc", true},
		{"alert_handoff:abc", ActionHandoff, "abc", true},
		{"alert_ack:", "", "", false},
		{"other:abc", "", "", false},
		{"alert_ack", "", "", false},
	}
	for _, tt := range tests {
		action, id, ok := ParseCustomID(tt.in)
		if action != tt.action || id != tt.id || ok != tt.ok {
			t.Errorf("ParseCustomID(%q) = %q, %q, %v", tt.in, action, id, ok)
		}
	}
}

func TestCardCarriesButtonsAndFallbackNotice(t *testing.T) {
	record := &models.AlertRecord{ID: "a1", SubjectID: "u1", Severity: models.SeverityCritical, JumpLink: "https://example/link"}
	sig := models.CrisisSignal{Severity: models.SeverityCritical, Fallback: true}

	card := CardBuilder{}.Build(record, sig)
	if len(card.Buttons) != 2 || card.Buttons[0].CustomID != "alert_ack:a1" || card.Buttons[1].CustomID != "alert_handoff:a1" {
		t.Errorf("unexpected buttons: %+v", card.Buttons)
	}
	found := false
	for _, f := range card.Fields {
		if strings.Contains(f.Name, "Classifier unavailable") {
			found = true
		}
	}
	if !found {
		t.Error("fallback signal should be flagged on the card")
	}
	if card.URL != record.JumpLink {
		t.Error("card should link to the source message")
	}
}

func TestAckPipelineKeepsFirstAcknowledgment(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := ackPipeline("alice", at)
	if len(p) != 1 {
		t.Fatalf("expected one stage, got %d", len(p))
	}
	set, ok := p[0][0].Value.(bson.D)
	if !ok || p[0][0].Key != "$set" {
		t.Fatalf("expected $set stage, got %+v", p[0])
	}
	fields := set.Map()
	if fields["acknowledgedBy"] != "alice" {
		t.Errorf("acknowledgedBy = %v", fields["acknowledgedBy"])
	}
	ifNull, ok := fields["firstAcknowledgedAt"].(bson.D)
	if !ok || ifNull[0].Key != "$ifNull" {
		t.Errorf("firstAcknowledgedAt should use $ifNull, got %+v", fields["firstAcknowledgedAt"])
	}
}
