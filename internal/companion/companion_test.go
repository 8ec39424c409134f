package companion

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"crisiswatch/internal/models"
	"crisiswatch/internal/resilience"
)

func testGuard() *resilience.Guard {
	return resilience.NewGuard(
		resilience.NewCircuitBreaker(resilience.BreakerConfig{Name: "companion", Cooldown: time.Hour}),
		resilience.RetryPolicy{MaxAttempts: 2, Backoff: resilience.NewBackoffCalculator(time.Millisecond, time.Millisecond, 2, 0)},
	)
}

func TestOpenAIClient_Reply(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"choices":[{"message":{"content":"  I'm here with you.  "}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "k", "small-model", time.Second)
	reply, err := c.Reply(context.Background(), "system", []models.Turn{
		{Role: models.RoleSubject, Text: "hi"},
		{Role: models.RoleCompanion, Text: "hello"},
	})
	if err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	if reply != "I'm here with you." {
		t.Errorf("reply = %q", reply)
	}

	if got.Model != "small-model" || len(got.Messages) != 3 {
		t.Fatalf("request = %+v", got)
	}
	roles := []string{got.Messages[0].Role, got.Messages[1].Role, got.Messages[2].Role}
	if roles[0] != "system" || roles[1] != "user" || roles[2] != "assistant" {
		t.Errorf("roles = %v", roles)
	}
}

func TestGuarded_FallsBackToCanned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	g := NewGuarded(NewOpenAIClient(srv.URL, "", "m", time.Second), testGuard(), nil)
	reply, fellBack, err := g.Reply(context.Background(), "system", nil)
	if err != nil {
		t.Fatalf("expected fallback, got %v", err)
	}
	if !fellBack || reply == "" {
		t.Errorf("reply=%q fellBack=%v", reply, fellBack)
	}
}

func TestCanned_Rotates(t *testing.T) {
	c := NewCanned()
	first, _ := c.Reply(context.Background(), "", nil)
	second, _ := c.Reply(context.Background(), "", nil)
	if first == second {
		t.Error("canned replies should rotate")
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	p := BuildSystemPrompt(PromptOptions{TriggerSeverity: models.SeverityHigh, SafetyFlagged: true})
	if !strings.Contains(p, "Concern level reported by the screening step: high") {
		t.Error("prompt should carry the trigger severity")
	}
	if !strings.Contains(p, "immediate danger") {
		t.Error("safety instructions missing")
	}

	followup := BuildSystemPrompt(PromptOptions{FromFollowup: true})
	if !strings.Contains(followup, "check-in") || strings.Contains(followup, "immediate danger") {
		t.Error("follow-up prompt has wrong instructions")
	}
}

func TestWithResources(t *testing.T) {
	out := WithResources("I'm here.", []string{"Call 988 (US)", "Text SHOUT to 85258 (UK)"})
	if !strings.HasPrefix(out, "I'm here.") {
		t.Errorf("reply not preserved: %q", out)
	}
	if !strings.Contains(out, "- Call 988 (US)") || !strings.Contains(out, "- Text SHOUT to 85258 (UK)") {
		t.Errorf("resources missing: %q", out)
	}
	if WithResources("plain", nil) != "plain" {
		t.Error("no resources should leave the reply unchanged")
	}
}

type scriptedCompanion struct {
	down  bool
	calls int
}

func (s *scriptedCompanion) Reply(ctx context.Context, systemPrompt string, turns []models.Turn) (string, error) {
	s.calls++
	if s.down {
		return "", resilience.Transient(errors.New("companion down"))
	}
	return "I'm listening.", nil
}

// Open breaker -> canned reply with resources; half-open after cool-down; one success closes it.
func TestGuarded_BreakerOpenThenRecovers(t *testing.T) {
	breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{Name: "companion", FailureThreshold: 1, Cooldown: 20 * time.Millisecond})
	g := NewGuarded(&scriptedCompanion{down: true}, resilience.NewGuard(breaker, resilience.RetryPolicy{MaxAttempts: 1}), nil)
	inner := g.inner.(*scriptedCompanion)
	ctx := context.Background()

	reply, fellBack, err := g.Reply(ctx, "system", nil)
	if err != nil || !fellBack {
		t.Fatalf("expected fallback, got fellBack=%v err=%v", fellBack, err)
	}
	if breaker.State() != resilience.CircuitOpen {
		t.Fatalf("expected open breaker, got %v", breaker.State())
	}
	out := WithResources(reply, []string{"Call 988 (US)"})
	if !strings.Contains(out, "- Call 988 (US)") {
		t.Errorf("fallback missing resources: %q", out)
	}

	calls := inner.calls
	if _, fellBack, _ := g.Reply(ctx, "system", nil); !fellBack || inner.calls != calls {
		t.Errorf("open breaker should short-circuit (fellBack=%v calls=%d)", fellBack, inner.calls)
	}

	time.Sleep(30 * time.Millisecond)
	if breaker.State() != resilience.CircuitHalfOpen {
		t.Fatalf("expected half-open after cool-down, got %v", breaker.State())
	}

	inner.down = false
	reply, fellBack, err = g.Reply(ctx, "system", nil)
	if err != nil || fellBack || reply != "I'm listening." {
		t.Fatalf("probe reply=%q fellBack=%v err=%v", reply, fellBack, err)
	}
	if breaker.State() != resilience.CircuitClosed {
		t.Errorf("expected closed after one success, got %v", breaker.State())
	}
}
