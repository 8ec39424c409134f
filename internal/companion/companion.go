// Package companion produces the AI companion's replies inside a session.
package companion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"crisiswatch/internal/metrics"
	"crisiswatch/internal/models"
	"crisiswatch/internal/resilience"
)

// Companion generates the next reply given the system prompt and history
type Companion interface {
	Reply(ctx context.Context, systemPrompt string, turns []models.Turn) (string, error)
}

// OpenAIClient talks to any OpenAI-compatible chat-completions endpoint
type OpenAIClient struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	client      *http.Client
}

// NewOpenAIClient creates a chat-completions client
func NewOpenAIClient(baseURL, apiKey, model string, timeout time.Duration) *OpenAIClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		model:       model,
		temperature: 0.6,
		maxTokens:   300,
		client:      &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// Reply implements Companion
func (c *OpenAIClient) Reply(ctx context.Context, systemPrompt string, turns []models.Turn) (string, error) {
	messages := make([]chatMessage, 0, len(turns)+1)
	messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	for _, t := range turns {
		role := "user"
		if t.Role == models.RoleCompanion {
			role = "assistant"
		}
		messages = append(messages, chatMessage{Role: role, Content: t.Text})
	}

	reqBody, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", resilience.Permanent(fmt.Errorf("failed to marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewBuffer(reqBody))
	if err != nil {
		return "", resilience.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", resilience.Transient(fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return "", resilience.ClassifyHTTPError(resp.StatusCode, string(body))
	}

	var apiResponse struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return "", resilience.Permanent(fmt.Errorf("failed to parse response: %w", err))
	}
	if len(apiResponse.Choices) == 0 || strings.TrimSpace(apiResponse.Choices[0].Message.Content) == "" {
		return "", resilience.Transient(errors.New("empty completion"))
	}

	return strings.TrimSpace(apiResponse.Choices[0].Message.Content), nil
}

// cannedReplies are used in dry-run mode and as the fallback when the
// companion service is unavailable
var cannedReplies = []string{
	"Thank you for telling me. I'm here with you, and someone from the support team has been told.",
	"That sounds really heavy. You don't have to go through it alone, and a person from the team will be with you soon.",
	"I hear you. Take your time; I'm staying right here while a human responder is on the way.",
}

// Canned is a Companion that cycles through fixed supportive replies
type Canned struct {
	next atomic.Uint64
}

// NewCanned creates a canned companion
func NewCanned() *Canned {
	return &Canned{}
}

// Reply implements Companion
func (c *Canned) Reply(ctx context.Context, systemPrompt string, turns []models.Turn) (string, error) {
	i := c.next.Add(1) - 1
	return cannedReplies[i%uint64(len(cannedReplies))], nil
}

// Guarded wraps a Companion with retry, a breaker and a canned fallback
type Guarded struct {
	inner    Companion
	guard    *resilience.Guard
	fallback *Canned
	metrics  *metrics.Metrics
}

// NewGuarded creates a guarded companion
func NewGuarded(inner Companion, guard *resilience.Guard, m *metrics.Metrics) *Guarded {
	return &Guarded{inner: inner, guard: guard, fallback: NewCanned(), metrics: m}
}

// Reply returns the companion's reply. When the service is unavailable a
// canned reply is returned and fellBack is true so the caller can attach
// crisis resources.
func (g *Guarded) Reply(ctx context.Context, systemPrompt string, turns []models.Turn) (reply string, fellBack bool, err error) {
	start := time.Now()
	err = g.guard.Do(ctx, func(ctx context.Context) error {
		var callErr error
		reply, callErr = g.inner.Reply(ctx, systemPrompt, turns)
		return callErr
	})
	g.metrics.RecordDependencyLatency("companion", time.Since(start))

	if err == nil {
		return reply, false, nil
	}
	if ctx.Err() != nil {
		return "", false, ctx.Err()
	}

	log.Printf("⚠️ [COMPANION] Unavailable, using canned reply: %v", err)
	g.metrics.RecordFallback("companion")
	canned, _ := g.fallback.Reply(ctx, systemPrompt, turns)
	return canned, true, nil
}
