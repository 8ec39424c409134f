// Package classifier calls the external crisis-classification service.
package classifier

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
	"time"

	"crisiswatch/internal/metrics"
	"crisiswatch/internal/models"
	"crisiswatch/internal/resilience"
)

// Request is one message to classify
type Request struct {
	Text      string   `json:"text"`
	SubjectID string   `json:"user_id"`
	History   []string `json:"history,omitempty"`
}

// Classifier turns a message into a CrisisSignal
type Classifier interface {
	Analyze(ctx context.Context, req Request) (models.CrisisSignal, error)
}

// HTTPClient calls a classification service over HTTP JSON
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient creates a client for the service at baseURL
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type analyzeResponse struct {
	Severity          string   `json:"severity"`
	Confidence        float64  `json:"confidence"`
	Score             float64  `json:"score"`
	RecommendedAction string   `json:"recommended_action"`
	Factors           []string `json:"factors"`
}

// Analyze implements Classifier. Errors are classified for retry decisions.
func (c *HTTPClient) Analyze(ctx context.Context, req Request) (models.CrisisSignal, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return models.CrisisSignal{}, resilience.Permanent(fmt.Errorf("failed to marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewBuffer(reqBody))
	if err != nil {
		return models.CrisisSignal{}, resilience.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return models.CrisisSignal{}, fmt.Errorf("classifier request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.CrisisSignal{}, resilience.Transient(fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return models.CrisisSignal{}, resilience.ClassifyHTTPError(resp.StatusCode, string(body))
	}

	var parsed analyzeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return models.CrisisSignal{}, resilience.Permanent(fmt.Errorf("failed to parse classifier response: %w", err))
	}

	severity, err := models.ParseSeverity(parsed.Severity)
	if err != nil {
		return models.CrisisSignal{}, resilience.Permanent(err)
	}

	action := models.RecommendedAction(parsed.RecommendedAction)
	if action == "" {
		action = models.ActionNone
	}

	return models.CrisisSignal{
		Severity:          severity,
		Confidence:        clamp01(parsed.Confidence),
		Score:             parsed.Score,
		RecommendedAction: action,
		Factors:           parsed.Factors,
	}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// FallbackSignal is the conservative signal used when the classifier cannot answer.
// It is medium severity so a human looks at it rather than nobody.
func FallbackSignal() models.CrisisSignal {
	return models.CrisisSignal{
		Severity:          models.SeverityMedium,
		Confidence:        0,
		RecommendedAction: models.ActionHumanReview,
		Factors:           []string{"classifier unavailable"},
		Fallback:          true,
	}
}

// Guarded wraps a Classifier with retry, a circuit breaker and the fallback signal
type Guarded struct {
	inner   Classifier
	guard   *resilience.Guard
	metrics *metrics.Metrics
}

// NewGuarded creates a guarded classifier
func NewGuarded(inner Classifier, guard *resilience.Guard, m *metrics.Metrics) *Guarded {
	return &Guarded{inner: inner, guard: guard, metrics: m}
}

// Analyze classifies text. Exhausted retries and an open breaker yield the
// fallback signal. A request the service rejects as invalid is returned as an
// error because escalating garbage input would page responders for nothing.
func (g *Guarded) Analyze(ctx context.Context, req Request) (models.CrisisSignal, error) {
	var signal models.CrisisSignal

	start := time.Now()
	err := g.guard.Do(ctx, func(ctx context.Context) error {
		var callErr error
		signal, callErr = g.inner.Analyze(ctx, req)
		return callErr
	})
	g.metrics.RecordDependencyLatency("classifier", time.Since(start))

	if err == nil {
		return signal, nil
	}

	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return models.CrisisSignal{}, err
	}

	var depErr *resilience.DependencyError
	if errors.As(err, &depErr) && depErr.Category == resilience.ErrorCategoryValidation {
		log.Printf("⚠️ [CLASSIFIER] Request rejected for subject %s: %v", req.SubjectID, err)
		return models.CrisisSignal{}, err
	}

	log.Printf("⚠️ [CLASSIFIER] Unavailable, using fallback signal for subject %s: %v", req.SubjectID, err)
	g.metrics.RecordFallback("classifier")
	return FallbackSignal(), nil
}
