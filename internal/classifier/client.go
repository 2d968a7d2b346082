// Package classifier talks to the external ML scoring service. Every
// ingested event passes through here; the service being down must never
// block or fail ingestion, so all failure modes collapse into a zero-risk
// fallback verdict.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/decoynest/sentinel-engine/pkg/models"
)

// requestTimeout bounds a single prediction call. No retries: an ingest
// request budgets one classifier round-trip and moves on.
const requestTimeout = 3 * time.Second

type Client struct {
	predictURL string
	httpClient *http.Client
}

// NewClient builds a client for the scoring service at baseURL. The predict
// endpoint is baseURL + "/predict" unless the URL already points at it.
func NewClient(baseURL string) *Client {
	url := strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(url, "/predict") {
		url += "/predict"
	}
	return &Client{
		predictURL: url,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// Fallback is the verdict recorded when no genuine classification could be
// obtained: unknown attack kind, zero risk, zero confidence, not anomalous.
func Fallback() models.Classification {
	return models.Classification{AttackType: "unknown", RiskScore: 0, Confidence: 0, IsAnomaly: false}
}

// Classify scores one feature vector. Out-of-range features are clamped, not
// rejected. Timeout, transport failure, non-200 status and a malformed body
// all degrade to Fallback() — the caller cannot tell a fallback verdict from
// a genuine one, which is deliberate.
func (c *Client) Classify(ctx context.Context, features models.FeatureVector) models.Classification {
	verdict, err := c.predict(ctx, clampFeatures(features))
	if err != nil {
		log.Printf("[Classifier] %v - using fallback prediction", err)
		return Fallback()
	}
	return verdict
}

func (c *Client) predict(ctx context.Context, features models.FeatureVector) (models.Classification, error) {
	body, err := json.Marshal(features)
	if err != nil {
		return models.Classification{}, fmt.Errorf("predict: marshal features: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.predictURL, bytes.NewReader(body))
	if err != nil {
		return models.Classification{}, fmt.Errorf("predict: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.Classification{}, fmt.Errorf("predict: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.Classification{}, fmt.Errorf("predict: service returned status %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.Classification{}, fmt.Errorf("predict: read body: %w", err)
	}

	var verdict models.Classification
	if err := json.Unmarshal(respBody, &verdict); err != nil {
		return models.Classification{}, fmt.Errorf("predict: unmarshal response: %w", err)
	}
	if verdict.AttackType == "" {
		return models.Classification{}, fmt.Errorf("predict: response missing attack_type")
	}
	return verdict, nil
}

// clampFeatures forces each feature into the range the model was trained on.
func clampFeatures(f models.FeatureVector) models.FeatureVector {
	f.FailedLogins = clamp(f.FailedLogins, 0, 150)
	f.RequestRate = clamp(f.RequestRate, 1, 600)
	f.CommandsCount = clamp(f.CommandsCount, 0, 20)
	f.SQLPayload = clamp(f.SQLPayload, 0, 1)
	f.HoneytokenAccess = clamp(f.HoneytokenAccess, 0, 1)
	f.SessionTime = clamp(f.SessionTime, 10, 600)
	return f
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
