package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/parosfi/rebalancer/internal/domain"
)

// MLClient calls the remote risk-prediction service. It implements
// Predictor; every failure path returns an error and the scorer falls back
// to the base score.
type MLClient struct {
	url        string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        zerolog.Logger
}

// NewMLClient creates a new prediction client. The limiter caps outbound
// calls at 5/s so a scoring sweep over a large universe cannot hammer the
// service.
func NewMLClient(url string, log zerolog.Logger) *MLClient {
	return &MLClient{
		url: url,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(5), 10),
		log:     log.With().Str("client", "ml_scoring").Logger(),
	}
}

// predictRequest is the wire format sent to the prediction service.
type predictRequest struct {
	SubjectID   string                        `json:"subject_id"`
	SubjectType string                        `json:"subject_type"`
	BaseScore   float64                       `json:"base_score"`
	Breakdown   map[string]domain.FactorScore `json:"breakdown"`
}

// predictResponse is the wire format returned by the prediction service.
type predictResponse struct {
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

// Predict requests a remote risk estimate for a subject.
func (c *MLClient) Predict(ctx context.Context, subjectID string, base domain.RiskScore) (*Prediction, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(predictRequest{
		SubjectID:   subjectID,
		SubjectType: string(base.SubjectType),
		BaseScore:   base.OverallScore,
		Breakdown:   base.Breakdown,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode prediction request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/api/v1/predict", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build prediction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("prediction request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("prediction service returned status %d", resp.StatusCode)
	}

	var decoded predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode prediction response: %w", err)
	}

	if decoded.Score < 0 || decoded.Score > 100 {
		return nil, fmt.Errorf("prediction score out of range: %.2f", decoded.Score)
	}

	return &Prediction{
		Score:      decoded.Score,
		Confidence: decoded.Confidence,
	}, nil
}
