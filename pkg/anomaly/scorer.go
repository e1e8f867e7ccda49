package anomaly

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var (
	// ErrScorerUnavailable means the reconstruction service could not be
	// reached or returned a failure.
	ErrScorerUnavailable = errors.New("scorer unavailable")
	// ErrScorerTimeout means the scoring call exceeded its deadline. The
	// affected window must be skipped, never scored as non-anomalous.
	ErrScorerTimeout = errors.New("scorer timeout")
)

// Scorer reconstructs a scaled window. The reconstruction has the same shape
// as the input; the caller computes the error signal from the difference.
type Scorer interface {
	Score(ctx context.Context, sequence [][]float64) ([][]float64, error)
}

// HTTPScorer calls an external reconstruction model service over HTTP.
type HTTPScorer struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPScorer builds a client for the reconstruction service. The timeout
// bounds each Score call in addition to any caller context deadline.
func NewHTTPScorer(baseURL string, timeout time.Duration) *HTTPScorer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPScorer{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type reconstructRequest struct {
	Sequence [][]float64 `json:"sequence"`
}

type reconstructResponse struct {
	Reconstruction [][]float64 `json:"reconstruction"`
	Error          string      `json:"error,omitempty"`
}

// Score posts the sequence to the model service and returns its
// reconstruction. Deadline overruns map to ErrScorerTimeout, everything else
// to ErrScorerUnavailable.
func (s *HTTPScorer) Score(ctx context.Context, sequence [][]float64) ([][]float64, error) {
	body, err := json.Marshal(reconstructRequest{Sequence: sequence})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrScorerUnavailable, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/reconstruct", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScorerUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrScorerTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrScorerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrScorerUnavailable, resp.StatusCode, bytes.TrimSpace(msg))
	}
	var out reconstructResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrScorerUnavailable, err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrScorerUnavailable, out.Error)
	}
	if len(out.Reconstruction) != len(sequence) {
		return nil, fmt.Errorf("%w: reconstruction has %d steps, window has %d", ErrScorerUnavailable, len(out.Reconstruction), len(sequence))
	}
	return out.Reconstruction, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
