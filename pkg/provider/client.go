package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pitchvision/detectd/pkg/models"
)

// ErrProviderUnavailable marks a single backend candidate failure
// (network error, timeout, non-2xx). The fallback chain advances past
// it; it only surfaces when every candidate is exhausted.
var ErrProviderUnavailable = errors.New("provider unavailable")

// RemoteState is the processing state reported by a backend
type RemoteState string

const (
	RemoteRunning   RemoteState = "running"
	RemoteCompleted RemoteState = "completed"
	RemoteFailed    RemoteState = "failed"
)

// RemoteStatus is a backend's view of one submission
type RemoteStatus struct {
	State    RemoteState `json:"state"`
	Progress int         `json:"progress"`
	Error    string      `json:"error,omitempty"`
}

// Backend is a remote detection service. Implementations are safe for
// concurrent use.
type Backend interface {
	// Submit sends one detection request to the candidate backend and
	// returns the backend-issued identifier. A single attempt; the
	// fallback chain never retries the same candidate.
	Submit(ctx context.Context, cfg models.ModelConfig, req *models.DetectionRequest) (string, error)

	// Status reads progress for an accepted submission.
	Status(ctx context.Context, cfg models.ModelConfig, remoteID string) (*RemoteStatus, error)

	// Results fetches the full ordered result set for a completed submission.
	Results(ctx context.Context, cfg models.ModelConfig, remoteID string) ([]models.DetectionResult, error)

	// Cancel asks the backend to stop work. Advisory: the remote
	// computation is not guaranteed to halt.
	Cancel(ctx context.Context, cfg models.ModelConfig, remoteID string) error
}

// HTTPBackend talks to detection services over their HTTP API
type HTTPBackend struct {
	httpClient *http.Client
}

// NewHTTPBackend creates a backend client with a per-call timeout
func NewHTTPBackend(timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPBackend{
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (b *HTTPBackend) do(ctx context.Context, cfg models.ModelConfig, method, path string, body interface{}, out interface{}) error {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		return fmt.Errorf("%w: no endpoint configured for provider %s", ErrProviderUnavailable, cfg.Provider)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: status %d: %s", ErrProviderUnavailable, resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

type submitRequest struct {
	VideoURL            string                `json:"video_url"`
	FrameRate           int                   `json:"frame_rate"`
	ConfidenceThreshold float64               `json:"confidence_threshold"`
	TrackPlayers        bool                  `json:"track_players"`
	TrackBall           bool                  `json:"track_ball"`
	MaxFrames           int                   `json:"max_frames,omitempty"`
	ProcessingMode      models.ProcessingMode `json:"processing_mode,omitempty"`
	ModelID             string                `json:"model_id"`
	ModelVersion        string                `json:"model_version,omitempty"`
}

// Submit sends one detection request to the candidate backend
func (b *HTTPBackend) Submit(ctx context.Context, cfg models.ModelConfig, req *models.DetectionRequest) (string, error) {
	body := submitRequest{
		VideoURL:            req.VideoURL,
		FrameRate:           req.FrameRate,
		ConfidenceThreshold: req.ConfidenceThreshold,
		TrackPlayers:        req.TrackPlayers,
		TrackBall:           req.TrackBall,
		MaxFrames:           req.MaxFrames,
		ProcessingMode:      req.ProcessingMode,
		ModelID:             cfg.ModelID,
		ModelVersion:        cfg.Version,
	}

	var result struct {
		JobID string `json:"job_id"`
	}
	if err := b.do(ctx, cfg, http.MethodPost, "/detect/start", body, &result); err != nil {
		return "", err
	}
	if result.JobID == "" {
		return "", fmt.Errorf("%w: backend returned empty job id", ErrProviderUnavailable)
	}
	return result.JobID, nil
}

// Status reads progress for an accepted submission
func (b *HTTPBackend) Status(ctx context.Context, cfg models.ModelConfig, remoteID string) (*RemoteStatus, error) {
	var status RemoteStatus
	if err := b.do(ctx, cfg, http.MethodGet, "/detect/status/"+remoteID, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Results fetches the full result set for a completed submission
func (b *HTTPBackend) Results(ctx context.Context, cfg models.ModelConfig, remoteID string) ([]models.DetectionResult, error) {
	var results []models.DetectionResult
	if err := b.do(ctx, cfg, http.MethodGet, "/detect/results/"+remoteID, nil, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// Cancel asks the backend to stop work on a submission
func (b *HTTPBackend) Cancel(ctx context.Context, cfg models.ModelConfig, remoteID string) error {
	return b.do(ctx, cfg, http.MethodPost, "/detect/cancel/"+remoteID, nil, nil)
}
