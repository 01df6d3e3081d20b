package provider

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/pitchvision/detectd/pkg/models"
)

type fakeBackend struct {
	submit  func(cfg models.ModelConfig, req *models.DetectionRequest) (string, error)
	status  func(cfg models.ModelConfig, remoteID string) (*RemoteStatus, error)
	results func(cfg models.ModelConfig, remoteID string) ([]models.DetectionResult, error)
	cancels []string
}

func (f *fakeBackend) Submit(ctx context.Context, cfg models.ModelConfig, req *models.DetectionRequest) (string, error) {
	return f.submit(cfg, req)
}

func (f *fakeBackend) Status(ctx context.Context, cfg models.ModelConfig, remoteID string) (*RemoteStatus, error) {
	if f.status != nil {
		return f.status(cfg, remoteID)
	}
	return &RemoteStatus{State: RemoteRunning}, nil
}

func (f *fakeBackend) Results(ctx context.Context, cfg models.ModelConfig, remoteID string) ([]models.DetectionResult, error) {
	if f.results != nil {
		return f.results(cfg, remoteID)
	}
	return nil, nil
}

func (f *fakeBackend) Cancel(ctx context.Context, cfg models.ModelConfig, remoteID string) error {
	f.cancels = append(f.cancels, remoteID)
	return nil
}

var testRequest = &models.DetectionRequest{
	VideoURL: "https://example.com/match.mp4",
	ModelConfig: models.ModelConfig{
		Provider: models.ProviderRoboflow,
		ModelID:  "football-v3",
	},
}

func TestChainCandidates(t *testing.T) {
	fallbacks := []models.ModelConfig{
		{Provider: models.ProviderRoboflow, ModelID: "football-v2"}, // same provider as primary, excluded
		{Provider: models.ProviderHuggingFace, ModelID: "detr-resnet"},
		{Provider: models.ProviderHuggingFace, ModelID: "detr-resnet"}, // duplicate
		{Provider: models.ProviderCustom, ModelID: "in-house", Endpoint: "http://detector.internal"},
	}
	chain := NewChain(&fakeBackend{}, fallbacks)

	candidates := chain.Candidates(testRequest.ModelConfig)
	if len(candidates) != 3 {
		t.Fatalf("expected 3 candidates, got %d: %v", len(candidates), candidates)
	}
	if candidates[0].ModelID != "football-v3" {
		t.Errorf("primary must be attempted first, got %s", candidates[0].ModelID)
	}
	if candidates[1].Provider != models.ProviderHuggingFace || candidates[2].Provider != models.ProviderCustom {
		t.Errorf("fallback order not preserved: %v", candidates)
	}
}

// A failing primary must advance to the next provider type without
// caller intervention, and the submission records the provider that
// actually accepted.
func TestChainFallbackOnFailure(t *testing.T) {
	fallbacks := []models.ModelConfig{
		{Provider: models.ProviderCustom, ModelID: "in-house", Endpoint: "http://detector.internal"},
	}

	backend := &fakeBackend{
		submit: func(cfg models.ModelConfig, req *models.DetectionRequest) (string, error) {
			if cfg.Provider == models.ProviderRoboflow {
				return "", ErrProviderUnavailable
			}
			return "remote-99", nil
		},
	}
	chain := NewChain(backend, fallbacks)

	sub, err := chain.Submit(context.Background(), testRequest)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if sub.Model.Provider != models.ProviderCustom {
		t.Errorf("accepted provider = %s, want custom", sub.Model.Provider)
	}
	if sub.RemoteID != "remote-99" {
		t.Errorf("remote id = %s, want remote-99", sub.RemoteID)
	}
}

func TestChainAllProvidersFailed(t *testing.T) {
	lastErr := errors.New("custom endpoint unreachable")
	attempts := 0

	backend := &fakeBackend{
		submit: func(cfg models.ModelConfig, req *models.DetectionRequest) (string, error) {
			attempts++
			if cfg.Provider == models.ProviderCustom {
				return "", lastErr
			}
			return "", ErrProviderUnavailable
		},
	}
	chain := NewChain(backend, []models.ModelConfig{
		{Provider: models.ProviderHuggingFace, ModelID: "detr-resnet"},
		{Provider: models.ProviderCustom, ModelID: "in-house"},
	})

	_, err := chain.Submit(context.Background(), testRequest)
	if !errors.Is(err, ErrAllProvidersFailed) {
		t.Fatalf("expected ErrAllProvidersFailed, got %v", err)
	}
	// The last candidate's error is carried in the message
	if got := err.Error(); !strings.Contains(got, lastErr.Error()) {
		t.Errorf("error %q should carry the last failure %q", got, lastErr)
	}
	// One attempt per candidate, no per-candidate retry
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestChainContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	backend := &fakeBackend{
		submit: func(cfg models.ModelConfig, req *models.DetectionRequest) (string, error) {
			cancel() // caller gives up during the first attempt
			return "", ErrProviderUnavailable
		},
	}
	chain := NewChain(backend, []models.ModelConfig{
		{Provider: models.ProviderCustom, ModelID: "in-house"},
	})

	_, err := chain.Submit(ctx, testRequest)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
