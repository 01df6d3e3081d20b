package provider

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/pitchvision/detectd/pkg/models"
)

// ErrAllProvidersFailed is returned when every fallback candidate was
// exhausted; it wraps the last candidate's error.
var ErrAllProvidersFailed = errors.New("all providers failed")

// Chain attempts an ordered list of backend candidates until one
// accepts the submission. A failed call exhausts its candidate
// immediately: the design assumption is that a single failed call
// strongly predicts continued failure within the request's time
// budget, so failover beats per-provider retries.
type Chain struct {
	backend   Backend
	fallbacks []models.ModelConfig
}

// Submission records which candidate accepted a request
type Submission struct {
	Model    models.ModelConfig
	RemoteID string
}

// NewChain creates a fallback chain over the configured candidates
func NewChain(backend Backend, fallbacks []models.ModelConfig) *Chain {
	return &Chain{
		backend:   backend,
		fallbacks: fallbacks,
	}
}

// Candidates builds the attempt order: the caller's config first, then
// the configured fallbacks with duplicates removed and any candidate
// sharing the primary's provider type excluded.
func (c *Chain) Candidates(primary models.ModelConfig) []models.ModelConfig {
	candidates := []models.ModelConfig{primary}
	seen := map[string]bool{
		candidateKey(primary): true,
	}

	for _, fb := range c.fallbacks {
		if fb.Provider == primary.Provider {
			continue
		}
		key := candidateKey(fb)
		if seen[key] {
			continue
		}
		seen[key] = true
		candidates = append(candidates, fb)
	}
	return candidates
}

func candidateKey(cfg models.ModelConfig) string {
	return string(cfg.Provider) + "|" + cfg.ModelID + "|" + cfg.Endpoint
}

// Submit runs the fallback chain for one request. It returns the first
// candidate that accepted the submission, or ErrAllProvidersFailed
// carrying the last error when every candidate failed.
func (c *Chain) Submit(ctx context.Context, req *models.DetectionRequest) (*Submission, error) {
	candidates := c.Candidates(req.ModelConfig)

	var lastErr error
	for _, cfg := range candidates {
		remoteID, err := c.backend.Submit(ctx, cfg, req)
		if err == nil {
			return &Submission{Model: cfg, RemoteID: remoteID}, nil
		}
		lastErr = err
		log.Printf("Provider %s (%s) failed, advancing to next candidate: %v", cfg.Provider, cfg.ModelID, err)

		// A cancelled caller context shouldn't look like backend failure
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrAllProvidersFailed, lastErr)
}
