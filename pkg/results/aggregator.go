package results

import (
	"sort"

	"github.com/pitchvision/detectd/pkg/models"
)

// Summary condenses a completed job's detection output into the
// headline numbers the CLI and API report.
type Summary struct {
	FramesProcessed int     `json:"frames_processed"`
	TotalPlayers    int     `json:"total_players"`
	FramesWithBall  int     `json:"frames_with_ball"`
	AvgProcessingMs float64 `json:"avg_processing_ms"`
	ModelUsed       string  `json:"model_used,omitempty"`
}

// JobReader is the read side of the job store the aggregator needs
type JobReader interface {
	GetJob(id string) (*models.Job, error)
}

// Aggregator exposes per-frame results and summaries for finished jobs
type Aggregator struct {
	store JobReader
}

func NewAggregator(store JobReader) *Aggregator {
	return &Aggregator{store: store}
}

// Results returns the job's per-frame detections ordered by frame
// index. Jobs that have not completed yield an empty slice, not an
// error; partial output from a failed or cancelled run is never
// exposed. Repeated calls return the same data.
func (a *Aggregator) Results(jobID string) ([]models.DetectionResult, error) {
	job, err := a.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusCompleted {
		return []models.DetectionResult{}, nil
	}

	frames := make([]models.DetectionResult, len(job.Results))
	copy(frames, job.Results)
	sort.Slice(frames, func(i, j int) bool {
		return frames[i].FrameIndex < frames[j].FrameIndex
	})
	return frames, nil
}

// Summarize computes aggregate counts over a completed job's frames.
// A non-completed job produces a zero summary.
func (a *Aggregator) Summarize(jobID string) (*Summary, error) {
	frames, err := a.Results(jobID)
	if err != nil {
		return nil, err
	}

	s := &Summary{FramesProcessed: len(frames)}

	var totalMs float64
	for _, frame := range frames {
		if s.ModelUsed == "" {
			s.ModelUsed = frame.ModelUsed
		}
		totalMs += frame.ProcessingTimeMs
		ballSeen := false
		for _, det := range frame.Detections {
			switch det.Class {
			case models.ClassPlayer:
				s.TotalPlayers++
			case models.ClassBall:
				ballSeen = true
			}
		}
		if ballSeen {
			s.FramesWithBall++
		}
	}
	if len(frames) > 0 {
		s.AvgProcessingMs = totalMs / float64(len(frames))
	}
	return s, nil
}
