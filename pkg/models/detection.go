package models

// Provider identifies a detection backend type
type Provider string

const (
	ProviderRoboflow    Provider = "roboflow"
	ProviderHuggingFace Provider = "huggingface"
	ProviderCustom      Provider = "custom"
)

// ProcessingMode controls the speed/accuracy trade-off on the backend
type ProcessingMode string

const (
	ModeFast     ProcessingMode = "fast"
	ModeBalanced ProcessingMode = "balanced"
	ModeAccurate ProcessingMode = "accurate"
)

// ModelConfig identifies one backend candidate. Carries yaml tags
// because the server config file lists fallback candidates.
type ModelConfig struct {
	Provider Provider `json:"provider" yaml:"provider"`
	ModelID  string   `json:"model_id" yaml:"model_id"`
	APIKey   string   `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Endpoint string   `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Version  string   `json:"version,omitempty" yaml:"version,omitempty"`
}

// Valid reports whether the config names a usable backend candidate
func (m ModelConfig) Valid() bool {
	switch m.Provider {
	case ProviderRoboflow, ProviderHuggingFace, ProviderCustom:
	default:
		return false
	}
	return m.ModelID != ""
}

// DetectionRequest describes one video-analysis submission.
// Immutable once submitted.
type DetectionRequest struct {
	VideoURL            string         `json:"video_url"`
	FrameRate           int            `json:"frame_rate"`
	ConfidenceThreshold float64        `json:"confidence_threshold"`
	ModelConfig         ModelConfig    `json:"model_config"`
	TrackPlayers        bool           `json:"track_players"`
	TrackBall           bool           `json:"track_ball"`
	MaxFrames           int            `json:"max_frames,omitempty"`
	ProcessingMode      ProcessingMode `json:"processing_mode,omitempty"`
}

// DetectionClass is the object class reported by a backend
type DetectionClass string

const (
	ClassPlayer  DetectionClass = "player"
	ClassBall    DetectionClass = "ball"
	ClassReferee DetectionClass = "referee"
)

// Team is the side a player detection was assigned to
type Team string

const (
	TeamHome Team = "home"
	TeamAway Team = "away"
)

// BBox is an axis-aligned bounding box in frame pixel coordinates
type BBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Detection is one detected object within a frame
type Detection struct {
	Class      DetectionClass    `json:"class"`
	Confidence float64           `json:"confidence"`
	BBox       BBox              `json:"bbox"`
	Team       Team              `json:"team,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// DetectionResult holds the detections for one processed frame
type DetectionResult struct {
	FrameIndex       int         `json:"frame_index"`
	Timestamp        float64     `json:"timestamp"`
	Detections       []Detection `json:"detections"`
	ProcessingTimeMs float64     `json:"processing_time_ms"`
	ModelUsed        string      `json:"model_used"`
}
