package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/pitchvision/detectd/pkg/models"
	"github.com/pitchvision/detectd/pkg/status"
)

var (
	// Job submit flags
	videoURL        string
	modelProvider   string
	modelID         string
	modelEndpoint   string
	modelAPIKey     string
	frameRate       int
	confidence      float64
	trackPlayers    bool
	trackBall       bool
	maxFrames       int
	processingMode  string
	submitPriority  string

	// Job status flags
	followStatus bool

	// Results flags
	showFrames bool
)

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage detection jobs",
	Long:  `Commands for submitting, inspecting, and cancelling detection jobs on the detectd server.`,
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new detection job",
	Long:  `Submit a video for detection. The server runs the provider fallback chain and returns a job id.`,
	RunE:  runJobsSubmit,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Get job status",
	Long:  `Retrieve the status of a job. With --follow the command polls until the job reaches a terminal state.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsResultsCmd = &cobra.Command{
	Use:   "results <job-id>",
	Short: "Get job results",
	Long:  `Retrieve the result summary of a completed job. Use --frames for the full per-frame output.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsResults,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job",
	Long:  `Cancel a queued or processing job.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your jobs",
	Long:  `List all jobs belonging to the authenticated owner.`,
	RunE:  runJobsList,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsSubmitCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsResultsCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsListCmd)

	// Flags for job submit
	jobsSubmitCmd.Flags().StringVar(&videoURL, "video", "", "video URL to analyze (required)")
	jobsSubmitCmd.Flags().StringVar(&modelProvider, "provider", "roboflow", "detection provider (roboflow, huggingface, custom)")
	jobsSubmitCmd.Flags().StringVar(&modelID, "model", "", "model identifier (required)")
	jobsSubmitCmd.Flags().StringVar(&modelEndpoint, "endpoint", "", "provider endpoint override")
	jobsSubmitCmd.Flags().StringVar(&modelAPIKey, "model-api-key", "", "provider API key")
	jobsSubmitCmd.Flags().IntVar(&frameRate, "frame-rate", 1, "frames per second to analyze")
	jobsSubmitCmd.Flags().Float64Var(&confidence, "confidence", 0.5, "confidence threshold (0-1)")
	jobsSubmitCmd.Flags().BoolVar(&trackPlayers, "track-players", true, "track player detections")
	jobsSubmitCmd.Flags().BoolVar(&trackBall, "track-ball", true, "track ball detections")
	jobsSubmitCmd.Flags().IntVar(&maxFrames, "max-frames", 0, "limit on processed frames (0 = no limit)")
	jobsSubmitCmd.Flags().StringVar(&processingMode, "mode", "", "processing mode (fast, balanced, accurate)")
	jobsSubmitCmd.Flags().StringVar(&submitPriority, "priority", "normal", "priority level (high, normal, low)")
	jobsSubmitCmd.MarkFlagRequired("video")
	jobsSubmitCmd.MarkFlagRequired("model")

	// Flags for job status
	jobsStatusCmd.Flags().BoolVar(&followStatus, "follow", false, "poll job status every 2 seconds until completion")

	// Flags for job results
	jobsResultsCmd.Flags().BoolVar(&showFrames, "frames", false, "print per-frame detections instead of the summary")
}

type submitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/detect/start", GetServerURL())

	req := map[string]interface{}{
		"video_url":            videoURL,
		"frame_rate":           frameRate,
		"confidence_threshold": confidence,
		"track_players":        trackPlayers,
		"track_ball":           trackBall,
		"priority":             submitPriority,
		"model_config": models.ModelConfig{
			Provider: models.Provider(modelProvider),
			ModelID:  modelID,
			Endpoint: modelEndpoint,
			APIKey:   modelAPIKey,
		},
	}
	if maxFrames > 0 {
		req["max_frames"] = maxFrames
	}
	if processingMode != "" {
		req["processing_mode"] = processingMode
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := CreateAuthenticatedRequest("POST", url, bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := GetHTTPClient()
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to connect to detectd API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("submission failed (%s): %s", resp.Status, string(body))
	}

	var result submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if IsJSONOutput() {
		return printJSON(result)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Job ID", result.JobID)
	table.Append("Status", result.Status)
	table.Render()
	fmt.Println("\nJob submitted successfully!")
	return nil
}

// apiJobReader reads job snapshots through the server's status endpoint
type apiJobReader struct{}

func (apiJobReader) GetJob(id string) (*models.Job, error) {
	return fetchJob(id)
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	job, err := fetchJob(jobID)
	if err != nil {
		return err
	}
	if err := printJob(job); err != nil {
		return err
	}
	if !followStatus || models.IsTerminalState(job.Status) {
		return nil
	}

	// Poll until terminal. The poller only surfaces forward progress,
	// so a stale read behind a load balancer never prints backwards.
	var printErr error
	poller := status.NewPoller(apiJobReader{}, 2*time.Second)
	poller.StopOnError = true
	if _, err := poller.Watch(cmd.Context(), jobID, func(update *models.Job) {
		if printErr == nil {
			printErr = printJob(update)
		}
	}); err != nil {
		return err
	}
	return printErr
}

func printJob(job *models.Job) error {
	if IsJSONOutput() {
		return printJSON(job)
	}
	printJobTable(job)
	return nil
}

func runJobsResults(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	if showFrames {
		var frames []models.DetectionResult
		if err := getJSON(fmt.Sprintf("%s/detect/results/%s", GetServerURL(), jobID), &frames); err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(frames)
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Frame", "Timestamp", "Detections", "Processing (ms)")
		for _, frame := range frames {
			table.Append(
				fmt.Sprintf("%d", frame.FrameIndex),
				fmt.Sprintf("%.2fs", frame.Timestamp),
				fmt.Sprintf("%d", len(frame.Detections)),
				fmt.Sprintf("%.1f", frame.ProcessingTimeMs),
			)
		}
		table.Render()
		return nil
	}

	var summary struct {
		FramesProcessed int     `json:"frames_processed"`
		TotalPlayers    int     `json:"total_players"`
		FramesWithBall  int     `json:"frames_with_ball"`
		AvgProcessingMs float64 `json:"avg_processing_ms"`
		ModelUsed       string  `json:"model_used"`
	}
	if err := getJSON(fmt.Sprintf("%s/detect/summary/%s", GetServerURL(), jobID), &summary); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(summary)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Frames Processed", fmt.Sprintf("%d", summary.FramesProcessed))
	table.Append("Total Players", fmt.Sprintf("%d", summary.TotalPlayers))
	table.Append("Frames With Ball", fmt.Sprintf("%d", summary.FramesWithBall))
	table.Append("Avg Processing", fmt.Sprintf("%.1f ms", summary.AvgProcessingMs))
	if summary.ModelUsed != "" {
		table.Append("Model Used", summary.ModelUsed)
	}
	table.Render()
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	url := fmt.Sprintf("%s/detect/cancel/%s", GetServerURL(), jobID)

	httpReq, err := CreateAuthenticatedRequest("POST", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	client := GetHTTPClient()
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to connect to detectd API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("cancel failed (%s): %s", resp.Status, string(body))
	}

	var result struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result.Cancelled {
		fmt.Printf("Job %s cancelled\n", jobID)
	} else {
		fmt.Printf("Job %s was already in a terminal state\n", jobID)
	}
	return nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	var jobs []*models.Job
	if err := getJSON(fmt.Sprintf("%s/detect/jobs", GetServerURL()), &jobs); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(jobs)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Job ID", "Status", "Priority", "Progress", "Provider", "Created")
	for _, job := range jobs {
		table.Append(
			job.ID,
			string(job.Status),
			string(job.Priority),
			fmt.Sprintf("%d%%", job.Progress),
			string(job.ModelUsed.Provider),
			job.CreatedAt.Format(time.RFC3339),
		)
	}
	table.Render()
	return nil
}

func fetchJob(jobID string) (*models.Job, error) {
	var job models.Job
	if err := getJSON(fmt.Sprintf("%s/detect/status/%s", GetServerURL(), jobID), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func printJobTable(job *models.Job) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Job ID", job.ID)
	table.Append("Status", string(job.Status))
	table.Append("Priority", string(job.Priority))
	table.Append("Progress", fmt.Sprintf("%d%%", job.Progress))
	table.Append("Provider", string(job.ModelUsed.Provider))
	table.Append("Model", job.ModelUsed.ModelID)
	table.Append("Created At", job.CreatedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		table.Append("Started At", job.StartedAt.Format(time.RFC3339))
	}
	if job.EstimatedCompletion != nil {
		table.Append("Est. Completion", job.EstimatedCompletion.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		table.Append("Completed At", job.CompletedAt.Format(time.RFC3339))
	}
	if job.ErrorMessage != "" {
		table.Append("Error", job.ErrorMessage)
	}
	table.Render()
}

func getJSON(url string, out interface{}) error {
	httpReq, err := CreateAuthenticatedRequest("GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	client := GetHTTPClient()
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to connect to detectd API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("request failed (%s): %s", resp.Status, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
