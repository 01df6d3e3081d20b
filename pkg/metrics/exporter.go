package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"

	"github.com/pitchvision/detectd/pkg/models"
	"github.com/pitchvision/detectd/pkg/scheduler"
	"github.com/pitchvision/detectd/pkg/store"
)

var (
	scheduleAttemptsTotal = promauto.NewCounterVec(promclient.CounterOpts{
		Name: "detectd_schedule_attempts_total",
		Help: "Dispatch attempts by result",
	}, []string{"result"})

	backendPollsTotal = promauto.NewCounterVec(promclient.CounterOpts{
		Name: "detectd_backend_polls_total",
		Help: "Backend status polls by outcome",
	}, []string{"outcome"})

	submissionsTotal = promauto.NewCounterVec(promclient.CounterOpts{
		Name: "detectd_submissions_total",
		Help: "Job submissions by outcome",
	}, []string{"outcome"})
)

// Exporter exports Prometheus metrics for the orchestration server.
// Queue state is derived from the store on every scrape; counters
// accumulate in the default prometheus registry.
type Exporter struct {
	store      store.Store
	boostAfter time.Duration
	startTime  time.Time

	mu               sync.RWMutex
	scheduleAttempts map[string]int64
	submissions      map[string]int64
}

// NewExporter creates a Prometheus exporter backed by the job store.
// boostAfter is the scheduler's priority-aging window, used when
// estimating queue wait.
func NewExporter(s store.Store, boostAfter time.Duration) *Exporter {
	return &Exporter{
		store:            s,
		boostAfter:       boostAfter,
		startTime:        time.Now(),
		scheduleAttempts: make(map[string]int64),
		submissions:      make(map[string]int64),
	}
}

// RecordScheduleAttempt records a dispatch attempt under whatever
// result label the dispatcher reports ("success", "error", "no_jobs").
// Implements the dispatcher's ScheduleRecorder.
func (e *Exporter) RecordScheduleAttempt(result string) {
	e.mu.Lock()
	e.scheduleAttempts[result]++
	e.mu.Unlock()
	scheduleAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordBackendPoll records the outcome of one backend status poll.
// Implements the dispatcher's PollRecorder.
func (e *Exporter) RecordBackendPoll(outcome string) {
	backendPollsTotal.WithLabelValues(outcome).Inc()
}

// RecordSubmission records the outcome of one POST /detect/start.
// Implements the API handler's MetricsRecorder.
func (e *Exporter) RecordSubmission(outcome string) {
	e.mu.Lock()
	e.submissions[outcome]++
	e.mu.Unlock()
	submissionsTotal.WithLabelValues(outcome).Inc()
}

// ServeHTTP serves Prometheus-compatible metrics at /metrics
func (e *Exporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	jobs := e.store.GetAllJobs()
	stats := scheduler.ComputeStats(jobs)

	fmt.Fprintf(w, "# HELP detectd_jobs_total Number of jobs by status\n")
	fmt.Fprintf(w, "# TYPE detectd_jobs_total gauge\n")
	for _, status := range []models.JobStatus{
		models.JobStatusQueued,
		models.JobStatusProcessing,
		models.JobStatusCompleted,
		models.JobStatusFailed,
		models.JobStatusCancelled,
	} {
		fmt.Fprintf(w, "detectd_jobs_total{status=\"%s\"} %d\n", status, stats.CountsByStatus[status])
	}

	fmt.Fprintf(w, "\n# HELP detectd_queue_length Jobs waiting for dispatch\n")
	fmt.Fprintf(w, "# TYPE detectd_queue_length gauge\n")
	fmt.Fprintf(w, "detectd_queue_length %d\n", stats.QueueLength)

	fmt.Fprintf(w, "\n# HELP detectd_active_jobs Jobs currently processing\n")
	fmt.Fprintf(w, "# TYPE detectd_active_jobs gauge\n")
	fmt.Fprintf(w, "detectd_active_jobs %d\n", stats.ActiveJobs)

	fmt.Fprintf(w, "\n# HELP detectd_avg_processing_seconds Mean processing time of completed jobs\n")
	fmt.Fprintf(w, "# TYPE detectd_avg_processing_seconds gauge\n")
	fmt.Fprintf(w, "detectd_avg_processing_seconds %.2f\n", stats.AvgProcessing.Seconds())

	wait := scheduler.EstimateWait(jobs, models.PriorityNormal, time.Now(), e.boostAfter)
	fmt.Fprintf(w, "\n# HELP detectd_estimated_wait_seconds Estimated queue wait for a new normal-priority job\n")
	fmt.Fprintf(w, "# TYPE detectd_estimated_wait_seconds gauge\n")
	fmt.Fprintf(w, "detectd_estimated_wait_seconds %.2f\n", wait.Seconds())

	e.mu.RLock()
	fmt.Fprintf(w, "\n# HELP detectd_schedule_attempts Dispatch attempts by result\n")
	fmt.Fprintf(w, "# TYPE detectd_schedule_attempts counter\n")
	for _, result := range sortedKeys(e.scheduleAttempts) {
		fmt.Fprintf(w, "detectd_schedule_attempts{result=\"%s\"} %d\n", result, e.scheduleAttempts[result])
	}

	fmt.Fprintf(w, "\n# HELP detectd_submissions Job submissions by outcome\n")
	fmt.Fprintf(w, "# TYPE detectd_submissions counter\n")
	for _, outcome := range sortedKeys(e.submissions) {
		fmt.Fprintf(w, "detectd_submissions{outcome=\"%s\"} %d\n", outcome, e.submissions[outcome])
	}
	e.mu.RUnlock()

	fmt.Fprintf(w, "\n# HELP detectd_uptime_seconds Server uptime\n")
	fmt.Fprintf(w, "# TYPE detectd_uptime_seconds counter\n")
	fmt.Fprintf(w, "detectd_uptime_seconds %d\n", int64(time.Since(e.startTime).Seconds()))

	// Append metrics accumulated in the default registry, skipping the
	// families already written manually above.
	metricFamilies, err := promclient.DefaultGatherer.Gather()
	if err != nil {
		fmt.Fprintf(w, "# Error gathering Prometheus metrics: %v\n", err)
		return
	}

	fmt.Fprintf(w, "\n")
	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range metricFamilies {
		switch mf.GetName() {
		case "detectd_schedule_attempts", "detectd_submissions":
			continue
		}
		if err := encoder.Encode(mf); err != nil {
			fmt.Fprintf(w, "# Error encoding metric %s: %v\n", mf.GetName(), err)
		}
	}
	w.Write(buf.Bytes())
}

func sortedKeys(counts map[string]int64) []string {
	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
