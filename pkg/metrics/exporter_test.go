package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pitchvision/detectd/pkg/models"
	"github.com/pitchvision/detectd/pkg/store"
)

func scrape(t *testing.T, e *Exporter) string {
	t.Helper()
	rr := httptest.NewRecorder()
	e.ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	return rr.Body.String()
}

// The manual schedule-attempts section exposes exactly the labels the
// dispatcher reported, with their accumulated counts.
func TestExporterScheduleAttempts(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	e := NewExporter(st, 0)
	e.RecordScheduleAttempt("success")
	e.RecordScheduleAttempt("success")
	e.RecordScheduleAttempt("no_jobs")

	body := scrape(t, e)
	for _, want := range []string{
		`detectd_schedule_attempts{result="success"} 2`,
		`detectd_schedule_attempts{result="no_jobs"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
	if strings.Contains(body, `result="dispatched"`) {
		t.Error("scrape contains a label the dispatcher never reports")
	}
}

func TestExporterSubmissions(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	e := NewExporter(st, 0)
	e.RecordSubmission("accepted")
	e.RecordSubmission("provider_unavailable")

	body := scrape(t, e)
	for _, want := range []string{
		`detectd_submissions{outcome="accepted"} 1`,
		`detectd_submissions{outcome="provider_unavailable"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

// Estimated wait is queued-jobs-ahead times the mean processing time of
// completed jobs.
func TestExporterEstimatedWait(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	started := time.Now().Add(-10 * time.Minute)
	finished := started.Add(2 * time.Minute)
	st.CreateJob(&models.Job{
		ID:          "done-1",
		Status:      models.JobStatusCompleted,
		Priority:    models.PriorityNormal,
		CreatedAt:   started,
		StartedAt:   &started,
		CompletedAt: &finished,
	})
	for _, id := range []string{"q1", "q2"} {
		st.CreateJob(&models.Job{
			ID:        id,
			Status:    models.JobStatusQueued,
			Priority:  models.PriorityNormal,
			CreatedAt: time.Now(),
		})
	}

	body := scrape(t, NewExporter(st, 0))
	if !strings.Contains(body, "detectd_estimated_wait_seconds 240.00") {
		t.Errorf("scrape missing estimated wait of 240s:\n%s", body)
	}
}
