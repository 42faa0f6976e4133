package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Job is one video to re-dub. SubtitlePath is optional; when empty the
// transcription stage produces the cues.
type Job struct {
	ID           string
	VideoPath    string
	SubtitlePath string
	TargetLang   string

	mu     sync.Mutex
	status JobStatus
	err    error
	report *Report
}

func NewJob(videoPath, subtitlePath, targetLang string) *Job {
	return &Job{
		ID:           uuid.NewString(),
		VideoPath:    videoPath,
		SubtitlePath: subtitlePath,
		TargetLang:   targetLang,
		status:       JobQueued,
	}
}

func (j *Job) Status() (JobStatus, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status, j.err
}

func (j *Job) Report() *Report {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.report
}

func (j *Job) setRunning() {
	j.mu.Lock()
	j.status = JobRunning
	j.mu.Unlock()
}

func (j *Job) setDone(r *Report) {
	j.mu.Lock()
	j.status = JobDone
	j.report = r
	j.mu.Unlock()
}

func (j *Job) setFailed(err error) {
	j.mu.Lock()
	j.status = JobFailed
	j.err = err
	j.mu.Unlock()
}

// Event is a progress notification for the websocket feed.
type Event struct {
	JobID   string    `json:"job_id"`
	Stage   string    `json:"stage"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// EventSink receives progress events. Publish must not block; slow
// consumers are the sink's problem.
type EventSink interface {
	Publish(Event)
}

type nopSink struct{}

func (nopSink) Publish(Event) {}
