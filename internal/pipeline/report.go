package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// Report is the end-of-run summary for one job, printed for the operator
// and returned on the status endpoint.
type Report struct {
	JobID            string        `json:"job_id"`
	VideoPath        string        `json:"video_path"`
	OutputPath       string        `json:"output_path"`
	TargetDuration   float64       `json:"target_duration_sec"`
	ActualDuration   float64       `json:"actual_duration_sec"`
	PrecisionPercent float64       `json:"precision_percent"`
	VoicedFraction   float64       `json:"voiced_fraction"`
	SegmentCount     int           `json:"segment_count"`
	FallbackCount    int           `json:"fallback_count"`
	Iterations       int           `json:"iterations"`
	LengthScale      float64       `json:"length_scale"`
	BoostDB          float64       `json:"boost_db"`
	Elapsed          time.Duration `json:"elapsed"`
}

func (r *Report) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "job %s: %s\n", r.JobID, r.VideoPath)
	fmt.Fprintf(&sb, "  output:          %s\n", r.OutputPath)
	fmt.Fprintf(&sb, "  duration:        %.3fs (target %.3fs, %.2f%% precise)\n",
		r.ActualDuration, r.TargetDuration, r.PrecisionPercent)
	fmt.Fprintf(&sb, "  segments:        %d voiced %.0f%%, %d silence fallback\n",
		r.SegmentCount, r.VoicedFraction*100, r.FallbackCount)
	fmt.Fprintf(&sb, "  calibration:     %d pass(es), length scale %.3f", r.Iterations, r.LengthScale)
	if r.BoostDB > 0 {
		fmt.Fprintf(&sb, ", boost %.1f dB", r.BoostDB)
	}
	fmt.Fprintf(&sb, "\n  elapsed:         %s\n", r.Elapsed.Round(time.Second))
	return sb.String()
}
