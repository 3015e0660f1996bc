package progress

import "time"

// Sample is one progress observation
type Sample struct {
	Phase          string        `json:"phase"`
	At             time.Time     `json:"at"`
	Elapsed        time.Duration `json:"elapsed"`
	Done           uint64        `json:"done"`
	Total          uint64        `json:"total"`
	Percent        float64       `json:"percent"`
	EstimatedTotal time.Duration `json:"estimated_total"`
	Remaining      time.Duration `json:"remaining"`

	// Smoothed is set when a moving-window estimate is available
	Smoothed          bool          `json:"smoothed"`
	SmoothedRemaining time.Duration `json:"smoothed_remaining,omitempty"`
}

// Estimate computes a point estimate from the phase start: the whole run is
// assumed to proceed at the average rate observed so far. Early samples are
// noisy; nothing is smoothed here. A zero done or total yields zero
// estimates instead of dividing by zero.
func Estimate(elapsed time.Duration, done, total uint64) Sample {
	s := Sample{
		Elapsed: elapsed,
		Done:    done,
		Total:   total,
	}
	if total > 0 {
		s.Percent = float64(done) * 100 / float64(total)
	}
	if done > 0 && total > 0 {
		fraction := float64(done) / float64(total)
		s.EstimatedTotal = time.Duration(float64(elapsed) / fraction)
		s.Remaining = s.EstimatedTotal - elapsed
	}
	return s
}

// remainingAtRate projects the time left at a throughput of rate units/s
func remainingAtRate(done, total uint64, rate float64) (time.Duration, bool) {
	if rate <= 0 || done >= total {
		return 0, rate > 0
	}
	secs := float64(total-done) / rate
	return time.Duration(secs * float64(time.Second)), true
}
