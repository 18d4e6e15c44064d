package load

import "time"

// Summary is the reduction of one load run's outcomes
type Summary struct {
	Total        int            `json:"total"`
	Successes    int            `json:"successes"`
	Failures     int            `json:"failures"`
	SuccessRate  float64        `json:"success_rate"`
	AvgLatency   time.Duration  `json:"avg_latency"`
	MinLatency   time.Duration  `json:"min_latency"`
	MaxLatency   time.Duration  `json:"max_latency"`
	Throughput   float64        `json:"throughput"` // requests per second over wall-clock time
	ErrorsByKind map[string]int `json:"errors_by_kind,omitempty"`
}

// Summarize reduces request outcomes into summary statistics. It is
// pure: the wall-clock duration is supplied by the caller. Empty input
// yields a zero summary rather than dividing by zero.
func Summarize(outcomes []Outcome, wallClock time.Duration) Summary {
	summary := Summary{
		Total:        len(outcomes),
		ErrorsByKind: make(map[string]int),
	}

	if len(outcomes) == 0 {
		return summary
	}

	var totalLatency time.Duration
	summary.MinLatency = outcomes[0].Latency

	for _, o := range outcomes {
		if o.Success {
			summary.Successes++
		} else {
			summary.Failures++
			summary.ErrorsByKind[o.ErrorKind]++
		}

		totalLatency += o.Latency
		if o.Latency < summary.MinLatency {
			summary.MinLatency = o.Latency
		}
		if o.Latency > summary.MaxLatency {
			summary.MaxLatency = o.Latency
		}
	}

	summary.SuccessRate = float64(summary.Successes) / float64(summary.Total)
	summary.AvgLatency = totalLatency / time.Duration(summary.Total)

	if wallClock > 0 {
		summary.Throughput = float64(summary.Total) / wallClock.Seconds()
	}

	return summary
}
