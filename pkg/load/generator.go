package load

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/faultline/faultline/pkg/target"
)

// OperationFunc issues one request against the system under test
type OperationFunc func(ctx context.Context) error

// Operation is one entry in a weighted request mix
type Operation struct {
	Name   string
	Weight float64
	Do     OperationFunc
}

// Profile parameterizes one load generation run
type Profile struct {
	Concurrency     int           `json:"concurrency"`       // Virtual user count
	RequestsPerUser int           `json:"requests_per_user"` // Sequential requests per user
	RequestTimeout  time.Duration `json:"request_timeout"`   // Per-request budget
	RampUp          time.Duration `json:"ramp_up"`           // Linear start staggering window
	ThinkTimeMax    time.Duration `json:"think_time_max"`    // Upper bound of random inter-request pause
	Mix             []Operation   `json:"-"`
}

// Error kinds recorded on failed outcomes
const (
	ErrorKindTimeout    = "timeout"
	ErrorKindCanceled   = "canceled"
	ErrorKindConnection = "connection"
	ErrorKindHTTPStatus = "http_status"
	ErrorKindOther      = "other"
)

// Outcome is one request attempt's write-once record
type Outcome struct {
	Operation string        `json:"operation"`
	Success   bool          `json:"success"`
	Latency   time.Duration `json:"latency"`
	ErrorKind string        `json:"error_kind,omitempty"`
}

// Validate checks the profile for a runnable configuration
func (p Profile) Validate() error {
	if p.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	if p.RequestsPerUser < 1 {
		return fmt.Errorf("requests per user must be at least 1")
	}
	if p.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if p.RampUp < 0 {
		return fmt.Errorf("ramp-up cannot be negative")
	}
	if len(p.Mix) == 0 {
		return fmt.Errorf("request mix cannot be empty")
	}

	var total float64
	for _, op := range p.Mix {
		if op.Do == nil {
			return fmt.Errorf("operation %q has no function", op.Name)
		}
		if op.Weight <= 0 {
			return fmt.Errorf("operation %q weight must be positive", op.Name)
		}
		total += op.Weight
	}
	if total < 0.999 || total > 1.001 {
		return fmt.Errorf("operation weights must sum to 1.0, got %.3f", total)
	}

	return nil
}

// Generator runs load profiles with a bounded worker pool of virtual
// users. Each invocation returns a fresh outcome slice; no state is
// shared between runs.
type Generator struct {
	seed int64
}

// NewGenerator creates a load generator. A zero seed derives one from
// the clock.
func NewGenerator(seed int64) *Generator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{seed: seed}
}

// Run spawns profile.Concurrency virtual users and joins them all
// before returning. User i is delayed by i/concurrency of the ramp-up
// window so load increases linearly rather than as a step function.
// Every request outcome is recorded, including timeouts and transport
// errors; nothing is silently dropped.
func (g *Generator) Run(ctx context.Context, profile Profile) ([]Outcome, error) {
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("invalid load profile: %w", err)
	}

	log.Info().
		Int("concurrency", profile.Concurrency).
		Int("requests_per_user", profile.RequestsPerUser).
		Dur("ramp_up", profile.RampUp).
		Dur("request_timeout", profile.RequestTimeout).
		Msg("Starting load run")

	// Per-worker buffers merged at join; virtual users never share a
	// mutable accumulator.
	buffers := make([][]Outcome, profile.Concurrency)
	var wg sync.WaitGroup

	for i := 0; i < profile.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			buffers[worker] = g.runVirtualUser(ctx, profile, worker)
		}(i)
	}

	wg.Wait()

	outcomes := make([]Outcome, 0, profile.Concurrency*profile.RequestsPerUser)
	for _, buf := range buffers {
		outcomes = append(outcomes, buf...)
	}

	log.Info().
		Int("outcomes", len(outcomes)).
		Msg("Load run complete")
	return outcomes, nil
}

// runVirtualUser issues the user's sequential request loop
func (g *Generator) runVirtualUser(ctx context.Context, profile Profile, worker int) []Outcome {
	rng := rand.New(rand.NewSource(g.seed + int64(worker)))
	outcomes := make([]Outcome, 0, profile.RequestsPerUser)

	// Linear ramp-up: worker i starts at i/concurrency of the window.
	delay := time.Duration(int64(worker) * int64(profile.RampUp) / int64(profile.Concurrency))
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return outcomes
		}
	}

	for r := 0; r < profile.RequestsPerUser; r++ {
		select {
		case <-ctx.Done():
			return outcomes
		default:
		}

		op := pickOperation(profile.Mix, rng.Float64())

		reqCtx, cancel := context.WithTimeout(ctx, profile.RequestTimeout)
		start := time.Now()
		err := op.Do(reqCtx)
		latency := time.Since(start)
		cancel()

		outcome := Outcome{
			Operation: op.Name,
			Success:   err == nil,
			Latency:   latency,
		}
		if err != nil {
			outcome.ErrorKind = classifyError(err)
		}
		outcomes = append(outcomes, outcome)

		// Bounded random think-time avoids synchronized bursts.
		if profile.ThinkTimeMax > 0 && r < profile.RequestsPerUser-1 {
			think := time.Duration(rng.Int63n(int64(profile.ThinkTimeMax)))
			select {
			case <-time.After(think):
			case <-ctx.Done():
				return outcomes
			}
		}
	}

	return outcomes
}

// pickOperation samples the weighted mix with a uniform [0,1) draw
func pickOperation(mix []Operation, draw float64) Operation {
	var cumulative float64
	for _, op := range mix {
		cumulative += op.Weight
		if draw < cumulative {
			return op
		}
	}
	// Floating point slack lands on the last entry.
	return mix[len(mix)-1]
}

// classifyError maps a request error onto the outcome taxonomy
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrorKindCanceled
	}

	var statusErr *target.StatusError
	if errors.As(err, &statusErr) {
		return ErrorKindHTTPStatus
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorKindTimeout
		}
		return ErrorKindConnection
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return ErrorKindConnection
	}

	return ErrorKindOther
}
