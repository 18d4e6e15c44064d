package probe

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/faultline/faultline/pkg/target"
)

// Config configuration for the readiness poller
type Config struct {
	Name         string        `json:"name"`
	MaxAttempts  int           `json:"max_attempts"`  // Maximum number of health probes
	Interval     time.Duration `json:"interval"`      // Delay between probe attempts
	ProbeTimeout time.Duration `json:"probe_timeout"` // Per-probe timeout, distinct from the interval
}

// DefaultConfig returns default poller configuration
func DefaultConfig() Config {
	return Config{
		Name:         "default",
		MaxAttempts:  10,
		Interval:     2 * time.Second,
		ProbeTimeout: 3 * time.Second,
	}
}

// Poller repeatedly probes an endpoint's health path until it reports
// ready or the attempt budget is exhausted. It is the only component in
// the orchestrator with internal retry; everything above it issues
// single-shot steps against it.
type Poller struct {
	config Config
}

// New creates a readiness poller
func New(config Config) *Poller {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 10
	}
	if config.Interval <= 0 {
		config.Interval = 2 * time.Second
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 3 * time.Second
	}
	if config.Name == "" {
		config.Name = "default"
	}
	return &Poller{config: config}
}

// WaitReady probes the endpoint until it is healthy, the attempt budget
// runs out, or the context is cancelled. Exhaustion returns false
// without raising; callers decide whether that is fatal.
func (p *Poller) WaitReady(ctx context.Context, client *target.Client) bool {
	endpoint := client.Endpoint()

	for attempt := 1; attempt <= p.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			log.Warn().
				Str("poller", p.config.Name).
				Str("endpoint", endpoint.Name).
				Int("attempt", attempt).
				Msg("Readiness polling cancelled")
			return false
		default:
		}

		probeCtx, cancel := context.WithTimeout(ctx, p.config.ProbeTimeout)
		info, err := client.Health(probeCtx)
		cancel()

		if err == nil {
			log.Info().
				Str("poller", p.config.Name).
				Str("endpoint", endpoint.Name).
				Str("instance", info.Instance).
				Int("attempt", attempt).
				Msg("Endpoint ready")
			return true
		}

		log.Debug().
			Str("poller", p.config.Name).
			Str("endpoint", endpoint.Name).
			Int("attempt", attempt).
			Int("max_attempts", p.config.MaxAttempts).
			Err(err).
			Msg("Health probe failed")

		// No delay after the last attempt
		if attempt == p.config.MaxAttempts {
			break
		}

		select {
		case <-time.After(p.config.Interval):
		case <-ctx.Done():
			return false
		}
	}

	log.Warn().
		Str("poller", p.config.Name).
		Str("endpoint", endpoint.Name).
		Int("attempts", p.config.MaxAttempts).
		Msg("Endpoint did not become ready")
	return false
}

// WaitReadyAll polls every client sequentially and reports whether all
// of them became ready
func (p *Poller) WaitReadyAll(ctx context.Context, clients ...*target.Client) bool {
	for _, client := range clients {
		if !p.WaitReady(ctx, client) {
			return false
		}
	}
	return true
}
