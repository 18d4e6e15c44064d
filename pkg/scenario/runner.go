package scenario

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/faultline/faultline/pkg/infra"
	"github.com/faultline/faultline/pkg/probe"
	"github.com/faultline/faultline/pkg/target"
)

// Step names attached to failed runs
const (
	StepPrecondition       = "precondition_check"
	StepFaultInjection     = "fault_injection"
	StepDegradedValidation = "degraded_validation"
	StepRecovery           = "recovery"
	StepPostValidation     = "post_validation"
)

// Definition describes one fault-injection scenario. Definitions are
// stateless between runs; a fresh Run is created per invocation.
type Definition struct {
	Name      string
	Component string
	Fault     infra.Action
	Heal      infra.Action

	// Degraded exercises the system while the fault is active. Nil for
	// scenarios whose fault is total (nothing meaningful to assert).
	Degraded func(ctx context.Context) error

	// MarkerResource is where the durability marker lives. It must be a
	// resource owned by the faulted component, otherwise post-validation
	// re-reads data the fault never touched. Empty falls back to the
	// runner default.
	MarkerResource string

	// HealAttempts overrides the runner's heal poll budget when > 0.
	// Recovering a multi-node storage component takes tens of seconds,
	// not single digits.
	HealAttempts int
}

// Config configuration for the scenario runner
type Config struct {
	HealthPoll      probe.Config  `json:"health_poll"`
	HealPoll        probe.Config  `json:"heal_poll"`
	DegradedTimeout time.Duration `json:"degraded_timeout"`
	MarkerResource  string        `json:"marker_resource"`
}

// DefaultConfig returns default scenario runner configuration
func DefaultConfig() Config {
	healthPoll := probe.DefaultConfig()
	healthPoll.Name = "health"

	healPoll := probe.DefaultConfig()
	healPoll.Name = "heal"
	healPoll.MaxAttempts = 20
	healPoll.Interval = 3 * time.Second

	return Config{
		HealthPoll:      healthPoll,
		HealPoll:        healPoll,
		DegradedTimeout: 15 * time.Second,
		MarkerResource:  "users",
	}
}

// Run is the mutable record of one scenario execution. All state lives
// here; the runner itself is safe to reuse across scenarios.
type Run struct {
	ID          string       `json:"id"`
	Scenario    string       `json:"scenario"`
	State       State        `json:"state"`
	FailedStep  string       `json:"failed_step,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	Transitions []Transition `json:"transitions"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`

	markerResource string
	markerID       string
	markerPayload  map[string]interface{}
}

// Passed reports whether the run reached the terminal success state
func (r *Run) Passed() bool {
	return r.State == StatePassed
}

// transitionTo validates and records a state change
func (r *Run) transitionTo(to State, reason, errMsg string) {
	if !r.State.CanTransitionTo(to) {
		// Transition table bug, not a system-under-test failure.
		panic(fmt.Sprintf("invalid scenario transition %s -> %s", r.State, to))
	}

	transition := Transition{
		From:      r.State,
		To:        to,
		Timestamp: time.Now(),
		Reason:    reason,
		Error:     errMsg,
	}
	r.State = to
	r.Transitions = append(r.Transitions, transition)

	log.Info().
		Str("run_id", r.ID).
		Str("scenario", r.Scenario).
		Str("from", string(transition.From)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("Scenario state transition")
}

// Runner drives fault-injection scenarios through the state machine.
// Infrastructure actions are single-shot; only the readiness poller
// retries internally.
type Runner struct {
	infra     infra.Runner
	gateway   *target.Client
	endpoints []*target.Client
	config    Config
}

// NewRunner creates a scenario runner. The gateway client is used for
// marker record creation and post-recovery reads; the endpoint set is
// polled for baseline and post-heal readiness.
func NewRunner(infraRunner infra.Runner, gateway *target.Client, endpoints []*target.Client, config Config) *Runner {
	if config.MarkerResource == "" {
		config.MarkerResource = "users"
	}
	if config.DegradedTimeout <= 0 {
		config.DegradedTimeout = 15 * time.Second
	}
	return &Runner{
		infra:     infraRunner,
		gateway:   gateway,
		endpoints: endpoints,
		config:    config,
	}
}

// Execute runs one scenario to a terminal state. Failures never
// propagate as errors; the returned Run carries the verdict and the
// failing step name.
func (r *Runner) Execute(ctx context.Context, def Definition) *Run {
	tracer := otel.Tracer("faultline/scenario")
	ctx, span := tracer.Start(ctx, "scenario."+def.Name)
	defer span.End()
	span.SetAttributes(
		attribute.String("scenario.component", def.Component),
		attribute.String("scenario.fault", string(def.Fault.Kind)),
	)

	run := &Run{
		ID:             uuid.New().String(),
		Scenario:       def.Name,
		State:          StateInit,
		StartedAt:      time.Now(),
		markerResource: def.MarkerResource,
	}
	if run.markerResource == "" {
		run.markerResource = r.config.MarkerResource
	}
	defer func() {
		run.FinishedAt = time.Now()
		if run.Passed() {
			span.SetStatus(codes.Ok, "")
		} else {
			span.SetStatus(codes.Error, run.Reason)
		}
	}()

	// Precondition: baseline health plus the marker record that will
	// prove durability across the fault.
	run.transitionTo(StatePreconditionCheck, "verifying baseline health", "")
	healthPoller := probe.New(r.config.HealthPoll)
	if !healthPoller.WaitReadyAll(ctx, r.endpoints...) {
		r.fail(run, StepPrecondition, fmt.Errorf("preconditions not met: endpoints not healthy"))
		return run
	}
	if err := r.seedMarker(ctx, run); err != nil {
		r.fail(run, StepPrecondition, fmt.Errorf("preconditions not met: %w", err))
		return run
	}

	// Fault injection via the command runner; a failed infra action is
	// fatal to the scenario.
	run.transitionTo(StateFaultInjection, fmt.Sprintf("injecting %s on %s", def.Fault.Kind, def.Component), "")
	if result, err := r.infra.Run(ctx, def.Fault, def.Component); err != nil || !result.Success {
		r.fail(run, StepFaultInjection, fmt.Errorf("fault injection failed: %v", err))
		return run
	}

	// Degraded validation is scenario-specific and may be a no-op for
	// total faults.
	run.transitionTo(StateDegradedValidation, "exercising degraded system", "")
	if def.Degraded != nil {
		degradedCtx, cancel := context.WithTimeout(ctx, r.config.DegradedTimeout)
		err := def.Degraded(degradedCtx)
		cancel()
		if err != nil {
			r.fail(run, StepDegradedValidation, fmt.Errorf("degraded validation failed: %w", err))
			return run
		}
	}

	// Recovery: reverse the fault, then poll with the heal budget. A
	// zero heal action means the fault self-heals and only polling is
	// needed.
	run.transitionTo(StateRecovery, fmt.Sprintf("healing with %s on %s", def.Heal.Kind, def.Component), "")
	if def.Heal.Kind != "" {
		if result, err := r.infra.Run(ctx, def.Heal, def.Component); err != nil || !result.Success {
			r.fail(run, StepRecovery, fmt.Errorf("heal action failed: %v", err))
			return run
		}
	}
	healConfig := r.config.HealPoll
	if def.HealAttempts > 0 {
		healConfig.MaxAttempts = def.HealAttempts
	}
	if !probe.New(healConfig).WaitReadyAll(ctx, r.endpoints...) {
		r.fail(run, StepRecovery, fmt.Errorf("system did not recover within heal budget"))
		return run
	}

	// The marker read-back is the actual correctness oracle, not just
	// "process is up".
	run.transitionTo(StatePostValidation, "re-reading marker record", "")
	if err := r.verifyMarker(ctx, run); err != nil {
		r.fail(run, StepPostValidation, err)
		return run
	}

	run.transitionTo(StatePassed, "marker intact after recovery", "")
	return run
}

// seedMarker creates the scenario's marker record through the gateway
func (r *Runner) seedMarker(ctx context.Context, run *Run) error {
	payload := map[string]interface{}{
		"name":  "marker-" + run.ID,
		"email": "marker-" + run.ID + "@faultline.test",
	}

	id, err := r.gateway.CreateRecord(ctx, run.markerResource, payload)
	if err != nil {
		return fmt.Errorf("marker creation failed: %w", err)
	}

	run.markerID = id
	run.markerPayload = payload
	log.Debug().
		Str("run_id", run.ID).
		Str("marker_resource", run.markerResource).
		Str("marker_id", id).
		Msg("Marker record created")
	return nil
}

// verifyMarker re-reads the marker and compares the seeded fields
func (r *Runner) verifyMarker(ctx context.Context, run *Run) error {
	record, err := r.gateway.GetRecord(ctx, run.markerResource, run.markerID)
	if err != nil {
		return fmt.Errorf("marker lost after recovery: %w", err)
	}

	for key, want := range run.markerPayload {
		if got, ok := record[key]; !ok || !reflect.DeepEqual(got, want) {
			return fmt.Errorf("marker field %q changed after recovery: want %v, got %v", key, want, record[key])
		}
	}
	return nil
}

// fail moves the run to the terminal failure state with the failing
// step attached
func (r *Runner) fail(run *Run, step string, err error) {
	run.FailedStep = step
	run.Reason = err.Error()
	run.transitionTo(StateFailed, "step failed: "+step, err.Error())

	log.Warn().
		Str("run_id", run.ID).
		Str("scenario", run.Scenario).
		Str("step", step).
		Err(err).
		Msg("Scenario failed")
}
