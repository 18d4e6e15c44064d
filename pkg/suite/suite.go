package suite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrSkipped marks a suite that declined to run, usually because its
// precondition (an optional deployment feature) is absent. Skipped
// suites count as passed but are reported distinctly.
var ErrSkipped = errors.New("suite skipped")

// ErrUnknownSuite is returned when a requested suite name is not registered
var ErrUnknownSuite = errors.New("unknown suite")

// Suite is one named resilience or load check. Required suites gate the
// overall verdict; optional ones only distinguish all-pass from
// meets-minimum.
type Suite struct {
	Name        string
	Description string
	Required    bool
	Run         func(ctx context.Context) error
}

// Result is the outcome of one suite execution
type Result struct {
	Name     string        `json:"name"`
	Required bool          `json:"required"`
	Passed   bool          `json:"passed"`
	Skipped  bool          `json:"skipped"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Classification is the overall verdict of a run
type Classification string

const (
	// ClassAllPass means every suite, required and optional, passed
	ClassAllPass Classification = "all-pass"
	// ClassMeetsMinimum means every required suite passed but at least
	// one optional suite failed
	ClassMeetsMinimum Classification = "meets-minimum"
	// ClassFailed means at least one required suite failed
	ClassFailed Classification = "failed"
)

// Verdict aggregates suite results into counts and a classification
type Verdict struct {
	Classification Classification `json:"classification"`
	RequiredPassed int            `json:"required_passed"`
	RequiredTotal  int            `json:"required_total"`
	OptionalPassed int            `json:"optional_passed"`
	OptionalTotal  int            `json:"optional_total"`
	Results        []Result       `json:"results"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at"`
}

// Passing reports whether the verdict meets the minimum bar
func (v *Verdict) Passing() bool {
	return v.Classification != ClassFailed
}

// Classify reduces results into a verdict. It is pure; skipped suites
// count as passed on both axes.
func Classify(results []Result) Verdict {
	verdict := Verdict{Results: results}

	for _, r := range results {
		ok := r.Passed || r.Skipped
		if r.Required {
			verdict.RequiredTotal++
			if ok {
				verdict.RequiredPassed++
			}
		} else {
			verdict.OptionalTotal++
			if ok {
				verdict.OptionalPassed++
			}
		}
	}

	switch {
	case verdict.RequiredPassed < verdict.RequiredTotal:
		verdict.Classification = ClassFailed
	case verdict.OptionalPassed < verdict.OptionalTotal:
		verdict.Classification = ClassMeetsMinimum
	default:
		verdict.Classification = ClassAllPass
	}

	return verdict
}

// Registry holds the ordered set of suites and runs them sequentially.
// Suites share the deployment under test, so parallel suite execution
// would invalidate each other's faults.
type Registry struct {
	mu     sync.Mutex
	suites []Suite
	out    io.Writer
}

// NewRegistry creates a suite registry writing its report to out
func NewRegistry(out io.Writer) *Registry {
	if out == nil {
		out = os.Stdout
	}
	return &Registry{out: out}
}

// Register adds a suite. Registration order is execution order.
func (r *Registry) Register(s Suite) error {
	if s.Name == "" {
		return errors.New("suite name is required")
	}
	if s.Run == nil {
		return fmt.Errorf("suite %s has no run function", s.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.suites {
		if existing.Name == s.Name {
			return fmt.Errorf("suite %s already registered", s.Name)
		}
	}
	r.suites = append(r.suites, s)
	return nil
}

// Suites returns the registered suites in execution order
func (r *Registry) Suites() []Suite {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Suite{}, r.suites...)
}

// RunAll executes suites sequentially and reports the verdict. With no
// names it runs everything; with names it runs exactly those, in
// registration order. A panicking suite is recorded as failed and the
// remaining suites still run. Cancellation records every unexecuted
// suite as not-passed, so an interrupted run never classifies better
// than the suites it actually finished.
func (r *Registry) RunAll(ctx context.Context, names ...string) (*Verdict, error) {
	selected, err := r.selectSuites(names)
	if err != nil {
		return nil, err
	}

	tracer := otel.Tracer("faultline/suite")
	startedAt := time.Now()
	results := make([]Result, 0, len(selected))

	for i, s := range selected {
		if ctx.Err() != nil {
			// A cancelled run must not look like a clean pass: every
			// unexecuted suite is recorded as not-passed so required
			// ones still gate the verdict.
			for _, rest := range selected[i:] {
				result := Result{
					Name:     rest.Name,
					Required: rest.Required,
					Error:    "not run: " + ctx.Err().Error(),
				}
				results = append(results, result)
				r.printResult(result)
			}
			break
		}
		result := r.runOne(ctx, tracer, s)
		results = append(results, result)
		r.printResult(result)
	}

	verdict := Classify(results)
	verdict.StartedAt = startedAt
	verdict.FinishedAt = time.Now()
	r.printSummary(&verdict)

	return &verdict, nil
}

// selectSuites resolves requested names against the registry
func (r *Registry) selectSuites(names []string) ([]Suite, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(names) == 0 {
		return append([]Suite{}, r.suites...), nil
	}

	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		found := false
		for _, s := range r.suites {
			if s.Name == name {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSuite, name)
		}
		wanted[name] = true
	}

	selected := make([]Suite, 0, len(wanted))
	for _, s := range r.suites {
		if wanted[s.Name] {
			selected = append(selected, s)
		}
	}
	return selected, nil
}

// runOne executes a single suite with panic containment
func (r *Registry) runOne(ctx context.Context, tracer trace.Tracer, s Suite) Result {
	suiteCtx, span := tracer.Start(ctx, "suite."+s.Name,
		trace.WithAttributes(attribute.Bool("suite.required", s.Required)))
	defer span.End()

	start := time.Now()
	err := runProtected(suiteCtx, s)
	duration := time.Since(start)

	result := Result{
		Name:     s.Name,
		Required: s.Required,
		Duration: duration,
	}

	switch {
	case errors.Is(err, ErrSkipped):
		result.Skipped = true
		span.SetStatus(codes.Ok, "skipped")
		log.Info().Str("suite", s.Name).Msg("Suite skipped")
	case err != nil:
		result.Error = err.Error()
		span.SetStatus(codes.Error, err.Error())
		log.Warn().Str("suite", s.Name).Dur("duration", duration).Err(err).Msg("Suite failed")
	default:
		result.Passed = true
		span.SetStatus(codes.Ok, "")
		log.Info().Str("suite", s.Name).Dur("duration", duration).Msg("Suite passed")
	}

	return result
}

// runProtected invokes the suite function and converts panics into errors
func runProtected(ctx context.Context, s Suite) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("suite panicked: %v", rec)
			log.Error().
				Str("suite", s.Name).
				Interface("panic", rec).
				Str("stack", string(debug.Stack())).
				Msg("Suite panicked")
		}
	}()
	return s.Run(ctx)
}

// printResult writes one suite's line to the report
func (r *Registry) printResult(result Result) {
	switch {
	case result.Skipped:
		fmt.Fprintf(r.out, "SKIP  %s\n", result.Name)
	case result.Passed:
		fmt.Fprintf(r.out, "PASS  %s (%s)\n", result.Name, result.Duration.Round(time.Millisecond))
	default:
		fmt.Fprintf(r.out, "FAIL  %s (%s): %s\n", result.Name, result.Duration.Round(time.Millisecond), result.Error)
	}
}

// printSummary writes the closing verdict block
func (r *Registry) printSummary(v *Verdict) {
	fmt.Fprintf(r.out, "\nRequired: %d/%d passed\n", v.RequiredPassed, v.RequiredTotal)
	fmt.Fprintf(r.out, "Optional: %d/%d passed\n", v.OptionalPassed, v.OptionalTotal)
	fmt.Fprintf(r.out, "Verdict:  %s (%s)\n", v.Classification, v.FinishedAt.Sub(v.StartedAt).Round(time.Millisecond))
}
