package infra

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ActionKind identifies an infrastructure action
type ActionKind string

const (
	// ActionStop stops a single component
	ActionStop ActionKind = "stop"
	// ActionStart starts a single component
	ActionStart ActionKind = "start"
	// ActionRestart restarts a single component
	ActionRestart ActionKind = "restart"
	// ActionRestartAll restarts every component in the deployment
	ActionRestartAll ActionKind = "restart-all"
	// ActionScale changes the replica count of a component
	ActionScale ActionKind = "scale"
)

// Action is one typed infrastructure command
type Action struct {
	Kind     ActionKind `json:"kind"`
	Replicas int        `json:"replicas,omitempty"` // Scale only
}

// Stop returns a stop action
func Stop() Action { return Action{Kind: ActionStop} }

// Start returns a start action
func Start() Action { return Action{Kind: ActionStart} }

// Restart returns a restart action
func Restart() Action { return Action{Kind: ActionRestart} }

// RestartAll returns a whole-deployment restart action
func RestartAll() Action { return Action{Kind: ActionRestartAll} }

// Scale returns a scale action with the given replica count
func Scale(replicas int) Action { return Action{Kind: ActionScale, Replicas: replicas} }

// CommandResult captures the outcome of one infrastructure command
type CommandResult struct {
	Success  bool          `json:"success"`
	Output   string        `json:"output"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`
	Argv     []string      `json:"argv"`
}

// Runner executes infrastructure actions against named components.
// Implementations never retry internally; retry policy belongs to the
// scenario runner.
type Runner interface {
	Run(ctx context.Context, action Action, component string) (*CommandResult, error)
}

// Common runner errors
var (
	ErrUnknownAction  = errors.New("unknown infrastructure action")
	ErrCommandFailed  = errors.New("infrastructure command failed")
	ErrCommandTimeout = errors.New("infrastructure command timed out")
)

// ComposeConfig configuration for the compose-backed runner
type ComposeConfig struct {
	Binary      string        `json:"binary"`       // e.g. "docker"
	ComposeArgs []string      `json:"compose_args"` // e.g. ["compose"]
	ProjectDir  string        `json:"project_dir"`
	ProjectName string        `json:"project_name"`
	Timeout     time.Duration `json:"timeout"`
}

// DefaultComposeConfig returns default compose runner configuration
func DefaultComposeConfig() ComposeConfig {
	return ComposeConfig{
		Binary:      "docker",
		ComposeArgs: []string{"compose"},
		ProjectDir:  ".",
		Timeout:     60 * time.Second,
	}
}

// ComposeRunner shells out to a compose-style CLI that owns component
// lifecycle. The CLI itself is opaque: any process-control mechanism
// with the same verbs satisfies the contract.
type ComposeRunner struct {
	config ComposeConfig
}

// NewComposeRunner creates a compose-backed command runner
func NewComposeRunner(config ComposeConfig) *ComposeRunner {
	if config.Binary == "" {
		config.Binary = "docker"
		config.ComposeArgs = []string{"compose"}
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	return &ComposeRunner{config: config}
}

// buildArgs translates a typed action into compose CLI arguments
func (r *ComposeRunner) buildArgs(action Action, component string) ([]string, error) {
	args := append([]string{}, r.config.ComposeArgs...)
	if r.config.ProjectName != "" {
		args = append(args, "-p", r.config.ProjectName)
	}

	switch action.Kind {
	case ActionStop:
		args = append(args, "stop", component)
	case ActionStart:
		args = append(args, "start", component)
	case ActionRestart:
		args = append(args, "restart", component)
	case ActionRestartAll:
		args = append(args, "restart")
	case ActionScale:
		args = append(args, "up", "-d", "--no-recreate",
			"--scale", fmt.Sprintf("%s=%d", component, action.Replicas))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, action.Kind)
	}

	return args, nil
}

// Run executes one infrastructure action with a hard timeout. A timeout
// is reported as failure; the command is never retried here.
func (r *ComposeRunner) Run(ctx context.Context, action Action, component string) (*CommandResult, error) {
	args, err := r.buildArgs(action, component)
	if err != nil {
		return &CommandResult{Success: false}, err
	}

	cmdCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, r.config.Binary, args...)
	cmd.Dir = r.config.ProjectDir

	start := time.Now()
	output, runErr := cmd.CombinedOutput()
	duration := time.Since(start)

	result := &CommandResult{
		Output:   strings.TrimSpace(string(output)),
		Duration: duration,
		Argv:     append([]string{r.config.Binary}, args...),
	}

	if cmdCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		log.Error().
			Str("action", string(action.Kind)).
			Str("component", component).
			Dur("timeout", r.config.Timeout).
			Msg("Infrastructure command timed out")
		return result, fmt.Errorf("%w after %v: %s %s", ErrCommandTimeout,
			r.config.Timeout, action.Kind, component)
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
		log.Error().
			Str("action", string(action.Kind)).
			Str("component", component).
			Int("exit_code", result.ExitCode).
			Str("output", result.Output).
			Msg("Infrastructure command failed")
		return result, fmt.Errorf("%w: %s %s: %v", ErrCommandFailed, action.Kind, component, runErr)
	}

	result.Success = true
	log.Info().
		Str("action", string(action.Kind)).
		Str("component", component).
		Dur("duration", duration).
		Msg("Infrastructure command completed")
	return result, nil
}
