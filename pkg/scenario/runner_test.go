package scenario

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/faultline/faultline/pkg/infra"
	"github.com/faultline/faultline/pkg/probe"
	"github.com/faultline/faultline/pkg/target"
)

// fakeInfra records every action and can be told to fail specific kinds
// or run a hook on each invocation.
type fakeInfra struct {
	mu      sync.Mutex
	calls   []string
	failOn  map[infra.ActionKind]bool
	onStop  func()
	onStart func()
}

func (f *fakeInfra) Run(ctx context.Context, action infra.Action, component string) (*infra.CommandResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf("%s:%s", action.Kind, component))
	f.mu.Unlock()

	if f.failOn[action.Kind] {
		return &infra.CommandResult{Success: false, ExitCode: 1},
			fmt.Errorf("%w: %s %s", infra.ErrCommandFailed, action.Kind, component)
	}
	switch action.Kind {
	case infra.ActionStop:
		if f.onStop != nil {
			f.onStop()
		}
	case infra.ActionStart:
		if f.onStart != nil {
			f.onStart()
		}
	}
	return &infra.CommandResult{Success: true}, nil
}

func (f *fakeInfra) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.calls...)
}

// crudServer is a minimal in-memory multi-resource CRUD target with a
// health toggle
type crudServer struct {
	mu      sync.Mutex
	healthy bool
	stores  map[string]map[string]map[string]interface{}
	nextID  int
	server  *httptest.Server
}

func newCRUDServer(resources ...string) *crudServer {
	if len(resources) == 0 {
		resources = []string{"users", "orders"}
	}

	s := &crudServer{
		healthy: true,
		stores:  make(map[string]map[string]map[string]interface{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	for _, resource := range resources {
		resource := resource
		s.stores[resource] = make(map[string]map[string]interface{})
		mux.HandleFunc("/"+resource, func(w http.ResponseWriter, r *http.Request) {
			s.handleCreate(w, r, resource)
		})
		mux.HandleFunc("/"+resource+"/", func(w http.ResponseWriter, r *http.Request) {
			s.handleGet(w, r, resource)
		})
	}
	s.server = httptest.NewServer(mux)
	return s
}

func (s *crudServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	healthy := s.healthy
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "down"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "service": "crud", "instance": "test-1"})
}

func (s *crudServer) handleCreate(w http.ResponseWriter, r *http.Request, resource string) {
	var payload map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.nextID++
	id := fmt.Sprintf("%d", s.nextID)
	payload["id"] = id
	s.stores[resource][id] = payload
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(payload)
}

func (s *crudServer) handleGet(w http.ResponseWriter, r *http.Request, resource string) {
	id := strings.TrimPrefix(r.URL.Path, "/"+resource+"/")

	s.mu.Lock()
	record, ok := s.stores[resource][id]
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "not found"})
		return
	}
	json.NewEncoder(w).Encode(record)
}

func (s *crudServer) dropRecords(resource string) {
	s.mu.Lock()
	s.stores[resource] = make(map[string]map[string]interface{})
	s.mu.Unlock()
}

func (s *crudServer) dropAllRecords() {
	s.mu.Lock()
	for resource := range s.stores {
		s.stores[resource] = make(map[string]map[string]interface{})
	}
	s.mu.Unlock()
}

func (s *crudServer) recordCount(resource string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stores[resource])
}

func (s *crudServer) setHealthy(healthy bool) {
	s.mu.Lock()
	s.healthy = healthy
	s.mu.Unlock()
}

func testConfig() Config {
	fast := probe.Config{Name: "test", MaxAttempts: 3, Interval: 10 * time.Millisecond, ProbeTimeout: 500 * time.Millisecond}
	return Config{
		HealthPoll:      fast,
		HealPoll:        fast,
		DegradedTimeout: time.Second,
		MarkerResource:  "users",
	}
}

func newTestRunner(t *testing.T, fake *fakeInfra) (*Runner, *crudServer) {
	t.Helper()
	server := newCRUDServer()
	t.Cleanup(server.server.Close)

	client := target.NewClient(target.Endpoint{
		Name:       "gateway",
		BaseURL:    server.server.URL,
		HealthPath: "/health",
	}, time.Second)

	return NewRunner(fake, client, []*target.Client{client}, testConfig()), server
}

func transitionStates(run *Run) []State {
	states := []State{StateInit}
	for _, tr := range run.Transitions {
		states = append(states, tr.To)
	}
	return states
}

func TestExecute_HappyPath(t *testing.T) {
	fake := &fakeInfra{}
	runner, _ := newTestRunner(t, fake)

	run := runner.Execute(context.Background(), ServiceOutage("user-service", "users"))

	if !run.Passed() {
		t.Fatalf("Expected run to pass, got state %s (step %s: %s)", run.State, run.FailedStep, run.Reason)
	}

	want := []State{
		StateInit, StatePreconditionCheck, StateFaultInjection,
		StateDegradedValidation, StateRecovery, StatePostValidation, StatePassed,
	}
	got := transitionStates(run)
	if len(got) != len(want) {
		t.Fatalf("Expected %d states, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Transition %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	calls := fake.callList()
	if len(calls) != 2 || calls[0] != "stop:user-service" || calls[1] != "start:user-service" {
		t.Errorf("Expected stop then start, got %v", calls)
	}
	if run.ID == "" {
		t.Error("Expected run to carry an id")
	}
	if run.FinishedAt.Before(run.StartedAt) {
		t.Error("Expected finish time at or after start time")
	}
}

func TestExecute_MarkerFollowsDefinitionResource(t *testing.T) {
	fake := &fakeInfra{}
	runner, server := newTestRunner(t, fake)

	// Runner default is users; the definition overrides to orders.
	run := runner.Execute(context.Background(), ServiceOutage("order-service", "orders"))

	if !run.Passed() {
		t.Fatalf("Expected run to pass, got state %s (step %s: %s)", run.State, run.FailedStep, run.Reason)
	}
	if server.recordCount("orders") == 0 {
		t.Error("Expected the marker record in orders")
	}
	if server.recordCount("users") != 0 {
		t.Error("Expected no marker record in users")
	}
}

func TestExecute_OrderDataLossFailsOrderScenario(t *testing.T) {
	fake := &fakeInfra{}
	runner, server := newTestRunner(t, fake)
	fake.onStop = func() { server.dropRecords("orders") }

	run := runner.Execute(context.Background(), ServiceOutage("order-service", "orders"))

	// Losing every order across the stop/start must fail the order
	// scenario even though user records are untouched.
	if run.State != StateFailed {
		t.Fatalf("Expected failed state, got %s", run.State)
	}
	if run.FailedStep != StepPostValidation {
		t.Errorf("Expected failure at %s, got %s", StepPostValidation, run.FailedStep)
	}
}

func TestExecute_EmptyMarkerResourceUsesRunnerDefault(t *testing.T) {
	fake := &fakeInfra{}
	runner, server := newTestRunner(t, fake)

	def := ServiceOutage("user-service", "")
	run := runner.Execute(context.Background(), def)

	if !run.Passed() {
		t.Fatalf("Expected run to pass, got state %s (step %s: %s)", run.State, run.FailedStep, run.Reason)
	}
	if server.recordCount("users") == 0 {
		t.Error("Expected the marker in the runner default resource")
	}
}

func TestExecute_FaultInjectionFailureShortCircuits(t *testing.T) {
	fake := &fakeInfra{failOn: map[infra.ActionKind]bool{infra.ActionStop: true}}
	runner, _ := newTestRunner(t, fake)

	run := runner.Execute(context.Background(), ServiceOutage("user-service", "users"))

	if run.State != StateFailed {
		t.Fatalf("Expected failed state, got %s", run.State)
	}
	if run.FailedStep != StepFaultInjection {
		t.Errorf("Expected failure at %s, got %s", StepFaultInjection, run.FailedStep)
	}

	// The heal action must never run after a failed injection
	for _, call := range fake.callList() {
		if call == "start:user-service" {
			t.Error("Heal action ran after failed fault injection")
		}
	}
	for _, tr := range run.Transitions {
		if tr.To == StateRecovery || tr.To == StatePostValidation {
			t.Errorf("Unexpected transition to %s after failed injection", tr.To)
		}
	}
}

func TestExecute_PreconditionFailureSkipsInfra(t *testing.T) {
	fake := &fakeInfra{}
	runner, server := newTestRunner(t, fake)
	server.setHealthy(false)

	run := runner.Execute(context.Background(), ServiceOutage("user-service", "users"))

	if run.State != StateFailed {
		t.Fatalf("Expected failed state, got %s", run.State)
	}
	if run.FailedStep != StepPrecondition {
		t.Errorf("Expected failure at %s, got %s", StepPrecondition, run.FailedStep)
	}
	if calls := fake.callList(); len(calls) != 0 {
		t.Errorf("Expected no infra actions on precondition failure, got %v", calls)
	}
}

func TestExecute_MarkerLossFailsPostValidation(t *testing.T) {
	fake := &fakeInfra{}
	runner, server := newTestRunner(t, fake)
	fake.onStop = server.dropAllRecords

	run := runner.Execute(context.Background(), ServiceOutage("user-service", "users"))

	if run.State != StateFailed {
		t.Fatalf("Expected failed state, got %s", run.State)
	}
	if run.FailedStep != StepPostValidation {
		t.Errorf("Expected failure at %s, got %s", StepPostValidation, run.FailedStep)
	}
	if run.Reason == "" {
		t.Error("Expected a failure reason")
	}

	// Recovery must still have run; only the read-back failed
	calls := fake.callList()
	if len(calls) != 2 {
		t.Errorf("Expected stop and start to run, got %v", calls)
	}
}

func TestExecute_DegradedFailureSkipsHeal(t *testing.T) {
	fake := &fakeInfra{}
	runner, _ := newTestRunner(t, fake)

	def := ServiceOutage("user-service", "users")
	def.Degraded = func(ctx context.Context) error {
		return errors.New("write rejected mid-fault")
	}

	run := runner.Execute(context.Background(), def)

	if run.FailedStep != StepDegradedValidation {
		t.Errorf("Expected failure at %s, got %s", StepDegradedValidation, run.FailedStep)
	}
	if calls := fake.callList(); len(calls) != 1 || calls[0] != "stop:user-service" {
		t.Errorf("Expected only the fault action, got %v", calls)
	}
}

func TestExecute_DatabaseNodeOutageDegradedWrite(t *testing.T) {
	fake := &fakeInfra{}
	server := newCRUDServer()
	defer server.server.Close()

	client := target.NewClient(target.Endpoint{
		Name:       "gateway",
		BaseURL:    server.server.URL,
		HealthPath: "/health",
	}, time.Second)

	runner := NewRunner(fake, client, []*target.Client{client}, testConfig())
	run := runner.Execute(context.Background(), DatabaseNodeOutage("db-node-2", client, "users"))

	if !run.Passed() {
		t.Fatalf("Expected run to pass, got state %s (step %s: %s)", run.State, run.FailedStep, run.Reason)
	}
	if calls := fake.callList(); calls[0] != "stop:db-node-2" {
		t.Errorf("Expected db-node-2 stop, got %v", calls)
	}
}

func TestExecute_FullSystemRestartSkipsHealAction(t *testing.T) {
	fake := &fakeInfra{}
	runner, _ := newTestRunner(t, fake)

	run := runner.Execute(context.Background(), FullSystemRestart(5))

	if !run.Passed() {
		t.Fatalf("Expected run to pass, got state %s (step %s: %s)", run.State, run.FailedStep, run.Reason)
	}

	// One restart-all for the fault, nothing for the heal
	calls := fake.callList()
	if len(calls) != 1 || calls[0] != "restart-all:" {
		t.Errorf("Expected a single restart-all, got %v", calls)
	}
}

func TestExecute_AllTransitionsValid(t *testing.T) {
	fake := &fakeInfra{failOn: map[infra.ActionKind]bool{infra.ActionStart: true}}
	runner, _ := newTestRunner(t, fake)

	run := runner.Execute(context.Background(), ServiceOutage("user-service", "users"))

	from := StateInit
	for _, tr := range run.Transitions {
		if tr.From != from {
			t.Errorf("Transition chain broken: expected from=%s, got %s", from, tr.From)
		}
		if !tr.From.CanTransitionTo(tr.To) {
			t.Errorf("Recorded invalid transition %s -> %s", tr.From, tr.To)
		}
		from = tr.To
	}
	if !run.State.IsTerminal() {
		t.Errorf("Expected terminal final state, got %s", run.State)
	}
}
