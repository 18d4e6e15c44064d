package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/faultline/faultline/pkg/config"
	"github.com/faultline/faultline/pkg/infra"
	"github.com/faultline/faultline/pkg/load"
	"github.com/faultline/faultline/pkg/probe"
	"github.com/faultline/faultline/pkg/report"
	"github.com/faultline/faultline/pkg/scenario"
	"github.com/faultline/faultline/pkg/suite"
	"github.com/faultline/faultline/pkg/target"
)

// buildRegistry wires the built-in suites from configuration. Journal
// may be nil; scenario transitions are then not persisted.
func buildRegistry(cfg *config.Config, journal *report.Store, runID string) (*suite.Registry, error) {
	gateway := newTargetClient("gateway", cfg.Targets.Gateway, cfg.Load.RequestTimeout)
	userService := newTargetClient("user-service", cfg.Targets.UserService, cfg.Load.RequestTimeout)
	orderService := newTargetClient("order-service", cfg.Targets.OrderService, cfg.Load.RequestTimeout)
	allTargets := []*target.Client{gateway, userService, orderService}

	infraRunner := infra.NewComposeRunner(infra.ComposeConfig{
		Binary:      cfg.Infra.Binary,
		ComposeArgs: cfg.Infra.ComposeArgs,
		ProjectDir:  cfg.Infra.ProjectDir,
		ProjectName: cfg.Infra.ProjectName,
		Timeout:     cfg.Infra.CommandTimeout,
	})

	healthPoll := probe.Config{
		Name:         "health",
		MaxAttempts:  cfg.Scenario.HealthAttempts,
		Interval:     cfg.Scenario.HealthInterval,
		ProbeTimeout: cfg.Scenario.ProbeTimeout,
	}
	scenarioRunner := scenario.NewRunner(infraRunner, gateway, allTargets, scenario.Config{
		HealthPoll: healthPoll,
		HealPoll: probe.Config{
			Name:         "heal",
			MaxAttempts:  cfg.Scenario.HealAttempts,
			Interval:     cfg.Scenario.HealInterval,
			ProbeTimeout: cfg.Scenario.ProbeTimeout,
		},
		DegradedTimeout: cfg.Scenario.DegradedTimeout,
		MarkerResource:  cfg.Scenario.MarkerResource,
	})

	registry := suite.NewRegistry(os.Stdout)

	scenarioSuite := func(description string, required bool, def scenario.Definition) error {
		return registry.Register(suite.Suite{
			Name:        def.Name,
			Description: description,
			Required:    required,
			Run: func(ctx context.Context) error {
				run := scenarioRunner.Execute(ctx, def)
				if journal != nil {
					if err := journal.SaveTransitions(ctx, runID, run); err != nil {
						log.Warn().Str("scenario", run.Scenario).Err(err).Msg("Failed to journal transitions")
					}
				}
				if !run.Passed() {
					return fmt.Errorf("%s: %s", run.FailedStep, run.Reason)
				}
				return nil
			},
		})
	}

	if err := registry.Register(suite.Suite{
		Name:        "baseline-health",
		Description: "All endpoints report healthy within the probe budget",
		Required:    true,
		Run: func(ctx context.Context) error {
			if !probe.New(healthPoll).WaitReadyAll(ctx, allTargets...) {
				return fmt.Errorf("not all endpoints became healthy")
			}
			return nil
		},
	}); err != nil {
		return nil, err
	}

	if err := registry.Register(newLoadSuite(
		"user-service-load",
		"Sustained create/read load against the user service",
		true,
		singleServiceProfile(cfg.Load, userService, "users", userPayload),
		cfg.Load.SingleServiceThreshold,
	)); err != nil {
		return nil, err
	}

	if err := registry.Register(newLoadSuite(
		"order-service-load",
		"Sustained create/read load against the order service",
		true,
		singleServiceProfile(cfg.Load, orderService, "orders", orderPayload),
		cfg.Load.SingleServiceThreshold,
	)); err != nil {
		return nil, err
	}

	if err := registry.Register(newLoadSuite(
		"mixed-load",
		"Mixed user and order traffic through the gateway",
		true,
		mixedProfile(cfg.Load, gateway),
		cfg.Load.MixedThreshold,
	)); err != nil {
		return nil, err
	}

	if err := scenarioSuite(
		"User service survives stop and start with data intact",
		true,
		scenario.ServiceOutage(cfg.Infra.UserServiceComponent, "users"),
	); err != nil {
		return nil, err
	}

	// The order scenario's marker must live in orders: a user record
	// would survive an order-service outage trivially.
	if err := scenarioSuite(
		"Order service survives stop and start with data intact",
		true,
		scenario.ServiceOutage(cfg.Infra.OrderServiceComponent, "orders"),
	); err != nil {
		return nil, err
	}

	if err := registry.Register(databaseNodeSuite(cfg, scenarioRunner, journal, runID, gateway)); err != nil {
		return nil, err
	}

	if err := scenarioSuite(
		"Whole deployment restart preserves committed data",
		false,
		scenario.FullSystemRestart(cfg.Scenario.HealAttempts*2),
	); err != nil {
		return nil, err
	}

	if err := registry.Register(gatewayIdentitySuite(gateway)); err != nil {
		return nil, err
	}

	if err := registry.Register(scaleDownSuite(cfg, infraRunner, healthPoll, userService)); err != nil {
		return nil, err
	}

	return registry, nil
}

func newTargetClient(name string, ep config.EndpointConfig, timeout time.Duration) *target.Client {
	return target.NewClient(target.Endpoint{
		Name:       name,
		BaseURL:    ep.BaseURL,
		HealthPath: ep.HealthPath,
	}, timeout)
}

// idPool shares created record ids between create and read operations
// of one load profile
type idPool struct {
	mu   sync.Mutex
	ids  []string
	next int
}

func (p *idPool) add(id string) {
	p.mu.Lock()
	p.ids = append(p.ids, id)
	p.mu.Unlock()
}

func (p *idPool) pick() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ids) == 0 {
		return ""
	}
	id := p.ids[p.next%len(p.ids)]
	p.next++
	return id
}

func userPayload() map[string]interface{} {
	suffix := uuid.New().String()[:8]
	return map[string]interface{}{
		"name":  "load-user-" + suffix,
		"email": "load-" + suffix + "@faultline.test",
	}
}

func orderPayload() map[string]interface{} {
	return map[string]interface{}{
		"item":     "load-item-" + uuid.New().String()[:8],
		"quantity": 1,
	}
}

func createOp(client *target.Client, resource string, payload func() map[string]interface{}, pool *idPool) load.OperationFunc {
	return func(ctx context.Context) error {
		id, err := client.CreateRecord(ctx, resource, payload())
		if err != nil {
			return err
		}
		pool.add(id)
		return nil
	}
}

func readOp(client *target.Client, resource string, payload func() map[string]interface{}, pool *idPool) load.OperationFunc {
	return func(ctx context.Context) error {
		id := pool.pick()
		if id == "" {
			// Nothing created yet; create the first record instead of
			// failing on an empty pool.
			created, err := client.CreateRecord(ctx, resource, payload())
			if err != nil {
				return err
			}
			pool.add(created)
			return nil
		}
		_, err := client.GetRecord(ctx, resource, id)
		return err
	}
}

// singleServiceProfile is an even create/read split against one service
func singleServiceProfile(cfg config.LoadGenConfig, client *target.Client, resource string, payload func() map[string]interface{}) load.Profile {
	pool := &idPool{}
	return load.Profile{
		Concurrency:     cfg.Concurrency,
		RequestsPerUser: cfg.RequestsPerUser,
		RequestTimeout:  cfg.RequestTimeout,
		RampUp:          cfg.RampUp,
		ThinkTimeMax:    cfg.ThinkTimeMax,
		Mix: []load.Operation{
			{Name: "create-" + resource, Weight: 0.5, Do: createOp(client, resource, payload, pool)},
			{Name: "read-" + resource, Weight: 0.5, Do: readOp(client, resource, payload, pool)},
		},
	}
}

// mixedProfile routes user and order traffic through the gateway
func mixedProfile(cfg config.LoadGenConfig, gateway *target.Client) load.Profile {
	userPool := &idPool{}
	orderPool := &idPool{}
	return load.Profile{
		Concurrency:     cfg.Concurrency,
		RequestsPerUser: cfg.RequestsPerUser,
		RequestTimeout:  cfg.RequestTimeout,
		RampUp:          cfg.RampUp,
		ThinkTimeMax:    cfg.ThinkTimeMax,
		Mix: []load.Operation{
			{Name: "create-user", Weight: 0.5, Do: createOp(gateway, "users", userPayload, userPool)},
			{Name: "create-order", Weight: 0.3, Do: createOp(gateway, "orders", orderPayload, orderPool)},
			{Name: "read-user", Weight: 0.2, Do: readOp(gateway, "users", userPayload, userPool)},
		},
	}
}

// newLoadSuite runs one load profile and gates on the success rate
// threshold
func newLoadSuite(name, description string, required bool, profile load.Profile, threshold float64) suite.Suite {
	return suite.Suite{
		Name:        name,
		Description: description,
		Required:    required,
		Run: func(ctx context.Context) error {
			generator := load.NewGenerator(time.Now().UnixNano())

			start := time.Now()
			outcomes, err := generator.Run(ctx, profile)
			if err != nil {
				return fmt.Errorf("load run failed: %w", err)
			}
			summary := load.Summarize(outcomes, time.Since(start))

			log.Info().
				Str("suite", name).
				Int("total", summary.Total).
				Int("failures", summary.Failures).
				Float64("success_rate", summary.SuccessRate).
				Dur("avg_latency", summary.AvgLatency).
				Float64("throughput", summary.Throughput).
				Msg("Load summary")

			if summary.SuccessRate < threshold {
				return fmt.Errorf("success rate %.3f below threshold %.2f (%d/%d failed, errors: %v)",
					summary.SuccessRate, threshold, summary.Failures, summary.Total, summary.ErrorsByKind)
			}
			return nil
		},
	}
}

// databaseNodeSuite stops one storage node and verifies the cluster
// keeps writing. Skips when no database nodes are configured.
func databaseNodeSuite(cfg *config.Config, runner *scenario.Runner, journal *report.Store, runID string, gateway *target.Client) suite.Suite {
	return suite.Suite{
		Name:        "database-node-recovery",
		Description: "Cluster keeps accepting writes with one storage node down",
		Required:    true,
		Run: func(ctx context.Context) error {
			if len(cfg.Infra.DatabaseNodes) == 0 {
				return fmt.Errorf("%w: no database nodes configured", suite.ErrSkipped)
			}

			def := scenario.DatabaseNodeOutage(cfg.Infra.DatabaseNodes[0], gateway, cfg.Scenario.MarkerResource)
			run := runner.Execute(ctx, def)
			if journal != nil {
				if err := journal.SaveTransitions(ctx, runID, run); err != nil {
					log.Warn().Str("scenario", run.Scenario).Err(err).Msg("Failed to journal transitions")
				}
			}
			if !run.Passed() {
				return fmt.Errorf("%s: %s", run.FailedStep, run.Reason)
			}
			return nil
		},
	}
}

// gatewayIdentitySuite checks that the gateway keeps answering with a
// consistent identity across repeated probes. A gateway that does not
// report an instance id skips the suite.
func gatewayIdentitySuite(gateway *target.Client) suite.Suite {
	const probes = 20

	return suite.Suite{
		Name:        "gateway-identity",
		Description: "Gateway reports a stable identity across repeated probes",
		Required:    false,
		Run: func(ctx context.Context) error {
			instances := make(map[string]int)

			for i := 0; i < probes; i++ {
				info, err := gateway.Health(ctx)
				if err != nil {
					return fmt.Errorf("probe %d failed: %w", i+1, err)
				}
				if info.Instance == "" {
					return fmt.Errorf("%w: gateway does not report an instance id", suite.ErrSkipped)
				}
				instances[info.Instance]++
			}

			if len(instances) != 1 {
				return fmt.Errorf("gateway identity flapped across %d instances: %v", len(instances), instances)
			}
			return nil
		},
	}
}

// scaleDownSuite scales the user service to two replicas, verifies
// health, and scales back. Deployments without replica support skip.
func scaleDownSuite(cfg *config.Config, infraRunner infra.Runner, healthPoll probe.Config, userService *target.Client) suite.Suite {
	component := cfg.Infra.UserServiceComponent

	return suite.Suite{
		Name:        "scale-down",
		Description: "User service stays healthy through scale up and down",
		Required:    false,
		Run: func(ctx context.Context) error {
			if result, err := infraRunner.Run(ctx, infra.Scale(2), component); err != nil || !result.Success {
				return fmt.Errorf("%w: deployment does not support scaling: %v", suite.ErrSkipped, err)
			}

			poller := probe.New(healthPoll)
			if !poller.WaitReady(ctx, userService) {
				return fmt.Errorf("service unhealthy after scaling to 2 replicas")
			}

			if result, err := infraRunner.Run(ctx, infra.Scale(1), component); err != nil || !result.Success {
				return fmt.Errorf("failed to scale back to 1 replica: %v", err)
			}
			if !poller.WaitReady(ctx, userService) {
				return fmt.Errorf("service unhealthy after scaling back to 1 replica")
			}
			return nil
		},
	}
}
