package scenario

import (
	"context"
	"fmt"

	"github.com/faultline/faultline/pkg/infra"
	"github.com/faultline/faultline/pkg/target"
)

// ServiceOutage stops one service and validates it comes back with the
// marker intact. The marker lives in the service's own resource so the
// post-validation read exercises exactly the data the fault touched.
// No degraded check: with a single instance down the gateway cannot
// serve that service's routes, so there is nothing meaningful to assert
// mid-fault.
func ServiceOutage(component, markerResource string) Definition {
	return Definition{
		Name:           component + "-recovery",
		Component:      component,
		Fault:          infra.Stop(),
		Heal:           infra.Start(),
		MarkerResource: markerResource,
	}
}

// DatabaseNodeOutage stops one storage node of a replicated database.
// The degraded check asserts the cluster keeps accepting writes through
// the gateway with n-1 nodes, which is the whole point of replication.
func DatabaseNodeOutage(node string, gateway *target.Client, resource string) Definition {
	return Definition{
		Name:           node + "-recovery",
		Component:      node,
		Fault:          infra.Stop(),
		Heal:           infra.Start(),
		MarkerResource: resource,
		Degraded: func(ctx context.Context) error {
			payload := map[string]interface{}{
				"name":  "degraded-write-probe",
				"email": "degraded@faultline.test",
			}
			if _, err := gateway.CreateRecord(ctx, resource, payload); err != nil {
				return fmt.Errorf("write rejected with one node down: %w", err)
			}
			return nil
		},
	}
}

// FullSystemRestart restarts every component at once. The restart is
// both fault and heal, so the recovery phase only polls, with a budget
// sized for cold starts.
func FullSystemRestart(healAttempts int) Definition {
	return Definition{
		Name:         "full-system-restart",
		Fault:        infra.RestartAll(),
		HealAttempts: healAttempts,
	}
}
