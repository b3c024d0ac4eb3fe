package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/warmfleet/browserpool/pkg/models"
)

// StatsFunc returns a point-in-time snapshot of every pool.
type StatsFunc func() []models.PoolStats

// ObservePoolStats registers observable gauges for the warm pools. Each
// gauge reports one data point per region, tagged with a region attribute.
func ObservePoolStats(meter metric.Meter, stats StatsFunc) error {
	gauges := []struct {
		name string
		desc string
		unit string
		pick func(models.PoolStats) int
	}{
		{
			name: "browserpool_pool_sessions_available",
			desc: "Warm sessions ready to be acquired",
			unit: "{session}",
			pick: func(s models.PoolStats) int { return s.Available },
		},
		{
			name: "browserpool_pool_sessions_in_use",
			desc: "Sessions currently lent out",
			unit: "{session}",
			pick: func(s models.PoolStats) int { return s.InUse },
		},
		{
			name: "browserpool_pool_sessions_creating",
			desc: "Sessions being provisioned",
			unit: "{session}",
			pick: func(s models.PoolStats) int { return s.Creating },
		},
		{
			name: "browserpool_pool_waiters",
			desc: "Acquirers blocked waiting for a session",
			unit: "{waiter}",
			pick: func(s models.PoolStats) int { return s.Waiting },
		},
		{
			name: "browserpool_pool_sessions_total",
			desc: "Sessions counted against pool capacity",
			unit: "{session}",
			pick: func(s models.PoolStats) int { return s.Total },
		},
		{
			name: "browserpool_pool_capacity",
			desc: "Configured pool size",
			unit: "{session}",
			pick: func(s models.PoolStats) int { return s.MaxSize },
		},
	}

	for _, g := range gauges {
		pick := g.pick
		_, err := meter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.desc),
			metric.WithUnit(g.unit),
			metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
				for _, s := range stats() {
					observer.Observe(int64(pick(s)),
						metric.WithAttributes(attribute.String("region", s.Region)))
				}
				return nil
			}),
		)
		if err != nil {
			return fmt.Errorf("register %s: %w", g.name, err)
		}
	}
	return nil
}
