// Package metrics exposes Prometheus counters and gauges for the fleet.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Fleet holds every collector the engine updates.
type Fleet struct {
	OrdersPlaced   *prometheus.CounterVec
	TradesClosed   *prometheus.CounterVec
	PyramidsAdded  prometheus.Counter
	SafetyTrips    prometheus.Counter
	OpenPositions  prometheus.Gauge
	ActiveBots     prometheus.Gauge
	SearchQueueLen prometheus.Gauge
	RealizedPnL    prometheus.Gauge
}

// New registers the fleet collectors on the given registry.
func New(reg prometheus.Registerer) *Fleet {
	factory := promauto.With(reg)
	return &Fleet{
		OrdersPlaced: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_orders_placed_total",
			Help: "Market orders placed, by side.",
		}, []string{"side"}),
		TradesClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_trades_closed_total",
			Help: "Completed round trips, by close reason.",
		}, []string{"reason"}),
		PyramidsAdded: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleet_pyramids_added_total",
			Help: "Pyramid additions to open positions.",
		}),
		SafetyTrips: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleet_safety_trips_total",
			Help: "Margin protection activations.",
		}),
		OpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_open_positions",
			Help: "Currently open positions across the fleet.",
		}),
		ActiveBots: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_active_bots",
			Help: "Bots currently running.",
		}),
		SearchQueueLen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_search_queue_length",
			Help: "Bots waiting for the search slot.",
		}),
		RealizedPnL: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_realized_pnl_usdt",
			Help: "Cumulative realized PnL in USDT since process start.",
		}),
	}
}
