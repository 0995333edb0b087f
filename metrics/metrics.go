package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TradesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trenches_trades_total",
			Help: "Executed trades by kind and source",
		},
		[]string{"kind", "source"},
	)

	TradesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trenches_trades_rejected_total",
			Help: "Rejected trade requests by reason",
		},
		[]string{"reason"},
	)

	CandlesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trenches_candles_total",
			Help: "Candle periods by outcome (recorded or skipped)",
		},
		[]string{"outcome"},
	)

	Price = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trenches_price",
		Help: "Current token price",
	})

	Supply = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trenches_supply",
		Help: "Circulating token supply",
	})

	RugLatched = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trenches_rug_latched",
		Help: "1 while the rug detector latch is set",
	})

	BotsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trenches_bots_active",
		Help: "Bot agents that are not dormant",
	})

	PersistFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trenches_persist_failures_total",
			Help: "Failed persistence attempts by target",
		},
		[]string{"target"},
	)

	PersistDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "trenches_persist_duration_seconds",
			Help: "Persistence attempt duration",
		},
		[]string{"target"},
	)
)

// BoolGauge maps a flag onto 0/1 for gauges.
func BoolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
