// Package metrics exports pool activity as prometheus metrics. The Collector
// is fed by the event bus.
package metrics

import (
	"net/http"

	"github.com/holiman/uint256"
	"github.com/irfndi/renpool/internal/event"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Collector tracks pool state from committed pool events
type Collector struct {
	decimals int32

	events      *prometheus.CounterVec
	poolsTotal  prometheus.Counter
	totalPooled *prometheus.GaugeVec
	locked      *prometheus.GaugeVec
	deposited   prometheus.Counter
	withdrawn   prometheus.Counter
	distributed prometheus.Counter
}

// NewCollector registers the pool metrics on reg. Token amounts are exported
// in whole tokens of the given decimals.
func NewCollector(reg prometheus.Registerer, decimals uint8) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		decimals: int32(decimals),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "renpool_pool_events_total",
			Help: "Committed pool events by type",
		}, []string{"type"}),
		poolsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "renpool_pools_deployed_total",
			Help: "Pools deployed by the factory",
		}),
		totalPooled: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "renpool_pool_total_pooled_tokens",
			Help: "Tokens pooled per pool",
		}, []string{"pool"}),
		locked: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "renpool_pool_locked",
			Help: "1 while the pool is locked into a node registration",
		}, []string{"pool"}),
		deposited: factory.NewCounter(prometheus.CounterOpts{
			Name: "renpool_deposited_tokens_total",
			Help: "Tokens deposited across all pools",
		}),
		withdrawn: factory.NewCounter(prometheus.CounterOpts{
			Name: "renpool_withdrawn_tokens_total",
			Help: "Tokens withdrawn across all pools",
		}),
		distributed: factory.NewCounter(prometheus.CounterOpts{
			Name: "renpool_rewards_distributed_tokens_total",
			Help: "Reward tokens paid out to depositors",
		}),
	}
}

func (c *Collector) Name() string { return "metrics" }

func (c *Collector) Deliver(evt event.Event) error {
	c.events.WithLabelValues(string(evt.Type)).Inc()
	pool := evt.Pool.Hex()

	switch evt.Type {
	case event.TypePoolDeployed:
		c.poolsTotal.Inc()
		c.totalPooled.WithLabelValues(pool).Set(0)
		c.locked.WithLabelValues(pool).Set(0)
	case event.TypeDeposit:
		c.deposited.Add(c.tokens(evt.Amount))
	case event.TypeWithdrawal:
		c.withdrawn.Add(c.tokens(evt.Amount))
	case event.TypePoolLocked:
		c.locked.WithLabelValues(pool).Set(1)
	case event.TypePoolUnlocked:
		c.locked.WithLabelValues(pool).Set(0)
	case event.TypeRewardsClaimed:
		c.distributed.Add(c.tokens(evt.Amount))
	}
	if evt.TotalPooled != nil {
		c.totalPooled.WithLabelValues(pool).Set(c.tokens(evt.TotalPooled))
	}
	return nil
}

func (c *Collector) tokens(amount *uint256.Int) float64 {
	if amount == nil {
		return 0
	}
	return decimal.NewFromBigInt(amount.ToBig(), -c.decimals).InexactFloat64()
}

// RegisterConnections exports the number of live event stream connections
func RegisterConnections(reg prometheus.Registerer, count func() int) {
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "renpool_websocket_connections",
		Help: "Open websocket event stream connections",
	}, func() float64 { return float64(count()) })
}

// Handler serves the metrics gathered by g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
