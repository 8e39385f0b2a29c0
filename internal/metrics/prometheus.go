package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "bybit_carry_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry       *prometheus.Registry
	entriesOpened  prometheus.Counter
	positionsClose prometheus.Counter
	scaleIns       prometheus.Counter
	compensations  prometheus.Counter
	breakerTrips   prometheus.Counter
	cycleErrors    prometheus.Counter
	ordersPlaced   prometheus.Counter
	ordersFailed   prometheus.Counter
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	entriesOpened := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "entries_opened_total",
		Help:      "Total number of hedge pairs opened.",
	})
	positionsClose := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "positions_closed_total",
		Help:      "Total number of hedge pairs closed.",
	})
	scaleIns := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "scale_ins_total",
		Help:      "Total number of scale-in steps executed.",
	})
	compensations := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "compensations_total",
		Help:      "Total number of compensated one-legged opens.",
	})
	breakerTrips := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "breaker_trips_total",
		Help:      "Total number of daily drawdown breaker trips.",
	})
	cycleErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "cycle_errors_total",
		Help:      "Total number of evaluation cycle errors.",
	})
	ordersPlaced := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_placed_total",
		Help:      "Total number of orders placed.",
	})
	ordersFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_failed_total",
		Help:      "Total number of order placement failures.",
	})

	registry.MustRegister(entriesOpened, positionsClose, scaleIns, compensations,
		breakerTrips, cycleErrors, ordersPlaced, ordersFailed)

	m := &Metrics{
		EntriesOpened:  promCounter{entriesOpened},
		PositionsClose: promCounter{positionsClose},
		ScaleIns:       promCounter{scaleIns},
		Compensations:  promCounter{compensations},
		BreakerTrips:   promCounter{breakerTrips},
		CycleErrors:    promCounter{cycleErrors},
		OrdersPlaced:   promCounter{ordersPlaced},
		OrdersFailed:   promCounter{ordersFailed},
	}

	return &Prometheus{
		Metrics:        m,
		registry:       registry,
		entriesOpened:  entriesOpened,
		positionsClose: positionsClose,
		scaleIns:       scaleIns,
		compensations:  compensations,
		breakerTrips:   breakerTrips,
		cycleErrors:    cycleErrors,
		ordersPlaced:   ordersPlaced,
		ordersFailed:   ordersFailed,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
