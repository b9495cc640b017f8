package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scan pipeline metrics
var (
	ScanCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradepilot_scan_cycles_total",
		Help: "Completed scan cycles",
	})

	ScanCyclesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradepilot_scan_cycles_skipped_total",
		Help: "Scan cycles skipped by the risk gate",
	}, []string{"reason"})

	ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradepilot_scan_duration_seconds",
		Help:    "Wall time of one scan cycle",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	SignalsTriggered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradepilot_signals_triggered_total",
		Help: "Symbols with at least one indicator transition per cycle",
	})

	SignalsEscalated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradepilot_signals_escalated_total",
		Help: "Signals that survived the filter gates and reached the deep advisor",
	})
)

// Decision and execution metrics
var (
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradepilot_decisions_total",
		Help: "Deep advisor decisions by action",
	}, []string{"action", "source"})

	DecisionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradepilot_decisions_rejected_total",
		Help: "Decisions that failed an executor precondition",
	})

	Trades = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradepilot_trades_total",
		Help: "Executed fills by type",
	}, []string{"type"})

	AdvisorErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradepilot_advisor_errors_total",
		Help: "Failed advisor calls by tier",
	}, []string{"tier"})
)

// Portfolio state metrics
var (
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradepilot_open_positions",
		Help: "Number of currently open positions",
	})

	DeployedCapital = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradepilot_deployed_capital_usd",
		Help: "Capital currently held in open positions",
	})

	RealizedPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradepilot_realized_pnl_usd",
		Help: "Cumulative realized profit and loss",
	})

	CircuitBreakerActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradepilot_circuit_breaker_active",
		Help: "1 while the circuit breaker halts trading",
	})

	ConsecutiveLosses = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradepilot_consecutive_losses",
		Help: "Current losing-close streak",
	})

	ExitCandidates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradepilot_exit_candidates_total",
		Help: "Open positions flagged by the exit urgency scanner",
	})
)
