package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pcontrol"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of processes that were launched and accepted the auth handshake.",
		}, []string{"name"},
	)
	processRespawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "respawns_total",
			Help:      "Number of respawns scheduled after an uncommanded exit.",
		}, []string{"name"},
	)
	processExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "exits_total",
			Help:      "Number of observed process exits by exit code.",
		}, []string{"name", "code"},
	)
	operationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "operation_failures_total",
			Help:      "Number of failed lifecycle operations.",
		}, []string{"name", "operation"},
	)
	processUptime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "uptime_seconds",
			Help:      "Run time of a process from launch to exit.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
		}, []string{"name"},
	)
	relayedLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "lines_total",
			Help:      "Number of output lines relayed per process and stream.",
		}, []string{"name", "stream"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between process states.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "current_state",
			Help:      "Current state of processes (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	managedProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "processes",
			Help:      "Number of processes currently registered.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		processStarts, processRespawns, processExits, operationFailures,
		processUptime, relayedLines, stateTransitions, currentStates, managedProcesses,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register succeeds.

func IncStart(name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(name).Inc()
	}
}

func IncRespawn(name string) {
	if regOK.Load() {
		processRespawns.WithLabelValues(name).Inc()
	}
}

func IncExit(name string, code int) {
	if regOK.Load() {
		processExits.WithLabelValues(name, strconv.Itoa(code)).Inc()
	}
}

func IncOperationFailure(name, op string) {
	if regOK.Load() {
		operationFailures.WithLabelValues(name, op).Inc()
	}
}

func ObserveUptime(name string, seconds float64) {
	if regOK.Load() {
		processUptime.WithLabelValues(name).Observe(seconds)
	}
}

func IncRelayedLine(name, stream string) {
	if regOK.Load() {
		relayedLines.WithLabelValues(name, stream).Inc()
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
		currentStates.WithLabelValues(name, from).Set(0)
		currentStates.WithLabelValues(name, to).Set(1)
	}
}

func SetManagedProcesses(n int) {
	if regOK.Load() {
		managedProcesses.Set(float64(n))
	}
}
