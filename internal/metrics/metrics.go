package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keyreg"

var (
	registerOnce sync.Once

	requestCounter       *prometheus.CounterVec
	requestDuration      *prometheus.HistogramVec
	configReloadCounters *prometheus.CounterVec
	initCounter          *prometheus.CounterVec
	initDuration         *prometheus.HistogramVec
	assignmentCounter    *prometheus.CounterVec
)

func ensureRegistered() {
	registerOnce.Do(func() {
		requestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of gateway requests partitioned by service and status class.",
		}, []string{"service", "status_class"})

		requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "Observed latency of proxied service requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"})

		configReloadCounters = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Count of key table reload outcomes partitioned by result (success/failure).",
		}, []string{"result"})

		initCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "initializations_total",
			Help:      "Service initialization attempts partitioned by service, key group and result.",
		}, []string{"service", "group", "result"})

		initDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "initialization_latency_seconds",
			Help:      "Time spent contacting the cloud client during service initialization.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"})

		assignmentCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignments_total",
			Help:      "First-time service assignments partitioned by result (assigned/no_key).",
		}, []string{"result"})

		prometheus.MustRegister(requestCounter, requestDuration, configReloadCounters, initCounter, initDuration, assignmentCounter)
	})
}

// ObserveRequest records metrics for a gateway request.
func ObserveRequest(service string, status int, latency time.Duration) {
	ensureRegistered()
	statusClass := fmt.Sprintf("%dxx", status/100)
	service = orUnknown(service)
	requestCounter.WithLabelValues(service, statusClass).Inc()
	requestDuration.WithLabelValues(service).Observe(latency.Seconds())
}

// ObserveConfigReload increments success/failure counters for key table reload attempts.
func ObserveConfigReload(success bool) {
	ensureRegistered()
	configReloadCounters.WithLabelValues(result(success, "success", "failure")).Inc()
}

// ObserveInitialization records the terminal outcome of one initialization attempt.
func ObserveInitialization(service, group string, success bool, latency time.Duration) {
	ensureRegistered()
	service = orUnknown(service)
	initCounter.WithLabelValues(service, orUnknown(group), result(success, "active", "failed")).Inc()
	initDuration.WithLabelValues(service).Observe(latency.Seconds())
}

// ObserveAssignment records whether a first-time lookup found a usable group.
func ObserveAssignment(assigned bool) {
	ensureRegistered()
	assignmentCounter.WithLabelValues(result(assigned, "assigned", "no_key")).Inc()
}

// Handler exposes the metrics endpoint compatible with Prometheus scraping.
func Handler() http.Handler {
	ensureRegistered()
	return promhttp.Handler()
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

func result(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
