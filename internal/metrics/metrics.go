package metrics

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fixtral"

var (
	registerOnce       sync.Once
	storageOperations  *prometheus.CounterVec
	creditChecks       *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
)

// MustRegister creates the collectors on the default registry. Call once at startup.
func MustRegister() {
	registerOnce.Do(func() {
		storageOperations = registerCounterVec(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_operations_total",
				Help:      "Storage tier calls by operation, tier and result.",
			},
			[]string{"op", "tier", "result"},
		))
		creditChecks = registerCounterVec(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credits_checks_total",
				Help:      "Quota checks by outcome.",
			},
			[]string{"result"},
		))
		generationDuration = registerHistogramVec(prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "generation_duration_seconds",
				Help:      "Image edit latency by status.",
				Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 45, 60, 90},
			},
			[]string{"status"},
		))
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordStorageOp(op, tier, result string) {
	if storageOperations == nil {
		return
	}
	storageOperations.WithLabelValues(label(op), label(tier), label(result)).Inc()
}

func RecordCreditCheck(result string) {
	if creditChecks == nil {
		return
	}
	creditChecks.WithLabelValues(label(result)).Inc()
}

func ObserveGeneration(status string, d time.Duration) {
	if generationDuration == nil {
		return
	}
	generationDuration.WithLabelValues(label(status)).Observe(d.Seconds())
}

func label(v string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return "unknown"
}

func registerCounterVec(vec *prometheus.CounterVec) *prometheus.CounterVec {
	if err := prometheus.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
		panic(err)
	}
	return vec
}

func registerHistogramVec(vec *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := prometheus.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
		panic(err)
	}
	return vec
}
