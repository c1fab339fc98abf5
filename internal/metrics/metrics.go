package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Registry holds the pipeline collectors.
	Registry = prometheus.NewRegistry()

	upstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mqpipe",
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Upstream pricing API request attempts by endpoint and outcome.",
		},
		[]string{"endpoint", "outcome"},
	)

	upstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mqpipe",
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Latency of upstream pricing API requests.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"endpoint"},
	)

	pointsIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mqpipe",
			Subsystem: "ingest",
			Name:      "points_total",
			Help:      "Market data points persisted.",
		},
	)

	checkAccuracy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mqpipe",
			Subsystem: "quality",
			Name:      "check_accuracy_percent",
			Help:      "Accuracy reported by the latest run of each quality check.",
		},
		[]string{"check"},
	)

	checkPassed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mqpipe",
			Subsystem: "quality",
			Name:      "check_passed",
			Help:      "1 when the latest run of the check passed, 0 otherwise.",
		},
		[]string{"check"},
	)

	overallScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mqpipe",
			Subsystem: "quality",
			Name:      "overall_score_percent",
			Help:      "Share of quality checks passing in the latest run.",
		},
	)
)

func init() {
	Registry.MustRegister(
		upstreamRequests,
		upstreamDuration,
		pointsIngested,
		checkAccuracy,
		checkPassed,
		overallScore,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// ObserveUpstream records one upstream request attempt.
func ObserveUpstream(endpoint, outcome string, elapsed time.Duration) {
	upstreamRequests.WithLabelValues(endpoint, outcome).Inc()
	upstreamDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// AddPointsIngested counts persisted market data points.
func AddPointsIngested(n int) {
	pointsIngested.Add(float64(n))
}

// RecordCheck publishes the latest outcome of a quality check.
func RecordCheck(check string, passed bool, accuracy float64) {
	checkAccuracy.WithLabelValues(check).Set(accuracy)
	value := 0.0
	if passed {
		value = 1
	}
	checkPassed.WithLabelValues(check).Set(value)
}

// RecordOverallScore publishes the aggregate quality score.
func RecordOverallScore(score float64) {
	overallScore.Set(score)
}

// Handler returns an HTTP handler exposing /metrics and /healthz.
func Handler() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// Serve exposes Handler on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	logger = logger.With().Str("component", "metrics").Logger()
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("metrics endpoint listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("metrics shutdown failed")
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
