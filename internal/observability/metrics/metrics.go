package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every blossom collector; it is exposed by Handler.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	httpRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "blossom_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "blossom_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"handler", "method"})

	rpcAttempts = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "blossom_rpc_attempts_total",
		Help: "RPC attempts against chain endpoints by outcome.",
	}, []string{"chain", "outcome"})

	fundingOutcomes = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "blossom_funding_outcomes_total",
		Help: "Execution funding decisions by result code.",
	}, []string{"code", "routed"})

	creditTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "blossom_credit_transitions_total",
		Help: "Credit ledger status transitions.",
	}, []string{"status"})

	confirmations = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "blossom_path_confirmations_total",
		Help: "Path guard confirmation outcomes by confirmation type.",
	}, []string{"type", "outcome"})

	receiptChecks = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "blossom_receipt_checks_total",
		Help: "Settlement receipt lookups by caller and outcome.",
	}, []string{"source", "outcome"})

	finalizerSweeps = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "blossom_finalizer_sweeps_total",
		Help: "Finalizer sweeps by outcome.",
	}, []string{"outcome"})

	finalizerSettled = factory.NewCounter(prometheus.CounterOpts{
		Name: "blossom_finalizer_settled_total",
		Help: "Credit records settled by the finalizer.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveRPCAttempt counts a single chain RPC attempt.
func ObserveRPCAttempt(chain, outcome string) {
	rpcAttempts.WithLabelValues(chain, outcome).Inc()
}

// ObserveFundingOutcome counts a funding decision. An empty code means OK.
func ObserveFundingOutcome(code string, routed bool) {
	if code == "" {
		code = "OK"
	}
	fundingOutcomes.WithLabelValues(code, strconv.FormatBool(routed)).Inc()
}

// ObserveCreditTransition counts a credit record entering status.
func ObserveCreditTransition(status string) {
	creditTransitions.WithLabelValues(status).Inc()
}

// ObserveConfirmation counts a confirmation reply outcome.
func ObserveConfirmation(confirmationType, outcome string) {
	confirmations.WithLabelValues(confirmationType, outcome).Inc()
}

// ObserveReceiptCheck counts a receipt lookup made by source (funding, finalizer).
func ObserveReceiptCheck(source, outcome string) {
	receiptChecks.WithLabelValues(source, outcome).Inc()
}

// ObserveFinalizerSweep records a finalizer pass.
func ObserveFinalizerSweep(settled int, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	finalizerSweeps.WithLabelValues(outcome).Inc()
	if settled > 0 {
		finalizerSettled.Add(float64(settled))
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
