// Package metrics provides Prometheus instrumentation for pagevault operations.
// A Recorder owns a private registry so a CLI run can write its counters to a
// text file without exposing an HTTP endpoint.
package metrics

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/absfs/pagevault"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

const (
	// Namespace is the Prometheus namespace for all pagevault metrics
	Namespace = "pagevault"

	// Label names
	LabelOperation = "operation"
	LabelStatus    = "status"
	LabelErrorType = "error_type"

	// Status values
	StatusSuccess = "success"
	StatusError   = "error"

	// Operation names
	OpExport     = "export"
	OpUnlock     = "unlock"
	OpDecrypt    = "decrypt"
	OpAddSlot    = "add_slot"
	OpRevokeSlot = "revoke_slot"
	OpRotate     = "rotate"
	OpVerify     = "verify"
)

// Recorder collects the counters of one process
type Recorder struct {
	reg *prometheus.Registry

	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	ErrorsTotal       *prometheus.CounterVec
	ChunksTotal       prometheus.Counter
	BytesTotal        prometheus.Counter
	AuthFailures      prometheus.Counter
}

// NewRecorder creates a Recorder with its own registry
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		reg: reg,
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "operations_total",
				Help:      "Total number of pagevault operations by type and status",
			},
			[]string{LabelOperation, LabelStatus},
		),
		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of pagevault operations in seconds",
				// Argon2id at the minimum cost sits around a quarter second
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{LabelOperation},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "errors_total",
				Help:      "Total number of failed operations by error class",
			},
			[]string{LabelOperation, LabelErrorType},
		),
		ChunksTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "chunks_total",
				Help:      "Chunks written or verified",
			},
		),
		BytesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "payload_bytes_total",
				Help:      "Plaintext payload bytes exported or decrypted",
			},
		),
		AuthFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "auth_failures_total",
				Help:      "Credentials that no key slot accepted",
			},
		),
	}
}

// RecordOperation counts one operation and its duration
func (r *Recorder) RecordOperation(operation, status string, duration time.Duration) {
	r.OperationsTotal.WithLabelValues(operation, status).Inc()
	r.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// Observe records an operation that started at start and ended with err
func (r *Recorder) Observe(operation string, start time.Time, err error) {
	if err == nil {
		r.RecordOperation(operation, StatusSuccess, time.Since(start))
		return
	}
	r.RecordOperation(operation, StatusError, time.Since(start))
	errType := ErrorType(err)
	r.ErrorsTotal.WithLabelValues(operation, errType).Inc()
	if errType == "authentication" {
		r.AuthFailures.Inc()
	}
}

// AddPayload counts chunks and plaintext bytes
func (r *Recorder) AddPayload(chunks uint32, bytes int64) {
	r.ChunksTotal.Add(float64(chunks))
	r.BytesTotal.Add(float64(bytes))
}

// ErrorType maps an error to its class label
func ErrorType(err error) string {
	switch {
	case pagevault.IsAuthenticationError(err):
		return "authentication"
	case pagevault.IsChunkIntegrityError(err):
		return "chunk_integrity"
	case pagevault.IsInvariantViolation(err):
		return "invariant"
	case pagevault.IsConfigurationError(err):
		return "configuration"
	case pagevault.IsResourceExhausted(err):
		return "resource_exhausted"
	case pagevault.IsCorruptionError(err):
		return "corruption"
	case pagevault.IsIOError(err):
		return "io"
	default:
		return "other"
	}
}

// WriteText writes all metrics in the Prometheus text exposition format
func (r *Recorder) WriteText(w io.Writer) error {
	families, err := r.reg.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("failed to encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// WriteFile replaces path with the current metrics
func (r *Recorder) WriteFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to open metrics file: %w", err)
	}
	if err := r.WriteText(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
