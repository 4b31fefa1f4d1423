// Package metrics exposes Prometheus instrumentation for the capture,
// indexing, and query stages.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// NodesVisitedTotal counts nodes popped off the traversal worklist.
	NodesVisitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objex_nodes_visited_total",
			Help: "Total number of heap nodes visited by the traversal engine",
		},
		[]string{"classification"},
	)

	// EdgesEmittedTotal counts outbound edges recorded during capture.
	EdgesEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objex_edges_emitted_total",
			Help: "Total number of outbound edges recorded during capture",
		},
		[]string{"label_kind"},
	)

	// ShapeErrorsTotal counts per-object shape-extraction failures.
	ShapeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objex_shape_errors_total",
			Help: "Total number of non-fatal shape-extraction failures during capture",
		},
		[]string{"classification"},
	)

	// CaptureDuration records the wall-clock time of a full capture pass.
	CaptureDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "objex_capture_duration_seconds",
		Help:    "Wall-clock time of a full capture pass",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
	})

	// CaptureRSSBytes is the target process RSS at the moment capture started.
	CaptureRSSBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "objex_capture_target_rss_bytes",
		Help: "Target process resident set size sampled at capture time",
	})

	// IndexBuildDuration records how long the Analysis Indexer took per index.
	IndexBuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "objex_index_build_duration_seconds",
			Help:    "Time spent building each derived index",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"index"},
	)

	// QueryDuration records per-operation query latency.
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "objex_query_duration_seconds",
			Help:    "Time spent serving a query operation",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"operation"},
	)

	// PathTerminationsTotal counts paths-to-roots outcomes by termination kind.
	PathTerminationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objex_path_terminations_total",
			Help: "Retention path query terminations by classification",
		},
		[]string{"termination"},
	)

	// SnapshotArtifactBytes tracks the on-disk size of the current artifact.
	SnapshotArtifactBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "objex_snapshot_artifact_bytes",
		Help: "Size in bytes of the most recently flushed snapshot artifact",
	})

	// EventsPublishedTotal counts lifecycle events published to Kafka.
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objex_events_published_total",
			Help: "Lifecycle events published to the configured event sink",
		},
		[]string{"kind", "status"},
	)

	// ResponseTimeSeconds records HTTP handler latency for the query server.
	ResponseTimeSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "objex_http_response_time_seconds",
			Help:    "Query server HTTP handler latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)
)

// RecordNodeVisited increments the per-classification visited counter.
func RecordNodeVisited(classification string) {
	NodesVisitedTotal.WithLabelValues(classification).Inc()
}

// RecordEdgeEmitted increments the per-label-kind edge counter.
func RecordEdgeEmitted(labelKind string) {
	EdgesEmittedTotal.WithLabelValues(labelKind).Inc()
}

// RecordShapeError increments the shape-extraction failure counter.
func RecordShapeError(classification string) {
	ShapeErrorsTotal.WithLabelValues(classification).Inc()
}

// RecordIndexBuild records how long one derived index took to build.
func RecordIndexBuild(index string, d time.Duration) {
	IndexBuildDuration.WithLabelValues(index).Observe(d.Seconds())
}

// RecordQuery records how long a query operation took.
func RecordQuery(operation string, d time.Duration) {
	QueryDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordPathTermination increments the termination-kind counter.
func RecordPathTermination(termination string) {
	PathTerminationsTotal.WithLabelValues(termination).Inc()
}

// RecordEventPublished increments the lifecycle-event publish counter.
func RecordEventPublished(kind, status string) {
	EventsPublishedTotal.WithLabelValues(kind, status).Inc()
}

// Server exposes /metrics and /health over HTTP for scraping.
type Server struct {
	server *http.Server
	logger *logrus.Logger
}

// NewServer constructs a metrics HTTP server bound to addr.
func NewServer(addr string, logger *logrus.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{Addr: addr, Handler: mux},
		logger: logger,
	}
}

// Start begins serving metrics in the background.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.server.Addr).Info("starting metrics server")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("metrics server error")
		}
	}()
	return nil
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
