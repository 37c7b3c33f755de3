package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"agentstream/internal/core/domain"
	"agentstream/internal/core/ports"
	"agentstream/pkg/circuitbreaker"
)

var _ ports.SessionMetrics = (*PrometheusCollector)(nil)

type PrometheusCollector struct {
	// Counters
	connectionTransitions *prometheus.CounterVec
	anomaliesTotal        *prometheus.CounterVec
	retriesTotal          *prometheus.CounterVec
	chatFailuresTotal     *prometheus.CounterVec
	reportsTotal          prometheus.Counter

	// Gauges
	connectivity prometheus.Gauge
	streaming    prometheus.Gauge
	breaker      prometheus.Gauge

	// Histograms
	reportDuration    prometheus.Histogram
	reportBitrate     prometheus.Histogram
	reportRTT         prometheus.Histogram
	reportJitterDelay prometheus.Histogram
}

// NewPrometheusCollector registers the session metrics on reg. A nil reg
// uses the default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		connectionTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentstream_connection_state_transitions_total",
			Help: "Connection state transitions by transport and target state",
		}, []string{"transport", "state"}),

		anomaliesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentstream_video_anomalies_total",
			Help: "Video anomalies seen in quality reports, by cause",
		}, []string{"cause"}),

		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentstream_retries_total",
			Help: "Retry attempts by policy",
		}, []string{"policy"}),

		chatFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentstream_chat_failures_total",
			Help: "Chat sends that failed after retries, by reason",
		}, []string{"reason"}),

		reportsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentstream_quality_reports_total",
			Help: "Completed streaming windows",
		}),

		connectivity: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentstream_connectivity_state",
			Help: "Connectivity classification (0 unknown, 1 weak, 2 strong)",
		}),

		streaming: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentstream_video_streaming",
			Help: "1 while video frames are flowing",
		}),

		breaker: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentstream_control_plane_breaker_state",
			Help: "Control plane circuit breaker (0 closed, 1 half-open, 2 open)",
		}),

		reportDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentstream_stream_window_duration_seconds",
			Help:    "Duration of streaming windows",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),

		reportBitrate: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentstream_stream_window_bitrate_bps",
			Help:    "Average inbound bitrate of streaming windows",
			Buckets: prometheus.ExponentialBuckets(64_000, 2, 10),
		}),

		reportRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentstream_stream_window_rtt_seconds",
			Help:    "Average round trip time of streaming windows",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		reportJitterDelay: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentstream_stream_window_jitter_delay_seconds",
			Help:    "Average jitter buffer delay of streaming windows",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.28, 0.5, 1},
		}),
	}
}

func (p *PrometheusCollector) RecordConnectionState(kind domain.TransportKind, state domain.ConnectionState) {
	p.connectionTransitions.WithLabelValues(string(kind), string(state)).Inc()
	if state.Terminal() {
		p.streaming.Set(0)
	}
}

func (p *PrometheusCollector) RecordConnectivity(state domain.ConnectivityState) {
	switch state {
	case domain.ConnectivityStrong:
		p.connectivity.Set(2)
	case domain.ConnectivityWeak:
		p.connectivity.Set(1)
	default:
		p.connectivity.Set(0)
	}
}

func (p *PrometheusCollector) RecordStreaming(state domain.StreamingState) {
	if state == domain.StreamingStart {
		p.streaming.Set(1)
		return
	}
	p.streaming.Set(0)
}

func (p *PrometheusCollector) RecordQualityReport(report *domain.VideoQualityReport) {
	if report == nil {
		return
	}
	p.reportsTotal.Inc()
	p.reportDuration.Observe(report.Duration.Seconds())
	if report.Bitrate > 0 {
		p.reportBitrate.Observe(report.Bitrate)
	}
	if report.AvgRTT > 0 {
		p.reportRTT.Observe(report.AvgRTT)
	}
	p.reportJitterDelay.Observe(report.AvgJitterDelay)

	for _, a := range report.Anomalies {
		for _, cause := range a.Causes {
			p.anomaliesTotal.WithLabelValues(string(cause)).Inc()
		}
	}
}

func (p *PrometheusCollector) RecordRetry(policy string) {
	p.retriesTotal.WithLabelValues(policy).Inc()
}

func (p *PrometheusCollector) RecordChatFailure(reason string) {
	p.chatFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordBreakerState tracks the control plane circuit breaker.
func (p *PrometheusCollector) RecordBreakerState(state circuitbreaker.State) {
	switch state {
	case circuitbreaker.StateOpen:
		p.breaker.Set(2)
	case circuitbreaker.StateHalfOpen:
		p.breaker.Set(1)
	default:
		p.breaker.Set(0)
	}
}
