package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"agentstream/internal/core/domain"
	"agentstream/pkg/circuitbreaker"
)

func TestPrometheusCollector_States(t *testing.T) {
	p := NewPrometheusCollector(prometheus.NewRegistry())

	p.RecordConnectionState(domain.TransportP2P, domain.ConnectionConnecting)
	p.RecordConnectionState(domain.TransportP2P, domain.ConnectionConnected)
	p.RecordConnectionState(domain.TransportP2P, domain.ConnectionConnected)
	assert.Equal(t, 2.0, testutil.ToFloat64(p.connectionTransitions.WithLabelValues("p2p", "connected")))

	p.RecordStreaming(domain.StreamingStart)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.streaming))
	p.RecordConnectionState(domain.TransportP2P, domain.ConnectionDisconnected)
	assert.Equal(t, 0.0, testutil.ToFloat64(p.streaming))

	p.RecordConnectivity(domain.ConnectivityWeak)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.connectivity))
	p.RecordConnectivity(domain.ConnectivityStrong)
	assert.Equal(t, 2.0, testutil.ToFloat64(p.connectivity))
}

func TestPrometheusCollector_QualityReport(t *testing.T) {
	p := NewPrometheusCollector(prometheus.NewRegistry())

	p.RecordQualityReport(nil)
	p.RecordQualityReport(&domain.VideoQualityReport{
		Duration:       3 * time.Second,
		Bitrate:        900_000,
		AvgRTT:         0.05,
		AvgJitterDelay: 0.1,
		Anomalies: []domain.Anomaly{
			{Causes: []domain.AnomalyCause{domain.CauseFreeze, domain.CauseLowFPS}},
			{Causes: []domain.AnomalyCause{domain.CauseFreeze}},
		},
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(p.reportsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.anomaliesTotal.WithLabelValues(string(domain.CauseFreeze))))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.anomaliesTotal.WithLabelValues(string(domain.CauseLowFPS))))
}

func TestPrometheusCollector_Counters(t *testing.T) {
	p := NewPrometheusCollector(prometheus.NewRegistry())

	p.RecordRetry("session_init")
	p.RecordRetry("session_init")
	p.RecordChatFailure("stream_gone")

	assert.Equal(t, 2.0, testutil.ToFloat64(p.retriesTotal.WithLabelValues("session_init")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.chatFailuresTotal.WithLabelValues("stream_gone")))
}

func TestPrometheusCollector_BreakerState(t *testing.T) {
	p := NewPrometheusCollector(prometheus.NewRegistry())

	p.RecordBreakerState(circuitbreaker.StateOpen)
	assert.Equal(t, 2.0, testutil.ToFloat64(p.breaker))
	p.RecordBreakerState(circuitbreaker.StateHalfOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.breaker))
	p.RecordBreakerState(circuitbreaker.StateClosed)
	assert.Equal(t, 0.0, testutil.ToFloat64(p.breaker))
}
