package services

import (
	"math"
	"time"

	"agentstream/internal/core/domain"
)

type MonitorConfig struct {
	Interval          time.Duration `yaml:"interval"`
	StopTicks         int           `yaml:"stop_ticks"`
	LowFPS            float64       `yaml:"low_fps"`
	StrongJitterDelay float64       `yaml:"strong_jitter_delay"`
	WeakJitterDelay   float64       `yaml:"weak_jitter_delay"`
	WeakFreezeDelta   uint64        `yaml:"weak_freeze_delta"`
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:          100 * time.Millisecond,
		StopTicks:         4,
		LowFPS:            21,
		StrongJitterDelay: 0.25,
		WeakJitterDelay:   0.28,
		WeakFreezeDelta:   1,
	}
}

// MonitorUpdate is the outcome of one monitor tick. Pointer fields are set
// only when the value changed on this tick.
type MonitorUpdate struct {
	Receiving    bool
	JitterDelay  float64
	Streaming    *domain.StreamingState
	Report       *domain.VideoQualityReport
	Connectivity *domain.ConnectivityState
}

type monitorTick struct {
	sample       domain.VideoStatsSample
	receiving    bool
	jitterDelay  float64
	hasJitter    bool
	freezeDelta  uint64
	droppedDelta uint64
	lostDelta    int64
}

// VideoQualityMonitor turns cumulative inbound stats into streaming
// start/stop, connectivity and per-window quality reports.
type VideoQualityMonitor struct {
	cfg MonitorConfig

	prev         *domain.VideoStatsSample
	streaming    bool
	idleTicks    int
	connectivity domain.ConnectivityState

	windowStart domain.VideoStatsSample
	window      []monitorTick
}

func NewVideoQualityMonitor(cfg MonitorConfig) *VideoQualityMonitor {
	def := DefaultMonitorConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.StopTicks <= 0 {
		cfg.StopTicks = def.StopTicks
	}
	if cfg.LowFPS <= 0 {
		cfg.LowFPS = def.LowFPS
	}
	if cfg.StrongJitterDelay <= 0 {
		cfg.StrongJitterDelay = def.StrongJitterDelay
	}
	if cfg.WeakJitterDelay <= 0 {
		cfg.WeakJitterDelay = def.WeakJitterDelay
	}
	return &VideoQualityMonitor{
		cfg:          cfg,
		connectivity: domain.ConnectivityUnknown,
	}
}

func (m *VideoQualityMonitor) Connectivity() domain.ConnectivityState { return m.connectivity }
func (m *VideoQualityMonitor) Streaming() bool { return m.streaming }

// Observe consumes one sample.
func (m *VideoQualityMonitor) Observe(sample domain.VideoStatsSample) MonitorUpdate {
	var prev domain.VideoStatsSample
	if m.prev != nil {
		prev = *m.prev
	}
	// counters restart with a new track
	if sample.FramesDecoded < prev.FramesDecoded || sample.JitterBufferEmittedCount < prev.JitterBufferEmittedCount {
		prev = domain.VideoStatsSample{Timestamp: prev.Timestamp}
	}

	tick := monitorTick{
		sample:       sample,
		receiving:    sample.FramesDecoded > prev.FramesDecoded,
		freezeDelta:  counterDelta(sample.FreezeCount, prev.FreezeCount),
		droppedDelta: counterDelta(sample.FramesDropped, prev.FramesDropped),
		lostDelta:    sample.PacketsLost - prev.PacketsLost,
	}
	if emitted := counterDelta(sample.JitterBufferEmittedCount, prev.JitterBufferEmittedCount); emitted > 0 {
		tick.hasJitter = true
		tick.jitterDelay = (sample.JitterBufferDelay - prev.JitterBufferDelay) / float64(emitted)
	}

	update := MonitorUpdate{Receiving: tick.receiving, JitterDelay: tick.jitterDelay}

	if tick.hasJitter {
		next := m.connectivity
		switch {
		case tick.jitterDelay < m.cfg.StrongJitterDelay:
			next = domain.ConnectivityStrong
		case tick.jitterDelay > m.cfg.WeakJitterDelay && tick.freezeDelta > m.cfg.WeakFreezeDelta:
			next = domain.ConnectivityWeak
		}
		if next != m.connectivity {
			m.connectivity = next
			update.Connectivity = &next
		}
	}

	switch {
	case tick.receiving:
		m.idleTicks = 0
		if !m.streaming {
			m.streaming = true
			m.windowStart = prev
			if m.windowStart.Timestamp.IsZero() {
				m.windowStart.Timestamp = sample.Timestamp.Add(-m.cfg.Interval)
			}
			m.window = m.window[:0]
			state := domain.StreamingStart
			update.Streaming = &state
		}
		m.window = append(m.window, tick)
	case m.streaming:
		m.window = append(m.window, tick)
		m.idleTicks++
		if m.idleTicks >= m.cfg.StopTicks {
			update.Report = m.finish(sample)
			state := domain.StreamingStop
			update.Streaming = &state
		}
	}

	m.prev = &sample
	return update
}

// Flush ends an open streaming window and returns its report, or nil when
// nothing is streaming.
func (m *VideoQualityMonitor) Flush() *domain.VideoQualityReport {
	if !m.streaming || m.prev == nil {
		return nil
	}
	return m.finish(*m.prev)
}

// Reset forgets all history, as for a new transport.
func (m *VideoQualityMonitor) Reset() {
	m.prev = nil
	m.streaming = false
	m.idleTicks = 0
	m.connectivity = domain.ConnectivityUnknown
	m.window = nil
}

func (m *VideoQualityMonitor) finish(end domain.VideoStatsSample) *domain.VideoQualityReport {
	report := m.buildReport(end)
	m.streaming = false
	m.idleTicks = 0
	m.window = m.window[:0]
	return report
}

func (m *VideoQualityMonitor) buildReport(end domain.VideoStatsSample) *domain.VideoQualityReport {
	start := m.windowStart
	report := &domain.VideoQualityReport{
		Start:       start.Timestamp,
		End:         end.Timestamp,
		Duration:    end.Timestamp.Sub(start.Timestamp),
		FreezeCount: counterDelta(end.FreezeCount, start.FreezeCount),
		Codec:       end.Codec,
	}
	if secs := report.Duration.Seconds(); secs > 0 {
		report.Bitrate = float64(counterDelta(end.BytesReceived, start.BytesReceived)*8) / secs
	}

	var rtt, jitter aggregate
	for _, tick := range m.window {
		if tick.sample.RTT > 0 {
			rtt.add(tick.sample.RTT)
		}
		if tick.hasJitter {
			jitter.add(tick.jitterDelay)
		}

		var causes []domain.AnomalyCause
		if tick.freezeDelta > 0 {
			causes = append(causes, domain.CauseFreeze)
		}
		if tick.receiving && tick.sample.FPS > 0 && tick.sample.FPS < m.cfg.LowFPS {
			report.LowFPSCount++
			causes = append(causes, domain.CauseLowFPS)
		}
		if tick.droppedDelta > 0 {
			causes = append(causes, domain.CauseFramesDropped)
		}
		if tick.lostDelta > 0 {
			causes = append(causes, domain.CausePacketLoss)
		}
		if len(causes) == 0 {
			continue
		}
		report.Anomalies = append(report.Anomalies, domain.Anomaly{
			Timestamp:      tick.sample.Timestamp,
			Causes:         causes,
			FPS:            tick.sample.FPS,
			PacketsLost:    tick.lostDelta,
			FramesDropped:  tick.droppedDelta,
			FreezeCount:    tick.freezeDelta,
			FreezeDuration: tick.sample.FreezeDuration,
			JitterDelay:    tick.jitterDelay,
		})
	}

	report.MinRTT, report.AvgRTT, report.MaxRTT = rtt.values()
	report.MinJitterDelay, report.AvgJitterDelay, report.MaxJitterDelay = jitter.values()
	return report
}

type aggregate struct {
	min, max, sum float64
	n             int
}

func (a *aggregate) add(v float64) {
	if a.n == 0 {
		a.min, a.max = v, v
	}
	a.min = math.Min(a.min, v)
	a.max = math.Max(a.max, v)
	a.sum += v
	a.n++
}

func (a *aggregate) values() (lo, mean, hi float64) {
	if a.n == 0 {
		return 0, 0, 0
	}
	return a.min, a.sum / float64(a.n), a.max
}

func counterDelta(cur, prev uint64) uint64 {
	if cur < prev {
		return cur
	}
	return cur - prev
}
