package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"agentstream/internal/core/domain"
)

// statsFeed builds cumulative samples tick by tick.
type statsFeed struct {
	cur domain.VideoStatsSample
}

func newStatsFeed() *statsFeed {
	return &statsFeed{cur: domain.VideoStatsSample{
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Codec:     "video/VP8",
	}}
}

// next advances one tick with the given frames and per-frame jitter delay.
func (f *statsFeed) next(frames uint64, delayPerFrame float64) domain.VideoStatsSample {
	f.cur.Timestamp = f.cur.Timestamp.Add(100 * time.Millisecond)
	f.cur.FramesDecoded += frames
	f.cur.BytesReceived += frames * 1000
	f.cur.JitterBufferEmittedCount += frames
	f.cur.JitterBufferDelay += delayPerFrame * float64(frames)
	if frames > 0 {
		f.cur.FPS = 25
	}
	return f.cur
}

func TestVideoQualityMonitor_StartAndStop(t *testing.T) {
	m := NewVideoQualityMonitor(DefaultMonitorConfig())
	feed := newStatsFeed()

	update := m.Observe(feed.next(3, 0.05))
	require.NotNil(t, update.Streaming)
	assert.Equal(t, domain.StreamingStart, *update.Streaming)
	assert.True(t, m.Streaming())

	for i := 0; i < 3; i++ {
		update = m.Observe(feed.next(0, 0))
		assert.Nil(t, update.Streaming, "tick %d", i)
	}

	update = m.Observe(feed.next(0, 0))
	require.NotNil(t, update.Streaming)
	assert.Equal(t, domain.StreamingStop, *update.Streaming)
	require.NotNil(t, update.Report)
	assert.Equal(t, "video/VP8", update.Report.Codec)
	assert.Equal(t, 500*time.Millisecond, update.Report.Duration)
	assert.False(t, m.Streaming())
}

func TestVideoQualityMonitor_SingleMissedTickDoesNotStop(t *testing.T) {
	m := NewVideoQualityMonitor(DefaultMonitorConfig())
	feed := newStatsFeed()

	m.Observe(feed.next(3, 0.05))
	for i := 0; i < 20; i++ {
		frames := uint64(3)
		if i%3 == 0 {
			frames = 0
		}
		update := m.Observe(feed.next(frames, 0.05))
		assert.Nil(t, update.Streaming, "tick %d", i)
	}
	assert.True(t, m.Streaming())
}

func TestVideoQualityMonitor_ConnectivityDeadBand(t *testing.T) {
	m := NewVideoQualityMonitor(DefaultMonitorConfig())
	feed := newStatsFeed()

	update := m.Observe(feed.next(3, 0.1))
	require.NotNil(t, update.Connectivity)
	assert.Equal(t, domain.ConnectivityStrong, *update.Connectivity)

	// inside the dead band nothing changes
	update = m.Observe(feed.next(3, 0.26))
	assert.Nil(t, update.Connectivity)

	// high delay without freezes stays strong
	update = m.Observe(feed.next(3, 0.5))
	assert.Nil(t, update.Connectivity)

	feed.cur.FreezeCount += 2
	update = m.Observe(feed.next(3, 0.5))
	require.NotNil(t, update.Connectivity)
	assert.Equal(t, domain.ConnectivityWeak, *update.Connectivity)

	update = m.Observe(feed.next(3, 0.27))
	assert.Nil(t, update.Connectivity)
	assert.Equal(t, domain.ConnectivityWeak, m.Connectivity())

	update = m.Observe(feed.next(3, 0.2))
	require.NotNil(t, update.Connectivity)
	assert.Equal(t, domain.ConnectivityStrong, *update.Connectivity)
}

func TestVideoQualityMonitor_NoEmittedFramesHoldsConnectivity(t *testing.T) {
	m := NewVideoQualityMonitor(DefaultMonitorConfig())
	feed := newStatsFeed()

	m.Observe(feed.next(3, 0.1))
	update := m.Observe(feed.next(0, 0))
	assert.Nil(t, update.Connectivity)
	assert.Equal(t, domain.ConnectivityStrong, m.Connectivity())
}

func TestVideoQualityMonitor_ReportAnomalies(t *testing.T) {
	m := NewVideoQualityMonitor(DefaultMonitorConfig())
	feed := newStatsFeed()

	feed.cur.RTT = 0.04
	m.Observe(feed.next(3, 0.05))

	feed.cur.PacketsLost += 4
	feed.cur.FramesDropped++
	m.Observe(feed.next(2, 0.05))

	feed.cur.FreezeCount++
	feed.cur.RTT = 0.08
	sample := feed.next(1, 0.1)
	sample.FPS = 10
	feed.cur = sample
	m.Observe(sample)

	report := m.Flush()
	require.NotNil(t, report)
	assert.False(t, m.Streaming())

	require.Len(t, report.Anomalies, 2)
	assert.ElementsMatch(t, []domain.AnomalyCause{domain.CausePacketLoss, domain.CauseFramesDropped}, report.Anomalies[0].Causes)
	assert.Equal(t, int64(4), report.Anomalies[0].PacketsLost)
	assert.ElementsMatch(t, []domain.AnomalyCause{domain.CauseFreeze, domain.CauseLowFPS}, report.Anomalies[1].Causes)

	assert.Equal(t, uint64(1), report.FreezeCount)
	assert.Equal(t, 1, report.LowFPSCount)
	assert.InDelta(t, 0.04, report.MinRTT, 1e-9)
	assert.InDelta(t, 0.08, report.MaxRTT, 1e-9)
	assert.InDelta(t, 0.05, report.MinJitterDelay, 1e-9)
	assert.InDelta(t, 0.1, report.MaxJitterDelay, 1e-9)
	assert.InDelta(t, 6*1000*8/0.3, report.Bitrate, 1e-6)
}

func TestVideoQualityMonitor_FlushWhenIdle(t *testing.T) {
	m := NewVideoQualityMonitor(DefaultMonitorConfig())
	assert.Nil(t, m.Flush())

	m.Observe(newStatsFeed().next(0, 0))
	assert.Nil(t, m.Flush())
}

func TestVideoQualityMonitor_CounterReset(t *testing.T) {
	m := NewVideoQualityMonitor(DefaultMonitorConfig())
	feed := newStatsFeed()
	m.Observe(feed.next(10, 0.05))

	fresh := newStatsFeed()
	fresh.cur.Timestamp = feed.cur.Timestamp
	update := m.Observe(fresh.next(2, 0.05))
	assert.True(t, update.Receiving)
	assert.InDelta(t, 0.05, update.JitterDelay, 1e-9)
}

func TestVideoQualityMonitor_StartStopAlternate(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := NewVideoQualityMonitor(DefaultMonitorConfig())
		feed := newStatsFeed()

		var last domain.StreamingState
		idle := 0
		ticks := rapid.SliceOfN(rapid.Uint64Range(0, 4), 1, 80).Draw(t, "frames")
		for _, frames := range ticks {
			update := m.Observe(feed.next(frames, 0.1))
			if frames > 0 {
				idle = 0
			} else {
				idle++
			}
			if update.Streaming == nil {
				continue
			}
			if *update.Streaming == last {
				t.Fatalf("%s emitted twice in a row", last)
			}
			if *update.Streaming == domain.StreamingStop {
				if idle < 4 {
					t.Fatalf("stop after %d idle ticks", idle)
				}
				if update.Report == nil {
					t.Fatalf("stop without report")
				}
			}
			last = *update.Streaming
		}
	})
}
