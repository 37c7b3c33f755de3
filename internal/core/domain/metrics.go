package domain

import "time"

// VideoStatsSample is a cumulative snapshot of inbound video statistics.
// Counters only grow for the life of a track; per-tick values are derived from
// the difference between two samples.
type VideoStatsSample struct {
	Timestamp                time.Time
	BytesReceived            uint64
	PacketsReceived          uint64
	PacketsLost              int64
	FramesDecoded            uint64
	FramesDropped            uint64
	Jitter                   float64 // seconds
	JitterBufferDelay        float64 // seconds, cumulative
	JitterBufferEmittedCount uint64
	FreezeCount              uint64
	FreezeDuration           float64 // seconds, cumulative
	FrameWidth               int
	FrameHeight              int
	FPS                      float64
	RTT                      float64 // seconds
	Codec                    string
}

type AnomalyCause string

const (
	CauseFreeze        AnomalyCause = "freeze"
	CauseLowFPS        AnomalyCause = "low fps"
	CauseFramesDropped AnomalyCause = "frames dropped"
	CausePacketLoss    AnomalyCause = "packet loss"
)

// Anomaly is one tick of a streaming window that showed degraded playback.
type Anomaly struct {
	Timestamp      time.Time
	Causes         []AnomalyCause
	FPS            float64
	PacketsLost    int64
	FramesDropped  uint64
	FreezeCount    uint64
	FreezeDuration float64
	JitterDelay    float64
}

// VideoQualityReport aggregates one start→stop streaming window.
type VideoQualityReport struct {
	Start          time.Time
	End            time.Time
	Duration       time.Duration
	Bitrate        float64 // bits per second
	MinRTT         float64
	AvgRTT         float64
	MaxRTT         float64
	MinJitterDelay float64
	AvgJitterDelay float64
	MaxJitterDelay float64
	FreezeCount    uint64
	LowFPSCount    int
	Codec          string
	Anomalies      []Anomaly
}
