package webrtc

import (
	"errors"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"go.uber.org/zap"

	"agentstream/internal/core/domain"
	"agentstream/internal/core/ports"
)

const (
	defaultClockRate = 90000
	fpsWindow        = time.Second
	freezeMinGap     = 150 * time.Millisecond
)

// ReadFunc reads one raw RTP packet into buf.
type ReadFunc func(buf []byte) (int, error)

// TrackReader consumes one inbound RTP track, forwards payloads to the media
// sink and keeps the cumulative counters a VideoStatsSample is built from.
type TrackReader struct {
	info      domain.MediaTrackInfo
	clockRate float64
	read      ReadFunc
	sink      ports.MediaSink
	logger    *zap.SugaredLogger
	now       func() time.Time

	onFreeze func()

	mu sync.Mutex

	bytes   uint64
	packets uint64
	lost    int64

	started    bool
	lastSeq    uint16
	frameLossy bool

	// RFC 3550 interarrival jitter, in RTP timestamp units.
	jitter      float64
	prevTransit float64
	haveTransit bool

	baseArrival time.Time
	lastTS      uint32
	extTS       int64
	minDelay    float64
	haveDelay   bool

	decoded        uint64
	dropped        uint64
	delaySum       float64
	emitted        uint64
	freezeCount    uint64
	freezeDuration float64
	lastFrame      time.Time
	avgInterval    float64
	frameTimes     []time.Time

	width, height int
}

func NewTrackReader(info domain.MediaTrackInfo, clockRate uint32, read ReadFunc, sink ports.MediaSink, logger *zap.SugaredLogger) *TrackReader {
	rate := float64(clockRate)
	if rate == 0 {
		rate = defaultClockRate
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &TrackReader{
		info:      info,
		clockRate: rate,
		read:      read,
		sink:      sink,
		logger:    logger,
		now:       time.Now,
	}
}

// OnFreeze registers a callback fired when a freeze is detected. It runs on
// the reader goroutine.
func (r *TrackReader) OnFreeze(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFreeze = fn
}

func (r *TrackReader) Info() domain.MediaTrackInfo { return r.info }

// Run reads until the track ends.
func (r *TrackReader) Run() {
	packetBuffer := make([]byte, 1500) // MTU size
	pkt := &rtp.Packet{}

	for {
		n, err := r.read(packetBuffer)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.logger.Debugw("Track read ended",
					"track_id", r.info.ID,
					"error", err,
				)
			}
			return
		}

		if err := pkt.Unmarshal(packetBuffer[:n]); err != nil {
			r.logger.Warnw("Error unmarshaling RTP packet",
				"track_id", r.info.ID,
				"error", err,
			)
			continue
		}

		if r.sink != nil {
			if err := r.sink.WriteRTP(r.info.ID, r.info.Kind, packetBuffer[:n]); err != nil {
				r.logger.Warnw("Error writing RTP packet to sink",
					"track_id", r.info.ID,
					"error", err,
				)
			}
		}

		r.process(pkt, n, r.now())
	}
}

func (r *TrackReader) process(pkt *rtp.Packet, size int, arrival time.Time) {
	r.mu.Lock()

	r.bytes += uint64(size)
	r.packets++

	if !r.started {
		r.started = true
		r.lastSeq = pkt.SequenceNumber
		r.baseArrival = arrival
		r.lastTS = pkt.Timestamp
	} else {
		diff := pkt.SequenceNumber - r.lastSeq
		switch {
		case diff == 0:
			r.mu.Unlock()
			return
		case diff < 0x8000:
			if diff > 1 {
				r.lost += int64(diff - 1)
				r.frameLossy = true
			}
			r.lastSeq = pkt.SequenceNumber
		default:
			// late packet filling an earlier gap
			if r.lost > 0 {
				r.lost--
			}
		}
	}

	r.extTS += int64(int32(pkt.Timestamp - r.lastTS))
	r.lastTS = pkt.Timestamp
	transit := arrival.Sub(r.baseArrival).Seconds()*r.clockRate - float64(r.extTS)
	if r.haveTransit {
		d := math.Abs(transit - r.prevTransit)
		r.jitter += (d - r.jitter) / 16
	}
	r.prevTransit = transit
	r.haveTransit = true

	if r.info.Kind == "video" {
		r.inspectVP8(pkt)
	}

	var freeze func()
	if pkt.Marker && r.info.Kind == "video" {
		freeze = r.completeFrame(transit/r.clockRate, arrival)
	}
	r.mu.Unlock()

	if freeze != nil {
		freeze()
	}
}

// completeFrame closes the frame ending at the current packet and returns
// the freeze callback when the frame arrived after a freeze.
func (r *TrackReader) completeFrame(transit float64, arrival time.Time) func() {
	if r.frameLossy {
		r.dropped++
		r.frameLossy = false
	} else {
		r.decoded++
	}

	if !r.haveDelay || transit < r.minDelay {
		r.minDelay = transit
		r.haveDelay = true
	}
	r.delaySum += transit - r.minDelay
	r.emitted++

	r.frameTimes = append(r.frameTimes, arrival)
	cutoff := arrival.Add(-fpsWindow)
	for len(r.frameTimes) > 0 && !r.frameTimes[0].After(cutoff) {
		r.frameTimes = r.frameTimes[1:]
	}

	var fire func()
	if !r.lastFrame.IsZero() {
		gap := arrival.Sub(r.lastFrame).Seconds()
		threshold := math.Max(3*r.avgInterval, r.avgInterval+freezeMinGap.Seconds())
		if r.avgInterval > 0 && gap > threshold {
			r.freezeCount++
			r.freezeDuration += gap
			fire = r.onFreeze
		} else if r.avgInterval == 0 {
			r.avgInterval = gap
		} else {
			r.avgInterval = 0.9*r.avgInterval + 0.1*gap
		}
	}
	r.lastFrame = arrival
	return fire
}

func (r *TrackReader) inspectVP8(pkt *rtp.Packet) {
	if !strings.EqualFold(r.info.Codec, "video/VP8") {
		return
	}
	vp8 := &codecs.VP8Packet{}
	payload, err := vp8.Unmarshal(pkt.Payload)
	if err != nil || vp8.S != 1 || vp8.PID != 0 || len(payload) < 10 {
		return
	}
	// keyframe: inverse key bit clear and the 0x9d012a start code
	if payload[0]&0x01 != 0 || payload[3] != 0x9d || payload[4] != 0x01 || payload[5] != 0x2a {
		return
	}
	r.width = int(uint16(payload[6])|uint16(payload[7])<<8) & 0x3fff
	r.height = int(uint16(payload[8])|uint16(payload[9])<<8) & 0x3fff
}

// Snapshot returns the cumulative counters.
func (r *TrackReader) Snapshot() domain.VideoStatsSample {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	fps := 0.0
	cutoff := now.Add(-fpsWindow)
	for _, t := range r.frameTimes {
		if t.After(cutoff) {
			fps++
		}
	}

	return domain.VideoStatsSample{
		Timestamp:                now,
		BytesReceived:            r.bytes,
		PacketsReceived:          r.packets,
		PacketsLost:              r.lost,
		FramesDecoded:            r.decoded,
		FramesDropped:            r.dropped,
		Jitter:                   r.jitter / r.clockRate,
		JitterBufferDelay:        r.delaySum,
		JitterBufferEmittedCount: r.emitted,
		FreezeCount:              r.freezeCount,
		FreezeDuration:           r.freezeDuration,
		FrameWidth:               r.width,
		FrameHeight:              r.height,
		FPS:                      fps,
		Codec:                    r.info.Codec,
	}
}
