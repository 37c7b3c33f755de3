package streaming

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"agentstream/internal/core/ports"
)

var ErrRecorderClosed = errors.New("recorder closed")

var _ ports.MediaSink = (*Recorder)(nil)

// Segment is one finished or in-progress recording file of a track.
type Segment struct {
	TrackID   string
	Kind      string
	Index     int
	StartTime time.Time
	Duration  time.Duration
	FilePath  string
	Size      int64
}

// Recorder writes inbound RTP payloads of every track into rotating segment
// files. Each payload is stored with a 4 byte big-endian length prefix.
type Recorder struct {
	segmentDuration time.Duration
	outputPath      string
	logger          *zap.SugaredLogger
	now             func() time.Time

	mu     sync.Mutex
	tracks map[string]*trackWriter
	cache  *SegmentCache
	closed bool
}

type trackWriter struct {
	file    *os.File
	segment *Segment
	next    int
}

func NewRecorder(outputPath string, segmentDuration time.Duration, maxSegments int, logger *zap.SugaredLogger) *Recorder {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Recorder{
		segmentDuration: segmentDuration,
		outputPath:      outputPath,
		logger:          logger,
		now:             time.Now,
		tracks:          make(map[string]*trackWriter),
		cache:           NewSegmentCache(maxSegments),
	}
}

func (r *Recorder) WriteRTP(trackID string, kind string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRecorderClosed
	}

	now := r.now()
	w, ok := r.tracks[trackID]
	if !ok {
		w = &trackWriter{}
		r.tracks[trackID] = w
	}
	if w.file == nil || now.Sub(w.segment.StartTime) >= r.segmentDuration {
		if err := r.rotate(w, trackID, kind, now); err != nil {
			return err
		}
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.file.Write(prefix[:]); err != nil {
		return fmt.Errorf("write segment %s: %w", w.segment.FilePath, err)
	}
	if _, err := w.file.Write(payload); err != nil {
		return fmt.Errorf("write segment %s: %w", w.segment.FilePath, err)
	}
	w.segment.Size += int64(len(prefix) + len(payload))
	return nil
}

func (r *Recorder) rotate(w *trackWriter, trackID, kind string, now time.Time) error {
	r.finish(w, now)

	dir := filepath.Join(r.outputPath, safeName(trackID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create segment dir: %w", err)
	}

	index := w.next
	w.next++
	path := filepath.Join(dir, fmt.Sprintf("%s-%06d.seg", safeName(kind), index))
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create segment: %w", err)
	}

	w.file = file
	w.segment = &Segment{
		TrackID:   trackID,
		Kind:      kind,
		Index:     index,
		StartTime: now,
		FilePath:  path,
	}
	r.logger.Debugw("Segment opened", "track_id", trackID, "kind", kind, "index", index)
	return nil
}

func (r *Recorder) finish(w *trackWriter, now time.Time) {
	if w.file == nil {
		return
	}
	if err := w.file.Close(); err != nil {
		r.logger.Warnw("Failed to close segment", "path", w.segment.FilePath, "error", err)
	}
	w.segment.Duration = now.Sub(w.segment.StartTime)
	r.cache.Add(w.segment)
	r.logger.Debugw("Segment closed",
		"track_id", w.segment.TrackID,
		"index", w.segment.Index,
		"size", w.segment.Size,
	)
	w.file = nil
	w.segment = nil
}

// Close finishes every open segment and writes one playlist per track.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	now := r.now()
	var errs []error
	for trackID, w := range r.tracks {
		r.finish(w, now)
		segments := r.cache.ListSegments(trackID)
		if len(segments) == 0 {
			continue
		}
		path := filepath.Join(r.outputPath, safeName(trackID), "index.m3u8")
		if err := os.WriteFile(path, []byte(r.playlist(segments)), 0o644); err != nil {
			errs = append(errs, fmt.Errorf("write playlist %s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}

// Segments returns the retained segments of a track, oldest first.
func (r *Recorder) Segments(trackID string) []*Segment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.ListSegments(trackID)
}

func (r *Recorder) playlist(segments []*Segment) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(r.segmentDuration.Seconds()+0.5))
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", segments[0].Index)
	for _, s := range segments {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", s.Duration.Seconds())
		b.WriteString(filepath.Base(s.FilePath))
		b.WriteString("\n")
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

func safeName(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

// SegmentCache keeps the most recent finished segments across all tracks.
type SegmentCache struct {
	segments []*Segment
	maxSize  int
}

func NewSegmentCache(maxSize int) *SegmentCache {
	return &SegmentCache{maxSize: maxSize}
}

// Add appends a segment, evicting the oldest one when full. A non-positive
// size keeps everything.
func (sc *SegmentCache) Add(segment *Segment) {
	if sc.maxSize > 0 && len(sc.segments) >= sc.maxSize {
		sc.segments = sc.segments[1:]
	}
	sc.segments = append(sc.segments, segment)
}

func (sc *SegmentCache) ListSegments(trackID string) []*Segment {
	var result []*Segment
	for _, s := range sc.segments {
		if s.TrackID == trackID {
			result = append(result, s)
		}
	}
	return result
}
