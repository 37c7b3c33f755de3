package livekit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"agentstream/internal/core/domain"
	"agentstream/internal/core/ports"
	"agentstream/internal/infrastructure/datachannel"
	"agentstream/internal/infrastructure/webrtc"
	"agentstream/pkg/tracing"
)

const defaultRejoinTimeout = 5 * time.Second

type RelayedConfig struct {
	AgentID       domain.AgentID
	RejoinTimeout time.Duration
	MediaSink     ports.MediaSink
	// Connect defaults to the LiveKit SDK connector.
	Connect Connector
}

// RelayedTransport streams the agent through a media server room.
type RelayedTransport struct {
	config RelayedConfig
	api    ports.ControlPlane
	logger *zap.SugaredLogger

	events    chan domain.TransportEvent
	done      chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	room       Room
	generation uint64
	streamID   domain.StreamID
	sessionID  domain.SessionID
	roomURL    string
	token      string
	video      *webrtc.TrackReader
	joined     chan struct{}
	joinedOnce *sync.Once
}

func NewRelayedTransport(config RelayedConfig, api ports.ControlPlane, logger *zap.SugaredLogger) *RelayedTransport {
	if config.RejoinTimeout <= 0 {
		config.RejoinTimeout = defaultRejoinTimeout
	}
	if config.Connect == nil {
		config.Connect = Connect
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RelayedTransport{
		config: config,
		api:    api,
		logger: logger,
		events: make(chan domain.TransportEvent, 256),
		done:   make(chan struct{}),
	}
}

func (t *RelayedTransport) Kind() domain.TransportKind { return domain.TransportRelayed }

func (t *RelayedTransport) Events() <-chan domain.TransportEvent { return t.events }

// Initialize creates the stream and joins the room it was granted.
func (t *RelayedTransport) Initialize(ctx context.Context, params domain.StreamParams) (*domain.StreamInit, error) {
	ctx, span := tracing.TraceTransport(ctx, "initialize", string(domain.TransportRelayed), "")
	defer span.End()

	params.AgentID = t.config.AgentID
	params.Transport = domain.TransportRelayed
	resp, err := t.api.CreateStream(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("create stream: %w", err)
	}
	if resp.SessionID == nil || *resp.SessionID == "" {
		return nil, domain.ErrMissingSessionID
	}
	if resp.RoomURL == "" || resp.Token == "" {
		return nil, fmt.Errorf("%w: stream %s", domain.ErrMissingRoom, resp.ID)
	}
	sessionID := *resp.SessionID

	t.mu.Lock()
	t.streamID = resp.ID
	t.sessionID = sessionID
	t.roomURL = resp.RoomURL
	t.token = resp.Token
	t.mu.Unlock()

	tracing.AddSpanAttributes(ctx, tracing.StreamIDKey.String(string(resp.ID)))

	if err := t.join(ctx); err != nil {
		return nil, err
	}

	t.logger.Infow("Joined relayed room",
		"stream_id", resp.ID,
		"session_id", sessionID,
	)

	return &domain.StreamInit{
		ID:                 resp.ID,
		SessionID:          sessionID,
		RoomURL:            resp.RoomURL,
		Token:              resp.Token,
		Fluent:             resp.Fluent,
		InterruptAvailable: resp.InterruptEnabled,
		TriggersAvailable:  true,
	}, nil
}

// Rejoin reconnects to the same room and waits for the agent to be back.
func (t *RelayedTransport) Rejoin(ctx context.Context) error {
	t.mu.Lock()
	if t.roomURL == "" {
		t.mu.Unlock()
		return domain.ErrNoActiveSession
	}
	old := t.room
	t.room = nil
	t.generation++
	t.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}
	t.emit(domain.TransportEvent{Kind: domain.EventSignalState, RawState: "reconnecting"})

	if err := t.join(ctx); err != nil {
		return err
	}

	t.mu.Lock()
	joined := t.joined
	t.mu.Unlock()

	timer := time.NewTimer(t.config.RejoinTimeout)
	defer timer.Stop()

	select {
	case <-joined:
		t.logger.Infow("Rejoined relayed room", "stream_id", t.currentStreamID())
		return nil
	case <-timer.C:
		return domain.ErrRejoinTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *RelayedTransport) join(ctx context.Context) error {
	t.mu.Lock()
	t.generation++
	gen := t.generation
	url, token := t.roomURL, t.token
	t.video = nil
	t.joined = make(chan struct{})
	t.joinedOnce = &sync.Once{}
	t.mu.Unlock()

	t.emit(domain.TransportEvent{Kind: domain.EventSignalState, RawState: "connecting"})

	room, err := t.config.Connect(ctx, url, token, t.handler(gen))
	if err != nil {
		return fmt.Errorf("%w: join room: %v", domain.ErrTransportFailed, err)
	}

	t.mu.Lock()
	if gen != t.generation {
		t.mu.Unlock()
		room.Disconnect()
		return domain.ErrSessionClosed
	}
	t.room = room
	t.mu.Unlock()

	t.emit(domain.TransportEvent{Kind: domain.EventSignalState, RawState: "connected"})
	for _, identity := range room.Participants() {
		t.participantJoined(gen, identity)
	}
	return nil
}

// handler binds room events to one join. Events of an older join are dropped.
func (t *RelayedTransport) handler(gen uint64) RoomHandler {
	return RoomHandler{
		OnTrack: func(track RemoteTrack, participant string) {
			t.handleTrack(gen, track)
		},
		OnTrackUnsubscribed: func(info domain.MediaTrackInfo, participant string) {
			if !t.current(gen) {
				return
			}
			t.mu.Lock()
			if t.video != nil && t.video.Info().ID == info.ID {
				t.video = nil
			}
			t.mu.Unlock()
			t.emit(domain.TransportEvent{Kind: domain.EventTrackUnsubscribed, Track: info})
		},
		OnTrackFailed: func(trackSID, participant string) {
			if !t.current(gen) {
				return
			}
			t.emit(domain.TransportEvent{
				Kind:  domain.EventMediaError,
				Track: domain.MediaTrackInfo{ID: trackSID},
				Err:   fmt.Errorf("subscription to track %s of %s failed", trackSID, participant),
			})
		},
		OnData: func(topic string, data []byte, participant string) {
			if !t.current(gen) {
				return
			}
			msg, err := datachannel.DecodeEnvelope(topic, data)
			if err != nil {
				t.logger.Warnw("Dropping data packet",
					"topic", topic,
					"participant", participant,
					"error", err,
				)
				return
			}
			t.emit(domain.TransportEvent{Kind: domain.EventMessage, Message: msg})
		},
		OnParticipantJoined: func(identity string) {
			t.participantJoined(gen, identity)
		},
		OnParticipantLeft: func(identity string) {
			if t.current(gen) {
				t.emit(domain.TransportEvent{Kind: domain.EventParticipantLeft, Participant: identity})
			}
		},
		OnReconnecting: func() {
			if t.current(gen) {
				t.emit(domain.TransportEvent{Kind: domain.EventSignalState, RawState: "reconnecting"})
			}
		},
		OnReconnected: func() {
			if t.current(gen) {
				t.emit(domain.TransportEvent{Kind: domain.EventSignalState, RawState: "connected"})
			}
		},
		OnDisconnected: func() {
			if t.current(gen) {
				t.emit(domain.TransportEvent{Kind: domain.EventSignalState, RawState: "disconnected"})
			}
		},
	}
}

func (t *RelayedTransport) handleTrack(gen uint64, track RemoteTrack) {
	reader := webrtc.NewTrackReader(track.Info, track.ClockRate, track.Read, t.config.MediaSink, t.logger)

	t.mu.Lock()
	if gen != t.generation {
		t.mu.Unlock()
		return
	}
	isVideo := track.Info.Kind == "video" && t.video == nil
	if isVideo {
		t.video = reader
		if track.RequestKeyframe != nil {
			reader.OnFreeze(track.RequestKeyframe)
		}
	}
	t.mu.Unlock()

	t.logger.Infow("Remote track subscribed",
		"stream_id", t.currentStreamID(),
		"track_id", track.Info.ID,
		"kind", track.Info.Kind,
	)

	if track.Read != nil {
		go reader.Run()
	}
	if isVideo {
		if track.RequestKeyframe != nil {
			track.RequestKeyframe()
		}
		t.markJoined(gen)
	}
	t.emit(domain.TransportEvent{Kind: domain.EventTrackSubscribed, Track: track.Info})
}

func (t *RelayedTransport) participantJoined(gen uint64, identity string) {
	if !t.current(gen) {
		return
	}
	t.markJoined(gen)
	t.emit(domain.TransportEvent{Kind: domain.EventParticipantJoined, Participant: identity})
}

func (t *RelayedTransport) markJoined(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.generation || t.joinedOnce == nil {
		return
	}
	joined := t.joined
	t.joinedOnce.Do(func() { close(joined) })
}

func (t *RelayedTransport) SendMessage(ctx context.Context, msg domain.DataChannelMessage) error {
	t.mu.Lock()
	room := t.room
	t.mu.Unlock()
	if room == nil {
		return domain.ErrChannelNotReady
	}

	topic, data, err := datachannel.EncodeEnvelope(msg)
	if err != nil {
		return err
	}
	if err := room.Publish(topic, data); err != nil {
		return fmt.Errorf("publish on %s: %w", topic, err)
	}
	return nil
}

// Speak publishes the script on the speak topic. The agent renders it
// in-room, so there is no video id until stream-video/started arrives.
func (t *RelayedTransport) Speak(ctx context.Context, req domain.SpeakRequest) (*domain.SpeakResult, error) {
	payload := map[string]any{"script": req.Script}
	if len(req.Metadata) > 0 {
		payload["metadata"] = req.Metadata
	}
	if len(req.Config) > 0 {
		payload["config"] = req.Config
	}

	err := t.SendMessage(ctx, domain.DataChannelMessage{
		Subject: domain.SubjectSpeak,
		Topic:   domain.TopicSpeak,
		Payload: payload,
	})
	if err != nil {
		return nil, err
	}
	return &domain.SpeakResult{Status: "published"}, nil
}

func (t *RelayedTransport) VideoStats() (domain.VideoStatsSample, bool) {
	t.mu.Lock()
	video := t.video
	t.mu.Unlock()
	if video == nil {
		return domain.VideoStatsSample{}, false
	}
	return video.Snapshot(), true
}

func (t *RelayedTransport) Close(ctx context.Context, remote bool) error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)

		t.mu.Lock()
		room := t.room
		t.room = nil
		t.generation++
		streamID, sessionID := t.streamID, t.sessionID
		t.mu.Unlock()

		if room != nil {
			room.Disconnect()
		}
		if remote && streamID != "" {
			if cerr := t.api.CloseStream(ctx, t.config.AgentID, streamID, sessionID); cerr != nil {
				err = fmt.Errorf("close stream: %w", cerr)
			}
		}
	})
	return err
}

func (t *RelayedTransport) current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return gen == t.generation
}

func (t *RelayedTransport) currentStreamID() domain.StreamID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streamID
}

func (t *RelayedTransport) emit(ev domain.TransportEvent) {
	select {
	case <-t.done:
	case t.events <- ev:
	}
}
