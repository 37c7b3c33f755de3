package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"agentstream/internal/core/domain"
	"agentstream/internal/core/ports"
	"agentstream/internal/infrastructure/datachannel"
	"agentstream/pkg/tracing"
)

// DataChannelLabel is the label of the side channel negotiated with the agent.
const DataChannelLabel = "JanusDataChannel"

// P2PConfig configures the direct peer connection transport.
type P2PConfig struct {
	AgentID domain.AgentID
	// ICEServers is used when the control plane returns none.
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	SignalTimeout time.Duration
	MediaSink     ports.MediaSink
}

// P2PTransport streams the agent over a direct WebRTC peer connection. The
// remote side sends the offer; this side answers and trickles candidates
// through the control plane.
type P2PTransport struct {
	config P2PConfig
	api    ports.ControlPlane
	logger *zap.SugaredLogger

	events    chan domain.TransportEvent
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	channels  []*webrtc.DataChannel
	streamID  domain.StreamID
	sessionID domain.SessionID
	video     *TrackReader
	readers   []*TrackReader
}

func NewP2PTransport(config P2PConfig, api ports.ControlPlane, logger *zap.SugaredLogger) *P2PTransport {
	if config.SignalTimeout <= 0 {
		config.SignalTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &P2PTransport{
		config: config,
		api:    api,
		logger: logger,
		events: make(chan domain.TransportEvent, 256),
		done:   make(chan struct{}),
	}
}

func (t *P2PTransport) Kind() domain.TransportKind { return domain.TransportP2P }

func (t *P2PTransport) Events() <-chan domain.TransportEvent { return t.events }

// Initialize creates the stream, answers the remote offer and starts the
// connection.
func (t *P2PTransport) Initialize(ctx context.Context, params domain.StreamParams) (*domain.StreamInit, error) {
	ctx, span := tracing.TraceTransport(ctx, "initialize", string(domain.TransportP2P), "")
	defer span.End()

	params.AgentID = t.config.AgentID
	params.Transport = domain.TransportP2P
	resp, err := t.api.CreateStream(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("create stream: %w", err)
	}
	if resp.SessionID == nil || *resp.SessionID == "" {
		return nil, domain.ErrMissingSessionID
	}
	if resp.Offer == nil || resp.Offer.SDP == "" {
		return nil, fmt.Errorf("%w: stream %s has no offer", domain.ErrNegotiation, resp.ID)
	}

	t.mu.Lock()
	t.streamID = resp.ID
	t.sessionID = *resp.SessionID
	t.mu.Unlock()

	tracing.AddSpanAttributes(ctx, tracing.StreamIDKey.String(string(resp.ID)))

	pc, err := t.createPeerConnection(resp.ICEServers)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	t.mu.Lock()
	t.pc = pc
	t.mu.Unlock()

	pc.OnICEConnectionStateChange(t.handleICEConnectionState)
	pc.OnICECandidate(t.handleICECandidate)
	pc.OnTrack(t.handleTrack)
	pc.OnDataChannel(t.bindDataChannel)

	dc, err := pc.CreateDataChannel(DataChannelLabel, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	t.bindDataChannel(dc)

	answer, err := t.Negotiate(ctx, resp.Offer.SDP)
	if err != nil {
		return nil, err
	}

	if err := t.api.StartConnection(ctx, t.config.AgentID, resp.ID, answer, *resp.SessionID); err != nil {
		return nil, fmt.Errorf("start connection: %w", err)
	}

	t.logger.Infow("P2P stream negotiated",
		"stream_id", resp.ID,
		"session_id", *resp.SessionID,
		"fluent", resp.Fluent,
	)

	return &domain.StreamInit{
		ID:                 resp.ID,
		SessionID:          *resp.SessionID,
		Offer:              resp.Offer.SDP,
		ICEServers:         resp.ICEServers,
		Fluent:             resp.Fluent,
		InterruptAvailable: resp.InterruptEnabled,
		TriggersAvailable:  false,
	}, nil
}

// Negotiate applies the remote offer and returns the local answer SDP.
func (t *P2PTransport) Negotiate(ctx context.Context, offer string) (string, error) {
	t.mu.Lock()
	pc := t.pc
	t.mu.Unlock()
	if pc == nil {
		return "", fmt.Errorf("%w: no peer connection", domain.ErrNegotiation)
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", fmt.Errorf("%w: set remote description: %v", domain.ErrNegotiation, err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("%w: create answer: %v", domain.ErrNegotiation, err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("%w: set local description: %v", domain.ErrNegotiation, err)
	}
	if local := pc.LocalDescription(); local != nil {
		return local.SDP, nil
	}
	return answer.SDP, nil
}

func (t *P2PTransport) SendMessage(ctx context.Context, msg domain.DataChannelMessage) error {
	dc := t.openChannel()
	if dc == nil {
		return domain.ErrChannelNotReady
	}
	frame, err := datachannel.Encode(msg)
	if err != nil {
		return err
	}
	return dc.SendText(frame)
}

func (t *P2PTransport) Speak(ctx context.Context, req domain.SpeakRequest) (*domain.SpeakResult, error) {
	t.mu.Lock()
	streamID, sessionID := t.streamID, t.sessionID
	t.mu.Unlock()
	if streamID == "" {
		return nil, domain.ErrNoActiveSession
	}
	return t.api.SendStreamRequest(ctx, t.config.AgentID, streamID, sessionID, req)
}

// VideoStats merges the video reader counters with the peer connection's
// transport stats.
func (t *P2PTransport) VideoStats() (domain.VideoStatsSample, bool) {
	t.mu.Lock()
	video, pc := t.video, t.pc
	t.mu.Unlock()
	if video == nil {
		return domain.VideoStatsSample{}, false
	}

	sample := video.Snapshot()
	if pc != nil {
		if remote, ok := extractStats(pc.GetStats()); ok {
			sample.RTT = remote.rtt
			if sample.Jitter == 0 {
				sample.Jitter = remote.jitter
			}
			if remote.packetsLost > sample.PacketsLost {
				sample.PacketsLost = remote.packetsLost
			}
		}
	}
	return sample, true
}

func (t *P2PTransport) Close(ctx context.Context, remote bool) error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)

		t.mu.Lock()
		pc := t.pc
		streamID, sessionID := t.streamID, t.sessionID
		t.mu.Unlock()

		if remote && streamID != "" {
			if cerr := t.api.CloseStream(ctx, t.config.AgentID, streamID, sessionID); cerr != nil {
				err = fmt.Errorf("close stream: %w", cerr)
			}
		}
		if pc != nil {
			if cerr := pc.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}

func (t *P2PTransport) createPeerConnection(servers []domain.ICEServer) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers: t.config.ICEServers,
	}
	if len(servers) > 0 {
		config.ICEServers = toICEServers(servers)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	settingEngine := webrtc.SettingEngine{}
	if t.config.PortRange.Min > 0 && t.config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(t.config.PortRange.Min, t.config.PortRange.Max); err != nil {
			return nil, err
		}
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}

func (t *P2PTransport) handleICEConnectionState(state webrtc.ICEConnectionState) {
	t.logger.Infow("ICE connection state changed",
		"stream_id", t.currentStreamID(),
		"ice_state", state.String(),
	)
	t.emit(domain.TransportEvent{Kind: domain.EventSignalState, RawState: state.String()})
}

// handleICECandidate trickles local candidates. A nil candidate marks the
// end of gathering and is forwarded as such.
func (t *P2PTransport) handleICECandidate(c *webrtc.ICECandidate) {
	t.mu.Lock()
	streamID, sessionID := t.streamID, t.sessionID
	t.mu.Unlock()

	var candidate *ports.ICECandidate
	if c != nil {
		cand := c.ToJSON()
		candidate = &ports.ICECandidate{
			Candidate:     cand.Candidate,
			SDPMid:        cand.SDPMid,
			SDPMLineIndex: cand.SDPMLineIndex,
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.config.SignalTimeout)
	defer cancel()
	if err := t.api.AddICECandidate(ctx, t.config.AgentID, streamID, candidate, sessionID); err != nil {
		t.logger.Warnw("Failed to send ICE candidate",
			"stream_id", streamID,
			"end_of_candidates", c == nil,
			"error", err,
		)
		t.emit(domain.TransportEvent{Kind: domain.EventMediaError, Err: fmt.Errorf("send ice candidate: %w", err)})
	}
}

func (t *P2PTransport) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	info := domain.MediaTrackInfo{
		ID:    track.ID(),
		Kind:  track.Kind().String(),
		Codec: track.Codec().MimeType,
	}
	t.logger.Infow("Remote track started",
		"stream_id", t.currentStreamID(),
		"track_id", info.ID,
		"kind", info.Kind,
		"codec", info.Codec,
	)

	read := func(buf []byte) (int, error) {
		n, _, err := track.Read(buf)
		return n, err
	}
	reader := NewTrackReader(info, track.Codec().ClockRate, read, t.config.MediaSink, t.logger)

	ssrc := uint32(track.SSRC())
	t.mu.Lock()
	t.readers = append(t.readers, reader)
	if info.Kind == "video" && t.video == nil {
		t.video = reader
		reader.OnFreeze(func() { t.requestKeyframe(ssrc) })
	}
	t.mu.Unlock()

	// Drain RTCP so the receiver's interceptors keep running
	go t.processRTCP(receiver)
	go reader.Run()

	if info.Kind == "video" {
		t.requestKeyframe(ssrc)
	}
	t.emit(domain.TransportEvent{Kind: domain.EventTrackSubscribed, Track: info})
}

func (t *P2PTransport) processRTCP(receiver *webrtc.RTPReceiver) {
	for {
		if _, _, err := receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

func (t *P2PTransport) requestKeyframe(ssrc uint32) {
	t.mu.Lock()
	pc := t.pc
	t.mu.Unlock()
	if pc == nil {
		return
	}
	if err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
		t.logger.Debugw("Failed to request keyframe",
			"ssrc", ssrc,
			"error", err,
		)
	}
}

func (t *P2PTransport) bindDataChannel(dc *webrtc.DataChannel) {
	t.mu.Lock()
	t.channels = append(t.channels, dc)
	t.mu.Unlock()

	dc.OnOpen(func() {
		t.logger.Debugw("Data channel open", "label", dc.Label())
		t.emit(domain.TransportEvent{Kind: domain.EventChannelOpen})
	})
	dc.OnClose(func() {
		t.emit(domain.TransportEvent{Kind: domain.EventChannelClosed})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.emit(domain.TransportEvent{Kind: domain.EventMessage, Message: datachannel.Decode(string(msg.Data))})
	})
}

func (t *P2PTransport) openChannel() *webrtc.DataChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, dc := range t.channels {
		if dc.ReadyState() == webrtc.DataChannelStateOpen {
			return dc
		}
	}
	return nil
}

func (t *P2PTransport) currentStreamID() domain.StreamID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streamID
}

func (t *P2PTransport) emit(ev domain.TransportEvent) {
	select {
	case <-t.done:
	case t.events <- ev:
	}
}

func toICEServers(servers []domain.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		out = append(out, server)
	}
	return out
}
