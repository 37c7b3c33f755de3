package services

import (
	"go.uber.org/zap"

	"agentstream/internal/core/domain"
)

// StateListener receives the transitions a ConnectionStateMachine emits.
// Methods are invoked synchronously while the owner holds its lock.
type StateListener interface {
	ConnectionStateChanged(state domain.ConnectionState)
	VideoStateChanged(state domain.StreamingState, report *domain.VideoQualityReport)
	AgentActivityChanged(state domain.AgentActivityState)
}

// MachineOptions select how a machine derives Connected and video start.
type MachineOptions struct {
	// Legacy merges the stats signal and the data-channel stream/started
	// signal before reporting video start. Only meaningful for P2P streams
	// that are not fluent.
	Legacy bool
	// Warmup defers P2P Connected until frames are decoding.
	Warmup bool
}

var allowedTransitions = map[domain.ConnectionState][]domain.ConnectionState{
	domain.ConnectionNew: {
		domain.ConnectionConnecting, domain.ConnectionFail, domain.ConnectionClosed,
		domain.ConnectionDisconnected, domain.ConnectionDisconnecting,
	},
	domain.ConnectionConnecting: {
		domain.ConnectionConnected, domain.ConnectionFail, domain.ConnectionClosed,
		domain.ConnectionDisconnected, domain.ConnectionDisconnecting, domain.ConnectionNew,
	},
	domain.ConnectionConnected: {
		domain.ConnectionCompleted, domain.ConnectionConnecting, domain.ConnectionDisconnecting,
		domain.ConnectionDisconnected, domain.ConnectionFail, domain.ConnectionClosed,
	},
	domain.ConnectionCompleted: {
		domain.ConnectionConnecting, domain.ConnectionDisconnecting, domain.ConnectionDisconnected,
		domain.ConnectionFail, domain.ConnectionClosed,
	},
	domain.ConnectionDisconnecting: {
		domain.ConnectionDisconnected, domain.ConnectionClosed, domain.ConnectionFail,
	},
	domain.ConnectionDisconnected: {
		domain.ConnectionConnecting, domain.ConnectionClosed, domain.ConnectionFail, domain.ConnectionNew,
	},
	domain.ConnectionFail: {
		domain.ConnectionConnecting, domain.ConnectionClosed, domain.ConnectionNew,
	},
	domain.ConnectionClosed: {
		domain.ConnectionNew,
	},
}

func transitionAllowed(from, to domain.ConnectionState) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// MapRawState translates a transport's native state string into the
// normalized connection state. Unknown values map to New.
func MapRawState(raw string) domain.ConnectionState {
	switch raw {
	case "checking", "connecting", "reconnecting":
		return domain.ConnectionConnecting
	case "connected":
		return domain.ConnectionConnected
	case "completed":
		return domain.ConnectionCompleted
	case "disconnecting":
		return domain.ConnectionDisconnecting
	case "disconnected":
		return domain.ConnectionDisconnected
	case "closed":
		return domain.ConnectionClosed
	case "failed", "fail":
		return domain.ConnectionFail
	default:
		return domain.ConnectionNew
	}
}

// ConnectionStateMachine folds raw transport signals into the normalized
// connection, video and activity states. It is not safe for concurrent use;
// the owning session serializes access.
type ConnectionStateMachine struct {
	kind     domain.TransportKind
	opts     MachineOptions
	listener StateListener
	logger   *zap.SugaredLogger

	state         domain.ConnectionState
	everConnected bool

	channelOpen   bool
	iceConnected  bool
	roomConnected bool
	videoTrack    bool
	framesFlowing bool
	channelLive   bool

	video    domain.StreamingState
	activity domain.AgentActivityState
}

func NewConnectionStateMachine(kind domain.TransportKind, opts MachineOptions, listener StateListener, logger *zap.SugaredLogger) *ConnectionStateMachine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ConnectionStateMachine{
		kind:     kind,
		opts:     opts,
		listener: listener,
		logger:   logger,
		state:    domain.ConnectionNew,
		video:    domain.StreamingStop,
		activity: domain.AgentIdle,
	}
}

func (m *ConnectionStateMachine) State() domain.ConnectionState { return m.state }
func (m *ConnectionStateMachine) VideoState() domain.StreamingState { return m.video }
func (m *ConnectionStateMachine) Activity() domain.AgentActivityState { return m.activity }

// EverConnected reports whether Connected was emitted at least once.
func (m *ConnectionStateMachine) EverConnected() bool { return m.everConnected }

// SetLegacy switches video start merging once the stream's fluency is known.
func (m *ConnectionStateMachine) SetLegacy(legacy bool) {
	m.opts.Legacy = legacy && m.kind == domain.TransportP2P
}

// HandleRawState consumes a native ICE or room state.
func (m *ConnectionStateMachine) HandleRawState(raw string) {
	mapped := MapRawState(raw)
	if m.kind == domain.TransportRelayed {
		m.handleRoomState(mapped)
		return
	}

	switch mapped {
	case domain.ConnectionConnected, domain.ConnectionCompleted:
		m.iceConnected = true
		if mapped == domain.ConnectionCompleted && m.state == domain.ConnectionConnected {
			m.transition(domain.ConnectionCompleted)
			return
		}
		// ICE disconnected is transient; a later connected re-enters the
		// Connecting path so Connected can be synthesized again.
		if m.state == domain.ConnectionNew || m.state == domain.ConnectionDisconnected {
			m.transition(domain.ConnectionConnecting)
		}
		m.trySynthesize()
	case domain.ConnectionConnecting:
		m.iceConnected = false
		m.transition(domain.ConnectionConnecting)
	default:
		if mapped.Terminal() {
			m.iceConnected = false
		}
		m.transition(mapped)
	}
}

func (m *ConnectionStateMachine) handleRoomState(mapped domain.ConnectionState) {
	switch mapped {
	case domain.ConnectionConnected, domain.ConnectionCompleted:
		m.roomConnected = true
		if m.state == domain.ConnectionNew || m.state.Terminal() {
			m.transition(domain.ConnectionConnecting)
		}
		m.trySynthesize()
	case domain.ConnectionConnecting:
		m.roomConnected = false
		m.videoTrack = false
		m.transition(domain.ConnectionConnecting)
	default:
		if mapped.Terminal() {
			m.roomConnected = false
			m.videoTrack = false
		}
		m.transition(mapped)
	}
}

func (m *ConnectionStateMachine) HandleChannelOpen() {
	m.channelOpen = true
	m.trySynthesize()
}

func (m *ConnectionStateMachine) HandleChannelClosed() {
	m.channelOpen = false
}

func (m *ConnectionStateMachine) HandleTrackSubscribed(kind string) {
	if kind != "video" {
		return
	}
	m.videoTrack = true
	m.trySynthesize()
}

func (m *ConnectionStateMachine) HandleTrackUnsubscribed(kind string) {
	if kind == "video" {
		m.videoTrack = false
	}
}

// HandleStatsStreaming consumes a start or stop derived from inbound stats.
func (m *ConnectionStateMachine) HandleStatsStreaming(state domain.StreamingState, report *domain.VideoQualityReport) {
	m.framesFlowing = state == domain.StreamingStart
	if m.framesFlowing {
		m.trySynthesize()
	}

	if !m.opts.Legacy {
		m.setVideo(state, report, true)
		return
	}
	switch state {
	case domain.StreamingStart:
		if m.channelLive {
			m.setVideo(domain.StreamingStart, nil, true)
		}
	case domain.StreamingStop:
		m.channelLive = false
		m.setVideo(domain.StreamingStop, report, true)
	}
}

// HandleChannelStreaming consumes stream/started and stream/done messages.
func (m *ConnectionStateMachine) HandleChannelStreaming(state domain.StreamingState) {
	if !m.opts.Legacy {
		if state == domain.StreamingStart {
			m.SetActivity(domain.AgentTalking)
		} else {
			m.SetActivity(domain.AgentIdle)
		}
		return
	}
	switch state {
	case domain.StreamingStart:
		m.channelLive = true
		if m.framesFlowing {
			m.setVideo(domain.StreamingStart, nil, true)
		}
	case domain.StreamingStop:
		m.channelLive = false
		m.setVideo(domain.StreamingStop, nil, true)
	}
}

// StopVideo reports Stop if video is running without touching activity.
func (m *ConnectionStateMachine) StopVideo(report *domain.VideoQualityReport) {
	m.framesFlowing = false
	m.channelLive = false
	m.setVideo(domain.StreamingStop, report, false)
}

// SetActivity emits only when the activity changes.
func (m *ConnectionStateMachine) SetActivity(state domain.AgentActivityState) {
	if m.activity == state {
		return
	}
	m.ForceActivity(state)
}

// ForceActivity emits unconditionally.
func (m *ConnectionStateMachine) ForceActivity(state domain.AgentActivityState) {
	m.activity = state
	if m.listener != nil {
		m.listener.AgentActivityChanged(state)
	}
}

func (m *ConnectionStateMachine) Fail() {
	m.transition(domain.ConnectionFail)
}

func (m *ConnectionStateMachine) BeginDisconnect() {
	m.transition(domain.ConnectionDisconnecting)
}

func (m *ConnectionStateMachine) FinishDisconnect() {
	m.channelOpen = false
	m.iceConnected = false
	m.roomConnected = false
	m.videoTrack = false
	m.transition(domain.ConnectionDisconnected)
}

func (m *ConnectionStateMachine) trySynthesize() {
	if m.state != domain.ConnectionNew && m.state != domain.ConnectionConnecting {
		return
	}

	var ready bool
	switch m.kind {
	case domain.TransportRelayed:
		ready = m.roomConnected && m.videoTrack
	default:
		if m.opts.Warmup {
			ready = m.channelOpen && m.framesFlowing
		} else {
			ready = m.channelOpen && m.iceConnected
		}
	}
	if !ready {
		return
	}

	if m.state == domain.ConnectionNew {
		m.transition(domain.ConnectionConnecting)
	}
	if m.transition(domain.ConnectionConnected) {
		m.everConnected = true
	}
}

func (m *ConnectionStateMachine) transition(to domain.ConnectionState) bool {
	if m.state == to {
		return false
	}
	if !transitionAllowed(m.state, to) {
		m.logger.Debugw("Ignoring connection transition",
			"from", m.state,
			"to", to,
			"transport", m.kind,
		)
		return false
	}
	m.state = to
	if m.listener != nil {
		m.listener.ConnectionStateChanged(to)
	}
	return true
}

func (m *ConnectionStateMachine) setVideo(state domain.StreamingState, report *domain.VideoQualityReport, withActivity bool) {
	if m.video == state {
		return
	}
	m.video = state
	if m.listener != nil {
		m.listener.VideoStateChanged(state, report)
	}
	if !withActivity {
		return
	}
	if state == domain.StreamingStart {
		m.SetActivity(domain.AgentTalking)
	} else {
		m.SetActivity(domain.AgentIdle)
	}
}
