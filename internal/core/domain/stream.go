package domain

import (
	"time"
)

type StreamID string
type SessionID string
type AgentID string
type ChatID string

// TransportKind identifies which media transport a stream session runs on.
type TransportKind string

const (
	TransportP2P     TransportKind = "p2p"
	TransportRelayed TransportKind = "relayed"
)

// PresenterExpressive is the presenter type served over the relayed transport.
const PresenterExpressive = "expressive"

type Presenter struct {
	Type string `json:"type" yaml:"type"`
}

type Agent struct {
	ID        AgentID   `json:"id" yaml:"id"`
	Presenter Presenter `json:"presenter" yaml:"presenter"`
}

// SelectTransport picks the transport for an agent. It is evaluated once when a
// session is created.
func SelectTransport(agent Agent) TransportKind {
	if agent.Presenter.Type == PresenterExpressive {
		return TransportRelayed
	}
	return TransportP2P
}

type Chat struct {
	ID      ChatID  `json:"id"`
	AgentID AgentID `json:"agent_id"`
}

// StreamSession is the stream currently bound to an agent session.
type StreamSession struct {
	StreamID           StreamID
	SessionID          SessionID
	Transport          TransportKind
	ConnectionState    ConnectionState
	InterruptAvailable bool
	TriggersAvailable  bool
	Fluent             bool
	CreatedAt          time.Time
}

type ConnectionState string

const (
	ConnectionNew           ConnectionState = "new"
	ConnectionConnecting    ConnectionState = "connecting"
	ConnectionConnected     ConnectionState = "connected"
	ConnectionDisconnecting ConnectionState = "disconnecting"
	ConnectionDisconnected  ConnectionState = "disconnected"
	ConnectionCompleted     ConnectionState = "completed"
	ConnectionClosed        ConnectionState = "closed"
	ConnectionFail          ConnectionState = "fail"
)

// Terminal reports whether no further media can flow without a new connect.
func (s ConnectionState) Terminal() bool {
	switch s {
	case ConnectionDisconnected, ConnectionClosed, ConnectionFail:
		return true
	}
	return false
}

type StreamingState string

const (
	StreamingStart StreamingState = "start"
	StreamingStop  StreamingState = "stop"
)

type AgentActivityState string

const (
	AgentIdle    AgentActivityState = "idle"
	AgentTalking AgentActivityState = "talking"
	AgentLoading AgentActivityState = "loading"
)

type ConnectivityState string

const (
	ConnectivityUnknown ConnectivityState = "unknown"
	ConnectivityStrong  ConnectivityState = "strong"
	ConnectivityWeak    ConnectivityState = "weak"
)

// StreamParams are sent to the control plane when a stream is created.
type StreamParams struct {
	AgentID       AgentID       `json:"-"`
	ChatID        ChatID        `json:"chat_id,omitempty"`
	Transport     TransportKind `json:"-"`
	StreamWarmup  bool          `json:"stream_warmup,omitempty"`
	Fluent        bool          `json:"fluent,omitempty"`
	Compatibility string        `json:"compatibility_mode,omitempty"`
}

// ICEServer mirrors the RTCIceServer shape returned by the control plane.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// StreamInit is the result of a transport initialize call.
type StreamInit struct {
	ID                 StreamID
	SessionID          SessionID
	Offer              string
	ICEServers         []ICEServer
	RoomURL            string
	Token              string
	Fluent             bool
	InterruptAvailable bool
	TriggersAvailable  bool
}

type Script struct {
	Type     string `json:"type"`
	Input    string `json:"input,omitempty"`
	AudioURL string `json:"audio_url,omitempty"`
}

type SpeakRequest struct {
	Script   Script          `json:"script"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	Config   map[string]bool `json:"config,omitempty"`
}

type SpeakResult struct {
	Duration float64 `json:"duration"`
	VideoID  string  `json:"video_id"`
	Status   string  `json:"status"`
}

type InterruptType string

const (
	InterruptClick InterruptType = "click"
	InterruptAudio InterruptType = "audio"
	InterruptText  InterruptType = "text"
)

// MediaTrackInfo describes one remote track of a media stream.
type MediaTrackInfo struct {
	ID    string
	Kind  string
	Codec string
}

// MediaStream is handed to OnSrcObjectReady once the first video track is live.
type MediaStream struct {
	StreamID StreamID
	Tracks   []MediaTrackInfo
}
