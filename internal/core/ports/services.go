package ports

import (
	"context"

	"agentstream/internal/core/domain"
)

// ControlPlane is the REST surface of the streaming service.
type ControlPlane interface {
	CreateStream(ctx context.Context, params domain.StreamParams) (*CreateStreamResponse, error)
	StartConnection(ctx context.Context, agentID domain.AgentID, streamID domain.StreamID, answer string, sessionID domain.SessionID) error
	AddICECandidate(ctx context.Context, agentID domain.AgentID, streamID domain.StreamID, candidate *ICECandidate, sessionID domain.SessionID) error
	SendStreamRequest(ctx context.Context, agentID domain.AgentID, streamID domain.StreamID, sessionID domain.SessionID, req domain.SpeakRequest) (*domain.SpeakResult, error)
	CloseStream(ctx context.Context, agentID domain.AgentID, streamID domain.StreamID, sessionID domain.SessionID) error
	NewChat(ctx context.Context, agentID domain.AgentID, persist bool) (*domain.Chat, error)
	SendChatMessage(ctx context.Context, agentID domain.AgentID, chatID domain.ChatID, req domain.ChatMessageRequest) (*domain.ChatResponse, error)
}

// CreateStreamResponse carries either a P2P offer or a relayed room grant.
type CreateStreamResponse struct {
	ID               domain.StreamID     `json:"id"`
	SessionID        *domain.SessionID   `json:"session_id"`
	Offer            *SessionDescription `json:"offer,omitempty"`
	ICEServers       []domain.ICEServer  `json:"ice_servers,omitempty"`
	RoomURL          string              `json:"session_url,omitempty"`
	Token            string              `json:"session_token,omitempty"`
	Fluent           bool                `json:"fluent,omitempty"`
	InterruptEnabled bool                `json:"interrupt_enabled,omitempty"`
}

type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is a trickled candidate. A nil *ICECandidate marks end-of-candidates.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// SocketEvent is one JSON frame from the control socket, normalized to the
// same message shape the transports deliver.
type SocketEvent struct {
	Event   string
	Message domain.DataChannelMessage
	Raw     []byte
}

// ControlSocket is the websocket control channel.
type ControlSocket interface {
	Connect(ctx context.Context) error
	Subscribe(handler func(SocketEvent)) (unsubscribe func())
	Connected() bool
	Close() error
}

// SessionMetrics records session telemetry.
type SessionMetrics interface {
	RecordConnectionState(kind domain.TransportKind, state domain.ConnectionState)
	RecordConnectivity(state domain.ConnectivityState)
	RecordStreaming(state domain.StreamingState)
	RecordQualityReport(report *domain.VideoQualityReport)
	RecordRetry(policy string)
	RecordChatFailure(reason string)
}
