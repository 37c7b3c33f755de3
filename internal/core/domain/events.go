package domain

// TransportEventKind enumerates the signals a transport can raise.
type TransportEventKind int

const (
	EventSignalState TransportEventKind = iota
	EventChannelOpen
	EventChannelClosed
	EventMessage
	EventTrackSubscribed
	EventTrackUnsubscribed
	EventParticipantJoined
	EventParticipantLeft
	EventMediaError
)

func (k TransportEventKind) String() string {
	switch k {
	case EventSignalState:
		return "signal_state"
	case EventChannelOpen:
		return "channel_open"
	case EventChannelClosed:
		return "channel_closed"
	case EventMessage:
		return "message"
	case EventTrackSubscribed:
		return "track_subscribed"
	case EventTrackUnsubscribed:
		return "track_unsubscribed"
	case EventParticipantJoined:
		return "participant_joined"
	case EventParticipantLeft:
		return "participant_left"
	case EventMediaError:
		return "media_error"
	default:
		return "unknown"
	}
}

type TransportEvent struct {
	Kind        TransportEventKind
	RawState    string
	Message     DataChannelMessage
	Track       MediaTrackInfo
	Participant string
	Err         error
}

// Callbacks is the observer surface of an agent session. Nil fields are skipped.
type Callbacks struct {
	OnConnectionStateChange    func(state ConnectionState)
	OnVideoStateChange         func(state StreamingState, report *VideoQualityReport)
	OnAgentActivityStateChange func(state AgentActivityState)
	OnConnectivityStateChange  func(state ConnectivityState)
	OnSrcObjectReady           func(stream MediaStream)
	OnNewMessage               func(messages []AssembledMessage, kind string)
	OnVideoIDChange            func(videoID string)
	OnError                    func(err error, context map[string]any)
}
