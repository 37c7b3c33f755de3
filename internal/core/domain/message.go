package domain

import "time"

// Data-channel subjects understood by the session.
const (
	SubjectStreamStarted       = "stream/started"
	SubjectStreamDone          = "stream/done"
	SubjectStreamReady         = "stream/ready"
	SubjectStreamError         = "stream/error"
	SubjectStreamInterrupt     = "stream/interrupt"
	SubjectVideoStarted        = "stream-video/started"
	SubjectVideoDone           = "stream-video/done"
	SubjectVideoError          = "stream-video/error"
	SubjectVideoRejected       = "stream-video/rejected"
	SubjectChatPartial         = "chat/partial"
	SubjectChatAnswer          = "chat/answer"
	SubjectChatAudioTranscribe = "chat/audio-transcribed"
	SubjectSpeak               = "speak"
)

// Relayed data topics.
const (
	TopicChat      = "chat"
	TopicSpeak     = "speak"
	TopicInterrupt = "interrupt"
)

// DataChannelMessage is the normalized form of every side-channel message,
// whatever transport carried it. Payload is a decoded JSON value or the raw
// string when the body is not JSON.
type DataChannelMessage struct {
	Subject string
	Payload any
	Topic   string
}

// Field returns a top-level payload field when the payload is a JSON object.
func (m DataChannelMessage) Field(key string) (any, bool) {
	obj, ok := m.Payload.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := obj[key]
	return v, ok
}

// StringField returns a string payload field, or the payload itself when it is
// a bare string and key is "content".
func (m DataChannelMessage) StringField(key string) string {
	if s, ok := m.Payload.(string); ok && key == "content" {
		return s
	}
	v, ok := m.Field(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type ChatToken struct {
	Sequence int
	Content  string
}

type AssembledMessage struct {
	ID          string
	Role        Role
	Content     string
	Interrupted bool
	CreatedAt   time.Time
}

// ChatMessageRequest is the body of a chat send.
type ChatMessageRequest struct {
	StreamID  StreamID           `json:"streamId,omitempty"`
	SessionID SessionID          `json:"sessionId,omitempty"`
	Messages  []ChatMessageEntry `json:"messages"`
}

type ChatMessageEntry struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type ChatResponse struct {
	ChatID ChatID `json:"chatId,omitempty"`
	Result string `json:"result,omitempty"`
}
