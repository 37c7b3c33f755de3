// Package datachannel encodes and decodes the side-channel protocol carried
// next to the media of a stream session.
//
// The P2P data channel carries text frames of the form "subject" or
// "subject:body" where body is JSON or a raw string. The relayed transport
// carries JSON envelopes on named topics. The control socket carries JSON
// frames with an "event" field. All three decode into domain.DataChannelMessage.
package datachannel

import (
	"encoding/json"
	"fmt"
	"strings"

	"agentstream/internal/core/domain"
)

// Encode renders a message in the P2P wire format.
func Encode(msg domain.DataChannelMessage) (string, error) {
	if msg.Subject == "" {
		return "", fmt.Errorf("subject is required")
	}
	switch p := msg.Payload.(type) {
	case nil:
		return msg.Subject, nil
	case string:
		return msg.Subject + ":" + p, nil
	default:
		body, err := json.Marshal(p)
		if err != nil {
			return "", fmt.Errorf("failed to marshal payload for %s: %w", msg.Subject, err)
		}
		return msg.Subject + ":" + string(body), nil
	}
}

// Decode parses a P2P frame. It splits on the first colon only, so payloads may
// contain colons. Decoding never fails: a body that is not JSON is returned as
// the raw string.
func Decode(frame string) domain.DataChannelMessage {
	subject, body, found := strings.Cut(frame, ":")
	msg := domain.DataChannelMessage{Subject: subject}
	if !found {
		return msg
	}
	msg.Payload = parseBody(body)
	return msg
}

func parseBody(body string) any {
	var v any
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return body
	}
	return v
}

// TopicFor maps an outbound subject to its relayed topic.
func TopicFor(subject string) string {
	switch {
	case subject == domain.SubjectStreamInterrupt:
		return domain.TopicInterrupt
	case subject == domain.SubjectSpeak:
		return domain.TopicSpeak
	default:
		return domain.TopicChat
	}
}

// EncodeEnvelope renders a message as a relayed JSON envelope and returns the
// topic it must be published on.
func EncodeEnvelope(msg domain.DataChannelMessage) (string, []byte, error) {
	if msg.Subject == "" {
		return "", nil, fmt.Errorf("subject is required")
	}
	topic := msg.Topic
	if topic == "" {
		topic = TopicFor(msg.Subject)
	}

	envelope := map[string]any{"subject": msg.Subject, "topic": topic}
	switch p := msg.Payload.(type) {
	case nil:
	case map[string]any:
		for k, v := range p {
			if k == "subject" || k == "topic" {
				continue
			}
			envelope[k] = v
		}
	default:
		envelope["content"] = p
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal envelope for %s: %w", msg.Subject, err)
	}
	return topic, data, nil
}

// DecodeEnvelope parses a relayed data packet. A packet that is not a JSON
// object falls back to the P2P frame format so that both transports can share
// one server implementation.
func DecodeEnvelope(topic string, data []byte) (domain.DataChannelMessage, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		msg := Decode(string(data))
		msg.Topic = topic
		if msg.Subject == "" {
			return msg, fmt.Errorf("empty packet on topic %q", topic)
		}
		return msg, nil
	}

	subject, _ := obj["subject"].(string)
	if subject == "" {
		subject, _ = obj["event"].(string)
	}
	if subject == "" {
		return domain.DataChannelMessage{Topic: topic}, fmt.Errorf("envelope on topic %q has no subject", topic)
	}
	if t, ok := obj["topic"].(string); ok && topic == "" {
		topic = t
	}
	delete(obj, "subject")
	delete(obj, "event")
	delete(obj, "topic")

	return domain.DataChannelMessage{Subject: subject, Payload: obj, Topic: topic}, nil
}

// DecodeSocketFrame normalizes a control socket frame.
func DecodeSocketFrame(event string, payload map[string]any) domain.DataChannelMessage {
	body := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == "event" {
			continue
		}
		body[k] = v
	}
	return domain.DataChannelMessage{Subject: event, Payload: body}
}

// Known reports whether the subject is handled by the session.
func Known(subject string) bool {
	switch subject {
	case domain.SubjectStreamStarted, domain.SubjectStreamDone, domain.SubjectStreamReady,
		domain.SubjectStreamError, domain.SubjectStreamInterrupt,
		domain.SubjectVideoStarted, domain.SubjectVideoDone, domain.SubjectVideoError, domain.SubjectVideoRejected,
		domain.SubjectChatPartial, domain.SubjectChatAnswer, domain.SubjectChatAudioTranscribe:
		return true
	}
	return false
}
