// Package livekit carries an agent stream over a LiveKit room: the agent
// joins as a remote participant, publishes its tracks and exchanges JSON
// envelopes on named data topics.
package livekit

import (
	"context"

	lksdk "github.com/livekit/server-sdk-go/v2"
	pionwebrtc "github.com/pion/webrtc/v4"

	"agentstream/internal/core/domain"
	"agentstream/internal/infrastructure/webrtc"
)

// RemoteTrack is a subscribed track, decoupled from the SDK types.
type RemoteTrack struct {
	Info            domain.MediaTrackInfo
	ClockRate       uint32
	Read            webrtc.ReadFunc
	RequestKeyframe func()
}

// RoomHandler receives room events. Handlers run on SDK goroutines.
type RoomHandler struct {
	OnTrack             func(track RemoteTrack, participant string)
	OnTrackUnsubscribed func(info domain.MediaTrackInfo, participant string)
	OnTrackFailed       func(trackSID, participant string)
	OnData              func(topic string, data []byte, participant string)
	OnParticipantJoined func(identity string)
	OnParticipantLeft   func(identity string)
	OnReconnecting      func()
	OnReconnected       func()
	OnDisconnected      func()
}

// Room is a joined room.
type Room interface {
	Publish(topic string, data []byte) error
	Participants() []string
	Disconnect()
}

// Connector joins a room with a participant token.
type Connector func(ctx context.Context, url, token string, handler RoomHandler) (Room, error)

// Connect joins a LiveKit room with the server SDK.
func Connect(ctx context.Context, url, token string, handler RoomHandler) (Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cb := lksdk.NewRoomCallback()
	cb.OnTrackSubscribed = func(track *pionwebrtc.TrackRemote, _ *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
		if handler.OnTrack == nil {
			return
		}
		ssrc := track.SSRC()
		handler.OnTrack(RemoteTrack{
			Info:      trackInfo(track),
			ClockRate: track.Codec().ClockRate,
			Read: func(buf []byte) (int, error) {
				n, _, err := track.Read(buf)
				return n, err
			},
			RequestKeyframe: func() { rp.WritePLI(ssrc) },
		}, rp.Identity())
	}
	cb.OnTrackUnsubscribed = func(track *pionwebrtc.TrackRemote, _ *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
		if handler.OnTrackUnsubscribed != nil {
			handler.OnTrackUnsubscribed(trackInfo(track), rp.Identity())
		}
	}
	cb.OnTrackSubscriptionFailed = func(sid string, rp *lksdk.RemoteParticipant) {
		if handler.OnTrackFailed != nil {
			handler.OnTrackFailed(sid, rp.Identity())
		}
	}
	cb.OnDataPacket = func(data lksdk.DataPacket, params lksdk.DataReceiveParams) {
		packet, ok := data.(*lksdk.UserDataPacket)
		if !ok || handler.OnData == nil {
			return
		}
		topic := packet.Topic
		if topic == "" {
			topic = params.Topic
		}
		handler.OnData(topic, packet.Payload, params.SenderIdentity)
	}
	cb.OnParticipantConnected = func(rp *lksdk.RemoteParticipant) {
		if handler.OnParticipantJoined != nil {
			handler.OnParticipantJoined(rp.Identity())
		}
	}
	cb.OnParticipantDisconnected = func(rp *lksdk.RemoteParticipant) {
		if handler.OnParticipantLeft != nil {
			handler.OnParticipantLeft(rp.Identity())
		}
	}
	cb.OnReconnecting = func() {
		if handler.OnReconnecting != nil {
			handler.OnReconnecting()
		}
	}
	cb.OnReconnected = func() {
		if handler.OnReconnected != nil {
			handler.OnReconnected()
		}
	}
	cb.OnDisconnected = func() {
		if handler.OnDisconnected != nil {
			handler.OnDisconnected()
		}
	}

	type joined struct {
		room *lksdk.Room
		err  error
	}
	done := make(chan joined, 1)
	go func() {
		room, err := lksdk.ConnectToRoomWithToken(url, token, cb)
		done <- joined{room, err}
	}()

	select {
	case j := <-done:
		if j.err != nil {
			return nil, j.err
		}
		return &sdkRoom{room: j.room}, nil
	case <-ctx.Done():
		// The SDK join cannot be cancelled; leave the room once it lands.
		go func() {
			if j := <-done; j.err == nil {
				j.room.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}
}

type sdkRoom struct {
	room *lksdk.Room
}

func (r *sdkRoom) Publish(topic string, data []byte) error {
	return r.room.LocalParticipant.PublishDataPacket(
		lksdk.UserData(data),
		lksdk.WithDataPublishTopic(topic),
		lksdk.WithDataPublishReliable(true),
	)
}

func (r *sdkRoom) Participants() []string {
	var out []string
	for _, rp := range r.room.GetRemoteParticipants() {
		out = append(out, rp.Identity())
	}
	return out
}

func (r *sdkRoom) Disconnect() { r.room.Disconnect() }

func trackInfo(track *pionwebrtc.TrackRemote) domain.MediaTrackInfo {
	return domain.MediaTrackInfo{
		ID:    track.ID(),
		Kind:  track.Kind().String(),
		Codec: track.Codec().MimeType,
	}
}
