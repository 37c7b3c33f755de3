package ports

import (
	"context"

	"agentstream/internal/core/domain"
)

// Transport owns the media and data transport of one stream session.
type Transport interface {
	Kind() domain.TransportKind
	Initialize(ctx context.Context, params domain.StreamParams) (*domain.StreamInit, error)
	SendMessage(ctx context.Context, msg domain.DataChannelMessage) error
	Speak(ctx context.Context, req domain.SpeakRequest) (*domain.SpeakResult, error)
	// Close releases local resources. The remote teardown call is made only
	// when remote is true.
	Close(ctx context.Context, remote bool) error
	// Events delivers transport signals in order. The channel is never
	// closed; consumers stop reading once they close the transport.
	Events() <-chan domain.TransportEvent
	VideoStats() (domain.VideoStatsSample, bool)
}

// Rejoiner is implemented by transports that can recover a live session
// without creating a new stream.
type Rejoiner interface {
	Rejoin(ctx context.Context) error
}

// TransportFactory builds a fresh transport of the given kind.
type TransportFactory func(kind domain.TransportKind) (Transport, error)

// MediaSink receives every inbound RTP payload.
type MediaSink interface {
	WriteRTP(trackID string, kind string, payload []byte) error
}
