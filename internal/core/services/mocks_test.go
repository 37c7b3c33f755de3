package services

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"agentstream/internal/core/domain"
	"agentstream/internal/core/ports"
)

// MockControlPlane implements ports.ControlPlane
type MockControlPlane struct {
	mock.Mock
}

func (m *MockControlPlane) CreateStream(ctx context.Context, params domain.StreamParams) (*ports.CreateStreamResponse, error) {
	args := m.Called(ctx, params)
	resp, _ := args.Get(0).(*ports.CreateStreamResponse)
	return resp, args.Error(1)
}

func (m *MockControlPlane) StartConnection(ctx context.Context, agentID domain.AgentID, streamID domain.StreamID, answer string, sessionID domain.SessionID) error {
	args := m.Called(ctx, agentID, streamID, answer, sessionID)
	return args.Error(0)
}

func (m *MockControlPlane) AddICECandidate(ctx context.Context, agentID domain.AgentID, streamID domain.StreamID, candidate *ports.ICECandidate, sessionID domain.SessionID) error {
	args := m.Called(ctx, agentID, streamID, candidate, sessionID)
	return args.Error(0)
}

func (m *MockControlPlane) SendStreamRequest(ctx context.Context, agentID domain.AgentID, streamID domain.StreamID, sessionID domain.SessionID, req domain.SpeakRequest) (*domain.SpeakResult, error) {
	args := m.Called(ctx, agentID, streamID, sessionID, req)
	res, _ := args.Get(0).(*domain.SpeakResult)
	return res, args.Error(1)
}

func (m *MockControlPlane) CloseStream(ctx context.Context, agentID domain.AgentID, streamID domain.StreamID, sessionID domain.SessionID) error {
	args := m.Called(ctx, agentID, streamID, sessionID)
	return args.Error(0)
}

func (m *MockControlPlane) NewChat(ctx context.Context, agentID domain.AgentID, persist bool) (*domain.Chat, error) {
	args := m.Called(ctx, agentID, persist)
	chat, _ := args.Get(0).(*domain.Chat)
	return chat, args.Error(1)
}

func (m *MockControlPlane) SendChatMessage(ctx context.Context, agentID domain.AgentID, chatID domain.ChatID, req domain.ChatMessageRequest) (*domain.ChatResponse, error) {
	args := m.Called(ctx, agentID, chatID, req)
	resp, _ := args.Get(0).(*domain.ChatResponse)
	return resp, args.Error(1)
}

// fakeTransport is driven by the test through its events channel.
type fakeTransport struct {
	kind      domain.TransportKind
	init      *domain.StreamInit
	initErr   error
	initDelay time.Duration // slept without watching ctx
	events    chan domain.TransportEvent

	mu        sync.Mutex
	sent      []domain.DataChannelMessage
	closes    []bool
	speak     *domain.SpeakResult
	stats     domain.VideoStatsSample
	hasStats  bool
	rejoinErr error
	rejoins   int
	polls     int
}

func newFakeTransport(kind domain.TransportKind) *fakeTransport {
	return &fakeTransport{
		kind: kind,
		init: &domain.StreamInit{
			ID:                 "strm_1",
			SessionID:          "sess_1",
			InterruptAvailable: true,
		},
		events: make(chan domain.TransportEvent, 64),
	}
}

func (f *fakeTransport) Kind() domain.TransportKind { return f.kind }

func (f *fakeTransport) Initialize(ctx context.Context, params domain.StreamParams) (*domain.StreamInit, error) {
	if f.initDelay > 0 {
		time.Sleep(f.initDelay)
	}
	if f.initErr != nil {
		return nil, f.initErr
	}
	return f.init, nil
}

func (f *fakeTransport) SendMessage(ctx context.Context, msg domain.DataChannelMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Speak(ctx context.Context, req domain.SpeakRequest) (*domain.SpeakResult, error) {
	return f.speak, nil
}

func (f *fakeTransport) Close(ctx context.Context, remote bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, remote)
	return nil
}

func (f *fakeTransport) Events() <-chan domain.TransportEvent { return f.events }

func (f *fakeTransport) VideoStats() (domain.VideoStatsSample, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	return f.stats, f.hasStats
}

func (f *fakeTransport) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func (f *fakeTransport) closeCalls() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.closes...)
}

func (f *fakeTransport) sentMessages() []domain.DataChannelMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.DataChannelMessage(nil), f.sent...)
}

func (f *fakeTransport) emit(ev domain.TransportEvent) { f.events <- ev }

func (f *fakeTransport) emitState(raw string) {
	f.emit(domain.TransportEvent{Kind: domain.EventSignalState, RawState: raw})
}

func (f *fakeTransport) emitMessage(subject string, payload any) {
	f.emit(domain.TransportEvent{Kind: domain.EventMessage, Message: domain.DataChannelMessage{Subject: subject, Payload: payload}})
}

// rejoiningTransport adds in-place recovery.
type rejoiningTransport struct {
	*fakeTransport
}

func (r rejoiningTransport) Rejoin(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejoins++
	return r.rejoinErr
}

// fakeSocket delivers events synchronously to its subscriber.
type fakeSocket struct {
	mu        sync.Mutex
	connected bool
	connects  int
	handler   func(ports.SocketEvent)
	closed    bool
}

func (f *fakeSocket) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	f.connected = true
	return nil
}

func (f *fakeSocket) Subscribe(handler func(ports.SocketEvent)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.handler = nil
	}
}

func (f *fakeSocket) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.connected = false
	return nil
}

func (f *fakeSocket) deliver(event string, payload map[string]any) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(ports.SocketEvent{Event: event, Message: domain.DataChannelMessage{Subject: event, Payload: payload}})
	}
}

// callbackRecorder collects every callback the session fires.
type callbackRecorder struct {
	mu         sync.Mutex
	states     []domain.ConnectionState
	videos     []domain.StreamingState
	activities []domain.AgentActivityState
	messages   [][]domain.AssembledMessage
	kinds      []string
	videoIDs   []string
	errors     []error
	streams    []domain.MediaStream
}

func (r *callbackRecorder) callbacks() domain.Callbacks {
	return domain.Callbacks{
		OnConnectionStateChange: func(state domain.ConnectionState) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, state)
		},
		OnVideoStateChange: func(state domain.StreamingState, _ *domain.VideoQualityReport) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.videos = append(r.videos, state)
		},
		OnAgentActivityStateChange: func(state domain.AgentActivityState) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.activities = append(r.activities, state)
		},
		OnSrcObjectReady: func(stream domain.MediaStream) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.streams = append(r.streams, stream)
		},
		OnNewMessage: func(messages []domain.AssembledMessage, kind string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.messages = append(r.messages, messages)
			r.kinds = append(r.kinds, kind)
		},
		OnVideoIDChange: func(videoID string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.videoIDs = append(r.videoIDs, videoID)
		},
		OnError: func(err error, _ map[string]any) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errors = append(r.errors, err)
		},
	}
}

func (r *callbackRecorder) countActivity(state domain.AgentActivityState) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.activities {
		if a == state {
			n++
		}
	}
	return n
}

func (r *callbackRecorder) connectionStates() []domain.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ConnectionState(nil), r.states...)
}

func (r *callbackRecorder) errorList() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errors...)
}

func (r *callbackRecorder) lastMessages() []domain.AssembledMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) == 0 {
		return nil
	}
	return r.messages[len(r.messages)-1]
}
