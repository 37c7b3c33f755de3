package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"agentstream/internal/core/domain"
	"agentstream/internal/core/ports"
	"agentstream/pkg/batch"
	apperrors "agentstream/pkg/errors"
	"agentstream/pkg/logger"
	"agentstream/pkg/retry"
	"agentstream/pkg/tracing"
	"agentstream/pkg/validation"
)

const releaseTimeout = 5 * time.Second

// Message kinds passed to OnNewMessage.
const (
	MessageKindUser      = "user"
	MessageKindPartial   = "partial"
	MessageKindAnswer    = "answer"
	MessageKindRollback  = "rollback"
	MessageKindInterrupt = "interrupt"
)

type SessionOptions struct {
	Agent         domain.Agent
	ChatID        domain.ChatID
	PersistChat   bool
	StreamWarmup  bool
	Fluent        bool
	Compatibility string
	Callbacks     domain.Callbacks
	Monitor       MonitorConfig

	InitRetries   int
	InitTimeout   time.Duration
	ChatRetries   int
	SocketRetries int
}

// AgentSession is the public facade over one agent conversation. It owns at
// most one transport at a time and serializes every state change behind a
// single lock. Callbacks run in order on a dedicated goroutine, so they may
// call back into the session.
type AgentSession struct {
	opts      SessionOptions
	kind      domain.TransportKind
	api       ports.ControlPlane
	socket    ports.ControlSocket
	factory   ports.TransportFactory
	metrics   ports.SessionMetrics
	log       *logger.ContextLogger
	logger    *zap.SugaredLogger
	callbacks *batch.Dispatcher

	// lifecycle serializes connect, disconnect and reconnect.
	lifecycle sync.Mutex

	mu          sync.Mutex
	state       domain.ConnectionState
	transport   ports.Transport
	pumpStop    func()
	machine     *ConnectionStateMachine
	monitor     *VideoQualityMonitor
	monitorStop context.CancelFunc
	monitorDone chan struct{}
	assembler   *MessageAssembler
	current     *domain.StreamSession
	chat        *domain.Chat
	videoID     string
	maintenance bool
	srcReady    bool
	tracks      []domain.MediaTrackInfo
	unsubscribe func()
	closed      bool
}

// NewAgentSession builds a session. socket and metrics may be nil.
func NewAgentSession(
	opts SessionOptions,
	api ports.ControlPlane,
	socket ports.ControlSocket,
	factory ports.TransportFactory,
	metrics ports.SessionMetrics,
	log *zap.Logger,
) *AgentSession {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	sugar := log.Sugar().With("agent_id", opts.Agent.ID)

	s := &AgentSession{
		opts:      opts,
		kind:      domain.SelectTransport(opts.Agent),
		api:       api,
		socket:    socket,
		factory:   factory,
		metrics:   metrics,
		log:       logger.NewContextLogger(log),
		logger:    sugar,
		state:     domain.ConnectionNew,
		monitor:   NewVideoQualityMonitor(opts.Monitor),
		assembler: NewMessageAssembler(),
	}
	s.callbacks = batch.NewDispatcher(func(r any) {
		sugar.Errorw("Session callback panicked", "panic", r)
	})
	if opts.ChatID != "" {
		s.chat = &domain.Chat{ID: opts.ChatID, AgentID: opts.Agent.ID}
	}
	return s
}

func (s *AgentSession) TransportKind() domain.TransportKind { return s.kind }

func (s *AgentSession) ConnectionState() domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StreamSession returns the active stream, if any.
func (s *AgentSession) StreamSession() (domain.StreamSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return domain.StreamSession{}, false
	}
	return *s.current, true
}

func (s *AgentSession) Messages() []domain.AssembledMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assembler.Messages()
}

func (s *AgentSession) InMaintenance() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maintenance
}

func (s *AgentSession) Connectivity() domain.ConnectivityState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monitor.Connectivity()
}

func (s *AgentSession) VideoID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoID
}

// Flush blocks until every callback queued so far has run. It must not be
// called from inside a callback.
func (s *AgentSession) Flush() {
	s.callbacks.Wait()
}

// Connect opens the control socket, ensures a chat exists and initializes a
// fresh transport. Initialization is retried per the session init policy;
// when retries run out the session enters maintenance mode.
func (s *AgentSession) Connect(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.connect(ctx)
}

func (s *AgentSession) connect(ctx context.Context) error {
	ctx, span := tracing.TraceSession(ctx, "connect", string(s.opts.Agent.ID))
	defer span.End()
	defer tracing.MeasureDuration(ctx, time.Now(), "session.connect")

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if s.transport != nil {
		s.mu.Unlock()
		return domain.ErrSessionActive
	}
	s.mu.Unlock()

	if err := s.connectSocket(ctx); err != nil {
		s.failConnect(ctx, err)
		return err
	}

	policy := retry.SessionInitPolicy(s.opts.InitRetries, s.opts.InitTimeout, isFatalInitError)
	policy.OnRetry = func(ctx context.Context, attempt int, err error) error {
		s.metrics.RecordRetry(policy.Name)
		s.logger.Warnw("Retrying session initialization",
			"attempt", attempt,
			"error", err,
		)
		return nil
	}
	if err := retry.Do(ctx, policy, s.initialize); err != nil {
		s.failConnect(ctx, err)
		return err
	}
	tracing.SetSpanStatus(ctx, codes.Ok, "stream initialized")
	return nil
}

func (s *AgentSession) connectSocket(ctx context.Context) error {
	if s.socket == nil {
		return nil
	}
	if !s.socket.Connected() {
		policy := retry.SocketConnectPolicy(s.opts.SocketRetries)
		if err := retry.Do(ctx, policy, s.socket.Connect); err != nil {
			return fmt.Errorf("connect control socket: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsubscribe == nil {
		s.unsubscribe = s.socket.Subscribe(s.handleSocketEvent)
	}
	return nil
}

// initialize is one attempt at bringing up a stream.
func (s *AgentSession) initialize(ctx context.Context) error {
	if err := s.ensureChat(ctx); err != nil {
		return err
	}

	t, err := s.factory(s.kind)
	if err != nil {
		return fmt.Errorf("create %s transport: %w", s.kind, err)
	}

	stop := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(stop) }) }

	s.mu.Lock()
	s.transport = t
	s.pumpStop = release
	s.machine = NewConnectionStateMachine(s.kind, MachineOptions{Warmup: s.opts.StreamWarmup}, sessionListener{s}, s.logger)
	s.monitor = NewVideoQualityMonitor(s.opts.Monitor)
	s.srcReady = false
	s.tracks = nil
	params := domain.StreamParams{
		AgentID:       s.opts.Agent.ID,
		ChatID:        s.chat.ID,
		Transport:     s.kind,
		StreamWarmup:  s.opts.StreamWarmup,
		Fluent:        s.opts.Fluent,
		Compatibility: s.opts.Compatibility,
	}
	s.mu.Unlock()

	go s.pump(t, stop)

	started, err := t.Initialize(ctx, params)
	if err == nil {
		// the attempt deadline may have passed while Initialize ignored ctx
		err = ctx.Err()
	}
	if err != nil {
		s.abandon(t, release)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = &domain.StreamSession{
		StreamID:           started.ID,
		SessionID:          started.SessionID,
		Transport:          s.kind,
		ConnectionState:    s.state,
		InterruptAvailable: started.InterruptAvailable,
		TriggersAvailable:  started.TriggersAvailable,
		Fluent:             started.Fluent,
		CreatedAt:          time.Now(),
	}
	s.machine.SetLegacy(!started.Fluent)
	s.maintenance = false
	s.startMonitorLocked(t)

	ctx = logger.WithStream(ctx, string(started.ID), string(started.SessionID))
	s.log.Sugar(ctx).Infow("Stream session initialized",
		"agent_id", s.opts.Agent.ID,
		"transport", s.kind,
		"fluent", started.Fluent,
	)
	return nil
}

// abandon releases a transport whose initialization did not complete. A stream
// the server already created is deleted.
func (s *AgentSession) abandon(t ports.Transport, release func()) {
	s.detach(t)
	release()

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := t.Close(ctx, true); err != nil {
		s.logger.Debugw("Failed to release transport", "error", err)
	}
}

func (s *AgentSession) ensureChat(ctx context.Context) error {
	s.mu.Lock()
	have := s.chat != nil
	s.mu.Unlock()
	if have {
		return nil
	}

	chat, err := s.api.NewChat(ctx, s.opts.Agent.ID, s.opts.PersistChat)
	if err != nil {
		return fmt.Errorf("create chat: %w", err)
	}

	s.mu.Lock()
	s.chat = chat
	s.mu.Unlock()
	return nil
}

func (s *AgentSession) failConnect(ctx context.Context, err error) {
	tracing.RecordError(ctx, err)
	s.logger.Errorw("Failed to connect session",
		"transport", s.kind,
		"error", err,
	)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !isFatalInitError(err) && ctx.Err() == nil {
		s.maintenance = true
	}
	s.setStateLocked(domain.ConnectionFail)
	s.emitErrorLocked(err, map[string]any{"source": "connect", "transport": string(s.kind)})
}

// Disconnect tears the active stream down. It is safe to call repeatedly and
// always reports Idle activity exactly once per call.
func (s *AgentSession) Disconnect(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.disconnect(ctx)
}

func (s *AgentSession) disconnect(ctx context.Context) error {
	s.stopMonitor()

	s.mu.Lock()
	t := s.transport
	machine := s.machine
	if t == nil || machine == nil || !machine.EverConnected() {
		s.detachLocked()
		s.current = nil
		s.emitActivityLocked(domain.AgentIdle)
		s.mu.Unlock()
		if t != nil {
			if err := t.Close(ctx, false); err != nil {
				s.logger.Debugw("Failed to release transport", "error", err)
			}
		}
		return nil
	}

	report := s.monitor.Flush()
	if report != nil {
		s.metrics.RecordQualityReport(report)
	}
	machine.BeginDisconnect()
	machine.StopVideo(report)
	s.detachLocked()
	s.mu.Unlock()

	ctx, span := tracing.TraceSession(ctx, "disconnect", string(s.opts.Agent.ID))
	defer span.End()
	err := t.Close(ctx, true)

	s.mu.Lock()
	machine.FinishDisconnect()
	machine.ForceActivity(domain.AgentIdle)
	s.current = nil
	s.mu.Unlock()

	if err != nil {
		tracing.RecordError(ctx, err)
		s.logger.Warnw("Failed to close stream", "error", err)
	}
	return nil
}

// Reconnect rejoins in place when the transport supports it, otherwise it
// disconnects and connects a new stream.
func (s *AgentSession) Reconnect(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()

	if r, ok := t.(ports.Rejoiner); ok {
		err := r.Rejoin(ctx)
		if err == nil {
			return nil
		}
		s.logger.Warnw("Rejoin failed, recreating stream", "error", err)
	}

	if err := s.disconnect(ctx); err != nil {
		return err
	}
	return s.connect(ctx)
}

// Close disconnects and releases the control socket and callback worker.
func (s *AgentSession) Close(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	err := s.disconnect(ctx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return err
	}
	s.closed = true
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if s.socket != nil {
		if cerr := s.socket.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	s.callbacks.Stop()
	return err
}

// Chat sends a user message. The user message and an empty assistant message
// appear immediately and are rolled back if the send ultimately fails.
func (s *AgentSession) Chat(ctx context.Context, text string) (*domain.ChatResponse, error) {
	if err := validation.ValidateChatMessage(text); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)
	}

	ctx, span := tracing.TraceSession(ctx, "chat", string(s.opts.Agent.ID))
	defer span.End()
	defer tracing.MeasureDuration(ctx, time.Now(), "session.chat")

	s.mu.Lock()
	if s.maintenance {
		s.mu.Unlock()
		return nil, domain.ErrMaintenance
	}
	if s.current == nil || s.chat == nil {
		s.mu.Unlock()
		return nil, domain.ErrNoActiveSession
	}
	user := s.assembler.AddUserMessage(text)
	assistant := s.assembler.BeginAssistant()
	history := s.assembler.History()
	s.emitMessagesLocked(MessageKindUser)
	if s.machine != nil {
		s.machine.SetActivity(domain.AgentLoading)
	}
	s.mu.Unlock()

	policy := retry.ChatSendPolicy(s.opts.ChatRetries, s.reconnectForChat)
	resp, err := retry.DoWithResult(ctx, policy, func(ctx context.Context) (*domain.ChatResponse, error) {
		s.mu.Lock()
		cur, chat := s.current, s.chat
		s.mu.Unlock()
		if cur == nil || chat == nil {
			return nil, domain.ErrNoActiveSession
		}
		return s.api.SendChatMessage(ctx, s.opts.Agent.ID, chat.ID, domain.ChatMessageRequest{
			StreamID:  cur.StreamID,
			SessionID: cur.SessionID,
			Messages:  history,
		})
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		tracing.RecordError(ctx, err)
		s.assembler.Remove(user.ID, assistant.ID)
		s.emitMessagesLocked(MessageKindRollback)
		if s.machine != nil {
			s.machine.SetActivity(domain.AgentIdle)
		}
		s.metrics.RecordChatFailure(failureReason(err))
		s.emitErrorLocked(err, map[string]any{"source": "chat"})
		return nil, err
	}

	if resp.ChatID != "" && s.chat != nil && resp.ChatID != s.chat.ID {
		s.chat.ID = resp.ChatID
	}
	if resp.Result != "" && !s.assembler.HasAnswer() {
		if s.assembler.SetAnswer(resp.Result) {
			s.emitMessagesLocked(MessageKindAnswer)
		}
	}
	if s.machine != nil && s.machine.Activity() == domain.AgentLoading {
		s.machine.SetActivity(domain.AgentIdle)
	}
	return resp, nil
}

func (s *AgentSession) reconnectForChat(ctx context.Context) error {
	s.metrics.RecordRetry("chat_send")
	s.logger.Infow("Stream is gone, reconnecting before resending chat")
	if err := s.Disconnect(ctx); err != nil {
		return err
	}
	return s.Connect(ctx)
}

// Speak asks the agent to say a script.
func (s *AgentSession) Speak(ctx context.Context, req domain.SpeakRequest) (*domain.SpeakResult, error) {
	if err := validation.ValidateScript(req.Script); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.maintenance {
		s.mu.Unlock()
		return nil, domain.ErrMaintenance
	}
	t := s.transport
	if t == nil || s.current == nil {
		s.mu.Unlock()
		return nil, domain.ErrNoActiveSession
	}
	s.mu.Unlock()

	ctx, span := tracing.TraceSession(ctx, "speak", string(s.opts.Agent.ID))
	defer span.End()

	res, err := t.Speak(ctx, req)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		tracing.RecordError(ctx, err)
		s.emitErrorLocked(err, map[string]any{"source": "speak"})
		return nil, err
	}
	if res != nil && res.VideoID != "" {
		s.setVideoIDLocked(res.VideoID)
	}
	return res, nil
}

// Interrupt stops the agent mid-answer.
func (s *AgentSession) Interrupt(ctx context.Context, kind domain.InterruptType) error {
	s.mu.Lock()
	t, cur := s.transport, s.current
	if t == nil || cur == nil {
		s.mu.Unlock()
		return domain.ErrNoActiveSession
	}
	if !cur.InterruptAvailable {
		s.mu.Unlock()
		return domain.ErrInterruptUnavailable
	}
	payload := map[string]any{
		"type":      string(kind),
		"timestamp": time.Now().UnixMilli(),
	}
	if s.videoID != "" {
		payload["videoId"] = s.videoID
	}
	s.mu.Unlock()

	err := t.SendMessage(ctx, domain.DataChannelMessage{
		Subject: domain.SubjectStreamInterrupt,
		Topic:   domain.TopicInterrupt,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("send interrupt: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.assembler.Interrupt() {
		s.emitMessagesLocked(MessageKindInterrupt)
	}
	if s.machine != nil {
		s.machine.SetActivity(domain.AgentIdle)
	}
	return nil
}

func (s *AgentSession) pump(t ports.Transport, stop <-chan struct{}) {
	events := t.Events()
	for {
		select {
		case <-stop:
			return
		case ev := <-events:
			s.mu.Lock()
			if s.transport == t {
				s.handleEventLocked(ev)
			}
			s.mu.Unlock()
		}
	}
}

func (s *AgentSession) handleEventLocked(ev domain.TransportEvent) {
	switch ev.Kind {
	case domain.EventSignalState:
		before := s.machine.State()
		s.machine.HandleRawState(ev.RawState)
		if s.machine.State() == domain.ConnectionFail && before != domain.ConnectionFail {
			s.emitErrorLocked(fmt.Errorf("%w: %s", domain.ErrTransportFailed, ev.RawState),
				map[string]any{"source": "transport", "transport": string(s.kind)})
		}
	case domain.EventChannelOpen:
		s.machine.HandleChannelOpen()
	case domain.EventChannelClosed:
		s.machine.HandleChannelClosed()
	case domain.EventTrackSubscribed:
		s.tracks = append(s.tracks, ev.Track)
		s.machine.HandleTrackSubscribed(ev.Track.Kind)
		if ev.Track.Kind == "video" && !s.srcReady {
			s.srcReady = true
			s.emitSrcReadyLocked()
		}
	case domain.EventTrackUnsubscribed:
		s.machine.HandleTrackUnsubscribed(ev.Track.Kind)
		for i, tr := range s.tracks {
			if tr.ID == ev.Track.ID {
				s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
				break
			}
		}
	case domain.EventParticipantJoined, domain.EventParticipantLeft:
		s.logger.Infow("Participant update",
			"event", ev.Kind.String(),
			"participant", ev.Participant,
		)
	case domain.EventMediaError:
		s.emitErrorLocked(ev.Err, map[string]any{"source": "media", "track_id": ev.Track.ID})
	case domain.EventMessage:
		s.handleMessageLocked(ev.Message)
	}
}

func (s *AgentSession) handleSocketEvent(ev ports.SocketEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.handleMessageLocked(ev.Message)
}

func (s *AgentSession) handleMessageLocked(msg domain.DataChannelMessage) {
	switch msg.Subject {
	case domain.SubjectStreamStarted, domain.SubjectVideoStarted:
		if id := videoIDOf(msg); id != "" {
			s.setVideoIDLocked(id)
		}
		if s.machine != nil {
			s.machine.HandleChannelStreaming(domain.StreamingStart)
		}
	case domain.SubjectStreamDone, domain.SubjectVideoDone:
		if s.machine != nil {
			s.machine.HandleChannelStreaming(domain.StreamingStop)
		}
	case domain.SubjectStreamError, domain.SubjectVideoError, domain.SubjectVideoRejected:
		s.emitErrorLocked(fmt.Errorf("%s: %v", msg.Subject, msg.Payload),
			map[string]any{"source": "stream", "subject": msg.Subject})
		if s.machine != nil {
			s.machine.HandleChannelStreaming(domain.StreamingStop)
		}
	case domain.SubjectStreamReady, domain.SubjectStreamInterrupt:
		s.logger.Debugw("Stream notice", "subject", msg.Subject)
	case domain.SubjectChatPartial:
		tok := domain.ChatToken{Sequence: intField(msg, "sequence"), Content: msg.StringField("content")}
		if s.assembler.AddPartial(tok) {
			s.emitMessagesLocked(MessageKindPartial)
		}
	case domain.SubjectChatAnswer:
		if s.assembler.SetAnswer(msg.StringField("content")) {
			s.emitMessagesLocked(MessageKindAnswer)
		}
	case domain.SubjectChatAudioTranscribe:
		s.assembler.HandleTranscribed(msg.StringField("content"))
		s.emitMessagesLocked(MessageKindUser)
		if s.machine != nil {
			s.machine.SetActivity(domain.AgentLoading)
		}
	default:
		s.logger.Warnw("Ignoring unknown message subject", "subject", msg.Subject)
	}
}

func (s *AgentSession) startMonitorLocked(t ports.Transport) {
	if s.monitorStop != nil {
		s.monitorStop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.monitorStop = cancel
	s.monitorDone = done
	go s.runMonitor(ctx, t, done)
}

func (s *AgentSession) stopMonitor() {
	s.mu.Lock()
	cancel, done := s.monitorStop, s.monitorDone
	s.monitorStop, s.monitorDone = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *AgentSession) runMonitor(ctx context.Context, t ports.Transport, done chan struct{}) {
	defer close(done)

	interval := s.opts.Monitor.Interval
	if interval <= 0 {
		interval = DefaultMonitorConfig().Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample, ok := t.VideoStats()
			if !ok {
				continue
			}
			s.mu.Lock()
			if s.transport == t {
				s.observeLocked(sample)
			}
			s.mu.Unlock()
		}
	}
}

func (s *AgentSession) observeLocked(sample domain.VideoStatsSample) {
	update := s.monitor.Observe(sample)
	if update.Connectivity != nil {
		state := *update.Connectivity
		s.metrics.RecordConnectivity(state)
		if cb := s.opts.Callbacks.OnConnectivityStateChange; cb != nil {
			s.callbacks.Add(func() { cb(state) })
		}
	}
	if update.Streaming != nil {
		if update.Report != nil {
			s.metrics.RecordQualityReport(update.Report)
		}
		s.machine.HandleStatsStreaming(*update.Streaming, update.Report)
	}
}

func (s *AgentSession) detach(t ports.Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == t {
		s.detachLocked()
	}
}

func (s *AgentSession) detachLocked() {
	if s.pumpStop != nil {
		s.pumpStop()
	}
	s.transport = nil
	s.pumpStop = nil
	s.machine = nil
	s.srcReady = false
	s.tracks = nil
}

func (s *AgentSession) setStateLocked(state domain.ConnectionState) {
	if s.state == state {
		return
	}
	s.state = state
	if s.current != nil {
		s.current.ConnectionState = state
	}
	s.metrics.RecordConnectionState(s.kind, state)
	if cb := s.opts.Callbacks.OnConnectionStateChange; cb != nil {
		s.callbacks.Add(func() { cb(state) })
	}
}

func (s *AgentSession) emitActivityLocked(state domain.AgentActivityState) {
	if cb := s.opts.Callbacks.OnAgentActivityStateChange; cb != nil {
		s.callbacks.Add(func() { cb(state) })
	}
}

func (s *AgentSession) emitMessagesLocked(kind string) {
	cb := s.opts.Callbacks.OnNewMessage
	if cb == nil {
		return
	}
	msgs := s.assembler.Messages()
	s.callbacks.Add(func() { cb(msgs, kind) })
}

func (s *AgentSession) emitErrorLocked(err error, fields map[string]any) {
	if err == nil {
		return
	}
	cb := s.opts.Callbacks.OnError
	if cb == nil {
		return
	}
	s.callbacks.Add(func() { cb(err, fields) })
}

func (s *AgentSession) emitSrcReadyLocked() {
	cb := s.opts.Callbacks.OnSrcObjectReady
	if cb == nil {
		return
	}
	stream := domain.MediaStream{Tracks: append([]domain.MediaTrackInfo(nil), s.tracks...)}
	if s.current != nil {
		stream.StreamID = s.current.StreamID
	}
	s.callbacks.Add(func() { cb(stream) })
}

func (s *AgentSession) setVideoIDLocked(id string) {
	if id == s.videoID {
		return
	}
	s.videoID = id
	if cb := s.opts.Callbacks.OnVideoIDChange; cb != nil {
		s.callbacks.Add(func() { cb(id) })
	}
}

// sessionListener forwards machine transitions to callbacks and metrics.
// The machine only runs under the session lock.
type sessionListener struct {
	s *AgentSession
}

func (l sessionListener) ConnectionStateChanged(state domain.ConnectionState) {
	l.s.setStateLocked(state)
}

func (l sessionListener) VideoStateChanged(state domain.StreamingState, report *domain.VideoQualityReport) {
	l.s.metrics.RecordStreaming(state)
	if cb := l.s.opts.Callbacks.OnVideoStateChange; cb != nil {
		l.s.callbacks.Add(func() { cb(state, report) })
	}
}

func (l sessionListener) AgentActivityChanged(state domain.AgentActivityState) {
	l.s.emitActivityLocked(state)
}

func isFatalInitError(err error) bool {
	return errors.Is(err, domain.ErrMissingSessionID) ||
		errors.Is(err, domain.ErrMissingRoom) ||
		apperrors.HasCode(err, apperrors.ErrCodeInsufficientCredits) ||
		apperrors.HasCode(err, apperrors.ErrCodeUnauthorized)
}

func failureReason(err error) string {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return string(appErr.Code)
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, retry.ErrAttemptTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "unknown"
}

func intField(msg domain.DataChannelMessage, key string) int {
	v, ok := msg.Field(key)
	if !ok {
		return -1
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return -1
}

func videoIDOf(msg domain.DataChannelMessage) string {
	if id := msg.StringField("videoId"); id != "" {
		return id
	}
	if meta, ok := msg.Field("metadata"); ok {
		if m, ok := meta.(map[string]any); ok {
			if id, ok := m["videoId"].(string); ok {
				return id
			}
		}
	}
	return ""
}

type nopMetrics struct{}

func (nopMetrics) RecordConnectionState(domain.TransportKind, domain.ConnectionState) {}
func (nopMetrics) RecordConnectivity(domain.ConnectivityState) {}
func (nopMetrics) RecordStreaming(domain.StreamingState) {}
func (nopMetrics) RecordQualityReport(*domain.VideoQualityReport) {}
func (nopMetrics) RecordRetry(string) {}
func (nopMetrics) RecordChatFailure(string) {}
