package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"agentstream/internal/core/domain"
	"agentstream/internal/core/ports"
	"agentstream/internal/core/services"
	httphandlers "agentstream/internal/handlers/http"
	"agentstream/internal/infrastructure/api"
	"agentstream/internal/infrastructure/livekit"
	"agentstream/internal/infrastructure/middleware"
	"agentstream/internal/infrastructure/monitoring"
	signalinfra "agentstream/internal/infrastructure/signal"
	"agentstream/internal/infrastructure/streaming"
	webrtcinfra "agentstream/internal/infrastructure/webrtc"
	"agentstream/pkg/circuitbreaker"
	"agentstream/pkg/config"
	"agentstream/pkg/logger"
	"agentstream/pkg/tracing"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPaths := []string{
		os.Getenv("AGENTSTREAM_CONFIG"),
		"configs/config.yaml",
		"./configs/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		if path == "" {
			continue
		}
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "agentstream",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("Failed to initialize tracing", "error", err)
	}

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	clientOpts := []api.Option{
		api.WithHTTPClient(&http.Client{Timeout: cfg.API.Timeout}),
		api.WithRateLimit(cfg.API.RequestsPerSecond, cfg.API.Burst),
		api.WithLogger(log.Named("api")),
	}
	if cfg.Breaker.Enabled {
		breaker := circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold:    cfg.Breaker.FailureThreshold,
			SuccessThreshold:    cfg.Breaker.SuccessThreshold,
			Timeout:             cfg.Breaker.OpenTimeout,
			MaxRequestsHalfOpen: 1,
			IsFailure:           api.IsServerFailure,
		})
		breaker.OnStateChange(func(from, to circuitbreaker.State) {
			log.Warnw("Control plane breaker changed state", "from", from.String(), "to", to.String())
			collector.RecordBreakerState(to)
		})
		clientOpts = append(clientOpts, api.WithCircuitBreaker(breaker))
	}
	client := api.NewClient(cfg.API.BaseURL, cfg.API.AuthToken, clientOpts...)

	socket := signalinfra.NewControlSocket(signalinfra.SocketConfig{
		URL:          cfg.Socket.URL,
		AuthToken:    cfg.API.AuthToken,
		PingInterval: cfg.Socket.PingInterval,
		PongTimeout:  cfg.Socket.PongTimeout,
	}, log.Named("socket"))

	var sink ports.MediaSink
	var recorder *streaming.Recorder
	if cfg.Recording.Enabled {
		recorder = streaming.NewRecorder(cfg.Recording.Dir, cfg.Recording.SegmentDuration, cfg.Recording.MaxSegments, log.Named("recorder"))
		sink = recorder
		log.Infow("Recording inbound media", "dir", cfg.Recording.Dir)
	}

	agentID := domain.AgentID(cfg.Agent.ID)
	factory := newTransportFactory(cfg, agentID, client, sink, log)

	term := &console{out: os.Stdout}
	session := services.NewAgentSession(sessionOptions(cfg, term.callbacks(log)), client, socket, factory, collector, zapLogger)

	health := monitoring.NewHealthChecker()
	health.AddSocketCheck(socket.Connected)
	health.AddSessionCheck(session.ConnectionState, session.InMaintenance)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
	)
	httphandlers.NewSessionHandler(session, health).SetupRoutes(router)
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:              cfg.Monitoring.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting control server", "address", cfg.Monitoring.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := session.Connect(ctx); err != nil {
		log.Errorw("Initial connect failed", "agent_id", agentID, "error", err)
	}

	inputDone := make(chan struct{})
	go func() {
		defer close(inputDone)
		term.run(ctx, os.Stdin, session, log)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Control server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	case <-inputDone:
		log.Info("Input closed")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := session.Close(shutdownCtx); err != nil {
		log.Warnw("Error closing session", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}
	if recorder != nil {
		if err := recorder.Close(); err != nil {
			log.Warnw("Error finishing recording", "error", err)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Error flushing traces", "error", err)
	}

	log.Info("agentstream stopped")
}

func newTransportFactory(cfg *config.Config, agentID domain.AgentID, client ports.ControlPlane, sink ports.MediaSink, log *zap.SugaredLogger) ports.TransportFactory {
	iceServers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEServers))
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	p2pConfig := webrtcinfra.P2PConfig{
		AgentID:       agentID,
		ICEServers:    iceServers,
		SignalTimeout: cfg.Session.InitTimeout,
		MediaSink:     sink,
	}
	p2pConfig.PortRange.Min = cfg.WebRTC.PortRange.Min
	p2pConfig.PortRange.Max = cfg.WebRTC.PortRange.Max

	relayedConfig := livekit.RelayedConfig{
		AgentID:       agentID,
		RejoinTimeout: cfg.Session.RejoinTimeout,
		MediaSink:     sink,
	}

	return func(kind domain.TransportKind) (ports.Transport, error) {
		switch kind {
		case domain.TransportP2P:
			return webrtcinfra.NewP2PTransport(p2pConfig, client, log.Named("p2p")), nil
		case domain.TransportRelayed:
			return livekit.NewRelayedTransport(relayedConfig, client, log.Named("relayed")), nil
		}
		return nil, fmt.Errorf("unknown transport kind %q", kind)
	}
}

// sessionCommands is what the console drives.
type sessionCommands interface {
	Chat(ctx context.Context, text string) (*domain.ChatResponse, error)
	Speak(ctx context.Context, req domain.SpeakRequest) (*domain.SpeakResult, error)
	Interrupt(ctx context.Context, kind domain.InterruptType) error
	Reconnect(ctx context.Context) error
}

type console struct {
	out io.Writer
}

func (c *console) callbacks(log *zap.SugaredLogger) domain.Callbacks {
	return domain.Callbacks{
		OnConnectionStateChange: func(state domain.ConnectionState) {
			fmt.Fprintf(c.out, "[connection] %s\n", state)
		},
		OnConnectivityStateChange: func(state domain.ConnectivityState) {
			fmt.Fprintf(c.out, "[connectivity] %s\n", state)
		},
		OnAgentActivityStateChange: func(state domain.AgentActivityState) {
			log.Debugw("Agent activity changed", "state", state)
		},
		OnVideoStateChange: func(state domain.StreamingState, report *domain.VideoQualityReport) {
			if report != nil {
				log.Infow("Streaming window finished",
					"duration", report.Duration,
					"bitrate", report.Bitrate,
					"anomalies", len(report.Anomalies),
				)
			}
		},
		OnNewMessage: func(messages []domain.AssembledMessage, kind string) {
			if kind != services.MessageKindAnswer || len(messages) == 0 {
				return
			}
			last := messages[len(messages)-1]
			fmt.Fprintf(c.out, "agent> %s\n", last.Content)
		},
		OnVideoIDChange: func(videoID string) {
			log.Debugw("Video id changed", "video_id", videoID)
		},
		OnError: func(err error, details map[string]any) {
			fmt.Fprintf(c.out, "[error] %v\n", err)
			log.Warnw("Session error", "error", err, "details", details)
		},
	}
}

// run reads one command or chat line per input line until in is exhausted or
// ctx is cancelled.
func (c *console) run(ctx context.Context, in io.Reader, session sessionCommands, log *zap.SugaredLogger) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := c.handle(ctx, line, session); err != nil {
			if errors.Is(err, errQuit) {
				return
			}
			fmt.Fprintf(c.out, "[error] %v\n", err)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warnw("Failed to read input", "error", err)
	}
}

var errQuit = errors.New("quit")

func (c *console) handle(ctx context.Context, line string, session sessionCommands) error {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit":
		return errQuit
	case "/speak":
		res, err := session.Speak(ctx, domain.SpeakRequest{Script: domain.Script{Type: "text", Input: arg}})
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "[speak] %s %s\n", res.Status, res.VideoID)
		return nil
	case "/interrupt":
		kind := domain.InterruptClick
		if arg != "" {
			kind = domain.InterruptType(arg)
		}
		return session.Interrupt(ctx, kind)
	case "/reconnect":
		return session.Reconnect(ctx)
	}

	if strings.HasPrefix(cmd, "/") {
		return fmt.Errorf("unknown command %s", cmd)
	}
	_, err := session.Chat(ctx, line)
	return err
}

// sessionOptions maps the loaded config onto the session. connect_attempts
// counts the first dial, the retry policy only counts retries.
func sessionOptions(cfg *config.Config, callbacks domain.Callbacks) services.SessionOptions {
	monitorCfg := services.DefaultMonitorConfig()
	monitorCfg.Interval = cfg.Monitor.Interval
	monitorCfg.StopTicks = cfg.Monitor.StopTicks
	monitorCfg.LowFPS = cfg.Monitor.LowFPS
	monitorCfg.StrongJitterDelay = cfg.Monitor.StrongJitterDelay
	monitorCfg.WeakJitterDelay = cfg.Monitor.WeakJitterDelay

	return services.SessionOptions{
		Agent:         domain.Agent{ID: domain.AgentID(cfg.Agent.ID), Presenter: domain.Presenter{Type: cfg.Agent.PresenterType}},
		PersistChat:   cfg.Session.PersistChat,
		StreamWarmup:  cfg.Session.Warmup,
		Fluent:        cfg.Session.Fluent,
		Compatibility: cfg.Session.Compatibility,
		Callbacks:     callbacks,
		Monitor:       monitorCfg,
		InitRetries:   cfg.Session.InitRetries,
		InitTimeout:   cfg.Session.InitTimeout,
		ChatRetries:   cfg.Session.ChatRetries,
		SocketRetries: max(cfg.Socket.ConnectAttempts-1, 0),
	}
}
