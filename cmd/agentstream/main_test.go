package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"agentstream/internal/core/domain"
	"agentstream/internal/core/services"
	"agentstream/pkg/config"
)

type fakeCommands struct {
	chats      []string
	speaks     []domain.SpeakRequest
	interrupts []domain.InterruptType
	reconnects int
	chatErr    error
}

func (f *fakeCommands) Chat(_ context.Context, text string) (*domain.ChatResponse, error) {
	f.chats = append(f.chats, text)
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	return &domain.ChatResponse{Result: "ok"}, nil
}

func (f *fakeCommands) Speak(_ context.Context, req domain.SpeakRequest) (*domain.SpeakResult, error) {
	f.speaks = append(f.speaks, req)
	return &domain.SpeakResult{Status: "started", VideoID: "vid_1"}, nil
}

func (f *fakeCommands) Interrupt(_ context.Context, kind domain.InterruptType) error {
	f.interrupts = append(f.interrupts, kind)
	return nil
}

func (f *fakeCommands) Reconnect(context.Context) error {
	f.reconnects++
	return nil
}

func TestConsole_Commands(t *testing.T) {
	var out bytes.Buffer
	c := &console{out: &out}
	cmds := &fakeCommands{}

	input := strings.Join([]string{
		"hello agent",
		"",
		"/speak good morning",
		"/interrupt",
		"/interrupt audio",
		"/reconnect",
		"/unknown",
		"/quit",
		"never read",
	}, "\n")
	c.run(context.Background(), strings.NewReader(input), cmds, zap.NewNop().Sugar())

	assert.Equal(t, []string{"hello agent"}, cmds.chats)
	require.Len(t, cmds.speaks, 1)
	assert.Equal(t, domain.Script{Type: "text", Input: "good morning"}, cmds.speaks[0].Script)
	assert.Equal(t, []domain.InterruptType{domain.InterruptClick, domain.InterruptAudio}, cmds.interrupts)
	assert.Equal(t, 1, cmds.reconnects)
	assert.Contains(t, out.String(), "[speak] started vid_1")
	assert.Contains(t, out.String(), "unknown command /unknown")
}

func TestConsole_ChatErrorIsPrinted(t *testing.T) {
	var out bytes.Buffer
	c := &console{out: &out}
	cmds := &fakeCommands{chatErr: errors.New("no stream")}

	c.run(context.Background(), strings.NewReader("hi\n"), cmds, zap.NewNop().Sugar())
	assert.Contains(t, out.String(), "[error] no stream")
}

func TestConsole_PrintsAnswers(t *testing.T) {
	var out bytes.Buffer
	c := &console{out: &out}
	cb := c.callbacks(zap.NewNop().Sugar())

	messages := []domain.AssembledMessage{
		{Role: domain.RoleUser, Content: "hi"},
		{Role: domain.RoleAssistant, Content: "hello there"},
	}
	cb.OnNewMessage(messages, services.MessageKindPartial)
	assert.Empty(t, out.String())

	cb.OnNewMessage(messages, services.MessageKindAnswer)
	assert.Equal(t, "agent> hello there\n", out.String())
}

func TestTransportFactory(t *testing.T) {
	cfg := config.DefaultConfig()
	factory := newTransportFactory(cfg, "agt_1", nil, nil, zap.NewNop().Sugar())

	p2p, err := factory(domain.TransportP2P)
	require.NoError(t, err)
	assert.Equal(t, domain.TransportP2P, p2p.Kind())

	relayed, err := factory(domain.TransportRelayed)
	require.NoError(t, err)
	assert.Equal(t, domain.TransportRelayed, relayed.Kind())

	_, err = factory("carrier-pigeon")
	assert.Error(t, err)
}

func TestSessionOptions(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Agent.ID = "agt_1"
	cfg.Agent.PresenterType = domain.PresenterExpressive
	cfg.Socket.ConnectAttempts = 3

	opts := sessionOptions(cfg, domain.Callbacks{})
	assert.Equal(t, 2, opts.SocketRetries, "three attempts are one dial plus two retries")
	assert.Equal(t, domain.TransportRelayed, domain.SelectTransport(opts.Agent))
	assert.Equal(t, cfg.Session.InitTimeout, opts.InitTimeout)
	assert.Equal(t, cfg.Monitor.Interval, opts.Monitor.Interval)

	cfg.Socket.ConnectAttempts = 1
	assert.Zero(t, sessionOptions(cfg, domain.Callbacks{}).SocketRetries)
}
