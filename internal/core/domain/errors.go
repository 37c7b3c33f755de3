package domain

import "errors"

var (
	ErrMissingSessionID     = errors.New("missing session id")
	ErrNoActiveSession      = errors.New("no active stream session")
	ErrSessionActive        = errors.New("stream session already active")
	ErrSessionClosed        = errors.New("agent session closed")
	ErrChannelNotReady      = errors.New("data channel is not open")
	ErrInterruptUnavailable = errors.New("interrupt is not available for this session")
	ErrMaintenance          = errors.New("session is in maintenance mode")
	ErrRejoinTimeout        = errors.New("timed out waiting for agent to rejoin")
	ErrTransportFailed      = errors.New("transport connection failed")
	ErrInvalidScript        = errors.New("invalid speak script")
	ErrInvalidMessage       = errors.New("invalid chat message")
	ErrNegotiation          = errors.New("negotiation failed")
	ErrMissingRoom          = errors.New("missing room url or token")
)
