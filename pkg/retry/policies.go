package retry

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	apperrors "agentstream/pkg/errors"
)

// SocketConnectPolicy retries every failure with a linear attempt*500ms wait.
func SocketConnectPolicy(retries int) Policy {
	return Policy{
		Name:    "socket_connect",
		Limit:   retries,
		Delay:   500 * time.Millisecond,
		Backoff: BackoffLinear,
	}
}

// SessionInitPolicy bounds stream and chat initialization. Each attempt is cut
// off after timeout. A "could not connect" answer, a rate limit, or a missing
// session id is never retried.
func SessionInitPolicy(retries int, timeout time.Duration, isFatal func(error) bool) Policy {
	return Policy{
		Name:    "session_init",
		Limit:   retries,
		Timeout: timeout,
		ShouldRetry: func(err error) bool {
			if isFatal != nil && isFatal(err) {
				return false
			}
			if IsRateLimited(err) {
				return false
			}
			return !strings.Contains(strings.ToLower(err.Error()), "could not connect")
		},
	}
}

// ChatSendPolicy retries a chat message only when the stream behind it is gone.
// onRetry is expected to disconnect and reconnect the session before the resend.
func ChatSendPolicy(retries int, onRetry func(ctx context.Context) error) Policy {
	return Policy{
		Name:        "chat_send",
		Limit:       retries,
		ShouldRetry: IsStreamGone,
		OnRetry: func(ctx context.Context, _ int, _ error) error {
			if onRetry == nil {
				return nil
			}
			return onRetry(ctx)
		},
	}
}

// IsStreamGone matches the server answers that mean the stream must be rebuilt.
func IsStreamGone(err error) bool {
	if err == nil {
		return false
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case apperrors.ErrCodeInvalidSession, apperrors.ErrCodeStreamError:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "invalid session id") || strings.Contains(msg, "stream error")
}

// IsRateLimited reports an HTTP 429 anywhere in the chain.
func IsRateLimited(err error) bool {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus == http.StatusTooManyRequests || appErr.Code == apperrors.ErrCodeRateLimit
	}
	return false
}
