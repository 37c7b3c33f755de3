package monitoring

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"agentstream/internal/core/domain"
)

const defaultCheckTimeout = 2 * time.Second

// CheckFunc reports nil when the component is healthy.
type CheckFunc func(ctx context.Context) error

type HealthChecker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
	now    func() time.Time
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func (s HealthStatus) Healthy() bool { return s.Status == "healthy" }

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks: make(map[string]CheckFunc),
		now:    time.Now,
	}
}

func (h *HealthChecker) AddCheck(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// CheckAll runs every check with its own timeout.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	checks := make(map[string]CheckFunc, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	h.mu.RUnlock()
	sort.Strings(names)

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: h.now(),
		Checks:    make(map[string]string, len(names)),
	}

	for _, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, defaultCheckTimeout)
		err := checks[name](checkCtx)
		cancel()

		if err != nil {
			status.Status = "unhealthy"
			status.Checks[name] = err.Error()
			continue
		}
		status.Checks[name] = "healthy"
	}
	return status
}

// AddSocketCheck fails while the control socket is down.
func (h *HealthChecker) AddSocketCheck(connected func() bool) {
	h.AddCheck("control_socket", func(ctx context.Context) error {
		if !connected() {
			return errors.New("not connected")
		}
		return nil
	})
}

// AddSessionCheck fails while the stream is in a terminal state or the
// session is in maintenance mode.
func (h *HealthChecker) AddSessionCheck(state func() domain.ConnectionState, maintenance func() bool) {
	h.AddCheck("stream", func(ctx context.Context) error {
		if maintenance != nil && maintenance() {
			return domain.ErrMaintenance
		}
		if s := state(); s == domain.ConnectionFail {
			return fmt.Errorf("connection %s", s)
		}
		return nil
	})
}
