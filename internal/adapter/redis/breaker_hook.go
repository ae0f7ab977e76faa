package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/Jair4x/scst-server/internal/adapter/metrics"
)

const (
	breakerTripAfter   = 5
	breakerOpenTimeout = 30 * time.Second
)

// ErrBreakerOpen is returned instead of contacting Redis while the breaker is open.
var ErrBreakerOpen = errors.New("redis circuit breaker open")

// BreakerHook implements redis.Hook and fails commands fast once Redis has
// failed breakerTripAfter times in a row. goredis.Nil counts as success.
type BreakerHook struct {
	cb      *gobreaker.TwoStepCircuitBreaker
	metrics *metrics.RedisMetrics
}

var _ goredis.Hook = (*BreakerHook)(nil)

func NewBreakerHook(m *metrics.RedisMetrics) *BreakerHook {
	h := &BreakerHook{metrics: m}
	h.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 1,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripAfter
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
			if h.metrics != nil {
				h.metrics.BreakerState.Set(breakerStateValue(to))
			}
		},
	})
	return h
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func (h *BreakerHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		done, err := h.cb.Allow()
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, ErrBreakerOpen)
		}
		conn, err := next(ctx, network, addr)
		done(err == nil)
		return conn, err
	}
}

func (h *BreakerHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		done, err := h.cb.Allow()
		if err != nil {
			openErr := fmt.Errorf("%s: %w", cmd.Name(), ErrBreakerOpen)
			cmd.SetErr(openErr)
			return openErr
		}
		err = next(ctx, cmd)
		done(err == nil || errors.Is(err, goredis.Nil))
		return err
	}
}

func (h *BreakerHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		done, err := h.cb.Allow()
		if err != nil {
			return fmt.Errorf("pipeline: %w", ErrBreakerOpen)
		}
		err = next(ctx, cmds)
		done(err == nil || errors.Is(err, goredis.Nil))
		return err
	}
}

func (h *BreakerHook) State() gobreaker.State {
	return h.cb.State()
}
