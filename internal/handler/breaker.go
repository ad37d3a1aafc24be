package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/chaz8081/birdbridge/internal/domain"
	"github.com/chaz8081/birdbridge/internal/robot"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 3
	defaultCBTimeout     time.Duration = 10 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the per-device circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive link failures before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration
	// Interval is the cyclic period of the closed state for clearing failure counts.
	Interval time.Duration
}

// device is a connected robot behind a circuit breaker. Only link-level
// failures trip it; bad input and unsupported outputs do not.
type device struct {
	id      string
	robot   robot.Robot
	breaker *gobreaker.CircuitBreaker[any]
}

func newDevice(family, id string, r robot.Robot, cfg BreakerConfig, logger *slog.Logger) *device {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        family + ":" + id,
		MaxRequests: 1, // allow 1 trial request in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("[handler] circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return !isLinkFailure(err)
		},
	})

	return &device{id: id, robot: r, breaker: cb}
}

func isLinkFailure(err error) bool {
	return errors.Is(err, domain.ErrTransport) ||
		errors.Is(err, domain.ErrTimeout) ||
		errors.Is(err, domain.ErrDisconnected)
}

func (d *device) setOutput(ctx context.Context, out robot.Output) (robot.OutputResult, error) {
	var res robot.OutputResult
	_, err := d.breaker.Execute(func() (any, error) {
		var err error
		res, err = d.robot.SetOutput(ctx, out)
		return nil, err
	})
	return res, d.wrap(err)
}

func (d *device) readSensor(ctx context.Context, sensor robot.Sensor, port string) (string, error) {
	v, err := d.breaker.Execute(func() (any, error) {
		return d.robot.ReadSensor(ctx, sensor, port)
	})
	if err != nil {
		return "", d.wrap(err)
	}
	return v.(string), nil
}

func (d *device) wrap(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("device %s circuit open: %w: %w", d.id, domain.ErrUnavailable, err)
	}
	return err
}

func (d *device) state() gobreaker.State { return d.breaker.State() }
