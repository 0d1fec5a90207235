package directory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mossy-p/session-relay/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	startupMaxElapsed = 30 * time.Second
	checkTimeout      = 3 * time.Second
)

// Pinger is anything the Monitor can health-check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor health-checks the relay's dependencies in the background so request
// paths only read the last result.
type Monitor struct {
	interval time.Duration
	deps     map[string]Pinger

	mu     sync.RWMutex
	health map[string]error
}

func NewMonitor(interval time.Duration, deps map[string]Pinger) *Monitor {
	m := &Monitor{
		interval: interval,
		deps:     deps,
		health:   make(map[string]error, len(deps)),
	}
	for name := range deps {
		m.health[name] = fmt.Errorf("not checked yet")
	}
	return m
}

// WaitReady retries every dependency with exponential backoff until it answers
// or ctx ends.
func (m *Monitor) WaitReady(ctx context.Context) error {
	for name, dep := range m.deps {
		operation := func() error {
			pctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			return dep.Ping(pctx)
		}
		strategy := backoff.WithContext(
			backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(startupMaxElapsed)),
			ctx,
		)
		err := backoff.RetryNotify(operation, strategy, func(err error, d time.Duration) {
			log.Warn().Str("module", "health").Str("dependency", name).Err(err).
				Dur("retry_in", d).Msg("dependency not ready")
		})
		m.record(name, err)
		if err != nil {
			return fmt.Errorf("%s not ready: %w", name, err)
		}
	}
	return nil
}

// Run checks every dependency each interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.CheckNow(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckNow(ctx)
		}
	}
}

// CheckNow runs one round of checks.
func (m *Monitor) CheckNow(ctx context.Context) {
	for name, dep := range m.deps {
		pctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := dep.Ping(pctx)
		cancel()
		m.record(name, err)
	}
}

func (m *Monitor) record(name string, err error) {
	m.mu.Lock()
	prev := m.health[name]
	m.health[name] = err
	m.mu.Unlock()

	logger := log.With().Str("module", "health").Str("dependency", name).Logger()
	switch {
	case err != nil && prev == nil:
		logger.Error().Err(err).Msg("dependency unreachable")
	case err == nil && prev != nil:
		logger.Info().Msg("dependency healthy")
	}
	if err == nil {
		metrics.DependencyUp.WithLabelValues(name).Set(1)
	} else {
		metrics.DependencyUp.WithLabelValues(name).Set(0)
	}
}

// Status maps each dependency to "ok" or its last error, and reports whether
// all of them are healthy.
func (m *Monitor) Status() (map[string]string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.health))
	healthy := true
	for name, err := range m.health {
		if err != nil {
			out[name] = err.Error()
			healthy = false
		} else {
			out[name] = "ok"
		}
	}
	return out, healthy
}
