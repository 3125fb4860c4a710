package breaker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func enabledConfig() config.CircuitBreakerConfig {
	return config.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 3,
		OpenSeconds:      60,
		MaxHosts:         2,
	}
}

func fail() (any, error)    { return nil, assert.AnError }
func succeed() (any, error) { return "ok", nil }

func TestNew_DisabledReturnsNil(t *testing.T) {
	t.Parallel()

	r := New(config.CircuitBreakerConfig{Enabled: false}, testLogger(), nil)
	assert.Nil(t, r)

	// A nil registry passes calls straight through.
	res, err := r.Execute("example.com", succeed)
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.Equal(t, gobreaker.StateClosed, r.State("example.com"))
	assert.Zero(t, r.Len())
}

func TestRegistry_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	r := New(enabledConfig(), testLogger(), m)
	require.NotNil(t, r)

	for range 3 {
		_, err := r.Execute("down.example", fail)
		require.ErrorIs(t, err, assert.AnError)
	}
	assert.Equal(t, gobreaker.StateOpen, r.State("down.example"))

	called := false
	_, err := r.Execute("down.example", func() (any, error) {
		called = true
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called, "open breaker must not run the call")

	assert.InDelta(t, 1, testutil.ToFloat64(m.BreakerTransitions.WithLabelValues("closed", "open")), 0)
}

func TestRegistry_HostsAreIndependent(t *testing.T) {
	t.Parallel()

	r := New(enabledConfig(), testLogger(), nil)
	for range 3 {
		_, _ = r.Execute("down.example", fail)
	}

	res, err := r.Execute("up.example", succeed)
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.Equal(t, gobreaker.StateClosed, r.State("up.example"))
}

func TestRegistry_SuccessResetsFailures(t *testing.T) {
	t.Parallel()

	r := New(enabledConfig(), testLogger(), nil)
	for range 2 {
		_, _ = r.Execute("flaky.example", fail)
	}
	_, _ = r.Execute("flaky.example", succeed)
	for range 2 {
		_, _ = r.Execute("flaky.example", fail)
	}
	assert.Equal(t, gobreaker.StateClosed, r.State("flaky.example"))
}

func TestRegistry_FailureFuncIgnoresErrors(t *testing.T) {
	t.Parallel()

	r := New(enabledConfig(), testLogger(), nil, WithFailureFunc(func(err error) bool {
		return err != nil && !errors.Is(err, context.Canceled)
	}))

	for range 5 {
		_, err := r.Execute("example.com", func() (any, error) { return nil, context.Canceled })
		require.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, gobreaker.StateClosed, r.State("example.com"))
}

func TestRegistry_HalfOpenAfterTimeout(t *testing.T) {
	t.Parallel()

	cfg := enabledConfig()
	r := New(cfg, testLogger(), nil)
	r.openFor = 20 * time.Millisecond

	for range 3 {
		_, _ = r.Execute("recovering.example", fail)
	}
	require.Equal(t, gobreaker.StateOpen, r.State("recovering.example"))

	assert.Eventually(t, func() bool {
		return r.State("recovering.example") == gobreaker.StateHalfOpen
	}, time.Second, 5*time.Millisecond)

	_, err := r.Execute("recovering.example", succeed)
	require.NoError(t, err)
	assert.Equal(t, gobreaker.StateClosed, r.State("recovering.example"))
}

func TestRegistry_EvictsLeastRecentlyUsedClosed(t *testing.T) {
	t.Parallel()

	r := New(enabledConfig(), testLogger(), nil)
	clock := time.Unix(0, 0)
	r.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	for range 3 {
		_, _ = r.Execute("tripped.example", fail)
	}
	_, _ = r.Execute("old.example", succeed)
	_, _ = r.Execute("new.example", succeed)

	assert.Equal(t, 2, r.Len())
	// The tripped breaker is older but still open, so the closed one goes.
	assert.Equal(t, gobreaker.StateOpen, r.State("tripped.example"))

	r.mu.Lock()
	_, oldKept := r.breakers["old.example"]
	_, newKept := r.breakers["new.example"]
	r.mu.Unlock()
	assert.False(t, oldKept)
	assert.True(t, newKept)
}
