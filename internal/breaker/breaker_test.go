package breaker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/wingmux/internal/breaker"
)

func testConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold: 3,
		Window:           time.Minute,
		RecoveryTimeout:  20 * time.Millisecond,
		HalfOpenMaxCalls: 1,
		SuccessThreshold: 1,
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := breaker.New(testConfig())

	for i := 0; i < 3; i++ {
		require.True(t, b.Allow())
		b.RecordFailure()
	}

	assert.Equal(t, breaker.Open, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	b := breaker.New(testConfig())

	for i := 0; i < 2; i++ {
		require.True(t, b.Allow())
		b.RecordFailure()
	}

	assert.Equal(t, breaker.Closed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerTransitionsToHalfOpenAfterRecovery(t *testing.T) {
	cfg := testConfig()
	b := breaker.New(cfg)
	for i := 0; i < cfg.FailureThreshold; i++ {
		b.Allow()
		b.RecordFailure()
	}
	require.Equal(t, breaker.Open, b.State())

	time.Sleep(cfg.RecoveryTimeout + 5*time.Millisecond)
	assert.Equal(t, breaker.HalfOpen, b.State())
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	cfg := testConfig()
	b := breaker.New(cfg)
	for i := 0; i < cfg.FailureThreshold; i++ {
		b.Allow()
		b.RecordFailure()
	}
	time.Sleep(cfg.RecoveryTimeout + 5*time.Millisecond)
	require.Equal(t, breaker.HalfOpen, b.State())

	require.True(t, b.Allow())
	b.RecordSuccess()

	assert.Equal(t, breaker.Closed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cfg := testConfig()
	b := breaker.New(cfg)
	for i := 0; i < cfg.FailureThreshold; i++ {
		b.Allow()
		b.RecordFailure()
	}
	time.Sleep(cfg.RecoveryTimeout + 5*time.Millisecond)
	require.Equal(t, breaker.HalfOpen, b.State())

	require.True(t, b.Allow())
	b.RecordFailure()

	assert.Equal(t, breaker.Open, b.State())
}

func TestBreakerHalfOpenLimitsConcurrentProbes(t *testing.T) {
	cfg := testConfig()
	b := breaker.New(cfg)
	for i := 0; i < cfg.FailureThreshold; i++ {
		b.Allow()
		b.RecordFailure()
	}
	time.Sleep(cfg.RecoveryTimeout + 5*time.Millisecond)
	require.Equal(t, breaker.HalfOpen, b.State())

	require.True(t, b.Allow())
	assert.False(t, b.Allow(), "a second concurrent probe must be rejected")
}

func TestBreakerReleaseGivesBackProbeSlotWithoutCounting(t *testing.T) {
	cfg := testConfig()
	b := breaker.New(cfg)
	for i := 0; i < cfg.FailureThreshold; i++ {
		b.Allow()
		b.RecordFailure()
	}
	time.Sleep(cfg.RecoveryTimeout + 5*time.Millisecond)
	require.Equal(t, breaker.HalfOpen, b.State())

	require.True(t, b.Allow())
	b.Release()

	require.True(t, b.Allow(), "slot must be available again after Release")
	assert.Equal(t, breaker.HalfOpen, b.State(), "Release must not count as a success")
}
