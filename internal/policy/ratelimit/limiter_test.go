package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cpi-indexer/internal/metrics"
)

var gateEpoch = time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)

func TestTryAcquireRespectsBurst(t *testing.T) {
	t.Parallel()
	metrics.Init()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 2})
	now := gateEpoch

	require.True(t, l.TryAcquire("shop.example.com", now))
	require.True(t, l.TryAcquire("shop.example.com", now))
	require.False(t, l.TryAcquire("shop.example.com", now), "burst exhausted")

	require.True(t, l.TryAcquire("shop.example.com", now.Add(time.Second)), "token refilled after 1s at 1 RPS")
}

func TestHostsAreIndependent(t *testing.T) {
	t.Parallel()
	metrics.Init()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	now := gateEpoch

	require.True(t, l.TryAcquire("a.example.com", now))
	require.False(t, l.TryAcquire("a.example.com", now))
	require.True(t, l.TryAcquire("b.example.com", now), "one host must not starve another")
}

func TestPenalizeBlocksUntilDeadline(t *testing.T) {
	t.Parallel()
	metrics.Init()

	l := New(Config{DefaultRPS: 100, DefaultBurst: 10})
	now := gateEpoch
	until := now.Add(30 * time.Second)

	require.True(t, l.TryAcquire("shop.example.com", now))
	l.Penalize("shop.example.com", until)

	require.False(t, l.TryAcquire("shop.example.com", now.Add(29*time.Second)))
	deadline, ok := l.CooldownUntil("shop.example.com")
	require.True(t, ok)
	require.Equal(t, until, deadline)

	require.True(t, l.TryAcquire("shop.example.com", until), "cooldown expires at the deadline")
	_, ok = l.CooldownUntil("shop.example.com")
	require.False(t, ok, "expired cooldown must be cleared")
}

func TestPenalizeKeepsLaterCooldown(t *testing.T) {
	t.Parallel()
	metrics.Init()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	now := gateEpoch
	later := now.Add(time.Minute)

	l.Penalize("shop.example.com", later)
	l.Penalize("shop.example.com", now.Add(10*time.Second))

	deadline, ok := l.CooldownUntil("shop.example.com")
	require.True(t, ok)
	require.Equal(t, later, deadline, "a shorter penalty must not shorten an active cooldown")
}

func TestEmptyHostBypassesGate(t *testing.T) {
	t.Parallel()
	metrics.Init()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	now := gateEpoch

	for i := 0; i < 5; i++ {
		require.True(t, l.TryAcquire("", now))
	}
}

func TestPerHostOverride(t *testing.T) {
	t.Parallel()
	metrics.Init()

	l := New(Config{
		DefaultRPS:   1,
		DefaultBurst: 1,
		PerHost: map[string]HostLimit{
			"fast.example.com": {RPS: 100, Burst: 3},
		},
	})
	now := gateEpoch

	require.True(t, l.TryAcquire("slow.example.com", now))
	require.False(t, l.TryAcquire("slow.example.com", now))

	for i := 0; i < 3; i++ {
		require.True(t, l.TryAcquire("fast.example.com", now), "override burst %d", i)
	}
	require.False(t, l.TryAcquire("fast.example.com", now))
}

func TestZeroRPSMeansUnlimited(t *testing.T) {
	t.Parallel()
	metrics.Init()

	l := New(Config{})
	now := gateEpoch

	for i := 0; i < 100; i++ {
		require.True(t, l.TryAcquire("shop.example.com", now))
	}
}
