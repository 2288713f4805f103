package ratelimiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softwell/mailproxy-core/internal/domain"
)

type fakeSendCounter struct {
	mu    sync.Mutex
	sends map[string][]time.Time
}

func newFakeSendCounter() *fakeSendCounter {
	return &fakeSendCounter{sends: make(map[string][]time.Time)}
}

func (f *fakeSendCounter) CountSendsSince(ctx context.Context, accountID string, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ts := range f.sends[accountID] {
		if !ts.Before(since) {
			n++
		}
	}
	return n, nil
}

func (f *fakeSendCounter) LogSend(ctx context.Context, accountID string, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends[accountID] = append(f.sends[accountID], ts)
	return nil
}

func TestCheckAndPlan_NoLimitsConfigured(t *testing.T) {
	rl := New(newFakeSendCounter())
	acc := &domain.Account{ID: "a1"}

	deferredUntil, reject, err := rl.CheckAndPlan(context.Background(), acc)
	require.NoError(t, err)
	assert.Nil(t, deferredUntil)
	assert.False(t, reject)
}

func TestCheckAndPlan_DeferWhenLimitExceeded(t *testing.T) {
	counter := newFakeSendCounter()
	counter.LogSend(context.Background(), "a1", time.Now())

	rl := New(counter)
	acc := &domain.Account{ID: "a1", LimitPerMinute: 1, LimitBehavior: domain.LimitBehaviorDefer}

	deferredUntil, reject, err := rl.CheckAndPlan(context.Background(), acc)
	require.NoError(t, err)
	require.NotNil(t, deferredUntil)
	assert.False(t, reject)
}

func TestCheckAndPlan_RejectWhenBehaviorIsReject(t *testing.T) {
	counter := newFakeSendCounter()
	counter.LogSend(context.Background(), "a1", time.Now())

	rl := New(counter)
	acc := &domain.Account{ID: "a1", LimitPerMinute: 1, LimitBehavior: domain.LimitBehaviorReject}

	deferredUntil, reject, err := rl.CheckAndPlan(context.Background(), acc)
	require.NoError(t, err)
	require.NotNil(t, deferredUntil)
	assert.True(t, reject)
}

func TestCheckAndPlan_InFlightCounterGatesParallelWorkers(t *testing.T) {
	rl := New(newFakeSendCounter())
	acc := &domain.Account{ID: "a1", LimitPerMinute: 2, LimitBehavior: domain.LimitBehaviorDefer}

	// Two reservations should succeed (limit=2, nothing logged yet).
	_, reject1, err := rl.CheckAndPlan(context.Background(), acc)
	require.NoError(t, err)
	assert.False(t, reject1)

	_, reject2, err := rl.CheckAndPlan(context.Background(), acc)
	require.NoError(t, err)
	assert.False(t, reject2)

	// A third concurrent worker must be deferred: in-flight=2 already meets
	// the limit even though nothing has been logged to send_log yet.
	deferredUntil, _, err := rl.CheckAndPlan(context.Background(), acc)
	require.NoError(t, err)
	assert.NotNil(t, deferredUntil)
}

func TestReleaseSlot_FreesReservation(t *testing.T) {
	rl := New(newFakeSendCounter())
	acc := &domain.Account{ID: "a1", LimitPerMinute: 1, LimitBehavior: domain.LimitBehaviorDefer}

	_, _, err := rl.CheckAndPlan(context.Background(), acc)
	require.NoError(t, err)

	rl.ReleaseSlot("a1")

	_, reject, err := rl.CheckAndPlan(context.Background(), acc)
	require.NoError(t, err)
	assert.False(t, reject)
}

func TestLogSend_DecrementsInFlightAndAppendsLog(t *testing.T) {
	counter := newFakeSendCounter()
	rl := New(counter)
	acc := &domain.Account{ID: "a1", LimitPerMinute: 5}

	_, _, err := rl.CheckAndPlan(context.Background(), acc)
	require.NoError(t, err)

	require.NoError(t, rl.LogSend(context.Background(), "a1"))

	n, err := counter.CountSendsSince(context.Background(), "a1", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
