// Package ratelimiter implements a per-account sliding-window admission
// control layered over the persisted send log, augmented by an in-process
// in-flight counter so concurrently-executing dispatch workers for the same
// account cannot all pass the check before any of them has logged a send.
//
// The in-flight counter is explicitly process-local (see SPEC_FULL.md §9):
// a multi-replica deployment must either run one active Dispatcher loop at
// a time (internal/pkg/distlock) or size per-replica limits as a fraction
// of the intended total.
package ratelimiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/softwell/mailproxy-core/internal/domain"
	"github.com/softwell/mailproxy-core/internal/pkg/logger"
)

// SendCounter is the subset of store.Store the limiter needs, so tests can
// supply a fake without pulling in the postgres package.
type SendCounter interface {
	CountSendsSince(ctx context.Context, accountID string, since time.Time) (int, error)
	LogSend(ctx context.Context, accountID string, ts time.Time) error
}

// window pairs a duration with the configured limit for that granularity.
type window struct {
	duration time.Duration
	limit    int
}

// RateLimiter is safe for concurrent use; the lock it holds is scoped only
// to counting and incrementing the in-flight gauge, never across SMTP I/O.
type RateLimiter struct {
	store SendCounter

	mu       sync.Mutex
	inFlight map[string]int
}

// New wires a RateLimiter against a Store (or a fake satisfying
// SendCounter for tests).
func New(store SendCounter) *RateLimiter {
	return &RateLimiter{
		store:    store,
		inFlight: make(map[string]int),
	}
}

// CheckAndPlan implements the three-step check_and_plan contract: no
// configured limits short-circuits to (nil, false) without reserving;
// otherwise each window (minute, hour, day, in that order) is checked in
// turn and the first exceeded limit wins; if nothing is exceeded the
// in-flight counter is incremented and the caller must subsequently call
// LogSend or ReleaseSlot exactly once.
func (r *RateLimiter) CheckAndPlan(ctx context.Context, account *domain.Account) (deferredUntil *time.Time, shouldReject bool, err error) {
	windows := windowsFor(account)
	if len(windows) == 0 {
		return nil, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	inFlight := r.inFlight[account.ID]

	for _, w := range windows {
		since := now.Add(-w.duration)
		count, cerr := r.store.CountSendsSince(ctx, account.ID, since)
		if cerr != nil {
			return nil, false, fmt.Errorf("count sends since for rate limit: %w", cerr)
		}
		if count+inFlight >= w.limit {
			boundary := nextWindowBoundary(now, w.duration)
			logger.Debug("rate limit hit", "account_id", account.ID, "window_seconds", int(w.duration.Seconds()), "count", count, "in_flight", inFlight, "limit", w.limit)
			return &boundary, account.LimitBehavior == domain.LimitBehaviorReject, nil
		}
	}

	r.inFlight[account.ID] = inFlight + 1
	return nil, false, nil
}

// LogSend must be called after a successful send: it decrements the
// in-flight counter and appends a send_log row.
func (r *RateLimiter) LogSend(ctx context.Context, accountID string) error {
	r.release(accountID)
	if err := r.store.LogSend(ctx, accountID, time.Now()); err != nil {
		return fmt.Errorf("log send: %w", err)
	}
	return nil
}

// ReleaseSlot must be called when a reserved slot was not used (the send
// never happened, e.g. it was deferred or errored before attempting SMTP).
// It decrements the in-flight counter only.
func (r *RateLimiter) ReleaseSlot(accountID string) {
	r.release(accountID)
}

func (r *RateLimiter) release(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := r.inFlight[accountID]; n > 0 {
		r.inFlight[accountID] = n - 1
	}
	if r.inFlight[accountID] == 0 {
		delete(r.inFlight, accountID)
	}
}

func windowsFor(account *domain.Account) []window {
	var out []window
	if account.LimitPerMinute > 0 {
		out = append(out, window{time.Minute, account.LimitPerMinute})
	}
	if account.LimitPerHour > 0 {
		out = append(out, window{time.Hour, account.LimitPerHour})
	}
	if account.LimitPerDay > 0 {
		out = append(out, window{24 * time.Hour, account.LimitPerDay})
	}
	return out
}

// nextWindowBoundary computes ((now // W) + 1) * W in wall-clock terms.
func nextWindowBoundary(now time.Time, w time.Duration) time.Time {
	sec := now.Unix()
	width := int64(w.Seconds())
	boundary := (sec/width + 1) * width
	return time.Unix(boundary, 0)
}
