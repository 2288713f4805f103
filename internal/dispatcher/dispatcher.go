// Package dispatcher implements the main dispatch loop: fetch ready
// messages, apply admission control, build MIME, hand off to the SMTP
// pool, record outcome events, and schedule retries.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	gomail "github.com/go-mail/mail/v2"
	"github.com/google/uuid"

	"github.com/softwell/mailproxy-core/internal/attachment"
	"github.com/softwell/mailproxy-core/internal/domain"
	"github.com/softwell/mailproxy-core/internal/pkg/logger"
)

// Store is the subset of store.Store the Dispatcher depends on.
type Store interface {
	FetchReadyMessages(ctx context.Context, limit int, nowTS time.Time) ([]*domain.Message, error)
	MarkSent(ctx context.Context, pk uuid.UUID, ts time.Time) error
	MarkError(ctx context.Context, pk uuid.UUID, ts time.Time, reason string) error
	SetDeferred(ctx context.Context, pk uuid.UUID, deferredTS time.Time, reason string) error
	UpdateMessagePayload(ctx context.Context, pk uuid.UUID, payload domain.Payload) error
	GetAccount(ctx context.Context, accountID string) (*domain.Account, error)
}

// RateLimiter is the subset of ratelimiter.RateLimiter the Dispatcher uses.
type RateLimiter interface {
	CheckAndPlan(ctx context.Context, account *domain.Account) (deferredUntil *time.Time, shouldReject bool, err error)
	LogSend(ctx context.Context, accountID string) error
	ReleaseSlot(accountID string)
}

// Pool is the subset of smtppool.Pool the Dispatcher uses, abstracted so
// tests can substitute a fake that never opens a real socket.
type Pool interface {
	Send(ctx context.Context, workerID string, account *domain.Account, msg *gomail.Message) error
}

// Dispatcher runs the main send loop described in spec §4.5.
type Dispatcher struct {
	store       Store
	rateLimiter RateLimiter
	pool        Pool
	attachments *attachment.Resolver
	cfg         Config

	wake chan struct{}

	statsMu                         sync.Mutex
	sent, errored, deferred, cycles uint64
}

// New constructs a Dispatcher. cfg's zero fields are replaced by defaults.
func New(store Store, rl RateLimiter, pool Pool, attachments *attachment.Resolver, cfg Config) *Dispatcher {
	return &Dispatcher{
		store:       store,
		rateLimiter: rl,
		pool:        pool,
		attachments: attachments,
		cfg:         cfg.withDefaults(),
		wake:        make(chan struct{}, 1),
	}
}

// Wake signals the dispatch loop to run a cycle immediately, used by the
// control API's "run now" command and by the dispatcher itself after a
// successful send (cascading wake to drain anything newly ready).
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run executes the dispatch loop until ctx is cancelled. It blocks the
// caller; run it in its own goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		processed, err := d.processCycle(ctx)
		if err != nil {
			logger.Error("dispatch cycle failed", "error", err.Error())
		}
		if ctx.Err() != nil {
			return
		}
		if processed {
			continue
		}
		if d.cfg.SendLoopInterval <= 0 {
			select {
			case <-d.wake:
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case <-d.wake:
		case <-time.After(d.cfg.SendLoopInterval):
		case <-ctx.Done():
			return
		}
	}
}

// RunCycle runs a single dispatch cycle and reports whether any message
// was fetched. It wraps processCycle for callers outside the package; the
// control API's "run now" uses Wake instead, and the tests call
// processCycle directly.
func (d *Dispatcher) RunCycle(ctx context.Context) (bool, error) {
	return d.processCycle(ctx)
}

// processCycle runs one iteration of _process_smtp_cycle. It returns true
// iff at least one message was fetched (regardless of outcome), matching
// the spec's "return false only on an empty fetch" contract.
func (d *Dispatcher) processCycle(ctx context.Context) (bool, error) {
	d.statsMu.Lock()
	d.cycles++
	d.statsMu.Unlock()

	messages, err := d.store.FetchReadyMessages(ctx, d.cfg.BatchSize, time.Now())
	if err != nil {
		return false, fmt.Errorf("fetch ready messages: %w", err)
	}
	if len(messages) == 0 {
		return false, nil
	}

	grouped := groupByAccount(messages)

	globalSem := make(chan struct{}, d.cfg.MaxConcurrentSends)
	var wg sync.WaitGroup
	var anySent bool
	var mu sync.Mutex

	for accountID, msgs := range grouped {
		limit := d.cfg.DefaultAccountBatchSize
		if account, err := d.store.GetAccount(ctx, accountID); err == nil && account.BatchSize > 0 {
			limit = account.BatchSize
		}
		if len(msgs) > limit {
			msgs = msgs[:limit] // defer the rest to the next cycle, rows untouched
		}

		perAccountSem := make(chan struct{}, d.cfg.MaxConcurrentPerAccount)
		for _, msg := range msgs {
			wg.Add(1)
			go func(msg *domain.Message) {
				defer wg.Done()

				globalSem <- struct{}{}
				defer func() { <-globalSem }()
				perAccountSem <- struct{}{}
				defer func() { <-perAccountSem }()

				if d.dispatchMessage(ctx, msg) == outcomeSent {
					mu.Lock()
					anySent = true
					mu.Unlock()
				}
			}(msg)
		}
	}

	wg.Wait()
	if anySent {
		d.Wake()
	}
	return true, nil
}

type dispatchOutcome int

const (
	outcomeSent dispatchOutcome = iota
	outcomeDeferred
	outcomeError
)

// dispatchMessage implements _dispatch_message for one message.
func (d *Dispatcher) dispatchMessage(ctx context.Context, msg *domain.Message) dispatchOutcome {
	now := time.Now()

	if msg.AccountID == "" {
		d.recordError(ctx, msg, now, "missing_account_configuration")
		return outcomeError
	}

	account, err := d.store.GetAccount(ctx, msg.AccountID)
	if err != nil {
		d.recordError(ctx, msg, now, "missing_account_configuration")
		return outcomeError
	}

	deferredUntil, shouldReject, err := d.rateLimiter.CheckAndPlan(ctx, account)
	if err != nil {
		logger.Error("rate limiter check failed", "account_id", msg.AccountID, "error", err.Error())
		d.recordError(ctx, msg, now, "rate_limiter_error")
		return outcomeError
	}
	if deferredUntil != nil {
		if shouldReject {
			d.recordError(ctx, msg, now, "rate_limit_exceeded")
			return outcomeError
		}
		if err := d.store.SetDeferred(ctx, msg.PK, *deferredUntil, "rate_limit"); err != nil {
			logger.Error("set deferred failed", "pk", msg.PK.String(), "error", err.Error())
		}
		d.statsMu.Lock()
		d.deferred++
		d.statsMu.Unlock()
		return outcomeDeferred
	}

	mimeMsg, err := buildMIME(ctx, d.attachments, msg)
	if err != nil {
		d.rateLimiter.ReleaseSlot(msg.AccountID)
		d.recordError(ctx, msg, now, fmt.Sprintf("attachment fetch failed: %s", err))
		return outcomeError
	}

	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = d.pool.Send(sendCtx, "worker", account, mimeMsg)
	cancel()

	if err == nil {
		if markErr := d.store.MarkSent(ctx, msg.PK, time.Now()); markErr != nil {
			logger.Error("mark sent failed", "pk", msg.PK.String(), "error", markErr.Error())
		}
		if logErr := d.rateLimiter.LogSend(ctx, msg.AccountID); logErr != nil {
			logger.Error("log send failed", "account_id", msg.AccountID, "error", logErr.Error())
		}
		d.statsMu.Lock()
		d.sent++
		d.statsMu.Unlock()
		return outcomeSent
	}

	kind, reason := classify(err)
	if kind == kindTemporary && msg.Payload.RetryCount < d.cfg.MaxRetries {
		delay := d.cfg.retryDelay(msg.Payload.RetryCount)
		msg.Payload.RetryCount++
		if updErr := d.store.UpdateMessagePayload(ctx, msg.PK, msg.Payload); updErr != nil {
			logger.Error("update payload failed", "pk", msg.PK.String(), "error", updErr.Error())
		}
		if setErr := d.store.SetDeferred(ctx, msg.PK, time.Now().Add(delay), reason); setErr != nil {
			logger.Error("set deferred failed", "pk", msg.PK.String(), "error", setErr.Error())
		}
		d.rateLimiter.ReleaseSlot(msg.AccountID)
		d.statsMu.Lock()
		d.deferred++
		d.statsMu.Unlock()
		return outcomeDeferred
	}

	finalReason := reason
	if kind == kindTemporary {
		finalReason = fmt.Sprintf("Max retries (%d) exceeded: %s", d.cfg.MaxRetries, reason)
	}
	d.rateLimiter.ReleaseSlot(msg.AccountID)
	d.recordError(ctx, msg, time.Now(), finalReason)
	return outcomeError
}

func (d *Dispatcher) recordError(ctx context.Context, msg *domain.Message, ts time.Time, reason string) {
	if err := d.store.MarkError(ctx, msg.PK, ts, reason); err != nil {
		logger.Error("mark error failed", "pk", msg.PK.String(), "error", err.Error())
	}
	d.statsMu.Lock()
	d.errored++
	d.statsMu.Unlock()
}

func groupByAccount(messages []*domain.Message) map[string][]*domain.Message {
	grouped := make(map[string][]*domain.Message)
	for _, m := range messages {
		grouped[m.AccountID] = append(grouped[m.AccountID], m)
	}
	return grouped
}
