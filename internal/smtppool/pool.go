// Package smtppool caches configured SMTP dialers keyed by
// (host, port, user, password, use_tls), with per-worker affinity, TTL +
// liveness eviction, and the spec's exact TLS-mode decision: implicit TLS
// for use_tls&&port==465, STARTTLS for use_tls otherwise, plaintext when
// use_tls is false. Open connections are not kept between sends: each Send
// connects and authenticates afresh through the cached dialer.
package smtppool

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	mail "github.com/go-mail/mail/v2"

	"github.com/softwell/mailproxy-core/internal/domain"
	"github.com/softwell/mailproxy-core/internal/pkg/logger"
)

const (
	// DefaultConnectTimeout bounds an individual TCP+TLS dial.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultLoginBudget is a connect+auth budget; nothing in this package
	// applies it (see dial).
	DefaultLoginBudget = 15 * time.Second
	// DefaultSendTimeout bounds one SMTP send against a pooled connection.
	DefaultSendTimeout = 30 * time.Second
	// DefaultTTL is how long a pooled entry may go unused before eviction.
	DefaultTTL = 300 * time.Second
)

// key identifies a pooled connection's underlying endpoint+credentials.
type key struct {
	host     string
	port     int
	user     string
	password string
	useTLS   bool
}

func keyFor(a *domain.Account) key {
	return key{host: a.Host, port: a.Port, user: a.User, password: a.Password, useTLS: a.ResolvedUseTLS()}
}

type entry struct {
	key      key
	dialer   *mail.Dialer
	lastUsed time.Time
}

// Pool caches mail.Dialers keyed by worker identity (a goroutine/task
// token the caller owns), per spec §4.3's per-worker affinity design.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New constructs an empty pool.
func New() *Pool {
	return &Pool{entries: make(map[string]*entry)}
}

// Acquire implements the three-step acquisition protocol: reuse a fresh,
// matching, healthy entry for workerID; otherwise evict and redial.
func (p *Pool) Acquire(ctx context.Context, workerID string, account *domain.Account) (*mail.Dialer, error) {
	wantKey := keyFor(account)

	p.mu.Lock()
	existing, ok := p.entries[workerID]
	p.mu.Unlock()

	if ok && existing.key == wantKey && time.Since(existing.lastUsed) < ttlFor(account) {
		if probe(existing.dialer) {
			p.mu.Lock()
			existing.lastUsed = time.Now()
			p.mu.Unlock()
			return existing.dialer, nil
		}
	}

	if ok {
		p.mu.Lock()
		delete(p.entries, workerID)
		p.mu.Unlock()
	}

	dialer, err := dial(ctx, account, wantKey)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.entries[workerID] = &entry{key: wantKey, dialer: dialer, lastUsed: time.Now()}
	p.mu.Unlock()
	return dialer, nil
}

func ttlFor(account *domain.Account) time.Duration {
	if account.TTLSeconds <= 0 {
		return DefaultTTL
	}
	return time.Duration(account.TTLSeconds) * time.Second
}

// dial builds a *mail.Dialer configured per the spec's TLS-mode decision,
// with DefaultConnectTimeout as the dialer's per-dial timeout. go-mail's
// dialer performs the actual connect+auth lazily on Dial/DialAndSend; no
// separate connect+login budget is applied, so a send is bounded only by
// DefaultSendTimeout and the caller's ctx.
func dial(ctx context.Context, account *domain.Account, k key) (*mail.Dialer, error) {
	d := mail.NewDialer(account.Host, account.Port, account.User, account.Password)
	d.Timeout = DefaultConnectTimeout

	switch {
	case k.useTLS && account.Port == 465:
		d.SSL = true
		d.TLSConfig = &tls.Config{ServerName: account.Host}
	case k.useTLS:
		d.TLSConfig = &tls.Config{ServerName: account.Host}
		d.StartTLSPolicy = mail.MandatoryStartTLS
	}

	return d, nil
}

// probe is a cheap liveness check. go-mail/mail/v2's Dialer has no NOOP
// primitive on an idle connection, so liveness is inferred from a bounded
// reconnect: cheaper than risking a send attempt against a dead socket, at
// the cost of an extra connect+auth round trip on every cache hit within
// the TTL.
func probe(d *mail.Dialer) bool {
	closer, err := d.Dial()
	if err != nil {
		return false
	}
	_ = closer.Close()
	return true
}

// Send acquires a connection for workerID and sends msg, bounded by
// DefaultSendTimeout.
func (p *Pool) Send(ctx context.Context, workerID string, account *domain.Account, msg *mail.Message) error {
	dialer, err := p.Acquire(ctx, workerID, account)
	if err != nil {
		return fmt.Errorf("acquire smtp connection: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- dialer.DialAndSend(msg) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	case <-time.After(DefaultSendTimeout):
		return fmt.Errorf("smtp send: timed out after %s", DefaultSendTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cleanup evicts entries that are stale or fail a liveness probe. Callers
// run this periodically (spec's pool-cleanup background loop, every 150s).
func (p *Pool) Cleanup() {
	p.mu.Lock()
	snapshot := make(map[string]*entry, len(p.entries))
	for id, e := range p.entries {
		snapshot[id] = e
	}
	p.mu.Unlock()

	now := time.Now()
	for id, e := range snapshot {
		stale := now.Sub(e.lastUsed) > DefaultTTL
		if stale || !probe(e.dialer) {
			p.mu.Lock()
			if cur, ok := p.entries[id]; ok && cur == e {
				delete(p.entries, id)
			}
			p.mu.Unlock()
			logger.Debug("smtp pool evicted connection", "worker_id", id, "stale", stale)
		}
	}
}
