package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	gomail "github.com/go-mail/mail/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softwell/mailproxy-core/internal/attachment"
	"github.com/softwell/mailproxy-core/internal/domain"
)

// fakeStore is a minimal in-memory Store double covering exactly what
// Dispatcher calls, mirroring the scenario seeds in spec §8.
type fakeStore struct {
	mu       sync.Mutex
	messages map[uuid.UUID]*domain.Message
	accounts map[string]*domain.Account
	events   []fakeEvent
}

type fakeEvent struct {
	pk     uuid.UUID
	typ    string
	reason string
	ts     time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		messages: make(map[uuid.UUID]*domain.Message),
		accounts: make(map[string]*domain.Account),
	}
}

func (f *fakeStore) FetchReadyMessages(ctx context.Context, limit int, nowTS time.Time) ([]*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Message
	for _, m := range f.messages {
		if m.Ready(nowTS) {
			out = append(out, m)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) MarkSent(ctx context.Context, pk uuid.UUID, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[pk].SMTPTS = &ts
	f.events = append(f.events, fakeEvent{pk: pk, typ: "sent", ts: ts})
	return nil
}

func (f *fakeStore) MarkError(ctx context.Context, pk uuid.UUID, ts time.Time, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[pk].SMTPTS = &ts
	f.events = append(f.events, fakeEvent{pk: pk, typ: "error", reason: reason, ts: ts})
	return nil
}

func (f *fakeStore) SetDeferred(ctx context.Context, pk uuid.UUID, deferredTS time.Time, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[pk].DeferredTS = &deferredTS
	f.events = append(f.events, fakeEvent{pk: pk, typ: "deferred", reason: reason, ts: deferredTS})
	return nil
}

func (f *fakeStore) UpdateMessagePayload(ctx context.Context, pk uuid.UUID, payload domain.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[pk].Payload = payload
	return nil
}

func (f *fakeStore) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[accountID]
	if !ok {
		return nil, errors.New("not found")
	}
	return a, nil
}

type noopRateLimiter struct{}

func (noopRateLimiter) CheckAndPlan(ctx context.Context, account *domain.Account) (*time.Time, bool, error) {
	return nil, false, nil
}
func (noopRateLimiter) LogSend(ctx context.Context, accountID string) error { return nil }
func (noopRateLimiter) ReleaseSlot(accountID string)                       {}

type fakePool struct {
	sendErr error
	sent    int
	mu      sync.Mutex
}

func (p *fakePool) Send(ctx context.Context, workerID string, account *domain.Account, msg *gomail.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr == nil {
		p.sent++
	}
	return p.sendErr
}

func newTestMessage(id, accountID string) *domain.Message {
	return &domain.Message{
		PK:        uuid.New(),
		TenantID:  "t1",
		ID:        id,
		AccountID: accountID,
		Payload: domain.Payload{
			From: "s@x.test", To: []string{"d@x.test"}, Subject: "hi", Body: "hello",
			ContentType: domain.ContentPlain,
		},
	}
}

func TestDispatchMessage_HappyPath(t *testing.T) {
	store := newFakeStore()
	store.accounts["a1"] = &domain.Account{ID: "a1", Host: "smtp.local", Port: 25}
	msg := newTestMessage("m1", "a1")
	store.messages[msg.PK] = msg

	pool := &fakePool{}
	d := New(store, noopRateLimiter{}, pool, attachment.New(t.TempDir()), Config{})

	outcome := d.dispatchMessage(context.Background(), msg)
	assert.Equal(t, outcomeSent, outcome)
	assert.NotNil(t, msg.SMTPTS)
	require.Len(t, store.events, 1)
	assert.Equal(t, "sent", store.events[0].typ)
}

func TestDispatchMessage_TemporaryErrorDefersWithBackoff(t *testing.T) {
	store := newFakeStore()
	store.accounts["a1"] = &domain.Account{ID: "a1", Host: "smtp.local", Port: 25}
	msg := newTestMessage("m1", "a1")
	store.messages[msg.PK] = msg

	pool := &fakePool{sendErr: errors.New("connection timeout")}
	d := New(store, noopRateLimiter{}, pool, attachment.New(t.TempDir()), Config{})

	outcome := d.dispatchMessage(context.Background(), msg)
	assert.Equal(t, outcomeDeferred, outcome)
	assert.Nil(t, msg.SMTPTS)
	assert.Equal(t, 1, msg.Payload.RetryCount)
	require.Len(t, store.events, 1)
	assert.Equal(t, "deferred", store.events[0].typ)
}

func TestDispatchMessage_PermanentErrorMarksErrorImmediately(t *testing.T) {
	store := newFakeStore()
	store.accounts["a1"] = &domain.Account{ID: "a1", Host: "smtp.local", Port: 25}
	msg := newTestMessage("m1", "a1")
	store.messages[msg.PK] = msg

	pool := &fakePool{sendErr: errors.New("550 mailbox unavailable")}
	d := New(store, noopRateLimiter{}, pool, attachment.New(t.TempDir()), Config{})

	outcome := d.dispatchMessage(context.Background(), msg)
	assert.Equal(t, outcomeError, outcome)
	require.Len(t, store.events, 1)
	assert.Equal(t, "error", store.events[0].typ)
	assert.Equal(t, 0, msg.Payload.RetryCount)
}

func TestDispatchMessage_RetriesExhaustedBecomesError(t *testing.T) {
	store := newFakeStore()
	store.accounts["a1"] = &domain.Account{ID: "a1", Host: "smtp.local", Port: 25}
	msg := newTestMessage("m1", "a1")
	msg.Payload.RetryCount = 5
	store.messages[msg.PK] = msg

	pool := &fakePool{sendErr: errors.New("timeout")}
	d := New(store, noopRateLimiter{}, pool, attachment.New(t.TempDir()), Config{MaxRetries: 5})

	outcome := d.dispatchMessage(context.Background(), msg)
	assert.Equal(t, outcomeError, outcome)
	require.Len(t, store.events, 1)
	assert.Contains(t, store.events[0].reason, "Max retries")
}

func TestDispatchMessage_MissingAccountIsPermanentError(t *testing.T) {
	store := newFakeStore()
	msg := newTestMessage("m1", "")
	store.messages[msg.PK] = msg

	d := New(store, noopRateLimiter{}, &fakePool{}, attachment.New(t.TempDir()), Config{})

	outcome := d.dispatchMessage(context.Background(), msg)
	assert.Equal(t, outcomeError, outcome)
	assert.Equal(t, "missing_account_configuration", store.events[0].reason)
}

func TestProcessCycle_EmptyFetchReturnsFalse(t *testing.T) {
	store := newFakeStore()
	d := New(store, noopRateLimiter{}, &fakePool{}, attachment.New(t.TempDir()), Config{})

	processed, err := d.processCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestProcessCycle_DispatchesReadyMessages(t *testing.T) {
	store := newFakeStore()
	store.accounts["a1"] = &domain.Account{ID: "a1", Host: "smtp.local", Port: 25}
	msg := newTestMessage("m1", "a1")
	store.messages[msg.PK] = msg

	pool := &fakePool{}
	d := New(store, noopRateLimiter{}, pool, attachment.New(t.TempDir()), Config{})

	processed, err := d.processCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, 1, pool.sent)
}
