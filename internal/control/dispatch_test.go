package control

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softwell/mailproxy-core/internal/domain"
	"github.com/softwell/mailproxy-core/internal/store"
)

// fakeControllerStore implements store.Store's subset Controller touches;
// embedding a nil store.Store and overriding used methods would panic on
// anything unimplemented, so every method used by Controller is stubbed
// explicitly.
type fakeControllerStore struct {
	store.Store
	tenants  map[string]*domain.Tenant
	accounts map[string]*domain.Account
	messages map[uuid.UUID]*domain.Message
	nextPK   int
}

func newFakeControllerStore() *fakeControllerStore {
	return &fakeControllerStore{
		tenants:  make(map[string]*domain.Tenant),
		accounts: make(map[string]*domain.Account),
		messages: make(map[uuid.UUID]*domain.Message),
	}
}

func (f *fakeControllerStore) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	a, ok := f.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func (f *fakeControllerStore) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	t, ok := f.tenants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (f *fakeControllerStore) SuspendBatch(ctx context.Context, tenantID string, batchCode *string) error {
	t := f.tenants[tenantID]
	if batchCode == nil {
		all := "*"
		t.SuspendedBatches = &all
		return nil
	}
	if t.SuspendedBatches != nil && *t.SuspendedBatches == "*" {
		return nil
	}
	cur := ""
	if t.SuspendedBatches != nil {
		cur = *t.SuspendedBatches
	}
	if cur == "" {
		cur = *batchCode
	} else {
		cur = cur + "," + *batchCode
	}
	t.SuspendedBatches = &cur
	return nil
}

func (f *fakeControllerStore) ActivateBatch(ctx context.Context, tenantID string, batchCode *string) error {
	t := f.tenants[tenantID]
	if batchCode == nil {
		t.SuspendedBatches = nil
		return nil
	}
	if t.SuspendedBatches != nil && *t.SuspendedBatches == "*" {
		return store.ErrAlreadyFullySuspended
	}
	t.SuspendedBatches = nil
	return nil
}

func (f *fakeControllerStore) ListMessages(ctx context.Context, tenantID string, activeOnly bool) ([]*domain.Message, error) {
	return nil, nil
}

func (f *fakeControllerStore) InsertMessages(ctx context.Context, entries []*domain.Message, pecAccountIDs map[string]bool) ([]store.InsertResult, []store.RejectedEntry, error) {
	var out []store.InsertResult
	var rejected []store.RejectedEntry
	for _, e := range entries {
		alreadySent := false
		for _, existing := range f.messages {
			if existing.TenantID == e.TenantID && existing.ID == e.ID && existing.SMTPTS != nil {
				alreadySent = true
				break
			}
		}
		if alreadySent {
			rejected = append(rejected, store.RejectedEntry{ID: e.ID, Reason: "already sent"})
			continue
		}
		f.nextPK++
		pk := uuid.New()
		e.PK = pk
		f.messages[pk] = e
		out = append(out, store.InsertResult{ID: e.ID, PK: pk})
	}
	return out, rejected, nil
}

func (f *fakeControllerStore) MarkError(ctx context.Context, pk uuid.UUID, ts time.Time, reason string) error {
	if m, ok := f.messages[pk]; ok {
		m.SMTPTS = &ts
	}
	return nil
}

func TestDispatch_AddMessages_RejectsMissingFields(t *testing.T) {
	s := newFakeControllerStore()
	s.accounts["a1"] = &domain.Account{ID: "a1"}
	c := New(s, noopWaker{}, noopWaker{})

	result, err := c.Dispatch(context.Background(), AddMessages{
		TenantID: "t1",
		Messages: []MessageSubmission{
			{ID: "m1", AccountID: "a1", From: "s@x", To: []string{"d@x"}},
			{ID: "m2", From: "s@x", To: []string{"d@x"}}, // no account_id
			{From: "s@x", To: []string{"d@x"}},            // no id
		},
	})
	require.NoError(t, err)

	resp := result.(map[string]any)
	assert.Equal(t, 1, resp["queued"])
	rejected := resp["rejected"].([]RejectedMessage)
	require.Len(t, rejected, 2)
}

func TestDispatch_AddMessages_AccountlessRejectionsReturnGracefully(t *testing.T) {
	s := newFakeControllerStore()
	c := New(s, noopWaker{}, noopWaker{})

	result, err := c.Dispatch(context.Background(), AddMessages{
		TenantID: "t1",
		Messages: []MessageSubmission{
			{ID: "m1", From: "s@x", To: []string{"d@x"}},                    // missing account_id
			{ID: "m2", AccountID: "nope", From: "s@x", To: []string{"d@x"}}, // unknown account_id
		},
	})
	require.NoError(t, err)

	resp := result.(map[string]any)
	assert.Equal(t, 0, resp["queued"])
	rejected := resp["rejected"].([]RejectedMessage)
	require.Len(t, rejected, 2)
	assert.Equal(t, "missing account configuration", rejected[0].Reason)
	assert.Equal(t, "account not found", rejected[1].Reason)
	assert.Empty(t, s.messages, "account-less rejections must never be persisted, no FK-valid account to insert against")
}

func TestDispatch_AddMessages_AlreadySentSurfacesRejection(t *testing.T) {
	s := newFakeControllerStore()
	s.accounts["a1"] = &domain.Account{ID: "a1"}
	sentTS := time.Now()
	s.messages[uuid.New()] = &domain.Message{TenantID: "t1", ID: "m1", AccountID: "a1", SMTPTS: &sentTS}
	c := New(s, noopWaker{}, noopWaker{})

	result, err := c.Dispatch(context.Background(), AddMessages{
		TenantID: "t1",
		Messages: []MessageSubmission{
			{ID: "m1", AccountID: "a1", From: "s@x", To: []string{"d@x"}},
		},
	})
	require.NoError(t, err)

	resp := result.(map[string]any)
	assert.Equal(t, 0, resp["queued"])
	rejected := resp["rejected"].([]RejectedMessage)
	require.Len(t, rejected, 1)
	assert.Equal(t, "m1", rejected[0].ID)
	assert.Equal(t, "already sent", rejected[0].Reason)
}

func TestDispatch_SuspendThenActivate(t *testing.T) {
	s := newFakeControllerStore()
	s.tenants["t1"] = &domain.Tenant{ID: "t1"}
	c := New(s, noopWaker{}, noopWaker{})

	_, err := c.Dispatch(context.Background(), Suspend{TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "*", *s.tenants["t1"].SuspendedBatches)

	_, err = c.Dispatch(context.Background(), Activate{TenantID: "t1"})
	require.NoError(t, err)
	assert.Nil(t, s.tenants["t1"].SuspendedBatches)
}

func TestDispatch_RunNow_WakesBothLoops(t *testing.T) {
	s := newFakeControllerStore()
	dispatch := &countingWaker{}
	report := &countingWaker{}
	c := New(s, dispatch, report)

	_, err := c.Dispatch(context.Background(), RunNow{})
	require.NoError(t, err)
	assert.Equal(t, 1, dispatch.count)
	assert.Equal(t, 1, report.count)
}

type noopWaker struct{}

func (noopWaker) Wake() {}

type countingWaker struct{ count int }

func (w *countingWaker) Wake() { w.count++ }
