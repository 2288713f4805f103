package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/softwell/mailproxy-core/internal/domain"
)

// InsertResult is returned per accepted entry by InsertMessages.
type InsertResult struct {
	ID string
	PK uuid.UUID
}

// RejectedEntry is returned per entry InsertMessages declined to persist.
// Store does no admission validation of its own (callers may still hand it
// entries they rejected, to persist them as error rows); Store-level
// rejection covers only the already-sent replace case.
type RejectedEntry struct {
	ID     string
	Reason string
}

// DeleteResult reports the outcome of DeleteMessages.
type DeleteResult struct {
	Removed      []string
	NotFound     []string
	Unauthorized []string
}

// UnreportedEvent pairs a MessageEvent with the tenant that owns it, so
// Reporter can group without a second lookup.
type UnreportedEvent struct {
	domain.MessageEvent
	TenantID  string
	MessageID string // client-visible id, for payload construction
}

// Store is the durable, single-writer state contract. All operations are
// either fully applied and committed, or have no observable effect —
// implementations must never leave partial state visible to readers.
type Store interface {
	// InsertMessages atomically inserts-or-replaces each entry: if
	// (tenant_id, id) is new, INSERT with a fresh pk; if it exists and its
	// smtp_ts is null, UPDATE payload/priority/deferred_ts and reuse pk; if
	// it exists and smtp_ts is set, it's reported back as a RejectedEntry
	// ("already sent") rather than silently dropped. Sets IsPEC iff
	// AccountID is in pecAccountIDs.
	InsertMessages(ctx context.Context, entries []*domain.Message, pecAccountIDs map[string]bool) ([]InsertResult, []RejectedEntry, error)

	// FetchReadyMessages returns ready messages ordered by
	// priority ASC, created_at ASC, pk ASC. A message is excluded if
	// smtp_ts is set, deferred_ts > nowTS, or its tenant's suspension
	// rules block its batch_code. Reads must not block writers.
	FetchReadyMessages(ctx context.Context, limit int, nowTS time.Time) ([]*domain.Message, error)

	// MarkSent sets smtp_ts=ts, clears deferred_ts, and appends a `sent`
	// event, all in one transaction.
	MarkSent(ctx context.Context, pk uuid.UUID, ts time.Time) error

	// MarkError sets smtp_ts=ts, clears deferred_ts, and appends an
	// `error` event carrying reason, all in one transaction.
	MarkError(ctx context.Context, pk uuid.UUID, ts time.Time, reason string) error

	// SetDeferred sets deferred_ts, leaves smtp_ts null, and appends a
	// `deferred` event carrying reason.
	SetDeferred(ctx context.Context, pk uuid.UUID, deferredTS time.Time, reason string) error

	// UpdateMessagePayload persists transient payload fields (retry_count
	// and similar) across attempts without touching smtp_ts/deferred_ts.
	UpdateMessagePayload(ctx context.Context, pk uuid.UUID, payload domain.Payload) error

	// FetchUnreportedEvents returns events with reported_ts is null,
	// ordered by event_ts ASC, event_id ASC, with TenantID/MessageID
	// projected for routing.
	FetchUnreportedEvents(ctx context.Context, limit int) ([]UnreportedEvent, error)

	// MarkEventsReported is a bulk, idempotent update.
	MarkEventsReported(ctx context.Context, eventIDs []int64, ts time.Time) error

	// RemoveReportedBefore deletes every message whose smtp_ts is set, has
	// at least one event, and every event has reported_ts <= threshold.
	// Deletes cascade to events. Returns the count of deleted messages.
	RemoveReportedBefore(ctx context.Context, threshold time.Time) (int, error)

	// SuspendBatch sets the tenant's suspension. A nil batchCode sets
	// suspended_batches = "*" (overrides any list); a non-nil batchCode
	// adds it to the comma-set (idempotent), or is a no-op if already "*".
	SuspendBatch(ctx context.Context, tenantID string, batchCode *string) error

	// ActivateBatch is the reverse of SuspendBatch. Removing a single
	// batch from "*" is rejected with ErrAlreadyFullySuspended.
	ActivateBatch(ctx context.Context, tenantID string, batchCode *string) error

	// CountSendsSince counts send_log rows for accountID with
	// timestamp >= since. Used by RateLimiter's sliding window.
	CountSendsSince(ctx context.Context, accountID string, since time.Time) (int, error)

	// LogSend appends a send_log row. Called by RateLimiter.log_send after
	// a successful SMTP send.
	LogSend(ctx context.Context, accountID string, ts time.Time) error

	// GetAccount resolves an account by id, or ErrNotFound.
	GetAccount(ctx context.Context, accountID string) (*domain.Account, error)

	// GetTenant resolves a tenant by id, or ErrNotFound.
	GetTenant(ctx context.Context, tenantID string) (*domain.Tenant, error)
	ListTenants(ctx context.Context) ([]*domain.Tenant, error)
	AddTenant(ctx context.Context, t *domain.Tenant) error
	UpdateTenant(ctx context.Context, t *domain.Tenant) error
	DeleteTenant(ctx context.Context, tenantID string) error

	AddAccount(ctx context.Context, a *domain.Account) error
	ListAccounts(ctx context.Context, tenantID string) ([]*domain.Account, error)
	// DeleteAccount cascades to the account's messages and send_log rows.
	DeleteAccount(ctx context.Context, accountID string) error

	// DeleteMessages removes ids owned by tenantID; ids owned by a
	// different tenant are reported in Unauthorized, not removed.
	DeleteMessages(ctx context.Context, tenantID string, ids []string) (DeleteResult, error)

	// ListMessages lists tenantID's messages, optionally only pending
	// ones. Event data, including the latest `error` event's description,
	// is not included.
	ListMessages(ctx context.Context, tenantID string, activeOnly bool) ([]*domain.Message, error)

	// CleanupMessages removes tenantID's terminal messages whose smtp_ts is
	// older than olderThan (nil = 7 days), whether or not their events have
	// been reported.
	CleanupMessages(ctx context.Context, tenantID string, olderThan *time.Duration) (int, error)

	GetInstance(ctx context.Context) (*domain.Instance, error)
	UpdateInstance(ctx context.Context, inst *domain.Instance) error
}
