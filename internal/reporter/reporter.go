// Package reporter drains MessageEvent rows to tenant HTTP callbacks with
// at-least-once delivery semantics, idempotence enforced by the tenant.
package reporter

import (
	"context"
	"fmt"
	"time"

	"github.com/softwell/mailproxy-core/internal/domain"
	"github.com/softwell/mailproxy-core/internal/pkg/httpretry"
	"github.com/softwell/mailproxy-core/internal/pkg/logger"
	"github.com/softwell/mailproxy-core/internal/store"
)

// Store is the subset of store.Store the Reporter depends on.
type Store interface {
	FetchUnreportedEvents(ctx context.Context, limit int) ([]store.UnreportedEvent, error)
	MarkEventsReported(ctx context.Context, eventIDs []int64, ts time.Time) error
	RemoveReportedBefore(ctx context.Context, threshold time.Time) (int, error)
	GetTenant(ctx context.Context, tenantID string) (*domain.Tenant, error)
	ListTenants(ctx context.Context) ([]*domain.Tenant, error)
}

// Reporter runs the event-report loop described in spec §4.6.
type Reporter struct {
	store      Store
	httpClient *httpretry.RetryClient
	cfg        Config

	wake chan struct{}
}

// New constructs a Reporter. A zero BatchSize, DefaultSyncPath or
// CallbackTimeout in cfg is replaced by its default; FallbackInterval and
// RetentionPeriod keep their values (see Config). The callback HTTP client is built with maxRetries=0: a non-2xx or
// network error must not be retried within the same cycle (spec §4.6) —
// the next report cycle is the retry mechanism, not httpretry's backoff.
func New(s Store, cfg Config) *Reporter {
	return &Reporter{
		store:      s,
		httpClient: httpretry.NewRetryClient(nil, 0),
		cfg:        cfg.withDefaults(),
		wake:       make(chan struct{}, 1),
	}
}

// Wake signals the reporter loop to run a cycle immediately. The control
// API's run-now command calls it. The Dispatcher does not: events it records
// are reported on the next cycle, after FallbackInterval or the next wake.
func (r *Reporter) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run executes the reporter loop until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	for {
		queued, err := r.RunCycle(ctx, "")
		if err != nil {
			logger.Error("report cycle failed", "error", err.Error())
		}
		if ctx.Err() != nil {
			return
		}
		if queued > 0 {
			continue
		}
		if r.cfg.FallbackInterval <= 0 {
			select {
			case <-r.wake:
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case <-r.wake:
		case <-time.After(r.cfg.FallbackInterval):
		case <-ctx.Done():
			return
		}
	}
}

// RunCycle runs one iteration of _process_client_cycle. runNowTenantID, if
// non-empty, scopes the empty-batch ping to just that tenant; otherwise an
// empty batch pings every active tenant with a sync URL, plus the global
// URL if configured. Run always passes an empty runNowTenantID.
func (r *Reporter) RunCycle(ctx context.Context, runNowTenantID string) (int, error) {
	events, err := r.store.FetchUnreportedEvents(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch unreported events: %w", err)
	}

	if len(events) == 0 {
		queued := r.pingTenants(ctx, runNowTenantID)
		if err := r.applyRetention(ctx); err != nil {
			logger.Error("retention failed", "error", err.Error())
		}
		return queued, nil
	}

	grouped, excluded := groupByTenant(events, r.cfg.ReportDeferred)

	// Events excluded from tenant-facing reports by policy (deferred, by
	// default) are still acknowledged here so retention is never blocked
	// on an event the tenant was never meant to see (I4/P7).
	acked := append([]int64(nil), excluded...)
	totalQueued := 0

	for tenantID, group := range grouped {
		tenant, err := r.store.GetTenant(ctx, tenantID)
		if err != nil {
			logger.Error("unknown tenant for unreported events, skipping", "tenant_id", tenantID)
			continue
		}

		url := syncURL(tenant, r.cfg.DefaultSyncPath, r.cfg.GlobalSyncURL)
		if url == "" {
			logger.Warn("tenant has no sync url configured, events remain unreported", "tenant_id", tenantID)
			continue
		}

		payloads := make([]map[string]any, len(group))
		ids := make([]int64, len(group))
		for i, ev := range group {
			payloads[i] = eventPayload(ev)
			ids[i] = ev.EventID
		}

		callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallbackTimeout)
		resp, err := r.postReport(callCtx, url, tenant.ClientAuth, payloads)
		cancel()
		if err != nil {
			logger.Warn("tenant callback failed, will retry next cycle", "tenant_id", tenantID, "error", err.Error())
			continue
		}

		acked = append(acked, ids...)
		totalQueued += resp.Queued
	}

	if len(acked) > 0 {
		if err := r.store.MarkEventsReported(ctx, acked, time.Now()); err != nil {
			return totalQueued, fmt.Errorf("mark events reported: %w", err)
		}
	}

	if err := r.applyRetention(ctx); err != nil {
		logger.Error("retention failed", "error", err.Error())
	}

	return totalQueued, nil
}

// pingTenants implements the empty-batch "push new messages back" sweep.
func (r *Reporter) pingTenants(ctx context.Context, runNowTenantID string) int {
	if runNowTenantID != "" {
		tenant, err := r.store.GetTenant(ctx, runNowTenantID)
		if err != nil {
			return 0
		}
		return r.pingOne(ctx, tenant)
	}

	tenants, err := r.store.ListTenants(ctx)
	if err != nil {
		logger.Error("list tenants for ping sweep failed", "error", err.Error())
		return 0
	}

	total := 0
	pingedGlobal := false
	for _, tenant := range tenants {
		if !tenant.Active {
			continue
		}
		if tenant.ClientBaseURL == "" {
			pingedGlobal = true
		}
		total += r.pingOne(ctx, tenant)
	}
	if r.cfg.GlobalSyncURL != "" && !pingedGlobal {
		total += r.pingOne(ctx, &domain.Tenant{})
	}
	return total
}

func (r *Reporter) pingOne(ctx context.Context, tenant *domain.Tenant) int {
	url := syncURL(tenant, r.cfg.DefaultSyncPath, r.cfg.GlobalSyncURL)
	if url == "" {
		return 0
	}
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallbackTimeout)
	defer cancel()
	resp, err := r.postReport(callCtx, url, tenant.ClientAuth, []map[string]any{})
	if err != nil {
		return 0
	}
	return resp.Queued
}

func (r *Reporter) applyRetention(ctx context.Context) error {
	if r.cfg.RetentionPeriod <= 0 {
		return nil
	}
	threshold := time.Now().Add(-r.cfg.RetentionPeriod)
	_, err := r.store.RemoveReportedBefore(ctx, threshold)
	return err
}

// groupByTenant splits events into per-tenant groups destined for the
// tenant callback, and a separate list of event IDs excluded from
// tenant-facing reports by policy (not by delivery failure).
func groupByTenant(events []store.UnreportedEvent, reportDeferred bool) (map[string][]store.UnreportedEvent, []int64) {
	grouped := make(map[string][]store.UnreportedEvent)
	var excluded []int64
	for _, ev := range events {
		if ev.EventType == domain.EventPending {
			// A bare {id} POST tells the tenant nothing — pending is an
			// internal bookkeeping event, never meant to be reported.
			excluded = append(excluded, ev.EventID)
			continue
		}
		if ev.EventType == domain.EventDeferred && !reportDeferred {
			excluded = append(excluded, ev.EventID)
			continue
		}
		grouped[ev.TenantID] = append(grouped[ev.TenantID], ev)
	}
	return grouped, excluded
}
