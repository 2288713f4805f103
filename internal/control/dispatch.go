package control

import (
	"context"
	"fmt"
	"time"

	"github.com/softwell/mailproxy-core/internal/domain"
	"github.com/softwell/mailproxy-core/internal/store"
)

// Waker is implemented by both dispatcher.Dispatcher and reporter.Reporter.
type Waker interface {
	Wake()
}

// Controller dispatches commands against Store, waking the dispatch and
// reporter loops where the spec calls for it.
type Controller struct {
	store    store.Store
	dispatch Waker
	report   Waker
}

// New constructs a Controller.
func New(s store.Store, dispatch, report Waker) *Controller {
	return &Controller{store: s, dispatch: dispatch, report: report}
}

// Dispatch type-switches over cmd's concrete type and executes it,
// implementing the command set's full table from spec §6.
func (c *Controller) Dispatch(ctx context.Context, cmd Command) (any, error) {
	switch v := cmd.(type) {
	case RunNow:
		c.dispatch.Wake()
		c.report.Wake()
		return map[string]any{"ok": true}, nil

	case Suspend:
		return c.suspendOrActivate(ctx, v.TenantID, v.BatchCode, true)

	case Activate:
		return c.suspendOrActivate(ctx, v.TenantID, v.BatchCode, false)

	case AddTenant:
		if err := c.store.AddTenant(ctx, v.Tenant); err != nil {
			return nil, fmt.Errorf("add tenant: %w", err)
		}
		return v.Tenant, nil

	case GetTenant:
		return c.store.GetTenant(ctx, v.TenantID)

	case ListTenants:
		return c.store.ListTenants(ctx)

	case UpdateTenant:
		if err := c.store.UpdateTenant(ctx, v.Tenant); err != nil {
			return nil, fmt.Errorf("update tenant: %w", err)
		}
		return v.Tenant, nil

	case DeleteTenant:
		return map[string]any{"ok": true}, c.store.DeleteTenant(ctx, v.TenantID)

	case AddAccount:
		if err := c.store.AddAccount(ctx, v.Account); err != nil {
			return nil, fmt.Errorf("add account: %w", err)
		}
		return v.Account, nil

	case ListAccounts:
		return c.store.ListAccounts(ctx, v.TenantID)

	case DeleteAccount:
		return map[string]any{"ok": true}, c.store.DeleteAccount(ctx, v.AccountID)

	case AddMessages:
		return c.addMessages(ctx, v)

	case DeleteMessages:
		result, err := c.store.DeleteMessages(ctx, v.TenantID, v.IDs)
		if err != nil {
			return nil, fmt.Errorf("delete messages: %w", err)
		}
		return map[string]any{
			"ok": true, "removed": result.Removed, "not_found": result.NotFound, "unauthorized": result.Unauthorized,
		}, nil

	case ListMessages:
		return c.store.ListMessages(ctx, v.TenantID, v.ActiveOnly)

	case CleanupMessages:
		var olderThan *time.Duration
		if v.OlderThanSeconds != nil {
			d := time.Duration(*v.OlderThanSeconds) * time.Second
			olderThan = &d
		}
		removed, err := c.store.CleanupMessages(ctx, v.TenantID, olderThan)
		if err != nil {
			return nil, fmt.Errorf("cleanup messages: %w", err)
		}
		return map[string]any{"ok": true, "removed": removed}, nil

	case GetInstance:
		return c.store.GetInstance(ctx)

	case UpdateInstance:
		if err := c.store.UpdateInstance(ctx, v.Instance); err != nil {
			return nil, fmt.Errorf("update instance: %w", err)
		}
		return v.Instance, nil

	default:
		return nil, fmt.Errorf("control: unknown command type %T", cmd)
	}
}

func (c *Controller) suspendOrActivate(ctx context.Context, tenantID string, batchCode *string, suspend bool) (any, error) {
	var err error
	if suspend {
		err = c.store.SuspendBatch(ctx, tenantID, batchCode)
	} else {
		err = c.store.ActivateBatch(ctx, tenantID, batchCode)
	}
	if err != nil {
		return nil, err
	}

	tenant, err := c.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("suspend/activate: reload tenant: %w", err)
	}

	pending, err := c.store.ListMessages(ctx, tenantID, true)
	if err != nil {
		return nil, fmt.Errorf("suspend/activate: count pending: %w", err)
	}

	suspended := []string{}
	if tenant.SuspendedBatches != nil && *tenant.SuspendedBatches != "" {
		suspended = splitBatches(*tenant.SuspendedBatches)
	}

	resp := map[string]any{
		"ok":               true,
		"tenant_id":        tenantID,
		"suspended_batches": suspended,
		"pending_messages": len(pending),
	}
	if batchCode != nil {
		resp["batch_code"] = *batchCode
	}
	return resp, nil
}

func splitBatches(s string) []string {
	if s == "*" {
		return []string{"*"}
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// addMessages implements the command's admission validation rules before
// handing accepted entries to Store.InsertMessages.
func (c *Controller) addMessages(ctx context.Context, cmd AddMessages) (any, error) {
	defaultPriority := domain.PriorityMedium
	if cmd.DefaultPriority != nil {
		defaultPriority = *cmd.DefaultPriority
	}

	var toInsert []*domain.Message
	var rejected []RejectedMessage
	// rejectReason tracks the reason for every rejected submission that
	// still carries an id AND a valid account, so it can be persisted as
	// an error row below and reach the tenant through the normal reporting
	// path. Submissions without a resolvable account can't take this path
	// at all: messages.account_id is a NOT NULL FK, so there's no row to
	// insert them as — they're only ever returned in the response.
	rejectReason := make(map[string]string)
	pecAccounts := make(map[string]bool)

	for _, sub := range cmd.Messages {
		reason, accountOK := c.validate(ctx, sub, pecAccounts)
		if reason != "" {
			rejected = append(rejected, RejectedMessage{ID: sub.ID, Reason: reason})
			if sub.ID == "" || !accountOK {
				continue
			}
			rejectReason[sub.ID] = reason
		}

		msg := &domain.Message{
			TenantID:  cmd.TenantID,
			ID:        sub.ID,
			AccountID: sub.AccountID,
			Priority:  domain.ParsePriority(sub.Priority, defaultPriority),
			BatchCode: sub.BatchCode,
			Payload: domain.Payload{
				From: sub.From, To: sub.To, Cc: sub.Cc, Bcc: sub.Bcc,
				ReturnPath: sub.ReturnPath, Subject: sub.Subject, Body: sub.Body,
				ContentType: sub.ContentType, Headers: sub.Headers, Attachments: sub.Attachments,
			},
		}
		toInsert = append(toInsert, msg)
	}

	results, storeRejected, err := c.store.InsertMessages(ctx, toInsert, pecAccounts)
	if err != nil {
		return nil, fmt.Errorf("insert messages: %w", err)
	}
	for _, r := range storeRejected {
		rejected = append(rejected, RejectedMessage{ID: r.ID, Reason: r.Reason})
	}

	queued := 0
	now := time.Now()
	for _, res := range results {
		if reason, isRejected := rejectReason[res.ID]; isRejected {
			if err := c.store.MarkError(ctx, res.PK, now, reason); err != nil {
				return nil, fmt.Errorf("mark rejected message as error: %w", err)
			}
			continue
		}
		queued++
	}

	return map[string]any{
		"ok":       queued > 0 || len(cmd.Messages) == 0,
		"queued":   queued,
		"rejected": rejected,
	}, nil
}

// validate returns a non-empty rejection reason per the command's admission
// rules, or "" if the submission is acceptable. accountOK reports whether
// sub.AccountID resolved to a real account, independent of whether some
// other field validation also failed — callers need this to decide
// whether a rejected submission can still be inserted (and so persisted
// as an error event) without violating messages.account_id's FK.
func (c *Controller) validate(ctx context.Context, sub MessageSubmission, pecAccounts map[string]bool) (reason string, accountOK bool) {
	if sub.AccountID != "" {
		account, err := c.store.GetAccount(ctx, sub.AccountID)
		if err == nil {
			accountOK = true
			if account.IsPECAccount {
				pecAccounts[sub.AccountID] = true
			}
		}
	}

	switch {
	case sub.ID == "":
		return "missing id", accountOK
	case sub.From == "":
		return "missing from", accountOK
	case len(sub.To) == 0:
		return "missing to", accountOK
	case sub.AccountID == "":
		return "missing account configuration", accountOK
	case !accountOK:
		return "account not found", accountOK
	}
	return "", accountOK
}
