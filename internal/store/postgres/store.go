// Package postgres implements store.Store over PostgreSQL via lib/pq, using
// raw SQL with $N placeholders, ON CONFLICT upserts, and RowsAffected-based
// not-found detection — the idiom this repository's data-access code
// follows throughout.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/softwell/mailproxy-core/internal/domain"
	"github.com/softwell/mailproxy-core/internal/store"
)

// Store is the PostgreSQL-backed implementation of store.Store.
type Store struct {
	db *sql.DB
}

// New wraps an already-opened *sql.DB. Callers own the pool's lifecycle
// (connection limits, Close), as cmd/dispatcher does.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

var _ store.Store = (*Store)(nil)

func (s *Store) InsertMessages(ctx context.Context, entries []*domain.Message, pecAccountIDs map[string]bool) ([]store.InsertResult, []store.RejectedEntry, error) {
	results := make([]store.InsertResult, 0, len(entries))
	var rejected []store.RejectedEntry
	for _, m := range entries {
		isPEC := pecAccountIDs[m.AccountID]
		payloadJSON, err := json.Marshal(m.Payload)
		if err != nil {
			return results, rejected, fmt.Errorf("marshal payload for %s/%s: %w", m.TenantID, m.ID, err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return results, rejected, fmt.Errorf("begin insert tx: %w", err)
		}

		var existingPK uuid.UUID
		var smtpTS sql.NullTime
		err = tx.QueryRowContext(ctx, `
			SELECT pk, smtp_ts FROM messages WHERE tenant_id = $1 AND id = $2 FOR UPDATE
		`, m.TenantID, m.ID).Scan(&existingPK, &smtpTS)

		switch {
		case err == sql.ErrNoRows:
			pk := uuid.New()
			_, err = tx.ExecContext(ctx, `
				INSERT INTO messages
					(pk, tenant_id, id, account_id, priority, payload, batch_code,
					 deferred_ts, smtp_ts, is_pec, created_at, updated_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULL,$9,NOW(),NOW())
			`, pk, m.TenantID, m.ID, m.AccountID, m.Priority, payloadJSON, m.BatchCode, m.DeferredTS, isPEC)
			if err != nil {
				tx.Rollback()
				return results, rejected, fmt.Errorf("insert message %s/%s: %w", m.TenantID, m.ID, err)
			}
			if err := insertEventTx(ctx, tx, pk, domain.EventPending, "", nil); err != nil {
				tx.Rollback()
				return results, rejected, err
			}
			if err := tx.Commit(); err != nil {
				return results, rejected, fmt.Errorf("commit insert: %w", err)
			}
			results = append(results, store.InsertResult{ID: m.ID, PK: pk})

		case err != nil:
			tx.Rollback()
			return results, rejected, fmt.Errorf("lookup existing message %s/%s: %w", m.TenantID, m.ID, err)

		case smtpTS.Valid:
			// Already sent: report back as rejected rather than dropping
			// silently, so the caller can surface an "already sent"
			// rejection in its response.
			tx.Rollback()
			rejected = append(rejected, store.RejectedEntry{ID: m.ID, Reason: "already sent"})

		default:
			_, err = tx.ExecContext(ctx, `
				UPDATE messages
				SET account_id = $1, priority = $2, payload = $3, batch_code = $4,
				    deferred_ts = $5, is_pec = $6, updated_at = NOW()
				WHERE pk = $7
			`, m.AccountID, m.Priority, payloadJSON, m.BatchCode, m.DeferredTS, isPEC, existingPK)
			if err != nil {
				tx.Rollback()
				return results, rejected, fmt.Errorf("update message %s/%s: %w", m.TenantID, m.ID, err)
			}
			if err := tx.Commit(); err != nil {
				return results, rejected, fmt.Errorf("commit update: %w", err)
			}
			results = append(results, store.InsertResult{ID: m.ID, PK: existingPK})
		}
	}
	return results, rejected, nil
}

func (s *Store) FetchReadyMessages(ctx context.Context, limit int, nowTS time.Time) ([]*domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.pk, m.tenant_id, m.id, m.account_id, m.priority, m.payload,
		       m.batch_code, m.deferred_ts, m.smtp_ts, m.is_pec, m.created_at, m.updated_at
		FROM messages m
		JOIN accounts a ON a.id = m.account_id
		JOIN tenants t ON t.id = a.tenant_id
		WHERE m.smtp_ts IS NULL
		  AND (m.deferred_ts IS NULL OR m.deferred_ts <= $1)
		  AND (t.suspended_batches IS NULL OR NOT (
		        t.suspended_batches = '*'
		        OR (m.batch_code <> '' AND ',' || t.suspended_batches || ',' LIKE '%,' || m.batch_code || ',%')
		      ))
		ORDER BY m.priority ASC, m.created_at ASC, m.pk ASC
		LIMIT $2
	`, nowTS, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch ready messages: %w", err)
	}
	defer rows.Close()

	var out []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) MarkSent(ctx context.Context, pk uuid.UUID, ts time.Time) error {
	return s.markTerminal(ctx, pk, ts, domain.EventSent, "")
}

func (s *Store) MarkError(ctx context.Context, pk uuid.UUID, ts time.Time, reason string) error {
	return s.markTerminal(ctx, pk, ts, domain.EventError, reason)
}

func (s *Store) markTerminal(ctx context.Context, pk uuid.UUID, ts time.Time, eventType domain.EventType, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark-terminal tx: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE messages SET smtp_ts = $1, deferred_ts = NULL, updated_at = NOW() WHERE pk = $2
	`, ts, pk)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("mark %s: %w", eventType, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		tx.Rollback()
		return store.ErrNotFound
	}
	if err := insertEventTx(ctx, tx, pk, eventType, reason, nil); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mark %s: %w", eventType, err)
	}
	return nil
}

func (s *Store) SetDeferred(ctx context.Context, pk uuid.UUID, deferredTS time.Time, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set-deferred tx: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE messages SET deferred_ts = $1, updated_at = NOW() WHERE pk = $2 AND smtp_ts IS NULL
	`, deferredTS, pk)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("set deferred: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		tx.Rollback()
		return store.ErrNotFound
	}
	if err := insertEventTx(ctx, tx, pk, domain.EventDeferred, reason, nil); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set deferred: %w", err)
	}
	return nil
}

func (s *Store) UpdateMessagePayload(ctx context.Context, pk uuid.UUID, payload domain.Payload) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET payload = $1, updated_at = NOW() WHERE pk = $2
	`, payloadJSON, pk)
	if err != nil {
		return fmt.Errorf("update message payload: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) FetchUnreportedEvents(ctx context.Context, limit int) ([]store.UnreportedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.event_id, e.message_pk, e.event_type, e.event_ts, e.description,
		       e.metadata, e.reported_ts, a.tenant_id, m.id
		FROM message_events e
		JOIN messages m ON m.pk = e.message_pk
		JOIN accounts a ON a.id = m.account_id
		WHERE e.reported_ts IS NULL
		ORDER BY e.event_ts ASC, e.event_id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch unreported events: %w", err)
	}
	defer rows.Close()

	var out []store.UnreportedEvent
	for rows.Next() {
		var ue store.UnreportedEvent
		var metaJSON []byte
		var reportedTS sql.NullTime
		if err := rows.Scan(&ue.EventID, &ue.MessagePK, &ue.EventType, &ue.EventTS,
			&ue.Description, &metaJSON, &reportedTS, &ue.TenantID, &ue.MessageID); err != nil {
			return nil, fmt.Errorf("scan unreported event: %w", err)
		}
		if reportedTS.Valid {
			t := reportedTS.Time
			ue.ReportedTS = &t
		}
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &ue.Metadata)
		}
		out = append(out, ue)
	}
	return out, rows.Err()
}

func (s *Store) MarkEventsReported(ctx context.Context, eventIDs []int64, ts time.Time) error {
	if len(eventIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE message_events SET reported_ts = $1
		WHERE event_id = ANY($2) AND reported_ts IS NULL
	`, ts, pqInt64Array(eventIDs))
	if err != nil {
		return fmt.Errorf("mark events reported: %w", err)
	}
	return nil
}

func (s *Store) RemoveReportedBefore(ctx context.Context, threshold time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM messages m
		WHERE m.smtp_ts IS NOT NULL
		  AND EXISTS (SELECT 1 FROM message_events e WHERE e.message_pk = m.pk)
		  AND NOT EXISTS (
		        SELECT 1 FROM message_events e
		        WHERE e.message_pk = m.pk
		          AND (e.reported_ts IS NULL OR e.reported_ts > $1)
		      )
	`, threshold)
	if err != nil {
		return 0, fmt.Errorf("remove reported before: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) SuspendBatch(ctx context.Context, tenantID string, batchCode *string) error {
	if batchCode == nil {
		res, err := s.db.ExecContext(ctx, `UPDATE tenants SET suspended_batches = '*', updated_at = NOW() WHERE id = $1`, tenantID)
		if err != nil {
			return fmt.Errorf("suspend all: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
		return nil
	}

	t, err := s.GetTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	if t.SuspendedBatches != nil && *t.SuspendedBatches == "*" {
		return nil // already fully suspended, idempotent no-op
	}
	next := addBatchCode(t.SuspendedBatches, *batchCode)
	_, err = s.db.ExecContext(ctx, `UPDATE tenants SET suspended_batches = $1, updated_at = NOW() WHERE id = $2`, next, tenantID)
	if err != nil {
		return fmt.Errorf("suspend batch: %w", err)
	}
	return nil
}

func (s *Store) ActivateBatch(ctx context.Context, tenantID string, batchCode *string) error {
	t, err := s.GetTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	if batchCode == nil {
		_, err = s.db.ExecContext(ctx, `UPDATE tenants SET suspended_batches = NULL, updated_at = NOW() WHERE id = $1`, tenantID)
		if err != nil {
			return fmt.Errorf("activate all: %w", err)
		}
		return nil
	}
	if t.SuspendedBatches != nil && *t.SuspendedBatches == "*" {
		return store.ErrAlreadyFullySuspended
	}
	next := removeBatchCode(t.SuspendedBatches, *batchCode)
	_, err = s.db.ExecContext(ctx, `UPDATE tenants SET suspended_batches = $1, updated_at = NOW() WHERE id = $2`, next, tenantID)
	if err != nil {
		return fmt.Errorf("activate batch: %w", err)
	}
	return nil
}

func (s *Store) CountSendsSince(ctx context.Context, accountID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM send_log WHERE account_id = $1 AND ts >= $2
	`, accountID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sends since: %w", err)
	}
	return n, nil
}

func (s *Store) LogSend(ctx context.Context, accountID string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO send_log (account_id, ts) VALUES ($1, $2)`, accountID, ts)
	if err != nil {
		return fmt.Errorf("log send: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, host, port, "user", password, use_tls, ttl_seconds,
		       limit_per_minute, limit_per_hour, limit_per_day, limit_behavior, batch_size,
		       is_pec_account, imap_last_uid, imap_uidvalidity, imap_last_sync, created_at, updated_at
		FROM accounts WHERE id = $1
	`, accountID)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func (s *Store) GetTenant(ctx context.Context, tenantID string) (*domain.Tenant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, active, client_base_url, client_sync_path, client_attachment_path,
		       client_auth_method, client_auth_token, client_auth_user, client_auth_password,
		       rate_limit_per_hour, rate_limit_per_day, suspended_batches,
		       api_key_hash, api_key_expires_at, created_at, updated_at
		FROM tenants WHERE id = $1
	`, tenantID)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return t, nil
}

func (s *Store) ListTenants(ctx context.Context) ([]*domain.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, active, client_base_url, client_sync_path, client_attachment_path,
		       client_auth_method, client_auth_token, client_auth_user, client_auth_password,
		       rate_limit_per_hour, rate_limit_per_day, suspended_batches,
		       api_key_hash, api_key_expires_at, created_at, updated_at
		FROM tenants ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()
	var out []*domain.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) AddTenant(ctx context.Context, t *domain.Tenant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants
			(id, name, active, client_base_url, client_sync_path, client_attachment_path,
			 client_auth_method, client_auth_token, client_auth_user, client_auth_password,
			 rate_limit_per_hour, rate_limit_per_day, suspended_batches,
			 api_key_hash, api_key_expires_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,NOW(),NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, active = EXCLUDED.active,
			client_base_url = EXCLUDED.client_base_url,
			client_sync_path = EXCLUDED.client_sync_path,
			client_attachment_path = EXCLUDED.client_attachment_path,
			client_auth_method = EXCLUDED.client_auth_method,
			client_auth_token = EXCLUDED.client_auth_token,
			client_auth_user = EXCLUDED.client_auth_user,
			client_auth_password = EXCLUDED.client_auth_password,
			rate_limit_per_hour = EXCLUDED.rate_limit_per_hour,
			rate_limit_per_day = EXCLUDED.rate_limit_per_day,
			updated_at = NOW()
	`, t.ID, t.Name, t.Active, t.ClientBaseURL, t.ClientSyncPath, t.ClientAttachmentPath,
		t.ClientAuth.Method, t.ClientAuth.Token, t.ClientAuth.User, t.ClientAuth.Password,
		t.RateLimits.PerHour, t.RateLimits.PerDay, t.SuspendedBatches,
		t.APIKeyHash, t.APIKeyExpiresAt)
	if err != nil {
		return fmt.Errorf("add tenant: %w", err)
	}
	return nil
}

func (s *Store) UpdateTenant(ctx context.Context, t *domain.Tenant) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenants SET
			name = $1, active = $2, client_base_url = $3, client_sync_path = $4,
			client_attachment_path = $5, client_auth_method = $6, client_auth_token = $7,
			client_auth_user = $8, client_auth_password = $9, rate_limit_per_hour = $10,
			rate_limit_per_day = $11, api_key_hash = $12, api_key_expires_at = $13, updated_at = NOW()
		WHERE id = $14
	`, t.Name, t.Active, t.ClientBaseURL, t.ClientSyncPath, t.ClientAttachmentPath,
		t.ClientAuth.Method, t.ClientAuth.Token, t.ClientAuth.User, t.ClientAuth.Password,
		t.RateLimits.PerHour, t.RateLimits.PerDay, t.APIKeyHash, t.APIKeyExpiresAt, t.ID)
	if err != nil {
		return fmt.Errorf("update tenant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteTenant(ctx context.Context, tenantID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("delete tenant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) AddAccount(ctx context.Context, a *domain.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts
			(id, tenant_id, host, port, "user", password, use_tls, ttl_seconds,
			 limit_per_minute, limit_per_hour, limit_per_day, limit_behavior, batch_size,
			 is_pec_account, imap_last_uid, imap_uidvalidity, imap_last_sync, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,NOW(),NOW())
		ON CONFLICT (id) DO UPDATE SET
			host = EXCLUDED.host, port = EXCLUDED.port, "user" = EXCLUDED."user",
			password = EXCLUDED.password, use_tls = EXCLUDED.use_tls,
			ttl_seconds = EXCLUDED.ttl_seconds, limit_per_minute = EXCLUDED.limit_per_minute,
			limit_per_hour = EXCLUDED.limit_per_hour, limit_per_day = EXCLUDED.limit_per_day,
			limit_behavior = EXCLUDED.limit_behavior, batch_size = EXCLUDED.batch_size,
			is_pec_account = EXCLUDED.is_pec_account, updated_at = NOW()
	`, a.ID, a.TenantID, a.Host, a.Port, a.User, a.Password, a.UseTLS, a.TTLSeconds,
		a.LimitPerMinute, a.LimitPerHour, a.LimitPerDay, a.LimitBehavior, a.BatchSize,
		a.IsPECAccount, a.IMAPLastUID, a.IMAPUIDValidity, a.IMAPLastSync)
	if err != nil {
		return fmt.Errorf("add account: %w", err)
	}
	return nil
}

func (s *Store) ListAccounts(ctx context.Context, tenantID string) ([]*domain.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, host, port, "user", password, use_tls, ttl_seconds,
		       limit_per_minute, limit_per_hour, limit_per_day, limit_behavior, batch_size,
		       is_pec_account, imap_last_uid, imap_uidvalidity, imap_last_sync, created_at, updated_at
		FROM accounts WHERE tenant_id = $1 ORDER BY id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()
	var out []*domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) DeleteAccount(ctx context.Context, accountID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete account tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM send_log WHERE account_id = $1`, accountID); err != nil {
		tx.Rollback()
		return fmt.Errorf("cascade delete send_log: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE account_id = $1`, accountID); err != nil {
		tx.Rollback()
		return fmt.Errorf("cascade delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, accountID)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("delete account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		tx.Rollback()
		return store.ErrNotFound
	}
	return tx.Commit()
}

func (s *Store) DeleteMessages(ctx context.Context, tenantID string, ids []string) (store.DeleteResult, error) {
	var result store.DeleteResult
	for _, id := range ids {
		// id is only unique per (tenant_id, id) — two tenants may each own
		// an id of the same value — so ownership must be checked for this
		// tenant specifically, never by id alone (that would pick an
		// arbitrary row when another tenant also owns the same id).
		res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE tenant_id = $1 AND id = $2`, tenantID, id)
		if err != nil {
			return result, fmt.Errorf("delete message %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			result.Removed = append(result.Removed, id)
			continue
		}

		var exists bool
		err = s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, id).Scan(&exists)
		if err != nil {
			return result, fmt.Errorf("lookup message existence %s: %w", id, err)
		}
		if exists {
			result.Unauthorized = append(result.Unauthorized, id)
		} else {
			result.NotFound = append(result.NotFound, id)
		}
	}
	return result, nil
}

func (s *Store) ListMessages(ctx context.Context, tenantID string, activeOnly bool) ([]*domain.Message, error) {
	query := `
		SELECT pk, tenant_id, id, account_id, priority, payload, batch_code,
		       deferred_ts, smtp_ts, is_pec, created_at, updated_at
		FROM messages WHERE tenant_id = $1`
	if activeOnly {
		query += ` AND smtp_ts IS NULL`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var out []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) CleanupMessages(ctx context.Context, tenantID string, olderThan *time.Duration) (int, error) {
	d := 7 * 24 * time.Hour
	if olderThan != nil {
		d = *olderThan
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM messages WHERE tenant_id = $1 AND smtp_ts IS NOT NULL AND smtp_ts < NOW() - $2::interval
	`, tenantID, d.String())
	if err != nil {
		return 0, fmt.Errorf("cleanup messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) GetInstance(ctx context.Context) (*domain.Instance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, api_token, bounce_imap_host, bounce_imap_port, bounce_imap_user, bounce_imap_pass, updated_at
		FROM instance WHERE id = 1
	`)
	var inst domain.Instance
	err := row.Scan(&inst.ID, &inst.APIToken, &inst.BounceIMAPHost, &inst.BounceIMAPPort,
		&inst.BounceIMAPUser, &inst.BounceIMAPPass, &inst.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	return &inst, nil
}

func (s *Store) UpdateInstance(ctx context.Context, inst *domain.Instance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instance (id, api_token, bounce_imap_host, bounce_imap_port, bounce_imap_user, bounce_imap_pass, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			api_token = EXCLUDED.api_token, bounce_imap_host = EXCLUDED.bounce_imap_host,
			bounce_imap_port = EXCLUDED.bounce_imap_port, bounce_imap_user = EXCLUDED.bounce_imap_user,
			bounce_imap_pass = EXCLUDED.bounce_imap_pass, updated_at = NOW()
	`, inst.APIToken, inst.BounceIMAPHost, inst.BounceIMAPPort, inst.BounceIMAPUser, inst.BounceIMAPPass)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	return nil
}
