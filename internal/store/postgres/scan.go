package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/softwell/mailproxy-core/internal/domain"
)

// rowScanner abstracts *sql.Row / *sql.Rows so scan helpers work for both
// QueryRowContext and QueryContext callers.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*domain.Message, error) {
	var m domain.Message
	var payloadJSON []byte
	var deferredTS, smtpTS sql.NullTime

	if err := r.Scan(&m.PK, &m.TenantID, &m.ID, &m.AccountID, &m.Priority, &payloadJSON,
		&m.BatchCode, &deferredTS, &smtpTS, &m.IsPEC, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	if err := json.Unmarshal(payloadJSON, &m.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal message payload: %w", err)
	}
	if deferredTS.Valid {
		t := deferredTS.Time
		m.DeferredTS = &t
	}
	if smtpTS.Valid {
		t := smtpTS.Time
		m.SMTPTS = &t
	}
	return &m, nil
}

func scanAccount(r rowScanner) (*domain.Account, error) {
	var a domain.Account
	var useTLS sql.NullBool
	var imapLastSync sql.NullTime

	if err := r.Scan(&a.ID, &a.TenantID, &a.Host, &a.Port, &a.User, &a.Password, &useTLS,
		&a.TTLSeconds, &a.LimitPerMinute, &a.LimitPerHour, &a.LimitPerDay, &a.LimitBehavior,
		&a.BatchSize, &a.IsPECAccount, &a.IMAPLastUID, &a.IMAPUIDValidity, &imapLastSync,
		&a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	if useTLS.Valid {
		v := useTLS.Bool
		a.UseTLS = &v
	}
	if imapLastSync.Valid {
		t := imapLastSync.Time
		a.IMAPLastSync = &t
	}
	return &a, nil
}

func scanTenant(r rowScanner) (*domain.Tenant, error) {
	var t domain.Tenant
	var suspended sql.NullString
	var apiKeyExpiresAt sql.NullTime
	var authToken, authUser, authPassword sql.NullString

	if err := r.Scan(&t.ID, &t.Name, &t.Active, &t.ClientBaseURL, &t.ClientSyncPath,
		&t.ClientAttachmentPath, &t.ClientAuth.Method, &authToken, &authUser, &authPassword,
		&t.RateLimits.PerHour, &t.RateLimits.PerDay, &suspended,
		&t.APIKeyHash, &apiKeyExpiresAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	t.ClientAuth.Token = authToken.String
	t.ClientAuth.User = authUser.String
	t.ClientAuth.Password = authPassword.String
	if suspended.Valid {
		s := suspended.String
		t.SuspendedBatches = &s
	}
	if apiKeyExpiresAt.Valid {
		v := apiKeyExpiresAt.Time
		t.APIKeyExpiresAt = &v
	}
	return &t, nil
}

func insertEventTx(ctx context.Context, tx *sql.Tx, pk uuid.UUID, eventType domain.EventType, description string, metadata map[string]any) error {
	var metaJSON any // nil interface, so a missing metadata is sent as SQL NULL
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal event metadata: %w", err)
		}
		metaJSON = b
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO message_events (message_pk, event_type, event_ts, description, metadata, reported_ts)
		VALUES ($1, $2, NOW(), $3, $4, NULL)
	`, pk, eventType, description, metaJSON)
	if err != nil {
		return fmt.Errorf("insert %s event: %w", eventType, err)
	}
	return nil
}

func pqInt64Array(ids []int64) any {
	return pq.Array(ids)
}


// addBatchCode adds code to the comma-set represented by current (nil-safe,
// idempotent set semantics per Store.SuspendBatch's contract).
func addBatchCode(current *string, code string) string {
	if current == nil || *current == "" {
		return code
	}
	existing := strings.Split(*current, ",")
	for _, c := range existing {
		if c == code {
			return *current
		}
	}
	return *current + "," + code
}

func removeBatchCode(current *string, code string) *string {
	if current == nil {
		return nil
	}
	existing := strings.Split(*current, ",")
	kept := existing[:0]
	for _, c := range existing {
		if c != code {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	joined := strings.Join(kept, ",")
	return &joined
}
