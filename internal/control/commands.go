// Package control implements the command set described in spec §6: a
// tagged union of command structs dispatched by concrete type, replacing
// the original's string-matched `match cmd:` block (REDESIGN FLAGS).
package control

import "github.com/softwell/mailproxy-core/internal/domain"

// Command is the marker interface every command payload implements.
type Command interface {
	isCommand()
}

type baseCommand struct{}

func (baseCommand) isCommand() {}

// RunNow wakes both the dispatch and reporter loops immediately.
type RunNow struct {
	baseCommand
	// TenantID is accepted but not used: the reporter's next cycle pings
	// every active tenant, whatever this field holds.
	TenantID string
}

// Suspend pauses outgoing mail for a tenant, optionally scoped to one
// batch code; a nil BatchCode suspends everything ("*").
type Suspend struct {
	baseCommand
	TenantID  string
	BatchCode *string
}

// Activate is the reverse of Suspend.
type Activate struct {
	baseCommand
	TenantID  string
	BatchCode *string
}

type AddTenant struct {
	baseCommand
	Tenant *domain.Tenant
}

type GetTenant struct {
	baseCommand
	TenantID string
}

type ListTenants struct{ baseCommand }

type UpdateTenant struct {
	baseCommand
	Tenant *domain.Tenant
}

type DeleteTenant struct {
	baseCommand
	TenantID string
}

type AddAccount struct {
	baseCommand
	Account *domain.Account
}

type ListAccounts struct {
	baseCommand
	TenantID string
}

type DeleteAccount struct {
	baseCommand
	AccountID string
}

// MessageSubmission is the wire shape of one entry in AddMessages.Messages,
// pre-validation (admission rules live in Dispatch, spec §6).
type MessageSubmission struct {
	ID          string
	AccountID   string
	Priority    any // int 0-3 or name string, parsed via domain.ParsePriority
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	ReturnPath  string
	Subject     string
	Body        string
	ContentType domain.ContentType
	Headers     map[string]string
	Attachments []domain.Attachment
	BatchCode   string
}

type AddMessages struct {
	baseCommand
	TenantID        string
	Messages        []MessageSubmission
	DefaultPriority *domain.Priority
}

type DeleteMessages struct {
	baseCommand
	TenantID string
	IDs      []string
}

type ListMessages struct {
	baseCommand
	TenantID   string
	ActiveOnly bool
}

type CleanupMessages struct {
	baseCommand
	TenantID        string
	OlderThanSeconds *int64
}

type GetInstance struct{ baseCommand }

type UpdateInstance struct {
	baseCommand
	Instance *domain.Instance
}

// RejectedMessage mirrors store.RejectedEntry for the AddMessages response.
type RejectedMessage struct {
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason"`
}
