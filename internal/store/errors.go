package store

import "errors"

// Sentinel errors returned by Store implementations. Callers should use
// errors.Is against these, never string-match error text.
var (
	ErrNotFound          = errors.New("store: entity not found")
	ErrAlreadySent       = errors.New("store: message already sent")
	ErrAlreadyFullySuspended = errors.New("store: tenant is fully suspended, lift suspension before removing a single batch")
	ErrUnauthorizedTenant = errors.New("store: message belongs to a different tenant")
)
