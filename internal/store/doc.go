// Package store defines the durable single-writer state contract used by
// RateLimiter, Dispatcher, Reporter, and Control. It is a pure interface
// package: it never imports net/http or database/sql directly. The
// concrete implementation lives in internal/store/postgres.
package store
