// Package attachment resolves a message's declared attachments into bytes
// ready for MIME encoding, dispatching on fetch_mode (base64, http_url,
// endpoint, filesystem) and caching fetched bodies across messages that
// reference the same storage_path.
package attachment

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/softwell/mailproxy-core/internal/domain"
	"github.com/softwell/mailproxy-core/internal/pkg/httpretry"
)

const (
	// DefaultFetchTimeout bounds a single HTTP attachment fetch; a shorter
	// deadline already on the caller's context still applies.
	DefaultFetchTimeout = 30 * time.Second
	// DefaultMemCacheBytes is the in-memory budget of the two-tier cache.
	DefaultMemCacheBytes = 64 << 20 // 64 MiB
)

// FetchMode names how an attachment's bytes are obtained.
const (
	FetchModeBase64     = "base64"
	FetchModeHTTPURL    = "http_url"
	FetchModeEndpoint   = "endpoint"
	FetchModeFilesystem = "filesystem"
)

// Resolver fetches and caches attachment bodies.
type Resolver struct {
	http  *httpretry.RetryClient
	cache *twoTierCache
}

// New constructs a Resolver. diskCacheDir may be empty to disable disk
// spillover (memory-only, LRU-evicted with no fallback read path).
func New(diskCacheDir string) *Resolver {
	return &Resolver{
		http:  httpretry.NewRetryClient(nil, 3),
		cache: newTwoTierCache(DefaultMemCacheBytes, diskCacheDir),
	}
}

// Resolve returns the raw bytes for att, using FetchMode to decide how to
// obtain them. base64 attachments are decoded inline and never cached
// (the payload already carries the bytes); the other modes are cached by
// storage_path so repeated references within a retention window reuse one
// fetch.
func (r *Resolver) Resolve(ctx context.Context, att domain.Attachment) ([]byte, error) {
	switch att.FetchMode {
	case FetchModeBase64:
		data, err := base64.StdEncoding.DecodeString(att.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("attachment: decode base64 %q: %w", att.Filename, err)
		}
		return data, nil

	case FetchModeFilesystem:
		if data, ok := r.cache.get(att.StoragePath); ok {
			return data, nil
		}
		data, err := os.ReadFile(att.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("attachment: read %q: %w", att.Filename, err)
		}
		r.cache.put(att.StoragePath, data)
		return data, nil

	case FetchModeHTTPURL, FetchModeEndpoint:
		if data, ok := r.cache.get(att.StoragePath); ok {
			return data, nil
		}
		data, err := r.fetchHTTP(ctx, att)
		if err != nil {
			return nil, err
		}
		r.cache.put(att.StoragePath, data)
		return data, nil

	default:
		return nil, fmt.Errorf("attachment: unknown fetch_mode %q for %q", att.FetchMode, att.Filename)
	}
}

func (r *Resolver) fetchHTTP(ctx context.Context, att domain.Attachment) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.StoragePath, nil)
	if err != nil {
		return nil, fmt.Errorf("attachment: build request for %q: %w", att.Filename, err)
	}
	applyAuth(req, att.Auth)

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("attachment: fetch %q: %w", att.Filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("attachment: fetch %q: server returned status %d", att.Filename, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("attachment: read body for %q: %w", att.Filename, err)
	}
	if att.ContentMD5 != "" {
		if err := verifyMD5(data, att.ContentMD5); err != nil {
			return nil, fmt.Errorf("attachment: %q: %w", att.Filename, err)
		}
	}
	return data, nil
}

func applyAuth(req *http.Request, auth *domain.ClientAuth) {
	if auth == nil {
		return
	}
	switch auth.Method {
	case domain.ClientAuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case domain.ClientAuthBasic:
		req.SetBasicAuth(auth.User, auth.Password)
	}
}
