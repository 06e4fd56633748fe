// Package upstream defines the remote asset service collaborator: the
// storage manager consults it synchronously on a local miss, and the
// write-forward worker consults it to durably forward accepted local
// writes. The cache engine only depends on the Service interface below,
// never on a particular transport, so this package provides that
// interface plus a no-op implementation (used when no upstream is
// configured) and a minimal HTTP-based implementation, kept
// intentionally thin since the transport carries no core invariants.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kf6kjg/whip-lru/internal/assetid"
)

// PutResult distinguishes a successful new write from one the upstream
// already had; the write-forward worker treats both as forwarding
// success.
type PutResult int

const (
	PutOK PutResult = iota
	PutAlreadyExists
)

// Service is the collaborator contract: get(id) -> asset?, put(asset) ->
// ok | already_exists | error, both synchronous from the caller's point of
// view (the caller may run them from a goroutine pool; see internal/server
// and internal/writeforward for how blocking calls are scheduled).
type Service interface {
	Get(ctx context.Context, id assetid.ID) (data []byte, ok bool, err error)
	Put(ctx context.Context, id assetid.ID, data []byte) (PutResult, error)
}

// Noop is the Service used when no upstream is configured: every get is a
// miss, every put is an error (the write-forward worker logs and retains
// the slot, never losing the record).
type Noop struct{}

func (Noop) Get(context.Context, assetid.ID) ([]byte, bool, error) { return nil, false, nil }
func (Noop) Put(context.Context, assetid.ID, []byte) (PutResult, error) {
	return 0, fmt.Errorf("upstream: not configured")
}

// HTTPService is a minimal HTTP-transported Service: GET /assets/<hex> to
// fetch, PUT /assets/<hex> to store — nothing more than the collaborator
// boundary needs.
type HTTPService struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPService constructs an HTTPService with the given base URL and
// request timeout.
func NewHTTPService(baseURL string, timeout time.Duration) *HTTPService {
	return &HTTPService{BaseURL: baseURL, Client: &http.Client{Timeout: timeout}}
}

func (h *HTTPService) url(id assetid.ID) string {
	return fmt.Sprintf("%s/assets/%s", h.BaseURL, id.Compact())
}

func (h *HTTPService) Get(ctx context.Context, id assetid.ID) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url(id), nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, false, err
		}
		return data, true, nil
	case http.StatusNotFound:
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("upstream: get %s: unexpected status %d", id, resp.StatusCode)
	}
}

func (h *HTTPService) Put(ctx context.Context, id assetid.ID, data []byte) (PutResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, h.url(id), bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return PutOK, nil
	case http.StatusConflict:
		return PutAlreadyExists, nil
	default:
		return 0, fmt.Errorf("upstream: put %s: unexpected status %d", id, resp.StatusCode)
	}
}
