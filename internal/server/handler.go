package server

import (
	"context"
	"errors"
	"strings"

	"github.com/kf6kjg/whip-lru/internal/assetid"
	"github.com/kf6kjg/whip-lru/internal/codec"
	"github.com/kf6kjg/whip-lru/internal/storage"
	"github.com/kf6kjg/whip-lru/internal/werrors"
)

// Handler answers a single ClientRequest. It never panics: any collaborator
// error is turned into an RC_ERROR response rather than surfacing to the
// connection loop.
type Handler func(ctx context.Context, req codec.ClientRequest) codec.ServerResponse

// NewHandler builds the Handler that dispatches each request type to the
// corresponding storage manager operation.
func NewHandler(m *storage.Manager) Handler {
	return func(ctx context.Context, req codec.ClientRequest) codec.ServerResponse {
		switch req.Type {
		case codec.ReqGet:
			return handleGet(ctx, m, req, true)
		case codec.ReqGetDontCache:
			return handleGet(ctx, m, req, false)
		case codec.ReqTest:
			return handleTest(ctx, m, req)
		case codec.ReqPut:
			return handlePut(ctx, m, req)
		case codec.ReqPurge:
			return handlePurge(m, req)
		case codec.ReqPurgeLocals:
			return handlePurgeLocals(m)
		case codec.ReqStatusGet:
			return handleStatusGet(m)
		case codec.ReqStoredIDsGet:
			return handleStoredIDsGet(m, req)
		default:
			return errorResponse(req.ID, "unsupported request type")
		}
	}
}

func handleGet(ctx context.Context, m *storage.Manager, req codec.ClientRequest, cacheOnMiss bool) codec.ServerResponse {
	data, found, err := m.Get(ctx, req.ID, cacheOnMiss)
	if err != nil {
		return errorResponse(req.ID, err.Error())
	}
	if !found {
		return codec.ServerResponse{Code: codec.RCNotFound, ID: req.ID}
	}
	return codec.ServerResponse{Code: codec.RCFound, ID: req.ID, Payload: data}
}

func handleTest(ctx context.Context, m *storage.Manager, req codec.ClientRequest) codec.ServerResponse {
	found, err := m.Check(ctx, req.ID)
	if err != nil {
		return errorResponse(req.ID, err.Error())
	}
	if !found {
		return codec.ServerResponse{Code: codec.RCNotFound, ID: req.ID}
	}
	return codec.ServerResponse{Code: codec.RCFound, ID: req.ID}
}

func handlePut(ctx context.Context, m *storage.Manager, req codec.ClientRequest) codec.ServerResponse {
	if err := m.Store(ctx, req.ID, req.Payload); err != nil {
		if errors.Is(err, werrors.ErrExists) {
			return errorResponse(req.ID, "duplicate")
		}
		return errorResponse(req.ID, err.Error())
	}
	return codec.ServerResponse{Code: codec.RCOk, ID: req.ID}
}

func handlePurge(m *storage.Manager, req codec.ClientRequest) codec.ServerResponse {
	err := m.Purge(req.ID)
	switch {
	case err == nil:
		return codec.ServerResponse{Code: codec.RCOk, ID: req.ID}
	case errors.Is(err, werrors.ErrNotFound):
		return codec.ServerResponse{Code: codec.RCNotFound, ID: req.ID}
	default:
		return errorResponse(req.ID, err.Error())
	}
}

func handlePurgeLocals(m *storage.Manager) codec.ServerResponse {
	if err := m.PurgeAll([]storage.Filter{storage.LocalFilter()}); err != nil {
		return errorResponse(assetid.Zero, err.Error())
	}
	return codec.ServerResponse{Code: codec.RCOk, ID: assetid.Zero}
}

func handleStatusGet(m *storage.Manager) codec.ServerResponse {
	text, err := m.StatusText()
	if err != nil {
		return errorResponse(assetid.Zero, err.Error())
	}
	return codec.ServerResponse{Code: codec.RCOk, ID: assetid.Zero, Payload: []byte(text)}
}

// handleStoredIDsGet implements STORED_IDS_GET. The request's fixed
// 32-hex-character id field carries a prefix rather than a full id, packed
// per codec.EncodeStoredIDsPrefix's length-marker convention;
// codec.DecodeStoredIDsPrefix recovers it exactly, odd-length prefixes
// included.
func handleStoredIDsGet(m *storage.Manager, req codec.ClientRequest) codec.ServerResponse {
	prefix := codec.DecodeStoredIDsPrefix(req.ID)
	ids := m.LocallyKnownIDs(prefix)
	hexes := make([]string, len(ids))
	for i, id := range ids {
		hexes[i] = id.Compact()
	}
	return codec.ServerResponse{Code: codec.RCFound, ID: assetid.Zero, Payload: []byte(strings.Join(hexes, "\n"))}
}

func errorResponse(id assetid.ID, diagnostic string) codec.ServerResponse {
	return codec.ServerResponse{Code: codec.RCError, ID: id, Payload: []byte(diagnostic)}
}
