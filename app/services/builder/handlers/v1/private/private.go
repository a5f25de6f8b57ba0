// Package private maintains the group of handlers for node to node access.
package private

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ardanlabs/pbhbuilder/business/web/errs"
	"github.com/ardanlabs/pbhbuilder/business/web/validate"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/payload"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/state"
	"github.com/ardanlabs/pbhbuilder/foundation/web"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// BestPayload represents the behavior required to look up the payload the
// worker currently offers for a parent.
type BestPayload interface {
	Best(parent common.Hash) (string, bool)
}

// Handlers manages the set of private builder endpoints.
type Handlers struct {
	Log    *zap.SugaredLogger
	State  *state.State
	Worker BestPayload
}

// Status returns the current status of the builder.
func (h Handlers) Status(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	head := h.State.QueryHead()
	verified, regular := h.State.QueryMempoolLength()
	stats := h.State.QueryRegistry()

	status := Status{
		Head:      toHead(head),
		Verified:  verified,
		Regular:   regular,
		Jobs:      h.State.QueryJobCount(),
		Window:    stats.Window.String(),
		Committed: stats.Committed,
		Reserved:  stats.Reserved,
		Held:      stats.Held,
	}

	if h.Worker != nil {
		status.Best, _ = h.Worker.Best(head.Hash)
	}

	return web.Respond(ctx, w, status, http.StatusOK)
}

// BuildPayload runs a build job on the current head.
func (h Handlers) BuildPayload(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var req BuildRequest
	if err := web.Decode(r, &req); err != nil {
		return errs.NewTrustedReason(err, http.StatusBadRequest, "invalid_request")
	}

	if err := validate.Check(req); err != nil {
		return err
	}

	head := h.State.QueryHead()
	if head.Hash == (common.Hash{}) {
		return errs.NewTrusted(errors.New("no canonical head yet"), http.StatusServiceUnavailable)
	}

	if req.ParentHash != "" && common.HexToHash(req.ParentHash) != head.Hash {
		return errs.NewTrusted(fmt.Errorf("parent %s is not the current head %s", req.ParentHash, head.Hash), http.StatusConflict)
	}

	p, err := h.State.BuildPayload(ctx, head, req.GasLimit)
	if err != nil {
		return err
	}

	status, _, err := h.State.QueryJob(p.ID)
	if err != nil {
		status = payload.StatusFinalizing
	}

	return web.Respond(ctx, w, toPayload(status, p), http.StatusOK)
}

// QueryPayload returns the state of a build job.
func (h Handlers) QueryPayload(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	id := web.Param(r, "id")

	status, p, err := h.State.QueryJob(id)
	if err != nil {
		return jobError(err)
	}

	return web.Respond(ctx, w, toPayload(status, p), http.StatusOK)
}

// CommitPayload commits the tickets of a finalized payload.
func (h Handlers) CommitPayload(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	id := web.Param(r, "id")

	n, err := h.State.CommitPayload(id)
	if err != nil {
		return jobError(err)
	}

	return web.Respond(ctx, w, Commit{ID: id, Committed: n}, http.StatusOK)
}

// AbortPayload aborts a build job and returns its holds.
func (h Handlers) AbortPayload(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	if err := h.State.AbortPayload(web.Param(r, "id")); err != nil {
		return jobError(err)
	}

	return web.Respond(ctx, w, nil, http.StatusNoContent)
}

// RefreshRoots reads the latest WorldID root.
func (h Handlers) RefreshRoots(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	if err := h.State.RefreshRoots(ctx); err != nil {
		return errs.NewTrusted(err, http.StatusBadGateway)
	}

	return web.Respond(ctx, w, nil, http.StatusNoContent)
}

// EvictTransaction removes a transaction from the pool.
func (h Handlers) EvictTransaction(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	hash := common.HexToHash(web.Param(r, "hash"))

	tx, exists := h.State.QueryTransaction(hash)
	if !exists || !h.State.EvictTransaction(tx.Transaction) {
		return errs.NewTrusted(fmt.Errorf("transaction %s not found", hash), http.StatusNotFound)
	}

	return web.Respond(ctx, w, nil, http.StatusNoContent)
}

// =============================================================================

func jobError(err error) error {
	switch {
	case errors.Is(err, state.ErrUnknownJob):
		return errs.NewTrusted(err, http.StatusNotFound)
	case errors.Is(err, payload.ErrJobState):
		return errs.NewTrusted(err, http.StatusConflict)
	}
	return err
}
