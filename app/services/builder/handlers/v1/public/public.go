// Package public maintains the group of handlers for public access.
package public

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ardanlabs/pbhbuilder/business/web/errs"
	"github.com/ardanlabs/pbhbuilder/business/web/validate"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/nullifier"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/proof"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/state"
	"github.com/ardanlabs/pbhbuilder/foundation/events"
	"github.com/ardanlabs/pbhbuilder/foundation/web"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

// Handlers manages the set of public builder endpoints.
type Handlers struct {
	Log   *zap.SugaredLogger
	State *state.State
	WS    websocket.Upgrader
	Evts  *events.Events
}

// Events handles a web socket to provide events to a client. The optional
// sources query parameter is a comma separated list of event sources.
func (h Handlers) Events(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	var sources []string
	if s := r.URL.Query().Get("sources"); s != "" {
		sources = strings.Split(s, ",")
	}

	h.WS.CheckOrigin = func(r *http.Request) bool { return true }

	c, err := h.WS.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	ch := h.Evts.Acquire(v.TraceID, sources...)
	defer h.Evts.Release(v.TraceID)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case ev, wd := <-ch:
			if !wd {
				return nil
			}

			if err := c.WriteJSON(ev); err != nil {
				return err
			}

		case <-ticker.C:
			if err := c.WriteMessage(websocket.PingMessage, []byte("ping")); err != nil {
				return nil
			}
		}
	}
}

// SubmitTransaction adds a signed transaction to the pool. Transactions
// calling the aggregated entry point are accepted as bundles.
func (h Handlers) SubmitTransaction(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	var req SubmitTx
	if err := web.Decode(r, &req); err != nil {
		return errs.NewTrustedReason(err, http.StatusBadRequest, "invalid_request")
	}

	if err := validate.Check(req); err != nil {
		return err
	}

	var tx types.Transaction
	if err := tx.UnmarshalBinary(req.Tx); err != nil {
		return errs.NewTrustedReason(fmt.Errorf("decode transaction: %w", err), http.StatusBadRequest, "invalid_tx")
	}

	payloads, err := req.payloads()
	if err != nil {
		return errs.NewTrustedReason(err, http.StatusBadRequest, "invalid_tx")
	}

	h.Log.Infow("submit tx", "traceid", v.TraceID, "hash", tx.Hash(), "payloads", len(payloads))

	ptx, err := h.State.SubmitTransaction(ctx, &tx, payloads)
	if err != nil {
		return admissionError(err)
	}

	return web.Respond(ctx, w, toTx(ptx), http.StatusOK)
}

// Transaction returns the pool transaction for the specified hash.
func (h Handlers) Transaction(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	hash := web.Param(r, "hash")
	if len(hash) != 66 {
		return errs.NewTrusted(fmt.Errorf("invalid transaction hash %q", hash), http.StatusBadRequest)
	}

	tx, exists := h.State.QueryTransaction(common.HexToHash(hash))
	if !exists {
		return errs.NewTrusted(fmt.Errorf("transaction %s not found", hash), http.StatusNotFound)
	}

	return web.Respond(ctx, w, toTx(tx), http.StatusOK)
}

// Pool returns both partitions of the pool in selection order.
func (h Handlers) Pool(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	snap := h.State.QueryMempool()

	pool := Pool{
		Verified: toTxs(snap.Verified),
		Regular:  toTxs(snap.Regular),
	}
	if snap.BaseFee != nil {
		pool.BaseFee = (*hexutil.Big)(snap.BaseFee)
	}

	return web.Respond(ctx, w, pool, http.StatusOK)
}

// Capacity returns the priority blockspace settings.
func (h Handlers) Capacity(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	c := h.State.QueryCapacity()

	resp := Capacity{
		CapacityPercent: c.CapacityPercent,
		Quota:           c.Quota,
		EntryPoint:      c.EntryPoint,
		WorldID:         c.WorldID,
		Window:          h.State.QueryWindow().String(),
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// Usage returns the state of the bucket for a nullifier hash under an
// encoded external nullifier.
func (h Handlers) Usage(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	raw, err := parseField(web.Param(r, "extnull"))
	if err != nil {
		return errs.NewTrusted(fmt.Errorf("external nullifier: %w", err), http.StatusBadRequest)
	}

	en, err := proof.DecodeExternalNullifier(raw)
	if err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	hash, err := parseField(web.Param(r, "hash"))
	if err != nil {
		return errs.NewTrusted(fmt.Errorf("nullifier hash: %w", err), http.StatusBadRequest)
	}

	key := nullifier.Key{
		ExternalNullifier: en,
		NullifierHash:     hash,
	}

	return web.Respond(ctx, w, toUsage(key, h.State.QueryUsage(key)), http.StatusOK)
}

// Registry returns a summary of the nullifier registry.
func (h Handlers) Registry(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return web.Respond(ctx, w, toStats(h.State.QueryRegistry()), http.StatusOK)
}

// Roots returns the recognized WorldID roots, newest first.
func (h Handlers) Roots(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return web.Respond(ctx, w, toRoots(h.State.QueryRoots()), http.StatusOK)
}

// =============================================================================

// admissionError maps a rejected submission to a status code the client
// can act on.
func admissionError(err error) error {
	reason := state.Reason(err)

	switch reason {
	case "error", "cancelled":
		return err
	case "pool_full":
		return errs.NewTrustedReason(err, http.StatusServiceUnavailable, reason)
	case "quota_exceeded":
		return errs.NewTrustedReason(err, http.StatusTooManyRequests, reason)
	case "already_known":
		return errs.NewTrustedReason(err, http.StatusConflict, reason)
	}

	return errs.NewTrustedReason(err, http.StatusBadRequest, reason)
}

// parseField reads a decimal or 0x prefixed hex field element.
func parseField(s string) (uint256.Int, error) {
	v, ok := new(big.Int).SetString(s, 0)
	if !ok || v.Sign() < 0 {
		return uint256.Int{}, errors.New("not a number")
	}

	var u uint256.Int
	if overflow := u.SetFromBig(v); overflow {
		return uint256.Int{}, errors.New("out of range")
	}

	return u, nil
}
