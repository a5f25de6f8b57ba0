package public

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/mempool"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/nullifier"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/proof"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/roots"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// PBHPayload is the JSON form of a proof attached to a transaction.
type PBHPayload struct {
	Root              *hexutil.Big    `json:"root" validate:"required"`
	ExternalNullifier *hexutil.Big    `json:"pbhExternalNullifier" validate:"required"`
	NullifierHash     *hexutil.Big    `json:"nullifierHash" validate:"required"`
	Proof             [8]*hexutil.Big `json:"proof" validate:"dive,required"`
}

func (p PBHPayload) toPayload() proof.Payload {
	var points [8]*big.Int
	for i := range p.Proof {
		points[i] = p.Proof[i].ToInt()
	}

	return proof.Payload{
		Root:                 p.Root.ToInt(),
		PbhExternalNullifier: p.ExternalNullifier.ToInt(),
		NullifierHash:        p.NullifierHash.ToInt(),
		Proof:                points,
	}
}

// SubmitTx is the request to add a signed transaction to the pool. Payloads
// are given either as JSON values or as the ABI encoded PBHPayload[] bytes.
type SubmitTx struct {
	Tx           hexutil.Bytes `json:"tx,omitempty" validate:"required"`
	Payloads     []PBHPayload  `json:"payloads,omitempty" validate:"omitempty,dive"`
	PayloadsData hexutil.Bytes `json:"payloadsData,omitempty" validate:"excluded_with=Payloads"`
}

func (s SubmitTx) payloads() ([]proof.Payload, error) {
	if len(s.PayloadsData) > 0 {
		pls, err := proof.DecodePayloads(s.PayloadsData)
		if err != nil {
			return nil, fmt.Errorf("payloads data: %w", err)
		}
		return pls, nil
	}

	pls := make([]proof.Payload, len(s.Payloads))
	for i, p := range s.Payloads {
		pls[i] = p.toPayload()
	}
	return pls, nil
}

// =============================================================================

// Tx is a transaction held by the pool.
type Tx struct {
	Hash      common.Hash    `json:"hash"`
	From      common.Address `json:"from"`
	To        string         `json:"to,omitempty"`
	Nonce     uint64         `json:"nonce"`
	Gas       uint64         `json:"gas"`
	GasFeeCap *hexutil.Big   `json:"maxFeePerGas"`
	GasTipCap *hexutil.Big   `json:"maxPriorityFeePerGas"`
	Verified  bool           `json:"verified"`
	Proofs    []string       `json:"proofs,omitempty"`
	Arrived   time.Time      `json:"arrived"`
}

func toTx(tx mempool.Tx) Tx {
	t := Tx{
		Hash:      tx.Hash(),
		From:      tx.From,
		Nonce:     tx.Nonce(),
		Gas:       tx.Gas(),
		GasFeeCap: (*hexutil.Big)(tx.GasFeeCap()),
		GasTipCap: (*hexutil.Big)(tx.GasTipCap()),
		Verified:  tx.Verified(),
		Arrived:   tx.Arrived,
	}

	if tx.To() != nil {
		t.To = tx.To().Hex()
	}

	for _, p := range tx.Proofs {
		t.Proofs = append(t.Proofs, p.String())
	}

	return t
}

func toTxs(txs []mempool.Tx) []Tx {
	out := make([]Tx, len(txs))
	for i, tx := range txs {
		out[i] = toTx(tx)
	}
	return out
}

// Pool is the content of both partitions in selection order.
type Pool struct {
	BaseFee  *hexutil.Big `json:"baseFee,omitempty"`
	Verified []Tx         `json:"verified"`
	Regular  []Tx         `json:"regular"`
}

// Capacity describes the priority blockspace settings.
type Capacity struct {
	CapacityPercent uint8          `json:"capacityPercent"`
	Quota           uint16         `json:"quotaPerWindow"`
	EntryPoint      common.Address `json:"entryPoint"`
	WorldID         common.Address `json:"worldId"`
	Window          string         `json:"window"`
}

// Usage is the state of one nullifier bucket.
type Usage struct {
	ExternalNullifier string `json:"externalNullifier"`
	NullifierHash     string `json:"nullifierHash"`
	Window            string `json:"window"`
	Quota             uint16 `json:"quota"`
	Committed         uint16 `json:"committed"`
	Reserved          int    `json:"reserved"`
	Available         int    `json:"available"`
}

func toUsage(key nullifier.Key, u nullifier.Usage) Usage {
	return Usage{
		ExternalNullifier: key.ExternalNullifier.String(),
		NullifierHash:     key.NullifierHash.Hex(),
		Window:            u.Window.String(),
		Quota:             u.Quota,
		Committed:         u.Committed,
		Reserved:          u.Reserved,
		Available:         u.Available(),
	}
}

// Stats summarizes the nullifier registry.
type Stats struct {
	Window    string `json:"window"`
	Buckets   int    `json:"buckets"`
	Reserved  int    `json:"reserved"`
	Committed int    `json:"committed"`
	Held      int    `json:"held"`
}

func toStats(s nullifier.Stats) Stats {
	return Stats{
		Window:    s.Window.String(),
		Buckets:   s.Buckets,
		Reserved:  s.Reserved,
		Committed: s.Committed,
		Held:      s.Held,
	}
}

// Root is a recognized WorldID root.
type Root struct {
	Root   string    `json:"root"`
	SeenAt time.Time `json:"seenAt"`
	Latest bool      `json:"latest"`
}

func toRoots(entries []roots.Entry) []Root {
	out := make([]Root, len(entries))
	for i, e := range entries {
		out[i] = Root{
			Root:   e.Root.Hex(),
			SeenAt: e.SeenAt,
			Latest: e.Latest,
		}
	}
	return out
}
