// Package ethrpc implements the chain collaborators over an execution
// client's JSON-RPC API.
package ethrpc

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/chain"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
)

// latestRoot is the selector of the WorldID latestRoot() method.
var latestRoot = crypto.Keccak256([]byte("latestRoot()"))[:4]

// maxReorgDepth bounds how far back a reorg is followed.
const maxReorgDepth = 64

// EventHandler defines a function that is called when events occur while
// following the chain.
type EventHandler func(v string, args ...any)

// Config represents the settings for the client.
type Config struct {
	URL          string
	WorldID      common.Address
	PollInterval time.Duration
	EvHandler    EventHandler
}

// Client follows the chain and simulates transactions over JSON-RPC.
type Client struct {
	eth          *ethclient.Client
	worldID      common.Address
	pollInterval time.Duration
	evHandler    EventHandler
}

// Dial connects to the execution client.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}

	return New(eth, cfg), nil
}

// New constructs a client over an existing connection.
func New(eth *ethclient.Client, cfg Config) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	c := Client{
		eth:          eth,
		worldID:      cfg.WorldID,
		pollInterval: cfg.PollInterval,
		evHandler:    ev,
	}

	return &c
}

// Close releases the connection.
func (c *Client) Close() {
	c.eth.Close()
}

// Head returns the current canonical head.
func (c *Client) Head(ctx context.Context) (chain.Head, error) {
	h, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return chain.Head{}, err
	}

	return chain.NewHead(h), nil
}

// LatestRoot implements the chain.StateProvider and roots.Fetcher
// interfaces by calling latestRoot() on the WorldID contract.
func (c *Client) LatestRoot(ctx context.Context) (uint256.Int, error) {
	msg := ethereum.CallMsg{
		To:   &c.worldID,
		Data: latestRoot,
	}

	out, err := c.eth.CallContract(ctx, msg, nil)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("call latestRoot: %w", err)
	}

	if len(out) != 32 {
		return uint256.Int{}, fmt.Errorf("latestRoot returned %d bytes", len(out))
	}

	var root uint256.Int
	root.SetBytes(out)

	return root, nil
}

// Execute implements the chain.Executor interface. Each transaction is
// simulated on the parent state on its own, the execution client does not
// expose pending block state over RPC.
func (c *Client) Execute(ctx context.Context, parent chain.Head, tx *types.Transaction) (chain.Result, error) {
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return chain.Result{}, fmt.Errorf("%w: sender: %s", chain.ErrInvalidTx, err)
	}

	msg := ethereum.CallMsg{
		From:       from,
		To:         tx.To(),
		Gas:        tx.Gas(),
		GasFeeCap:  tx.GasFeeCap(),
		GasTipCap:  tx.GasTipCap(),
		Value:      tx.Value(),
		Data:       tx.Data(),
		AccessList: tx.AccessList(),
	}

	number := new(big.Int).SetUint64(parent.Number)

	if _, err := c.eth.CallContract(ctx, msg, number); err != nil {
		if isRevert(err) {
			return chain.Result{}, fmt.Errorf("%w: %s", chain.ErrReverted, err)
		}
		return chain.Result{}, err
	}

	gas, err := c.eth.EstimateGas(ctx, msg)
	if err != nil {
		if isRevert(err) {
			return chain.Result{}, fmt.Errorf("%w: estimate gas: %s", chain.ErrReverted, err)
		}
		return chain.Result{}, fmt.Errorf("estimate gas: %w", err)
	}

	if gas > tx.Gas() {
		return chain.Result{}, fmt.Errorf("%w: out of gas: need %d have %d", chain.ErrReverted, gas, tx.Gas())
	}

	return chain.Result{GasUsed: gas}, nil
}

// Subscribe implements the chain.StateProvider interface. It polls for new
// heads until the context is cancelled, walking back through reorgs to the
// common ancestor.
func (c *Client) Subscribe(ctx context.Context, events chan<- chain.Event) error {
	last, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("initial head: %w", err)
	}

	select {
	case events <- chain.Event{Head: chain.NewHead(last)}:
	case <-ctx.Done():
		return nil
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		head, err := c.eth.HeaderByNumber(ctx, nil)
		if err != nil {
			c.evHandler("ethrpc: Subscribe: ERROR: head: %s", err)
			continue
		}

		if head.Hash() == last.Hash() {
			continue
		}

		ev, err := c.advance(ctx, last, head)
		if err != nil {
			c.evHandler("ethrpc: Subscribe: ERROR: advance: %s", err)
			continue
		}

		select {
		case events <- ev:
		case <-ctx.Done():
			return nil
		}

		last = head
	}
}

// =============================================================================

// advance collects the transactions between the last seen head and the new
// one. Blocks abandoned by a reorg contribute to Reverted.
func (c *Client) advance(ctx context.Context, last *types.Header, head *types.Header) (chain.Event, error) {
	var newBlocks []*types.Block
	var oldBlocks []*types.Block

	newHdr := head
	oldHdr := last

	for depth := 0; newHdr.Hash() != oldHdr.Hash(); depth++ {
		if depth > maxReorgDepth {
			return chain.Event{}, errors.New("reorg deeper than the supported depth")
		}

		switch {
		case newHdr.Number.Cmp(oldHdr.Number) > 0:
			b, err := c.eth.BlockByHash(ctx, newHdr.Hash())
			if err != nil {
				return chain.Event{}, err
			}
			newBlocks = append(newBlocks, b)

			if newHdr, err = c.eth.HeaderByHash(ctx, newHdr.ParentHash); err != nil {
				return chain.Event{}, err
			}

		default:
			b, err := c.eth.BlockByHash(ctx, oldHdr.Hash())
			if err != nil {
				return chain.Event{}, err
			}
			oldBlocks = append(oldBlocks, b)

			if oldHdr, err = c.eth.HeaderByHash(ctx, oldHdr.ParentHash); err != nil {
				return chain.Event{}, err
			}
		}
	}

	ev := chain.Event{Head: chain.NewHead(head)}
	for i := len(newBlocks) - 1; i >= 0; i-- {
		for _, tx := range newBlocks[i].Transactions() {
			ev.Included = append(ev.Included, tx.Hash())
		}
	}
	for _, b := range oldBlocks {
		for _, tx := range b.Transactions() {
			ev.Reverted = append(ev.Reverted, tx.Hash())
		}
	}

	if len(oldBlocks) > 0 {
		c.evHandler("ethrpc: Subscribe: reorg: dropped[%d] blocks added[%d] blocks", len(oldBlocks), len(newBlocks))
	}

	return ev, nil
}

// isRevert reports whether the call error is an execution revert rather
// than a transport failure.
func isRevert(err error) bool {
	return strings.Contains(err.Error(), "execution reverted")
}
