package aggregator_test

import (
	"math/big"
	"testing"
	"time"

	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/aggregator"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/proof"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

var (
	entryPoint = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")
	signer     = common.HexToAddress("0x8af27Ee9AF538C48C7D2a2c8BD6a40eF830e2489")
	other      = common.HexToAddress("0xbEE6ACE826eC3DE1B6349888B9151B92522F7F76")
)

func newOps(n int) []aggregator.UserOperation {
	ops := make([]aggregator.UserOperation, n)
	for i := range ops {
		ops[i] = aggregator.UserOperation{
			Sender:             common.BigToAddress(big.NewInt(int64(1000 + i))),
			Nonce:              big.NewInt(int64(i)),
			CallData:           []byte{0xca, 0xfe, byte(i)},
			AccountGasLimits:   aggregator.PackGasLimits(100_000, 50_000),
			PreVerificationGas: big.NewInt(21_000),
		}
	}
	return ops
}

func newSignature(t *testing.T, n int) []byte {
	payloads := make([]proof.Payload, n)
	for i := range payloads {
		payloads[i] = proof.NewPayload(proof.Proof{
			Root:              *uint256.NewInt(42),
			NullifierHash:     *uint256.NewInt(uint64(500 + i)),
			ExternalNullifier: proof.NewExternalNullifier(0, time.Now()),
		})
	}

	sig, err := proof.EncodePayloads(payloads)
	require.NoError(t, err)

	return sig
}

func newBundleTx(t *testing.T, to common.Address, groups []aggregator.Group) *types.Transaction {
	data, err := aggregator.Encode(groups, other)
	require.NoError(t, err)

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(480),
		Gas:       1_000_000,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(10),
		To:        &to,
		Data:      data,
	})
}

func newValidator(t *testing.T) *aggregator.Validator {
	v, err := aggregator.New(aggregator.Config{EntryPoint: entryPoint, Aggregator: signer})
	require.NoError(t, err)
	return v
}

// =============================================================================

func TestDecode(t *testing.T) {
	ops := newOps(3)
	tx := newBundleTx(t, entryPoint, []aggregator.Group{{UserOps: ops, Aggregator: signer, Signature: newSignature(t, 3)}})

	require.True(t, aggregator.IsBundle(tx, entryPoint))
	require.False(t, aggregator.IsBundle(tx, other))

	b, err := aggregator.Decode(tx)
	require.NoError(t, err)
	require.Equal(t, entryPoint, b.EntryPoint)
	require.Equal(t, other, b.Beneficiary)
	require.Equal(t, 3, b.Ops())
	require.Equal(t, ops[2].Sender, b.Groups[0].UserOps[2].Sender)
	require.Equal(t, ops[2].CallData, b.Groups[0].UserOps[2].CallData)
	require.Equal(t, uint64(50_000), b.Groups[0].UserOps[2].CallGasLimit().Uint64())
	require.Equal(t, uint64(100_000), b.Groups[0].UserOps[2].VerificationGasLimit().Uint64())

	plain := types.NewTx(&types.DynamicFeeTx{To: &entryPoint, Data: []byte{0x01, 0x02, 0x03, 0x04}})
	require.False(t, aggregator.IsBundle(plain, entryPoint))

	_, err = aggregator.Decode(plain)
	require.ErrorIs(t, err, aggregator.ErrAggregationMismatch)
}

func TestValidate(t *testing.T) {
	v := newValidator(t)
	ops := newOps(3)

	b, err := aggregator.Decode(newBundleTx(t, entryPoint, []aggregator.Group{{UserOps: ops, Aggregator: signer, Signature: newSignature(t, 3)}}))
	require.NoError(t, err)

	proofs, err := v.Validate(b)
	require.NoError(t, err)
	require.Len(t, proofs, 3)

	for i, p := range proofs {
		require.Equal(t, ops[i].Signal(), p.SignalHash, "proof %d is bound to its operation", i)
		require.Equal(t, uint64(500+i), p.NullifierHash.Uint64(), "proofs keep the operation order")
	}
}

func TestValidateMismatch(t *testing.T) {
	v := newValidator(t)

	tt := []struct {
		name   string
		to     common.Address
		groups []aggregator.Group
	}{
		{
			name:   "wrong entry point",
			to:     other,
			groups: []aggregator.Group{{UserOps: newOps(1), Aggregator: signer, Signature: newSignature(t, 1)}},
		},
		{
			name: "two groups",
			to:   entryPoint,
			groups: []aggregator.Group{
				{UserOps: newOps(1), Aggregator: signer, Signature: newSignature(t, 1)},
				{UserOps: newOps(1), Aggregator: signer, Signature: newSignature(t, 1)},
			},
		},
		{
			name:   "wrong aggregator",
			to:     entryPoint,
			groups: []aggregator.Group{{UserOps: newOps(1), Aggregator: other, Signature: newSignature(t, 1)}},
		},
		{
			name:   "too few proofs",
			to:     entryPoint,
			groups: []aggregator.Group{{UserOps: newOps(3), Aggregator: signer, Signature: newSignature(t, 2)}},
		},
		{
			name:   "garbage signature",
			to:     entryPoint,
			groups: []aggregator.Group{{UserOps: newOps(1), Aggregator: signer, Signature: []byte{0xff}}},
		},
		{
			name:   "no operations",
			to:     entryPoint,
			groups: []aggregator.Group{{UserOps: []aggregator.UserOperation{}, Aggregator: signer, Signature: newSignature(t, 0)}},
		},
	}

	for _, tst := range tt {
		t.Run(tst.name, func(t *testing.T) {
			b, err := aggregator.Decode(newBundleTx(t, tst.to, tst.groups))
			require.NoError(t, err)

			_, err = v.Validate(b)
			require.ErrorIs(t, err, aggregator.ErrAggregationMismatch)
		})
	}
}
