package aggregator

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/signal"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// entryPointABI describes the entry point method carrying aggregated bundles.
const entryPointABI = `[{
	"type": "function",
	"name": "handleAggregatedOps",
	"stateMutability": "nonpayable",
	"inputs": [
		{"name": "opsPerAggregator", "type": "tuple[]", "components": [
			{"name": "userOps", "type": "tuple[]", "components": [
				{"name": "sender", "type": "address"},
				{"name": "nonce", "type": "uint256"},
				{"name": "initCode", "type": "bytes"},
				{"name": "callData", "type": "bytes"},
				{"name": "accountGasLimits", "type": "bytes32"},
				{"name": "preVerificationGas", "type": "uint256"},
				{"name": "gasFees", "type": "bytes32"},
				{"name": "paymasterAndData", "type": "bytes"},
				{"name": "signature", "type": "bytes"}
			]},
			{"name": "aggregator", "type": "address"},
			{"name": "signature", "type": "bytes"}
		]},
		{"name": "beneficiary", "type": "address"}
	],
	"outputs": []
}]`

var handleAggregatedOps = func() abi.Method {
	parsed, err := abi.JSON(strings.NewReader(entryPointABI))
	if err != nil {
		panic(err)
	}

	return parsed.Methods["handleAggregatedOps"]
}()

// =============================================================================

// UserOperation is a packed ERC-4337 user operation.
type UserOperation struct {
	Sender             common.Address
	Nonce              *big.Int
	InitCode           []byte
	CallData           []byte
	AccountGasLimits   [32]byte
	PreVerificationGas *big.Int
	GasFees            [32]byte
	PaymasterAndData   []byte
	Signature          []byte
}

// Signal returns the signal a proof attached to the operation must commit
// to.
func (op UserOperation) Signal() uint256.Int {
	return signal.Of(op.Sender, op.Nonce, op.CallData)
}

// VerificationGasLimit returns the high half of the packed account limits.
func (op UserOperation) VerificationGasLimit() *big.Int {
	return new(big.Int).SetBytes(op.AccountGasLimits[:16])
}

// CallGasLimit returns the low half of the packed account limits.
func (op UserOperation) CallGasLimit() *big.Int {
	return new(big.Int).SetBytes(op.AccountGasLimits[16:])
}

// PackGasLimits packs the verification and call gas limits the way the entry
// point expects them.
func PackGasLimits(verification uint64, call uint64) [32]byte {
	var packed [32]byte
	new(big.Int).SetUint64(verification).FillBytes(packed[8:16])
	new(big.Int).SetUint64(call).FillBytes(packed[24:32])
	return packed
}

// Group is the set of operations sharing one aggregated signature.
type Group struct {
	UserOps    []UserOperation
	Aggregator common.Address
	Signature  []byte
}

// Bundle is a decoded handleAggregatedOps call.
type Bundle struct {
	EntryPoint  common.Address
	Groups      []Group
	Beneficiary common.Address
}

// Ops returns the number of operations across every group.
func (b Bundle) Ops() int {
	var n int
	for _, g := range b.Groups {
		n += len(g.UserOps)
	}
	return n
}

// =============================================================================

// IsBundle reports whether the transaction calls handleAggregatedOps on the
// specified entry point.
func IsBundle(tx *types.Transaction, entryPoint common.Address) bool {
	if tx.To() == nil || *tx.To() != entryPoint {
		return false
	}

	return bytes.HasPrefix(tx.Data(), handleAggregatedOps.ID)
}

// Decode extracts the bundle from a transaction's calldata.
func Decode(tx *types.Transaction) (Bundle, error) {
	if tx.To() == nil {
		return Bundle{}, fmt.Errorf("%w: contract creation", ErrAggregationMismatch)
	}

	data := tx.Data()
	if !bytes.HasPrefix(data, handleAggregatedOps.ID) {
		return Bundle{}, fmt.Errorf("%w: not a handleAggregatedOps call", ErrAggregationMismatch)
	}

	values, err := handleAggregatedOps.Inputs.Unpack(data[len(handleAggregatedOps.ID):])
	if err != nil {
		return Bundle{}, fmt.Errorf("%w: unpack calldata: %s", ErrAggregationMismatch, err)
	}

	var args struct {
		OpsPerAggregator []Group
		Beneficiary      common.Address
	}
	if err := handleAggregatedOps.Inputs.Copy(&args, values); err != nil {
		return Bundle{}, fmt.Errorf("%w: copy calldata: %s", ErrAggregationMismatch, err)
	}

	b := Bundle{
		EntryPoint:  *tx.To(),
		Groups:      args.OpsPerAggregator,
		Beneficiary: args.Beneficiary,
	}

	return b, nil
}

// Encode builds the handleAggregatedOps calldata for the groups. Every
// operation must carry a nonce and a pre-verification gas value.
func Encode(groups []Group, beneficiary common.Address) ([]byte, error) {
	if len(groups) == 0 {
		return nil, errors.New("no groups")
	}

	for i, g := range groups {
		for j, op := range g.UserOps {
			if op.Nonce == nil || op.PreVerificationGas == nil {
				return nil, fmt.Errorf("group %d operation %d: missing nonce or pre-verification gas", i, j)
			}
		}
	}

	args, err := handleAggregatedOps.Inputs.Pack(groups, beneficiary)
	if err != nil {
		return nil, fmt.Errorf("pack calldata: %w", err)
	}

	return append(append([]byte{}, handleAggregatedOps.ID...), args...), nil
}
