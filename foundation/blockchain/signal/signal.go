// Package signal provides helper functions for hashing data into the scalar
// field used by the human verification proofs.
package signal

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// ZeroHash represents a hash code of zeros.
const ZeroHash string = "0x0000000000000000000000000000000000000000000000000000000000000000"

// =============================================================================

// Hash returns a unique string for the value.
func Hash(value any) string {
	data, err := json.Marshal(value)
	if err != nil {
		return ZeroHash
	}

	return hexutil.Encode(crypto.Keccak256(data))
}

// HashToField hashes the data with keccak256 and shifts the result right by
// 8 bits so the value always fits inside the BN254 scalar field.
func HashToField(data ...[]byte) uint256.Int {
	var v uint256.Int
	v.SetBytes(crypto.Keccak256(data...))
	v.Rsh(&v, 8)

	return v
}

// Of computes the signal a proof must commit to for an operation issued by
// sender with the given nonce and calldata. The data is packed the way
// abi.encodePacked(address, uint256, bytes) does before hashing.
func Of(sender common.Address, nonce *big.Int, callData []byte) uint256.Int {
	var n uint256.Int
	if nonce != nil {
		n.SetFromBig(nonce)
	}
	nb := n.Bytes32()

	return HashToField(sender.Bytes(), nb[:], callData)
}

// OfNonce is Of for callers holding the nonce as a plain integer.
func OfNonce(sender common.Address, nonce uint64, callData []byte) uint256.Int {
	return Of(sender, new(big.Int).SetUint64(nonce), callData)
}
