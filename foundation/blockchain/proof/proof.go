// Package proof defines the human verification proof attached to priority
// transactions and the encodings used to carry it on chain.
package proof

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// ErrMalformed is returned when a proof or one of its encodings cannot be
// decoded.
var ErrMalformed = errors.New("malformed proof")

// Proof is a verified-unique-human proof bound to one signal. A Proof is an
// immutable value and is copied freely.
type Proof struct {
	Root              uint256.Int
	NullifierHash     uint256.Int
	ExternalNullifier ExternalNullifier
	SignalHash        uint256.Int
	Points            [8]uint256.Int
}

// String implements the Stringer interface for logging.
func (p Proof) String() string {
	return fmt.Sprintf("root[%s] nullifier[%s] extnull[%s]", p.Root.Hex(), p.NullifierHash.Hex(), p.ExternalNullifier)
}

// =============================================================================

// Payload is the ABI shape of a proof as the PBH entry point contract sees
// it. The field names and order match the Solidity PBHPayload struct so the
// abi package can copy values in and out of it.
type Payload struct {
	Root                 *big.Int
	PbhExternalNullifier *big.Int
	NullifierHash        *big.Int
	Proof                [8]*big.Int
}

// NewPayload converts a proof into its ABI form. The signal hash is not part
// of the payload since the contract recomputes it from the operation.
func NewPayload(p Proof) Payload {
	en := p.ExternalNullifier.Encode()

	var points [8]*big.Int
	for i := range p.Points {
		points[i] = p.Points[i].ToBig()
	}

	return Payload{
		Root:                 p.Root.ToBig(),
		PbhExternalNullifier: en.ToBig(),
		NullifierHash:        p.NullifierHash.ToBig(),
		Proof:                points,
	}
}

// ToProof validates the payload fields and binds them to the signal of the
// operation that carries the payload.
func (pl Payload) ToProof(signalHash uint256.Int) (Proof, error) {
	root, err := field("root", pl.Root)
	if err != nil {
		return Proof{}, err
	}

	nullifier, err := field("nullifier hash", pl.NullifierHash)
	if err != nil {
		return Proof{}, err
	}

	raw, err := field("external nullifier", pl.PbhExternalNullifier)
	if err != nil {
		return Proof{}, err
	}

	en, err := DecodeExternalNullifier(raw)
	if err != nil {
		return Proof{}, err
	}

	p := Proof{
		Root:              root,
		NullifierHash:     nullifier,
		ExternalNullifier: en,
		SignalHash:        signalHash,
	}

	for i, v := range pl.Proof {
		pt, err := field(fmt.Sprintf("proof[%d]", i), v)
		if err != nil {
			return Proof{}, err
		}
		p.Points[i] = pt
	}

	return p, nil
}

// field converts an ABI integer into a uint256 value.
func field(name string, v *big.Int) (uint256.Int, error) {
	if v == nil {
		return uint256.Int{}, fmt.Errorf("%w: missing %s", ErrMalformed, name)
	}

	var u uint256.Int
	if overflow := u.SetFromBig(v); overflow || v.Sign() < 0 {
		return uint256.Int{}, fmt.Errorf("%w: %s out of range", ErrMalformed, name)
	}

	return u, nil
}
