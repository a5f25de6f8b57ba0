package identity

import (
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/proof"
	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fp"
	"github.com/consensys/gnark/backend/groth16"
	groth16bn254 "github.com/consensys/gnark/backend/groth16/bn254"
	"github.com/consensys/gnark/frontend"
	gnarklogger "github.com/consensys/gnark/logger"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// publicInputs lists the public inputs of the semaphore circuit in the order
// the verifying key expects them.
type publicInputs struct {
	Root              frontend.Variable `gnark:",public"`
	NullifierHash     frontend.Variable `gnark:",public"`
	SignalHash        frontend.Variable `gnark:",public"`
	ExternalNullifier frontend.Variable `gnark:",public"`
}

// Define is required to build a witness. The constraints live in the
// circuit that produced the verifying key.
func (c *publicInputs) Define(api frontend.API) error {
	return nil
}

// Groth16 verifies semaphore proofs over BN254.
type Groth16 struct {
	vk groth16.VerifyingKey
}

// NewGroth16 constructs a verifier for the specified verifying key.
func NewGroth16(vk groth16.VerifyingKey) (*Groth16, error) {
	if vk == nil {
		return nil, errors.New("verifying key is required")
	}

	gnarklogger.Set(zerolog.New(io.Discard).Level(zerolog.Disabled))

	return &Groth16{vk: vk}, nil
}

// LoadGroth16 reads a serialized BN254 verifying key.
func LoadGroth16(r io.Reader) (*Groth16, error) {
	vk := groth16.NewVerifyingKey(ecc.BN254)
	if _, err := vk.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("read verifying key: %w", err)
	}

	return NewGroth16(vk)
}

// VerifyProof implements the ProofVerifier interface.
func (g *Groth16) VerifyProof(p proof.Proof) error {
	pr, err := toBN254(p.Points)
	if err != nil {
		return err
	}

	en := p.ExternalNullifier.Encode()
	assignment := publicInputs{
		Root:              p.Root.ToBig(),
		NullifierHash:     p.NullifierHash.ToBig(),
		SignalHash:        p.SignalHash.ToBig(),
		ExternalNullifier: en.ToBig(),
	}

	w, err := frontend.NewWitness(&assignment, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return fmt.Errorf("public witness: %w", err)
	}

	if err := groth16.Verify(pr, g.vk, w); err != nil {
		return fmt.Errorf("groth16: %w", err)
	}

	return nil
}

// =============================================================================

// toBN254 converts the eight proof words into curve points. The G2 point
// carries the imaginary part of each coordinate first, as the solidity
// verifier does.
func toBN254(points [8]uint256.Int) (*groth16bn254.Proof, error) {
	words := make([]*big.Int, len(points))
	modulus := fp.Modulus()
	for i := range points {
		words[i] = points[i].ToBig()
		if words[i].Cmp(modulus) >= 0 {
			return nil, fmt.Errorf("proof word %d outside the base field", i)
		}
	}

	var pr groth16bn254.Proof
	pr.Ar.X.SetBigInt(words[0])
	pr.Ar.Y.SetBigInt(words[1])
	pr.Bs.X.A1.SetBigInt(words[2])
	pr.Bs.X.A0.SetBigInt(words[3])
	pr.Bs.Y.A1.SetBigInt(words[4])
	pr.Bs.Y.A0.SetBigInt(words[5])
	pr.Krs.X.SetBigInt(words[6])
	pr.Krs.Y.SetBigInt(words[7])

	if !pr.Ar.IsInSubGroup() || !pr.Krs.IsInSubGroup() {
		return nil, errors.New("G1 point not on the curve")
	}
	if !pr.Bs.IsInSubGroup() {
		return nil, errors.New("G2 point not on the curve")
	}

	return &pr, nil
}
