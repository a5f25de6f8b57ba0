// Package identity validates human verification proofs before they are
// allowed to claim priority blockspace.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/proof"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/roots"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/holiman/uint256"
)

// ErrInvalidProof is returned when a proof fails any check that is not about
// its root.
var ErrInvalidProof = errors.New("invalid proof")

// ProofVerifier represents the zero knowledge check of a proof against its
// public inputs.
type ProofVerifier interface {
	VerifyProof(p proof.Proof) error
}

// Config represents the settings for the verifier.
type Config struct {
	Backend ProofVerifier
	AppIDs  []uint16
	Clock   func() time.Time
}

// Verifier validates proofs. It holds no mutable state and is safe for
// concurrent use.
type Verifier struct {
	backend ProofVerifier
	apps    map[uint16]struct{}
	clock   func() time.Time
	modulus uint256.Int
}

// New constructs a verifier. An empty AppIDs list accepts every application.
func New(cfg Config) (*Verifier, error) {
	if cfg.Backend == nil {
		return nil, errors.New("proof verifier backend is required")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	var apps map[uint16]struct{}
	if len(cfg.AppIDs) > 0 {
		apps = make(map[uint16]struct{}, len(cfg.AppIDs))
		for _, id := range cfg.AppIDs {
			apps[id] = struct{}{}
		}
	}

	var modulus uint256.Int
	modulus.SetFromBig(fr.Modulus())

	v := Verifier{
		backend: cfg.Backend,
		apps:    apps,
		clock:   clock,
		modulus: modulus,
	}

	return &v, nil
}

// Verify checks the proof root is recognized by the root set, the external
// nullifier is valid for the current window and the proof itself verifies.
// Errors wrap ErrInvalidProof, roots.ErrStaleRoot or roots.ErrUnknownRoot.
func (v *Verifier) Verify(p proof.Proof, rs *roots.Set) error {
	now := v.clock()

	if err := rs.Check(p.Root, now); err != nil {
		return err
	}

	if err := v.checkExternalNullifier(p.ExternalNullifier, now); err != nil {
		return err
	}

	if p.NullifierHash.IsZero() {
		return fmt.Errorf("%w: zero nullifier hash", ErrInvalidProof)
	}

	inputs := []struct {
		name  string
		value *uint256.Int
	}{
		{"root", &p.Root},
		{"nullifier hash", &p.NullifierHash},
		{"signal hash", &p.SignalHash},
	}
	for _, in := range inputs {
		if !in.value.Lt(&v.modulus) {
			return fmt.Errorf("%w: %s outside the scalar field", ErrInvalidProof, in.name)
		}
	}

	if err := v.backend.VerifyProof(p); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidProof, err)
	}

	return nil
}

// VerifySignal checks the proof commits to the expected signal.
func (v *Verifier) VerifySignal(p proof.Proof, signal uint256.Int) error {
	if p.SignalHash != signal {
		return fmt.Errorf("%w: signal hash mismatch", ErrInvalidProof)
	}

	return nil
}

// Window returns the window proofs must be scoped to right now.
func (v *Verifier) Window() proof.Window {
	return proof.WindowOf(v.clock())
}

// =============================================================================

func (v *Verifier) checkExternalNullifier(en proof.ExternalNullifier, now time.Time) error {
	if en.Version != proof.Version1 {
		return fmt.Errorf("%w: external nullifier version %d", ErrInvalidProof, en.Version)
	}

	if current := proof.WindowOf(now); en.Window() != current {
		return fmt.Errorf("%w: external nullifier window %s, current %s", ErrInvalidProof, en.Window(), current)
	}

	if v.apps != nil {
		if _, exists := v.apps[en.AppID]; !exists {
			return fmt.Errorf("%w: app id %d not accepted", ErrInvalidProof, en.AppID)
		}
	}

	return nil
}
