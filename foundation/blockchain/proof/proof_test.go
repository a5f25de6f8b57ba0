package proof_test

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/proof"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func Test_ExternalNullifier(t *testing.T) {
	now := time.Date(2025, time.January, 17, 10, 0, 0, 0, time.UTC)
	en := proof.NewExternalNullifier(7, now)

	raw := en.Encode()
	exp := uint64(1) | 7<<8 | 1<<24 | 2025<<32
	require.Equal(t, exp, raw.Uint64())

	got, err := proof.DecodeExternalNullifier(raw)
	require.NoError(t, err)
	require.Equal(t, en, got)

	require.Equal(t, proof.WindowOf(now), en.Window())
	require.Equal(t, "2025-01", en.Window().String())
	require.Equal(t, time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC), en.Window().Start())

	dec := proof.NewExternalNullifier(7, time.Date(2024, time.December, 31, 23, 59, 59, 0, time.UTC))
	require.Equal(t, en.Window()-1, dec.Window())
}

func Test_ExternalNullifierMalformed(t *testing.T) {
	tt := []struct {
		name string
		raw  uint256.Int
	}{
		{"month zero", *uint256.NewInt(1 | 7<<8 | 0<<24 | 2025<<32)},
		{"month thirteen", *uint256.NewInt(1 | 7<<8 | 13<<24 | 2025<<32)},
		{"too wide", *new(uint256.Int).Lsh(uint256.NewInt(1), 60)},
	}

	for _, tst := range tt {
		t.Run(tst.name, func(t *testing.T) {
			_, err := proof.DecodeExternalNullifier(tst.raw)
			require.True(t, errors.Is(err, proof.ErrMalformed), "got %v", err)
		})
	}
}

func Test_PayloadRoundTrip(t *testing.T) {
	p := proof.Proof{
		Root:              *uint256.NewInt(1000),
		NullifierHash:     *uint256.NewInt(2000),
		ExternalNullifier: proof.NewExternalNullifier(0, time.Now()),
		SignalHash:        *uint256.NewInt(3000),
	}
	for i := range p.Points {
		p.Points[i] = *uint256.NewInt(uint64(i + 1))
	}

	data, err := proof.EncodePayloads([]proof.Payload{proof.NewPayload(p), proof.NewPayload(p)})
	require.NoError(t, err)

	payloads, err := proof.DecodePayloads(data)
	require.NoError(t, err)
	require.Len(t, payloads, 2)

	got, err := payloads[1].ToProof(p.SignalHash)
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func Test_PayloadMalformed(t *testing.T) {
	_, err := proof.DecodePayloads([]byte{0x01, 0x02})
	require.ErrorIs(t, err, proof.ErrMalformed)

	pl := proof.NewPayload(proof.Proof{ExternalNullifier: proof.NewExternalNullifier(0, time.Now())})
	pl.Root = new(big.Int).Lsh(big.NewInt(1), 260)

	_, err = pl.ToProof(uint256.Int{})
	require.ErrorIs(t, err, proof.ErrMalformed)

	pl = proof.NewPayload(proof.Proof{ExternalNullifier: proof.NewExternalNullifier(0, time.Now())})
	pl.Proof[3] = nil

	_, err = pl.ToProof(uint256.Int{})
	require.ErrorIs(t, err, proof.ErrMalformed)
}
