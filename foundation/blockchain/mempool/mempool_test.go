package mempool_test

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/aggregator"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/identity"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/mempool"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/nullifier"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/proof"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/roots"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

const (
	keyPavel = "fae85851bdf5c9f49923722ce38f3c1defcfd3619ef5453230a58ad805499959"
	keyBill  = "9f332e3700d8fc2446eaf6d15034cf96e0c2745e40353deef032a5dbf1dfed93"
	keyEd    = "aed31b6b5a341af8f27e66fb0b7633cf20fc27049e3eb7f6f623a4655b719ebb"
)

var (
	chainID    = big.NewInt(480)
	now        = time.Date(2025, time.February, 10, 15, 0, 0, 0, time.UTC)
	entryPoint = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")
	signerAddr = common.HexToAddress("0x8af27Ee9AF538C48C7D2a2c8BD6a40eF830e2489")
	to         = common.HexToAddress("0xbEE6ACE826eC3DE1B6349888B9151B92522F7F76")
)

// verifier accepts every proof except those with a nullifier hash listed in
// reject.
type verifier struct {
	reject map[uint64]bool
}

func (v verifier) Verify(p proof.Proof, rs *roots.Set) error {
	if v.reject[p.NullifierHash.Uint64()] {
		return identity.ErrInvalidProof
	}
	return rs.Check(p.Root, now)
}

type env struct {
	pool     *mempool.Mempool
	registry *nullifier.Registry
}

func newEnv(t *testing.T, maxTxs int, reject ...uint64) env {
	registry, err := nullifier.New(nullifier.Config{Quota: 2, Clock: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("Should be able to construct the registry: %v", err)
	}

	rs := roots.New(roots.Config{})
	rs.Add(*uint256.NewInt(42), now)

	v := verifier{reject: make(map[uint64]bool)}
	for _, n := range reject {
		v.reject[n] = true
	}

	bundles, err := aggregator.New(aggregator.Config{EntryPoint: entryPoint, Aggregator: signerAddr})
	if err != nil {
		t.Fatalf("Should be able to construct the bundle validator: %v", err)
	}

	pool, err := mempool.New(mempool.Config{
		ChainID:  chainID,
		MaxTxs:   maxTxs,
		Lifetime: time.Hour,
		Verifier: v,
		Roots:    rs,
		Bundles:  bundles,
		Registry: registry,
		Clock:    func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("Should be able to construct the pool: %v", err)
	}

	return env{pool: pool, registry: registry}
}

func sign(t *testing.T, hexKey string, nonce uint64, tip int64, gas uint64, data []byte) *types.Transaction {
	pk, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		t.Fatalf("Should be able to load the key: %v", err)
	}

	return signWith(t, pk, &types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: big.NewInt(tip),
		GasFeeCap: big.NewInt(tip + 100),
		Gas:       gas,
		To:        &to,
		Data:      data,
	})
}

func signWith(t *testing.T, pk *ecdsa.PrivateKey, inner *types.DynamicFeeTx) *types.Transaction {
	tx, err := types.SignTx(types.NewTx(inner), types.LatestSignerForChainID(chainID), pk)
	if err != nil {
		t.Fatalf("Should be able to sign the transaction: %v", err)
	}
	return tx
}

func payload(nullifierHash uint64) proof.Payload {
	return proof.NewPayload(proof.Proof{
		Root:              *uint256.NewInt(42),
		NullifierHash:     *uint256.NewInt(nullifierHash),
		ExternalNullifier: proof.NewExternalNullifier(0, now),
	})
}

func keyOf(nullifierHash uint64) nullifier.Key {
	return nullifier.Key{
		ExternalNullifier: proof.NewExternalNullifier(0, now),
		NullifierHash:     *uint256.NewInt(nullifierHash),
	}
}

// =============================================================================

func TestSubmit(t *testing.T) {
	e := newEnv(t, 100, 666)
	ctx := context.Background()

	t.Log("Given the need to admit transactions into the right partition.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen submitting a plain transaction.", testID)
		{
			tx, err := e.pool.Submit(ctx, sign(t, keyBill, 0, 5, 21_000, nil), nil)
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to submit: %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould be able to submit.", success, testID)

			if tx.Verified() || len(tx.Tickets) != 0 {
				t.Fatalf("\t%s\tTest %d:\tShould land in the regular partition.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould land in the regular partition.", success, testID)
		}

		testID++
		t.Logf("\tTest %d:\tWhen submitting a transaction with a proof.", testID)
		{
			raw := sign(t, keyPavel, 0, 5, 50_000, []byte{0x01})
			tx, err := e.pool.Submit(ctx, raw, []proof.Payload{payload(1)})
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to submit: %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould be able to submit.", success, testID)

			if !tx.Verified() || len(tx.Tickets) != 1 {
				t.Fatalf("\t%s\tTest %d:\tShould land in the verified partition with a ticket.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould land in the verified partition with a ticket.", success, testID)

			if u := e.registry.Usage(keyOf(1)); u.Reserved != 1 {
				t.Fatalf("\t%s\tTest %d:\tShould reserve the quota: %+v", failed, testID, u)
			}
			t.Logf("\t%s\tTest %d:\tShould reserve the quota.", success, testID)

			if _, err := e.pool.Submit(ctx, raw, []proof.Payload{payload(1)}); !errors.Is(err, mempool.ErrAlreadyKnown) {
				t.Fatalf("\t%s\tTest %d:\tShould reject a duplicate: got %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould reject a duplicate.", success, testID)

			if v, r := e.pool.Count(); v != 1 || r != 1 {
				t.Fatalf("\t%s\tTest %d:\tShould count one transaction per partition: %d %d", failed, testID, v, r)
			}
			t.Logf("\t%s\tTest %d:\tShould count one transaction per partition.", success, testID)
		}

		testID++
		t.Logf("\tTest %d:\tWhen one of two proofs is invalid.", testID)
		{
			raw := sign(t, keyEd, 0, 5, 50_000, nil)
			_, err := e.pool.Submit(ctx, raw, []proof.Payload{payload(2), payload(666)})
			if !errors.Is(err, identity.ErrInvalidProof) {
				t.Fatalf("\t%s\tTest %d:\tShould reject the transaction: got %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould reject the transaction.", success, testID)

			if u := e.registry.Usage(keyOf(2)); u.Reserved != 0 {
				t.Fatalf("\t%s\tTest %d:\tShould not leave a reservation: %+v", failed, testID, u)
			}
			t.Logf("\t%s\tTest %d:\tShould not leave a reservation.", success, testID)
		}

		testID++
		t.Logf("\tTest %d:\tWhen the second proof exceeds the quota.", testID)
		{
			_, err := e.pool.Submit(ctx, sign(t, keyEd, 1, 5, 50_000, nil), []proof.Payload{payload(3), payload(1), payload(1)})
			if !errors.Is(err, nullifier.ErrQuotaExceeded) {
				t.Fatalf("\t%s\tTest %d:\tShould reject the transaction: got %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould reject the transaction.", success, testID)

			if u := e.registry.Usage(keyOf(3)); u.Reserved != 0 {
				t.Fatalf("\t%s\tTest %d:\tShould release the tickets already taken: %+v", failed, testID, u)
			}
			if u := e.registry.Usage(keyOf(1)); u.Reserved != 1 {
				t.Fatalf("\t%s\tTest %d:\tShould keep the pooled transaction's ticket: %+v", failed, testID, u)
			}
			t.Logf("\t%s\tTest %d:\tShould release the tickets already taken.", success, testID)
		}

		testID++
		t.Logf("\tTest %d:\tWhen the proof root is unknown.", testID)
		{
			pl := payload(4)
			pl.Root = big.NewInt(43)

			_, err := e.pool.Submit(ctx, sign(t, keyEd, 2, 5, 50_000, nil), []proof.Payload{pl})
			if !errors.Is(err, roots.ErrUnknownRoot) {
				t.Fatalf("\t%s\tTest %d:\tShould reject the transaction: got %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould reject the transaction.", success, testID)
		}

		testID++
		t.Logf("\tTest %d:\tWhen the transaction is below the intrinsic gas.", testID)
		{
			_, err := e.pool.Submit(ctx, sign(t, keyEd, 3, 5, 20_000, nil), nil)
			if !errors.Is(err, mempool.ErrInvalidTx) {
				t.Fatalf("\t%s\tTest %d:\tShould reject the transaction: got %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould reject the transaction.", success, testID)
		}
	}
}

func TestPoolFull(t *testing.T) {
	e := newEnv(t, 2)
	ctx := context.Background()

	if _, err := e.pool.Submit(ctx, sign(t, keyBill, 0, 5, 21_000, nil), nil); err != nil {
		t.Fatalf("Should be able to submit: %v", err)
	}
	if _, err := e.pool.Submit(ctx, sign(t, keyBill, 1, 5, 21_000, nil), nil); err != nil {
		t.Fatalf("Should be able to submit: %v", err)
	}

	_, err := e.pool.Submit(ctx, sign(t, keyPavel, 0, 5, 50_000, nil), []proof.Payload{payload(9)})
	if !errors.Is(err, mempool.ErrPoolFull) {
		t.Fatalf("Should reject when the pool is full: got %v", err)
	}

	if u := e.registry.Usage(keyOf(9)); u.Reserved != 0 {
		t.Fatalf("Should release the ticket of a rejected transaction: %+v", u)
	}

	if _, err := e.pool.Submit(ctx, sign(t, keyBill, 1, 50, 21_000, nil), nil); err != nil {
		t.Fatalf("Should accept a replacement into a full pool: %v", err)
	}
}

func TestReplacement(t *testing.T) {
	e := newEnv(t, 10)
	ctx := context.Background()

	t.Log("Given the need to replace a pending transaction.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen the same sender and nonce is resubmitted.", testID)
		{
			if _, err := e.pool.Submit(ctx, sign(t, keyBill, 0, 100, 50_000, nil), []proof.Payload{payload(5)}); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to submit: %v", failed, testID, err)
			}

			if _, err := e.pool.Submit(ctx, sign(t, keyBill, 0, 105, 50_000, []byte{0x01}), nil); !errors.Is(err, mempool.ErrUnderpriced) {
				t.Fatalf("\t%s\tTest %d:\tShould reject a 5%% bump: got %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould reject a 5%% bump.", success, testID)

			if _, err := e.pool.Submit(ctx, sign(t, keyBill, 0, 120, 50_000, []byte{0x02}), nil); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould accept a 20%% bump: %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould accept a 20%% bump.", success, testID)

			if u := e.registry.Usage(keyOf(5)); u.Reserved != 0 {
				t.Fatalf("\t%s\tTest %d:\tShould release the replaced transaction's ticket: %+v", failed, testID, u)
			}
			t.Logf("\t%s\tTest %d:\tShould release the replaced transaction's ticket.", success, testID)

			if v, r := e.pool.Count(); v != 0 || r != 1 {
				t.Fatalf("\t%s\tTest %d:\tShould move the sender to the regular partition: %d %d", failed, testID, v, r)
			}
			t.Logf("\t%s\tTest %d:\tShould move the sender to the regular partition.", success, testID)
		}
	}
}

func TestEviction(t *testing.T) {
	e := newEnv(t, 10)
	ctx := context.Background()

	tx, err := e.pool.Submit(ctx, sign(t, keyBill, 0, 5, 50_000, nil), []proof.Payload{payload(7)})
	if err != nil {
		t.Fatalf("Should be able to submit: %v", err)
	}

	if !e.pool.Evict(tx.Hash()) {
		t.Fatal("Should be able to evict the transaction.")
	}
	if e.pool.Evict(tx.Hash()) {
		t.Fatal("Should not evict the transaction twice.")
	}
	if u := e.registry.Usage(keyOf(7)); u.Reserved != 0 {
		t.Fatalf("Should release the evicted transaction's ticket: %+v", u)
	}

	if _, err := e.pool.Submit(ctx, sign(t, keyBill, 1, 5, 50_000, nil), []proof.Payload{payload(8)}); err != nil {
		t.Fatalf("Should be able to submit: %v", err)
	}
	if _, err := e.pool.Submit(ctx, sign(t, keyPavel, 0, 5, 21_000, nil), nil); err != nil {
		t.Fatalf("Should be able to submit: %v", err)
	}

	if n := e.pool.Expire(now.Add(30 * time.Minute)); n != 0 {
		t.Fatalf("Should not expire young transactions: %d", n)
	}
	if n := e.pool.ClearNullifiers(proof.WindowOf(now)); n != 0 {
		t.Fatalf("Should keep current window transactions: %d", n)
	}
	if n := e.pool.ClearNullifiers(proof.WindowOf(now.AddDate(0, 1, 0))); n != 1 {
		t.Fatalf("Should clear the previous window's transactions: %d", n)
	}
	if u := e.registry.Usage(keyOf(8)); u.Reserved != 0 {
		t.Fatalf("Should release the cleared transaction's ticket: %+v", u)
	}
	if n := e.pool.Expire(now.Add(2 * time.Hour)); n != 1 {
		t.Fatalf("Should expire old transactions: %d", n)
	}
}

func TestSnapshot(t *testing.T) {
	e := newEnv(t, 10)
	ctx := context.Background()

	submit := func(hexKey string, nonce uint64, tip int64, payloads ...proof.Payload) {
		if _, err := e.pool.Submit(ctx, sign(t, hexKey, nonce, tip, 50_000, nil), payloads); err != nil {
			t.Fatalf("Should be able to submit: %v", err)
		}
	}

	submit(keyBill, 1, 500)
	submit(keyBill, 0, 10)
	submit(keyPavel, 0, 100)
	submit(keyEd, 0, 100)
	submit(keyEd, 1, 30, payload(20))
	submit(keyPavel, 1, 40, payload(21))

	s := e.pool.Snapshot(big.NewInt(0))

	t.Log("Given the need to snapshot the pool in selection order.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen both partitions hold transactions.", testID)
		{
			if len(s.Verified) != 2 || len(s.Regular) != 4 {
				t.Fatalf("\t%s\tTest %d:\tShould split the partitions: %d %d", failed, testID, len(s.Verified), len(s.Regular))
			}
			t.Logf("\t%s\tTest %d:\tShould split the partitions.", success, testID)

			if s.Verified[0].GasTipCap().Int64() != 40 {
				t.Fatalf("\t%s\tTest %d:\tShould order verified by tip.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould order verified by tip.", success, testID)

			tips := []int64{100, 100, 10, 500}
			for i, tx := range s.Regular {
				if tx.GasTipCap().Int64() != tips[i] {
					t.Fatalf("\t%s\tTest %d:\tShould order regular by tip and nonce: got %d at %d", failed, testID, tx.GasTipCap().Int64(), i)
				}
			}
			t.Logf("\t%s\tTest %d:\tShould order regular by tip and nonce.", success, testID)

			if s.Regular[0].Seq > s.Regular[1].Seq {
				t.Fatalf("\t%s\tTest %d:\tShould break ties by arrival.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould break ties by arrival.", success, testID)
		}
	}
}

func TestSubmitBundle(t *testing.T) {
	e := newEnv(t, 10)
	ctx := context.Background()

	ops := []aggregator.UserOperation{
		{Sender: common.HexToAddress("0x01"), Nonce: big.NewInt(0), CallData: []byte{0x01}, PreVerificationGas: big.NewInt(0)},
		{Sender: common.HexToAddress("0x02"), Nonce: big.NewInt(0), CallData: []byte{0x02}, PreVerificationGas: big.NewInt(0)},
	}

	sig, err := proof.EncodePayloads([]proof.Payload{payload(30), payload(31)})
	if err != nil {
		t.Fatalf("Should be able to encode the payloads: %v", err)
	}

	data, err := aggregator.Encode([]aggregator.Group{{UserOps: ops, Aggregator: signerAddr, Signature: sig}}, to)
	if err != nil {
		t.Fatalf("Should be able to encode the bundle: %v", err)
	}

	pk, err := crypto.HexToECDSA(keyBill)
	if err != nil {
		t.Fatalf("Should be able to load the key: %v", err)
	}

	raw := signWith(t, pk, &types.DynamicFeeTx{
		ChainID:   chainID,
		GasTipCap: big.NewInt(5),
		GasFeeCap: big.NewInt(105),
		Gas:       500_000,
		To:        &entryPoint,
		Data:      data,
	})

	b, err := aggregator.Decode(raw)
	if err != nil {
		t.Fatalf("Should be able to decode the bundle: %v", err)
	}

	tx, err := e.pool.SubmitBundle(ctx, raw, b)
	if err != nil {
		t.Fatalf("Should be able to submit the bundle: %v", err)
	}

	if !tx.Verified() || len(tx.Tickets) != 2 {
		t.Fatalf("Should reserve a ticket per operation: %d", len(tx.Tickets))
	}

	if tx.Proofs[1].SignalHash != ops[1].Signal() {
		t.Fatal("Should bind each proof to its operation.")
	}
}
