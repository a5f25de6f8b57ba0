package ethrpc_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/chain"
	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/chain/ethrpc"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

var worldID = common.HexToAddress("0x047eE5313F98E26Cc8177fA38877cB36292D2364")

// ethService answers the subset of the eth namespace the client uses.
type ethService struct{}

func (s *ethService) Call(args map[string]any, block *string) (hexutil.Bytes, error) {
	data, _ := args["input"].(string)
	if data == "" {
		data, _ = args["data"].(string)
	}

	switch data {
	case hexutil.Encode(crypto.Keccak256([]byte("latestRoot()"))[:4]):
		root := uint256.NewInt(0xbeef).Bytes32()
		return root[:], nil
	case "0xdead":
		return nil, errors.New("execution reverted")
	}

	return hexutil.Bytes{}, nil
}

func (s *ethService) EstimateGas(args map[string]any, block *string) (hexutil.Uint64, error) {
	return 30_000, nil
}

func newClient(t *testing.T) *ethrpc.Client {
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("eth", new(ethService)))
	t.Cleanup(server.Stop)

	eth := ethclient.NewClient(rpc.DialInProc(server))
	t.Cleanup(eth.Close)

	return ethrpc.New(eth, ethrpc.Config{WorldID: worldID})
}

func sign(t *testing.T, data []byte) *types.Transaction {
	pk, err := crypto.HexToECDSA("fae85851bdf5c9f49923722ce38f3c1defcfd3619ef5453230a58ad805499959")
	require.NoError(t, err)

	to := common.HexToAddress("0xbEE6ACE826eC3DE1B6349888B9151B92522F7F76")
	tx, err := types.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(480),
		Gas:       50_000,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		To:        &to,
		Data:      data,
	}), types.LatestSignerForChainID(big.NewInt(480)), pk)
	require.NoError(t, err)

	return tx
}

func TestLatestRoot(t *testing.T) {
	c := newClient(t)

	root, err := c.LatestRoot(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(0xbeef), root.Uint64())
}

func TestExecute(t *testing.T) {
	c := newClient(t)
	parent := chain.Head{Number: 10}

	res, err := c.Execute(context.Background(), parent, sign(t, []byte{0x01}))
	require.NoError(t, err)
	require.Equal(t, uint64(30_000), res.GasUsed)

	_, err = c.Execute(context.Background(), parent, sign(t, []byte{0xde, 0xad}))
	require.ErrorIs(t, err, chain.ErrReverted)
}
