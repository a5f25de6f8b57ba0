package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"os"

	"github.com/ardanlabs/pbhbuilder/app/services/builder/handlers/v1/public"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
)

var (
	keyPath      string
	to           string
	txNonce      uint64
	gas          uint64
	tipCap       int64
	feeCap       int64
	chainID      int64
	payloadsPath string
)

// submitCmd represents the submit command
var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Sign a transaction and submit it to the builder with optional proofs.",
	RunE: func(cmd *cobra.Command, args []string) error {
		privateKey, err := crypto.LoadECDSA(keyPath)
		if err != nil {
			return fmt.Errorf("load key: %w", err)
		}

		if !common.IsHexAddress(to) {
			return fmt.Errorf("invalid recipient %q", to)
		}
		recipient := common.HexToAddress(to)

		id := big.NewInt(chainID)
		tx, err := types.SignTx(types.NewTx(&types.DynamicFeeTx{
			ChainID:   id,
			Nonce:     txNonce,
			GasTipCap: big.NewInt(tipCap),
			GasFeeCap: big.NewInt(feeCap),
			Gas:       gas,
			To:        &recipient,
		}), types.LatestSignerForChainID(id), privateKey)
		if err != nil {
			return fmt.Errorf("sign: %w", err)
		}

		raw, err := tx.MarshalBinary()
		if err != nil {
			return err
		}

		req := public.SubmitTx{Tx: raw}

		if payloadsPath != "" {
			data, err := os.ReadFile(payloadsPath)
			if err != nil {
				return fmt.Errorf("read payloads: %w", err)
			}
			if err := json.Unmarshal(data, &req.Payloads); err != nil {
				return fmt.Errorf("decode payloads: %w", err)
			}
		}

		body, err := json.Marshal(req)
		if err != nil {
			return err
		}

		resp, err := http.Post(fmt.Sprintf("%s/v1/tx/submit", url), "application/json", bytes.NewReader(body))
		if err != nil {
			return err
		}

		var ptx public.Tx
		if err := decodeResponse(resp, &ptx); err != nil {
			return err
		}

		return printJSON(ptx)
	},
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().StringVarP(&keyPath, "key", "k", "private.ecdsa", "Path to the private key.")
	submitCmd.Flags().StringVarP(&to, "to", "t", "", "Recipient address.")
	submitCmd.Flags().Uint64VarP(&txNonce, "nonce", "n", 0, "Transaction nonce.")
	submitCmd.Flags().Uint64VarP(&gas, "gas", "g", 21000, "Gas limit.")
	submitCmd.Flags().Int64Var(&tipCap, "tip", 1_000_000, "Max priority fee per gas in wei.")
	submitCmd.Flags().Int64Var(&feeCap, "fee", 1_000_000_000, "Max fee per gas in wei.")
	submitCmd.Flags().Int64Var(&chainID, "chain-id", 480, "Chain id.")
	submitCmd.Flags().StringVarP(&payloadsPath, "payloads", "p", "", "JSON file holding the PBH payloads.")
	submitCmd.MarkFlagRequired("to")
}
