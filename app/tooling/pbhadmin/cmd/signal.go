package cmd

import (
	"fmt"
	"math/big"

	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/signal"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"
)

var (
	sender   string
	nonce    string
	callData string
)

// signalCmd represents the signal command
var signalCmd = &cobra.Command{
	Use:   "signal",
	Short: "Print the signal a proof must commit to for an operation.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !common.IsHexAddress(sender) {
			return fmt.Errorf("invalid sender %q", sender)
		}

		n, ok := new(big.Int).SetString(nonce, 0)
		if !ok {
			return fmt.Errorf("invalid nonce %q", nonce)
		}

		var data []byte
		if callData != "" {
			var err error
			if data, err = hexutil.Decode(callData); err != nil {
				return fmt.Errorf("calldata: %w", err)
			}
		}

		s := signal.Of(common.HexToAddress(sender), n, data)

		fmt.Println("Signal Hash:", s.Hex())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(signalCmd)
	signalCmd.Flags().StringVarP(&sender, "sender", "s", "", "Address issuing the operation.")
	signalCmd.Flags().StringVarP(&nonce, "nonce", "n", "0", "Nonce of the operation.")
	signalCmd.Flags().StringVarP(&callData, "calldata", "d", "", "0x prefixed calldata of the operation.")
	signalCmd.MarkFlagRequired("sender")
}
