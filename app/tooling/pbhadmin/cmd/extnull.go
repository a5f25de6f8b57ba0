package cmd

import (
	"fmt"
	"time"

	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/proof"
	"github.com/spf13/cobra"
)

var (
	appID uint16
	at    string
)

// extnullCmd represents the extnull command
var extnullCmd = &cobra.Command{
	Use:   "extnull",
	Short: "Print the external nullifier for an app in a window.",
	RunE: func(cmd *cobra.Command, args []string) error {
		t := time.Now().UTC()
		if at != "" {
			var err error
			if t, err = time.Parse(time.RFC3339, at); err != nil {
				return fmt.Errorf("parse time: %w", err)
			}
		}

		en := proof.NewExternalNullifier(appID, t)
		encoded := en.Encode()

		fmt.Println("External Nullifier:", en)
		fmt.Println("Window:            ", en.Window())
		fmt.Println("Encoded (hex):     ", encoded.Hex())
		fmt.Println("Encoded (dec):     ", encoded.Dec())

		return nil
	},
}

func init() {
	rootCmd.AddCommand(extnullCmd)
	extnullCmd.Flags().Uint16VarP(&appID, "app", "a", 0, "Application id.")
	extnullCmd.Flags().StringVarP(&at, "time", "t", "", "RFC3339 time inside the window, defaults to now.")
}
