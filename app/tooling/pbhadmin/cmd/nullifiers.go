package cmd

import (
	"fmt"

	"github.com/ardanlabs/pbhbuilder/foundation/blockchain/nullifier/store/leveldb"
	"github.com/spf13/cobra"
)

var (
	dbPath string
	reset  bool
)

// nullifiersCmd represents the nullifiers command
var nullifiersCmd = &cobra.Command{
	Use:   "nullifiers",
	Short: "List the committed nullifier usage of a stopped builder.",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := leveldb.New(dbPath)
		if err != nil {
			return err
		}
		defer db.Close()

		if reset {
			if err := db.Reset(); err != nil {
				return fmt.Errorf("reset: %w", err)
			}
			fmt.Println("All nullifier usage removed")
			return nil
		}

		var total int
		iter := db.ForEach()
		for r, err := iter.Next(); !iter.Done(); r, err = iter.Next() {
			if err != nil {
				return err
			}

			fmt.Printf("%s window[%s] committed[%d]\n", r.Key, r.Key.Window(), r.Committed)
			total++
		}

		fmt.Println("Buckets:", total)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(nullifiersCmd)
	nullifiersCmd.Flags().StringVarP(&dbPath, "db", "d", "zbuilder/nullifiers", "Path to the nullifier database.")
	nullifiersCmd.Flags().BoolVar(&reset, "reset", false, "Remove every record.")
}
