package cmd

import (
	"fmt"
	"net/http"

	"github.com/ardanlabs/pbhbuilder/app/services/builder/handlers/v1/public"
	"github.com/spf13/cobra"
)

// rootsCmd represents the roots command
var rootsCmd = &cobra.Command{
	Use:   "roots",
	Short: "List the WorldID roots the builder recognizes.",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Get(fmt.Sprintf("%s/v1/roots/list", url))
		if err != nil {
			return err
		}

		var roots []public.Root
		if err := decodeResponse(resp, &roots); err != nil {
			return err
		}

		return printJSON(roots)
	},
}

// usageCmd represents the usage command
var usageCmd = &cobra.Command{
	Use:   "usage <external nullifier> <nullifier hash>",
	Short: "Print the quota usage of a nullifier hash.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Get(fmt.Sprintf("%s/v1/nullifier/usage/%s/%s", url, args[0], args[1]))
		if err != nil {
			return err
		}

		var usage public.Usage
		if err := decodeResponse(resp, &usage); err != nil {
			return err
		}

		return printJSON(usage)
	},
}

// poolCmd represents the pool command
var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "List the pool in selection order.",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Get(fmt.Sprintf("%s/v1/pool/list", url))
		if err != nil {
			return err
		}

		var pool public.Pool
		if err := decodeResponse(resp, &pool); err != nil {
			return err
		}

		return printJSON(pool)
	},
}

func init() {
	rootCmd.AddCommand(rootsCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(poolCmd)
}
