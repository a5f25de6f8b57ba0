// Package cmd contains the builder admin app.
package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/ardanlabs/pbhbuilder/business/web/errs"
	"github.com/spf13/cobra"
)

var url string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:          "pbhadmin",
	Short:        "Administrative tasks for the priority blockspace builder",
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&url, "url", "u", "http://localhost:8080", "Url of the builder public api.")
}

// printJSON writes the value indented to stdout.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	fmt.Println(string(data))
	return nil
}

// decodeResponse decodes a builder response, turning error responses into
// errors.
func decodeResponse(resp *http.Response, v any) error {
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var er errs.Response
		if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		if er.Reason != "" {
			return fmt.Errorf("status %d: %s: %s", resp.StatusCode, er.Reason, er.Error)
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, er.Error)
	}

	return json.NewDecoder(resp.Body).Decode(v)
}
