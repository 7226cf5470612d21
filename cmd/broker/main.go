// Command broker runs the oracle broker as a standalone HTTP/JSON
// service: the Go-native host for the suspend/resume request state
// machine described in spec.md.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "broker",
		Short: "intear-oracle broker: pull-style oracle request/response mediation",
	}
	root.AddCommand(newServeCmd())
	return root
}
