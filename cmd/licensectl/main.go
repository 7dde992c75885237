// Command licensectl is the operator tool for the license system: signing
// keys, product keys, certificate inspection and admin tokens.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/DhaneshPachipulusu/license-poc/pkg/contracts"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "licensectl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "licensectl",
		Short:         "License system operator tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		(&keygenCommand{}).Command(),
		newProductKeyCommand(),
		newCertCommand(),
		(&tokenCommand{}).Command(),
		(&tiersCommand{}).Command(),
		versionCommand(),
	)
	return root
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), contracts.GetFullVersionString("licensectl"))
			return err
		},
	}
}
