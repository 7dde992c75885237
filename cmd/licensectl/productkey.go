package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/DhaneshPachipulusu/license-poc/internal/productkey"
)

func newProductKeyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "productkey",
		Aliases: []string{"key"},
		Short:   "Generate and check product keys",
	}
	cmd.AddCommand((&keyGenerateCommand{}).Command(), keyCheckCommand())
	return cmd
}

type keyGenerateCommand struct {
	company string
	year    int
	count   int
}

func (c *keyGenerateCommand) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate product keys for a company",
		Args:  cobra.NoArgs,
		RunE:  c.Run,
	}
	cmd.Flags().StringVar(&c.company, "company", "", "company name the key prefix is derived from")
	cmd.Flags().IntVar(&c.year, "year", time.Now().Year(), "issue year")
	cmd.Flags().IntVar(&c.count, "count", 1, "number of keys")
	_ = cmd.MarkFlagRequired("company")
	return cmd
}

func (c *keyGenerateCommand) Run(cmd *cobra.Command, _ []string) error {
	if c.count < 1 {
		return fmt.Errorf("count must be at least 1, got %d", c.count)
	}
	for range c.count {
		key, err := productkey.Generate(c.company, c.year)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
	}
	return nil
}

func keyCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check KEY",
		Short: "Check the layout and check character of a product key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := productkey.Normalize(args[0])
			if err := productkey.Validate(key); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", key)
			return nil
		},
	}
}
