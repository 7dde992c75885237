package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/DhaneshPachipulusu/license-poc/internal/certificate"
)

type keygenCommand struct {
	privatePath string
	publicPath  string
	bits        int
	force       bool
}

func (c *keygenCommand) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the authority's RSA signing key pair",
		Args:  cobra.NoArgs,
		RunE:  c.Run,
	}
	cmd.Flags().StringVar(&c.privatePath, "out", "private_key.pem", "private key output path")
	cmd.Flags().StringVar(&c.publicPath, "public-out", "public_key.pem", "public key output path, empty to skip")
	cmd.Flags().IntVar(&c.bits, "bits", 2048, "RSA modulus size")
	cmd.Flags().BoolVar(&c.force, "force", false, "overwrite an existing private key")
	return cmd
}

func (c *keygenCommand) Run(cmd *cobra.Command, _ []string) error {
	if !c.force {
		if _, err := os.Stat(c.privatePath); err == nil {
			return fmt.Errorf("%s already exists; pass --force to replace it", c.privatePath)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	key, err := certificate.GenerateKey(c.bits)
	if err != nil {
		return err
	}
	if err := certificate.SavePrivateKey(c.privatePath, key); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Wrote %d-bit private key to %s\n", c.bits, c.privatePath)

	if c.publicPath != "" {
		if err := certificate.SavePublicKey(c.publicPath, &key.PublicKey); err != nil {
			return err
		}
		fmt.Fprintf(out, "Wrote public key to %s\n", c.publicPath)
	}
	return nil
}
