package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/DhaneshPachipulusu/license-poc/internal/certificate"
)

func newCertCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Inspect and verify signed certificates",
	}
	cmd.AddCommand(certInspectCommand(), (&certVerifyCommand{now: time.Now}).Command())
	return cmd
}

func certInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE",
		Short: "Decode a certificate without checking its signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			cert, err := certificate.Decode(data)
			if err != nil {
				return err
			}
			return printCertificate(cmd.OutOrStdout(), cert)
		},
	}
}

type certVerifyCommand struct {
	publicKeyPath string
	fingerprint   string
	service       string
	now           func() time.Time
}

func (c *certVerifyCommand) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify FILE",
		Short: "Verify a certificate's signature, expiry and optionally its binding",
		Args:  cobra.ExactArgs(1),
		RunE:  c.Run,
	}
	cmd.Flags().StringVar(&c.publicKeyPath, "public-key", "public_key.pem", "authority public key (PEM)")
	cmd.Flags().StringVar(&c.fingerprint, "fingerprint", "", "expected machine fingerprint")
	cmd.Flags().StringVar(&c.service, "service", "", "service the certificate must grant")
	return cmd
}

func (c *certVerifyCommand) Run(cmd *cobra.Command, args []string) error {
	pemBytes, err := os.ReadFile(c.publicKeyPath)
	if err != nil {
		return err
	}
	pub, err := certificate.ParsePublicKeyPEM(pemBytes)
	if err != nil {
		return err
	}
	verifier, err := certificate.NewVerifier(pub)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	cert, err := verifier.VerifyBytes(data)
	if err != nil {
		return err
	}

	if !cert.ExpiresAt.After(c.now()) {
		return fmt.Errorf("certificate %s expired %s", cert.CertID, humanize.Time(cert.ExpiresAt))
	}
	if c.fingerprint != "" && !strings.EqualFold(c.fingerprint, cert.MachineFingerprint) {
		return fmt.Errorf("certificate %s is bound to another machine", cert.CertID)
	}
	if c.service != "" && !cert.Entitlements.Allows(c.service) {
		return fmt.Errorf("certificate %s does not grant %q", cert.CertID, c.service)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: signature ok, valid until %s\n",
		cert.CertID, cert.ExpiresAt.Format(time.RFC3339))
	return nil
}

func printCertificate(w io.Writer, cert *certificate.Certificate) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	rows := [][2]string{
		{"Certificate", cert.CertID},
		{"Format", fmt.Sprintf("v%d", cert.Version)},
		{"Customer", fmt.Sprintf("%s (%s)", cert.CustomerName, cert.CustomerID)},
		{"Machine", fmt.Sprintf("%s (%s)", cert.MachineID, cert.Hostname)},
		{"Fingerprint", cert.MachineFingerprint},
		{"Tier", cert.Tier},
		{"Services", strings.Join(cert.Entitlements.Services, ", ")},
		{"Max sessions", sessions(cert.Entitlements.MaxSessions)},
		{"Rate limit", humanize.Comma(int64(cert.Entitlements.RateLimit))},
		{"Machine limit", fmt.Sprint(cert.MachineLimit)},
		{"Issued", cert.IssuedAt.Format(time.RFC3339)},
		{"Expires", fmt.Sprintf("%s (%s)", cert.ExpiresAt.Format(time.RFC3339), humanize.Time(cert.ExpiresAt))},
	}
	if cert.ParentCertID != "" {
		rows = append(rows, [2]string{"Replaces", cert.ParentCertID})
	}
	for _, r := range rows {
		fmt.Fprintf(tw, "%s:\t%s\n", r[0], r[1])
	}
	return tw.Flush()
}

func sessions(n int) string {
	if n == certificate.UnlimitedSessions {
		return "unlimited"
	}
	return fmt.Sprint(n)
}
