package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/DhaneshPachipulusu/license-poc/internal/app"
	"github.com/DhaneshPachipulusu/license-poc/internal/config"
	"github.com/DhaneshPachipulusu/license-poc/internal/infrastructure"
	"github.com/DhaneshPachipulusu/license-poc/internal/license"
	"github.com/DhaneshPachipulusu/license-poc/internal/productkey"
)

type runCommand struct {
	opts *rootOptions
}

func (c *runCommand) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Activate if needed, then serve the sidecar and heartbeat",
		Args:  cobra.NoArgs,
		RunE:  c.Run,
	}
}

func (c *runCommand) Run(cmd *cobra.Command, _ []string) error {
	cfg, err := c.opts.loadConfig()
	if err != nil {
		return err
	}
	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer infrastructure.CloseLogFile()

	agent, err := app.NewAgent(cfg, logger)
	if err != nil {
		return err
	}
	return agent.Run(cmd.Context())
}

type activateCommand struct {
	opts *rootOptions
}

func (c *activateCommand) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "activate [PRODUCT-KEY]",
		Short: "Activate this machine and store the signed certificate",
		Long:  "Activate this machine. The key defaults to agent.product_key from the configuration.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  c.Run,
	}
}

func (c *activateCommand) Run(cmd *cobra.Command, args []string) error {
	mgr, cfg, err := c.opts.newManager(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	key := cfg.Agent.ProductKey
	if len(args) == 1 {
		key = args[0]
	}
	key = productkey.Normalize(key)
	if err := productkey.Validate(key); err != nil {
		return fmt.Errorf("product key %q: %w", key, err)
	}

	res, err := mgr.Activate(cmd.Context(), key)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !res.Success {
		printRefusal(out, res)
		return fmt.Errorf("activation refused: %s", res.Reason)
	}

	cert := res.Certificate
	fmt.Fprintf(out, "Activated %s for %s\n", cert.CertID, cert.CustomerName)
	fmt.Fprintf(out, "  tier:     %s\n", cert.Tier)
	fmt.Fprintf(out, "  machine:  %s (%s)\n", cert.MachineID, cert.Hostname)
	fmt.Fprintf(out, "  expires:  %s (%s)\n", cert.ExpiresAt.Format("2006-01-02"), humanize.Time(cert.ExpiresAt))
	fmt.Fprintf(out, "  services: %v\n", cert.Entitlements.Services)
	return nil
}

func printRefusal(w io.Writer, res *license.ActivationResult) {
	fmt.Fprintf(w, "Refused: %s\n", res.Reason)
	if res.Message != "" {
		fmt.Fprintf(w, "  %s\n", res.Message)
	}
	if len(res.ActiveMachines) > 0 {
		fmt.Fprintln(w, "Active machines:")
		for _, m := range res.ActiveMachines {
			fmt.Fprintf(w, "  %s  %-24s activated %s, last seen %s\n",
				m.MachineID, m.Hostname, humanize.Time(m.ActivatedAt), humanize.Time(m.LastSeen))
		}
	}
}

type statusCommand struct {
	opts  *rootOptions
	check bool
}

func (c *statusCommand) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the local license verdict as JSON",
		Args:  cobra.NoArgs,
		RunE:  c.Run,
	}
	cmd.Flags().BoolVar(&c.check, "check", false, "exit non-zero when the license is not valid")
	return cmd
}

func (c *statusCommand) Run(cmd *cobra.Command, _ []string) error {
	mgr, _, err := c.opts.newManager(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	status := mgr.Status(cmd.Context())

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(status); err != nil {
		return err
	}
	if c.check && !status.Valid {
		return fmt.Errorf("license not valid: %s", status.Reason)
	}
	return nil
}

type upgradeCommand struct {
	opts       *rootOptions
	upgrade    license.UpgradeOptions
	services   []string
	adminToken string
}

func (c *upgradeCommand) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Renew or upgrade the stored certificate",
		Args:  cobra.NoArgs,
		RunE:  c.Run,
	}
	cmd.Flags().IntVar(&c.upgrade.AdditionalDays, "days", 0, "extend validity by this many days")
	cmd.Flags().StringVar(&c.upgrade.NewTier, "tier", "", "move to this tier")
	cmd.Flags().IntVar(&c.upgrade.NewMachineLimit, "machine-limit", 0, "new machine limit for the customer")
	cmd.Flags().StringSliceVar(&c.services, "service", nil, "additional service to grant (repeatable)")
	cmd.Flags().StringVar(&c.adminToken, "admin-token", "", "operator token from licensectl token, overrides agent.admin_token")
	return cmd
}

func (c *upgradeCommand) Run(cmd *cobra.Command, _ []string) error {
	c.upgrade.AdditionalServices = c.services
	u := c.upgrade
	if u.AdditionalDays == 0 && u.NewTier == "" && u.NewMachineLimit == 0 && len(u.AdditionalServices) == 0 {
		return errors.New("nothing to upgrade: pass --days, --tier, --machine-limit or --service")
	}

	mgr, _, err := c.opts.newManager(cmd.ErrOrStderr(), func(cfg *config.AgentConfig) {
		if c.adminToken != "" {
			cfg.AdminToken = c.adminToken
		}
	})
	if err != nil {
		return err
	}
	res, err := mgr.Upgrade(cmd.Context(), c.upgrade)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !res.Success {
		printRefusal(out, res)
		return fmt.Errorf("upgrade refused: %s", res.Reason)
	}
	cert := res.Certificate
	fmt.Fprintf(out, "Upgraded to %s (replaces %s)\n", cert.CertID, cert.ParentCertID)
	fmt.Fprintf(out, "  tier:    %s\n", cert.Tier)
	fmt.Fprintf(out, "  expires: %s (%s)\n", cert.ExpiresAt.Format("2006-01-02"), humanize.Time(cert.ExpiresAt))
	return nil
}

type deactivateCommand struct {
	opts *rootOptions
}

func (c *deactivateCommand) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate",
		Short: "Remove the stored certificate and heartbeat state",
		Long:  "Remove the stored certificate and heartbeat state. The machine slot on the server is not released; ask an operator to revoke it.",
		Args:  cobra.NoArgs,
		RunE:  c.Run,
	}
}

func (c *deactivateCommand) Run(cmd *cobra.Command, _ []string) error {
	mgr, _, err := c.opts.newManager(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if err := mgr.Deactivate(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "License removed from this machine")
	return nil
}
