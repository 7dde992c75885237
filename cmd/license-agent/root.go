package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/DhaneshPachipulusu/license-poc/internal/app"
	"github.com/DhaneshPachipulusu/license-poc/internal/config"
	"github.com/DhaneshPachipulusu/license-poc/internal/infrastructure"
	"github.com/DhaneshPachipulusu/license-poc/internal/license"
	"github.com/DhaneshPachipulusu/license-poc/pkg/contracts"
)

type rootOptions struct {
	configFile string
	serverURL  string
	stateDir   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	run := &runCommand{opts: opts}

	root := &cobra.Command{
		Use:           app.AgentName,
		Short:         "Machine license agent",
		Version:       contracts.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run.Run,
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default: LICENSE_CONFIG or ./config.yaml)")
	root.PersistentFlags().StringVar(&opts.serverURL, "server", "", "license server URL, overrides agent.server_url")
	root.PersistentFlags().StringVar(&opts.stateDir, "state-dir", "", "state directory, overrides agent.state_dir")

	root.AddCommand(
		run.Command(),
		(&activateCommand{opts: opts}).Command(),
		(&statusCommand{opts: opts}).Command(),
		(&upgradeCommand{opts: opts}).Command(),
		(&deactivateCommand{opts: opts}).Command(),
	)
	return root
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.configFile != "" {
		cfg, err = config.LoadFile(o.configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if o.serverURL != "" {
		cfg.Agent.ServerURL = o.serverURL
	}
	if o.stateDir != "" {
		cfg.Agent.StateDir = o.stateDir
	}
	return cfg, nil
}

// newManager builds a manager for the one-shot commands. Their logs go to
// w at warning level so that command output stays readable.
func (o *rootOptions) newManager(w io.Writer, overrides ...func(*config.AgentConfig)) (*license.Manager, *config.Config, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	for _, override := range overrides {
		override(&cfg.Agent)
	}
	logger := infrastructure.NewLoggerWithWriter(w, &slog.HandlerOptions{Level: slog.LevelWarn})
	mgr, err := license.NewManager(cfg.Agent, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open license state: %w", err)
	}
	return mgr, cfg, nil
}
