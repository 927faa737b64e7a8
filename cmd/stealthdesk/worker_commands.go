package main

import (
	"github.com/spf13/cobra"

	"github.com/stealthdesk/stealthdesk/internal/config"
	"github.com/stealthdesk/stealthdesk/internal/descriptor"
	"github.com/stealthdesk/stealthdesk/internal/worker"
)

// createWorkerCommand wires the hidden entry points a spawned child runs.
// The launcher invokes `stealthdesk worker <kind> <id>`; the id is the only
// payload, everything else comes from the shared store and config.
func createWorkerCommand(global *GlobalFlags) *cobra.Command {
	workerCmd := &cobra.Command{
		Use:    "worker",
		Short:  "Internal worker entry points",
		Hidden: true,
	}

	proxy := &cobra.Command{
		Use:  "proxy <id>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := openWorkerEnv(global)
			if err != nil {
				return err
			}
			return worker.RunProxy(cmd.Context(), st, cfg.Log, args[0])
		},
	}

	browser := &cobra.Command{
		Use:  "browser <id>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := openWorkerEnv(global)
			if err != nil {
				return err
			}
			opts := worker.BrowserOptions{
				ExecPath:    cfg.Browser.ExecPath,
				ProfileBase: cfg.ProfileDir,
			}
			return worker.RunBrowser(cmd.Context(), st, cfg.Log, opts, args[0])
		},
	}

	workerCmd.AddCommand(proxy, browser)
	return workerCmd
}

func openWorkerEnv(global *GlobalFlags) (*config.Config, *descriptor.Store, error) {
	cfg, err := config.Load(global.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	st, err := descriptor.OpenStore(cfg.StoreDir)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}
