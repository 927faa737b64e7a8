package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/stealthdesk/stealthdesk/internal/config"
	"github.com/stealthdesk/stealthdesk/internal/descriptor"
	"github.com/stealthdesk/stealthdesk/internal/supervisor"
)

// GlobalFlags holds the persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
}

// ProxyFlags holds flags for `launch proxy`.
type ProxyFlags struct {
	Upstream   string
	ListenHost string
	Port       int
	Username   string
	Password   string
}

// BrowserFlags holds flags for `launch browser`.
type BrowserFlags struct {
	ProfileDir string
	ProxyID    string
	ProxyAddr  string
	StartURL   string
	Headless   bool
	UserAgent  string
	Flags      []string
}

func buildRoot() *cobra.Command {
	global := &GlobalFlags{}

	root := &cobra.Command{
		Use:           "stealthdesk",
		Short:         "Supervise browser-profile worker processes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&global.ConfigPath, "config", "", "path to stealthdesk.toml")

	root.AddCommand(
		createLaunchCommand(global),
		createStopCommand(global),
		createStopAllCommand(global),
		createListCommand(global),
		createWorkerCommand(global),
	)
	return root
}

func openSupervisor(global *GlobalFlags) (*supervisor.Supervisor, *config.Config, error) {
	cfg, err := config.Load(global.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	cfg.Log.Setup(os.Stderr)
	sup, err := supervisor.New(*cfg)
	if err != nil {
		return nil, nil, err
	}
	return sup, cfg, nil
}

func createLaunchCommand(global *GlobalFlags) *cobra.Command {
	launch := &cobra.Command{Use: "launch", Short: "Launch a worker process"}

	pf := &ProxyFlags{}
	proxy := &cobra.Command{
		Use:   "proxy",
		Short: "Launch a local forwarding proxy worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sup, _, err := openSupervisor(global)
			if err != nil {
				return err
			}
			defer func() { _ = sup.Close() }()
			d, err := sup.LaunchProxy(cmd.Context(), descriptor.ProxyParams{
				Upstream:   pf.Upstream,
				ListenHost: pf.ListenHost,
				Port:       pf.Port,
				Username:   pf.Username,
				Password:   pf.Password,
			})
			if err != nil {
				return err
			}
			printJSON(d)
			return nil
		},
	}
	proxy.Flags().StringVar(&pf.Upstream, "upstream", descriptor.UpstreamDirect, "upstream proxy URL or DIRECT")
	proxy.Flags().StringVar(&pf.ListenHost, "listen-host", "", "listen host (default 127.0.0.1)")
	proxy.Flags().IntVar(&pf.Port, "port", 0, "listen port (0 = ephemeral)")
	proxy.Flags().StringVar(&pf.Username, "username", "", "upstream username")
	proxy.Flags().StringVar(&pf.Password, "password", "", "upstream password")

	bf := &BrowserFlags{}
	browser := &cobra.Command{
		Use:   "browser",
		Short: "Launch a browser automation worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sup, _, err := openSupervisor(global)
			if err != nil {
				return err
			}
			defer func() { _ = sup.Close() }()
			d, err := sup.LaunchBrowser(cmd.Context(), descriptor.BrowserParams{
				ProfileDir: bf.ProfileDir,
				ProxyID:    bf.ProxyID,
				ProxyAddr:  bf.ProxyAddr,
				StartURL:   bf.StartURL,
				Headless:   bf.Headless,
				UserAgent:  bf.UserAgent,
				Flags:      bf.Flags,
			})
			if err != nil {
				return err
			}
			printJSON(d)
			return nil
		},
	}
	browser.Flags().StringVar(&bf.ProfileDir, "profile-dir", "", "browser profile directory (created when empty)")
	browser.Flags().StringVar(&bf.ProxyID, "proxy-id", "", "route via a managed proxy worker")
	browser.Flags().StringVar(&bf.ProxyAddr, "proxy-addr", "", "route via an explicit proxy address")
	browser.Flags().StringVar(&bf.StartURL, "start-url", "", "page to open once ready")
	browser.Flags().BoolVar(&bf.Headless, "headless", false, "run the browser headless")
	browser.Flags().StringVar(&bf.UserAgent, "user-agent", "", "user agent override")
	browser.Flags().StringArrayVar(&bf.Flags, "flag", nil, "extra chromium flag (name or name=value)")

	launch.AddCommand(proxy, browser)
	return launch
}

func createStopCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a worker and remove its registry entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sup, _, err := openSupervisor(global)
			if err != nil {
				return err
			}
			defer func() { _ = sup.Close() }()
			signaled, err := sup.Stop(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if signaled {
				fmt.Printf("stopped %s\n", args[0])
			} else {
				fmt.Printf("%s was not running; registry entry cleared\n", args[0])
			}
			return nil
		},
	}
}

func createStopAllCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop-all",
		Short: "Stop every tracked worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sup, _, err := openSupervisor(global)
			if err != nil {
				return err
			}
			defer func() { _ = sup.Close() }()
			return sup.StopAll(cmd.Context())
		},
	}
}

func createListCommand(global *GlobalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked workers (self-healing)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sup, _, err := openSupervisor(global)
			if err != nil {
				return err
			}
			defer func() { _ = sup.Close() }()
			all, err := sup.List(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				printJSON(all)
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tKIND\tPID\tENDPOINT\tPROFILE")
			for _, d := range all {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					d.ID, d.Kind, d.PID, d.Runtime.Endpoint, d.Runtime.ProfileDir)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("%v\n", v)
		return
	}
	fmt.Println(string(b))
}
