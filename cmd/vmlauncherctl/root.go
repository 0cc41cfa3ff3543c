/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"text/tabwriter"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/alexandremahdhaoui/vmlauncher/internal/config"
	"github.com/alexandremahdhaoui/vmlauncher/internal/fleet"
	"github.com/alexandremahdhaoui/vmlauncher/internal/util/logging"
	"github.com/alexandremahdhaoui/vmlauncher/pkg/driver"
	"github.com/alexandremahdhaoui/vmlauncher/pkg/hypervisor"
	"github.com/alexandremahdhaoui/vmlauncher/pkg/lifecycle"
)

// cli holds the state shared by every subcommand.
type cli struct {
	protocols map[string]hypervisor.Protocol

	configPath string
	verbosity  int

	fleet *fleet.Fleet
	log   logr.Logger
}

func newRootCmd(protocols map[string]hypervisor.Protocol) *cobra.Command {
	c := &cli{protocols: protocols, log: logr.Discard()}

	root := &cobra.Command{
		Use:   Name,
		Short: "Start, stop and inspect the machines backing build agents",
		Long: `vmlauncherctl drives the hypervisor hosts declared in the vmlauncher configuration
file without going through the vmlauncher daemon.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}

			return c.init()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.fleet != nil {
				c.fleet.ShutdownAll()
			}
		},
	}

	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "",
		"path to the configuration file (default: $"+config.PathEnvKey+")")
	root.PersistentFlags().CountVarP(&c.verbosity, "verbose", "v", "increase log verbosity")

	root.AddCommand(
		c.listCmd(),
		c.startCmd(),
		c.stopCmd(),
		c.resolveCmd(),
		c.wrapCmd(),
		c.testConnectionCmd(),
		versionCmd(),
	)

	return root
}

func (c *cli) init() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}

	if c.verbosity > 0 {
		c.log = logging.Setup(logging.Options{Development: true, Verbosity: c.verbosity - 1})
	}

	hosts, err := cfg.FleetHosts()
	if err != nil {
		return err
	}

	cache := driver.NewCache(driver.DefaultRegistry(), c.protocols, c.log)
	controller := lifecycle.New(cache, c.log, lifecycle.WithPollInterval(cfg.PollInterval.Duration))

	c.fleet, err = fleet.New(cache, controller, hosts, c.log)

	return err
}

func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [host]",
		Short: "List the machines and snapshots of one host, or of every host",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			byHost := make(map[string][]driver.MachineInfo)

			if len(args) == 1 {
				machines, err := c.fleet.ListMachines(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				byHost[args[0]] = machines
			} else {
				all, err := c.fleet.ListAll(cmd.Context())
				if err != nil {
					return err
				}

				byHost = all
			}

			return printMachines(cmd.OutOrStdout(), byHost)
		},
	}
}

func (c *cli) startCmd() *cobra.Command {
	var sessionType string

	cmd := &cobra.Command{
		Use:   "start <host> <machine>",
		Short: "Start a machine, restoring its snapshot when the name carries one",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st := hypervisor.SessionType(sessionType)
			if !st.Valid() {
				return fmt.Errorf("invalid --session-type %q", sessionType)
			}

			code, err := c.fleet.StartMachine(cmd.Context(), args[0], args[1], st)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "started %s on %s (result code %d)\n", args[1], args[0], code)

			return nil
		},
	}

	cmd.Flags().StringVar(&sessionType, "session-type", string(hypervisor.SessionHeadless),
		"frontend type: headless, gui, sdl, separate or vrdp")

	return cmd
}

func (c *cli) stopCmd() *cobra.Command {
	var stopMode string

	cmd := &cobra.Command{
		Use:   "stop <host> <machine>",
		Short: "Stop a machine",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := hypervisor.StopMode(stopMode)
			if !mode.Valid() {
				return fmt.Errorf("invalid --stop-mode %q", stopMode)
			}

			code, err := c.fleet.StopMachine(cmd.Context(), args[0], args[1], mode)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "stopped %s on %s (result code %d)\n", args[1], args[0], code)

			return nil
		},
	}

	cmd.Flags().StringVar(&stopMode, "stop-mode", string(hypervisor.StopPause), "powerdown or pause")

	return cmd
}

func (c *cli) resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <mac-address>",
		Short: "Find the machine whose first network adapter has the given MAC address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.fleet.ResolveByHardwareAddress(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", res.Host, res.Machine.DisplayName, res.Machine.ID)

			return nil
		},
	}
}

func (c *cli) wrapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wrap <host> <machine> -- <command> [args...]",
		Short: "Start a machine, run a local command, then pause the machine",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.fleet.WithMachine(cmd.Context(), args[0], args[1], func(ctx context.Context) error {
				child := exec.CommandContext(ctx, args[2], args[3:]...)
				child.Stdin = cmd.InOrStdin()
				child.Stdout = cmd.OutOrStdout()
				child.Stderr = cmd.ErrOrStderr()

				return child.Run()
			})
		},
	}
}

func (c *cli) testConnectionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test-connection <host>",
		Short: "Check the credentials of a host by enumerating its machines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := c.fleet.TestConnection(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "connected to %s: %d machines\n", args[0], n)

			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s) %s\n", Name, Version, CommitSHA, BuildTimestamp)
		},
	}
}

func printMachines(out io.Writer, byHost map[string][]driver.MachineInfo) error {
	hosts := make([]string, 0, len(byHost))
	for h := range byHost {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "HOST\tMACHINE\tID\tSNAPSHOT")

	for _, h := range hosts {
		for _, m := range byHost[h] {
			snapshot := "-"
			if m.HasSnapshot() {
				snapshot = m.SnapshotID
			}

			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", h, m.DisplayName, m.ID, snapshot)
		}
	}

	return w.Flush()
}
