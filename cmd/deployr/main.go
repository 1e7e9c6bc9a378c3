package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root := buildRoot()
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and every subcommand
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	deployrCommand := command{global: globalFlags, out: os.Stdout}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(deployrCommand, &ServeFlags{}),
		createInstallCommand(deployrCommand, &PipelineFlags{}),
		createUpdateCommand(deployrCommand, &PipelineFlags{}),
		createCheckCommand(deployrCommand),
		createStartCommand(deployrCommand),
		createStopCommand(deployrCommand),
		createStatusCommand(deployrCommand),
		createLogsCommand(deployrCommand, &LogsFlags{}),
		createSeedCommand(deployrCommand, &PipelineFlags{}),
		createLicenseCommand(deployrCommand),
		createHistoryCommand(deployrCommand, &HistoryFlags{}),
	)
	return root
}

// createRootCommand creates the root command with the persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:           "deployr",
		Short:         "On-premise installer and supervisor for the application stack",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `Deployr downloads, installs, licenses and supervises the bundled
MariaDB, backend and frontend of one installation directory.

The agent runs with 'deployr serve'. Other commands talk to it over its HTTP API.

Examples:
  deployr serve --install           # Start the agent and install on first run
  deployr status
  deployr update
  deployr logs backend --lines=200`,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (default <base-dir>/deployr.toml)")
	root.PersistentFlags().StringVar(&flags.BaseDir, "base-dir", "", "installation directory (default current directory)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "agent URL (default derived from [server] config)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")

	return root
}

// createServeCommand creates the serve subcommand
func createServeCommand(deployrCommand command, flags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent",
		Long: `Run the agent: the HTTP API, the scheduled update check and the
service supervisor. Services are stopped when the agent exits.

Examples:
  deployr serve
  deployr serve --install                          # Run the install pipeline at startup
  deployr serve --daemonize --pidfile=deployr.pid --logfile=agent.out`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return deployrCommand.Serve(cmd.Context(), *flags)
		},
	}

	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&flags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "redirect daemon output to file")
	cmd.Flags().BoolVar(&flags.Install, "install", false, "run the install pipeline once the agent is up")

	return cmd
}

func addPipelineFlags(cmd *cobra.Command, flags *PipelineFlags) {
	cmd.Flags().BoolVar(&flags.Detach, "detach", false, "return once the agent has accepted the run")
	cmd.Flags().DurationVar(&flags.Interval, "interval", time.Second, "progress polling interval")
}

// createInstallCommand creates the install subcommand
func createInstallCommand(deployrCommand command, flags *PipelineFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install or repair the application",
		Long: `Ask the agent to run the install pipeline: download, dependencies,
database, license and start. Steps already done are skipped.

Examples:
  deployr install
  deployr install --detach`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return deployrCommand.Install(cmd.Context(), *flags)
		},
	}
	addPipelineFlags(cmd, flags)
	return cmd
}

// createUpdateCommand creates the update subcommand
func createUpdateCommand(deployrCommand command, flags *PipelineFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Install newer frontend and backend releases",
		Long: `Ask the agent to update every component with a newer release.
Services are stopped during the update and the previous release is restored
if any step fails.

Examples:
  deployr check && deployr update`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return deployrCommand.Update(cmd.Context(), *flags)
		},
	}
	addPipelineFlags(cmd, flags)
	return cmd
}

// createCheckCommand creates the check subcommand
func createCheckCommand(deployrCommand command) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "List components with a newer release",
		Long: `List components with a newer release. The agent is asked when it is
reachable, otherwise the release server is queried directly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return deployrCommand.Check(cmd.Context())
		},
	}
}

// createStartCommand creates the start subcommand
func createStartCommand(deployrCommand command) *cobra.Command {
	return &cobra.Command{
		Use:   "start <service>",
		Short: "Start one service",
		Long: `Start mariadb, backend or frontend. The license is checked first.

Examples:
  deployr start mariadb`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return deployrCommand.Start(cmd.Context(), args[0])
		},
	}
}

// createStopCommand creates the stop subcommand
func createStopCommand(deployrCommand command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <service>",
		Short: "Stop one service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return deployrCommand.Stop(cmd.Context(), args[0])
		},
	}
}

// createStatusCommand creates the status subcommand
func createStatusCommand(deployrCommand command) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show services, versions and host usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return deployrCommand.Status(cmd.Context(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw API answer")
	return cmd
}

// createLogsCommand creates the logs subcommand
func createLogsCommand(deployrCommand command, flags *LogsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs <service>",
		Short: "Print the tail of a service log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return deployrCommand.Logs(cmd.Context(), args[0], *flags)
		},
	}
	cmd.Flags().IntVar(&flags.Lines, "lines", 100, "number of lines")
	return cmd
}

// createSeedCommand creates the seed subcommand
func createSeedCommand(deployrCommand command, flags *PipelineFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed <name>",
		Short: "Run a database seed script",
		Long: `Run one of the backend seed scripts against the bundled database.
The agent runs it in the background; the command follows its progress.

Examples:
  deployr seed all
  deployr seed products --detach`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return deployrCommand.Seed(cmd.Context(), args[0], *flags)
		},
	}
	addPipelineFlags(cmd, flags)
	return cmd
}

// createLicenseCommand creates the license subcommand
func createLicenseCommand(deployrCommand command) *cobra.Command {
	return &cobra.Command{
		Use:   "license",
		Short: "Show the license state",
		Long: `Show the license state. The agent is asked when it is reachable,
otherwise the license is evaluated locally.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return deployrCommand.License(cmd.Context())
		},
	}
}

// createHistoryCommand creates the history subcommand
func createHistoryCommand(deployrCommand command, flags *HistoryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent lifecycle events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return deployrCommand.History(cmd.Context(), *flags)
		},
	}
	cmd.Flags().IntVar(&flags.Limit, "limit", 50, "number of events")
	return cmd
}
