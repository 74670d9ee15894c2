package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/loykin/pcontrol"
	"github.com/spf13/cobra"
)

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
}

// RunFlags holds flags for the run command.
type RunFlags struct {
	Daemonize bool
	PIDFile   string
	LogFile   string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(globalFlags),
		createCheckCommand(globalFlags),
		createAuthKeyCommand(),
		createFrameCommand(),
		createHashPasswordCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "pcontrol",
		Short: "Supervisor for externally launched server processes",
		Long: `pcontrol launches the processes listed in its config file, hands each
one an auth key over a framed stdin control channel, relays their output and
respawns them when they exit unexpectedly.

Examples:
  pcontrol run --config=pcontrol.toml
  pcontrol check --config=pcontrol.toml
  pcontrol authkey
  echo -n payload | pcontrol frame
  echo -n secret | pcontrol hashpw`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	return root
}

func configPath(flags *GlobalFlags, args []string) (string, error) {
	p := flags.ConfigPath
	if len(args) > 0 {
		p = args[0]
	}
	if p == "" {
		return "", fmt.Errorf("config file required. Use --config=pcontrol.toml or provide as argument")
	}
	return p, nil
}

func createRunCommand(globalFlags *GlobalFlags) *cobra.Command {
	runFlags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run [config.toml]",
		Short: "Run the supervisor",
		Long: `Run the supervisor in the foreground until SIGINT or SIGTERM.
On a signal every process is asked to stop; processes still alive after
[shutdown].timeout are destroyed, then killed after [shutdown].kill_timeout.

Examples:
  pcontrol run --config=pcontrol.toml
  pcontrol run pcontrol.toml --daemonize --pidfile=/run/pcontrol.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath(globalFlags, args)
			if err != nil {
				return err
			}
			cfg, err := pcontrol.LoadConfig(path)
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			if runFlags.Daemonize {
				return daemonize(runFlags.PIDFile, runFlags.LogFile)
			}
			if runFlags.PIDFile != "" {
				if err := writePidFile(runFlags.PIDFile, os.Getpid()); err != nil {
					return fmt.Errorf("failed to write PID file: %w", err)
				}
				defer func() { _ = removePidFile(runFlags.PIDFile) }()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSupervisor(ctx, cfg)
		},
	}
	cmd.Flags().BoolVar(&runFlags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&runFlags.PIDFile, "pidfile", "", "write the supervisor PID to this file")
	cmd.Flags().StringVar(&runFlags.LogFile, "logfile", "", "redirect daemon output to file when daemonized")
	return cmd
}

// runSupervisor runs until ctx is done. A non-zero exit requested by the
// privileged process is returned as an exitCodeError.
func runSupervisor(ctx context.Context, cfg *pcontrol.Config) error {
	d, err := newDaemon(cfg)
	if err != nil {
		return err
	}
	code, err := d.run(ctx)
	if err != nil {
		return err
	}
	if code != 0 {
		return exitCodeError{code: code}
	}
	return nil
}

func createCheckCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check [config.toml]",
		Short: "Validate a config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath(globalFlags, args)
			if err != nil {
				return err
			}
			cfg, err := pcontrol.LoadConfig(path)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(cfg.Processes))
			for _, pc := range cfg.Processes {
				names = append(names, pc.Name)
			}
			printJSON(cmd.OutOrStdout(), map[string]any{"ok": true, "processes": names})
			return nil
		},
	}
}

func createAuthKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "authkey",
		Short: "Print a fresh process auth key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := pcontrol.NewAuthKey()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), key)
			return err
		},
	}
}

func createFrameCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "frame",
		Short: "Wrap stdin into a single control frame",
		Long: `Read stdin to EOF and write it to stdout as one control frame, the
encoding a supervised process expects on its standard input.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return pcontrol.WriteFrame(cmd.OutOrStdout(), cmd.InOrStdin())
		},
	}
}

func createHashPasswordCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hashpw",
		Short: "Hash a management API password read from stdin",
		Long: `Read a password from the first line of stdin and print the bcrypt hash
to use as password_hash in an [[api.auth.users]] entry.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			hash, err := pcontrol.HashPassword(strings.TrimRight(line, "\r\n"))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
}
