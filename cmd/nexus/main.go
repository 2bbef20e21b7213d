package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/oriys/nexus/internal/config"
	"github.com/oriys/nexus/internal/kernel"
	"github.com/oriys/nexus/internal/logging"
	"github.com/oriys/nexus/internal/recorder"
	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "nexus [config-file]",
		Short: "Nexus - dual-mode command shell",
		Long:  "An interactive shell where each line is either a traditional pipeline or a scripted expression over the fs/proc/net/utils surfaces.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 && configFile == "" {
				configFile = args[0]
			}
			return runShell()
		},
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional)")
	rootCmd.SilenceUsage = true

	rootCmd.AddCommand(execCmd(), replayCmd(), recordingsCmd(), policiesCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "nexus:", err)
		os.Exit(1)
	}
}

func bootKernel() (*kernel.Kernel, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	k := kernel.New(cfg)
	if err := k.Init(context.Background()); err != nil {
		return nil, err
	}
	return k, nil
}

func runShell() error {
	k, err := bootKernel()
	if err != nil {
		// Init failure is exit code 1, via the cobra error path.
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	code := repl(k, sigCh)

	if err := k.Shutdown(context.Background()); err != nil {
		logging.Op().Warn("shutdown", "error", err)
	}
	os.Exit(code)
	return nil
}

// execCmd runs a single line and exits.
func execCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec <line>",
		Short: "Execute one line and print its result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := bootKernel()
			if err != nil {
				return err
			}
			defer k.Shutdown(context.Background())

			line := ""
			for i, a := range args {
				if i > 0 {
					line += " "
				}
				line += a
			}
			v, err := k.Execute(context.Background(), line)
			if err != nil {
				printError(err)
				return nil
			}
			fmt.Println(v.Render())
			return nil
		},
	}
}

func replayCmd() *cobra.Command {
	var speed float64
	var strict bool
	cmd := &cobra.Command{
		Use:   "replay <name>",
		Short: "Replay a saved recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := bootKernel()
			if err != nil {
				return err
			}
			defer k.Shutdown(context.Background())

			session, err := k.Replay(context.Background(), args[0], recorder.ReplayOptions{
				Speed:             speed,
				AbortOnDivergence: strict,
			})
			if err != nil {
				return err
			}
			fmt.Printf("replayed %d commands, %d divergences\n",
				session.Position(), len(session.Divergences()))
			return nil
		},
	}
	cmd.Flags().Float64Var(&speed, "speed", 1.0, "Replay speed factor (<1 slows down)")
	cmd.Flags().BoolVar(&strict, "strict", false, "Abort on the first divergence")
	return cmd
}

func recordingsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recordings",
		Short: "List saved recordings",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := bootKernel()
			if err != nil {
				return err
			}
			defer k.Shutdown(context.Background())

			names, err := k.Recorder().List()
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		},
	}
}

func policiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "policies",
		Short: "List built-in permission policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, n := range []string{"sandbox", "developer", "production"} {
				fmt.Println(n)
			}
			return nil
		},
	}
}
