package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ZacxDev/buildloop/config"
	"github.com/ZacxDev/buildloop/executor"
	"github.com/ZacxDev/buildloop/fs"
	"github.com/ZacxDev/buildloop/target"
	"github.com/ZacxDev/buildloop/ui"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	configPath  string
	checksumDir string
	useUI       bool
)

var rootCmd = &cobra.Command{
	Use:   "buildloop [targets...]",
	Short: "An iterative build orchestrator for local development",
	Long: `buildloop builds targets from a dependency graph, skips targets whose
files have not changed since the last successful build, rebuilds targets
when a watched file changes, and restarts their long-running processes on
rebuild. It runs until a build fails or it is interrupted.`,
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		graph, err := loadGraph(args)
		if err != nil {
			return err
		}

		workingDir, err := os.Getwd()
		if err != nil {
			return errors.Wrap(err, "failed to get working directory")
		}

		watcher, err := executor.NewWatchManager()
		if err != nil {
			return err
		}

		statuses := executor.NewStatusManager(graph.Names())
		sink := executor.StdoutSink(statuses, !useUI)
		loop := executor.NewBuildLoop(
			graph,
			executor.NewChecksumManager(fs.RealFileSystem{}, checksumDir),
			executor.NewProcessManager(sink),
			statuses,
			watcher,
			executor.RealCommandExecutor{},
			sink,
			workingDir,
		)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if useUI {
			return runWithDashboard(ctx, stop, loop, statuses, graph)
		}

		err = loop.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean [targets...]",
	Short: "Remove checksum records, for all targets or the named ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		checksums := executor.NewChecksumManager(fs.RealFileSystem{}, checksumDir)
		return checksums.Clean(args)
	},
}

func loadGraph(requested []string) (target.Graph, error) {
	graph, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := graph.Validate(); err != nil {
		return nil, errors.Wrap(err, "failed sanity check")
	}
	return graph.Filter(requested)
}

// runWithDashboard runs the loop in the background while the terminal shows
// the status dashboard. Quitting the dashboard stops the loop.
func runWithDashboard(ctx context.Context, stop context.CancelFunc, loop *executor.BuildLoop, statuses executor.StatusManager, graph target.Graph) error {
	done := make(chan struct{})
	loopErr := make(chan error, 1)
	go func() {
		loopErr <- loop.Run(ctx)
		close(done)
	}()

	uiErr := ui.Run(statuses, graph.Names(), done)
	stop()

	if err := <-loopErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return uiErr
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultFileName, "config file")
	rootCmd.PersistentFlags().StringVar(&checksumDir, "checksum-dir", executor.DefaultChecksumDir, "directory for checksum records")
	rootCmd.Flags().BoolVar(&useUI, "ui", false, "show the status dashboard instead of plain log output")

	rootCmd.AddCommand(cleanCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
