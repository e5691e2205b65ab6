// Command imgfactory inspects, edits, and compacts IMG archives.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/meigma/imgfactory"
	"github.com/meigma/imgfactory/internal/cliconfig"
)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// app carries the loaded configuration and client into subcommands.
type app struct {
	cfg     cliconfig.Config
	cfgPath string
	logger  *slog.Logger
	client  *imgfactory.Client
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{cfg: cliconfig.DefaultConfig()}
	root := a.rootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "imgfactory:", imgfactory.UserMessage(err))
		stop()
		os.Exit(1) //nolint:gocritic // stop is called explicitly above
	}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "imgfactory",
		Short:         "Inspect, edit, and compact IMG archives",
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a.client == nil {
				return nil
			}
			return a.client.CloseAll()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgPath, "config", "", "config file (default $HOME/.imgfactory/config.toml)")
	pf.StringVar(&a.cfg.RebuildMode, cliconfig.FlagMode, a.cfg.RebuildMode, "rebuild mode: fast or safe")
	pf.IntVar(&a.cfg.MaxConcurrency, cliconfig.FlagConcurrency, a.cfg.MaxConcurrency, "archives rebuilt at once in batch mode")
	pf.BoolVar(&a.cfg.Backup, cliconfig.FlagBackup, a.cfg.Backup, "keep a backup of the original archive")
	pf.StringVar(&a.cfg.BackupCompression, cliconfig.FlagBackupCompression, a.cfg.BackupCompression, "backup compression: none, zstd, or lz4")
	pf.StringVar(&a.cfg.OverlayDir, cliconfig.FlagOverlayDir, a.cfg.OverlayDir, "stage pending payloads in this directory instead of memory")
	pf.IntVar(&a.cfg.HistoryLimit, cliconfig.FlagHistoryLimit, a.cfg.HistoryLimit, "maximum undo records per archive (0 keeps all)")
	pf.StringVar(&a.cfg.LogLevel, cliconfig.FlagLogLevel, a.cfg.LogLevel, "log level: debug, info, warn, or error")

	root.AddCommand(
		a.listCommand(),
		a.addCommand(),
		a.removeCommand(),
		a.renameCommand(),
		a.replaceCommand(),
		a.pinCommand(),
		a.extractCommand(),
		a.rebuildCommand(),
		a.batchRebuildCommand(),
		a.analyzeCommand(),
		a.createCommand(),
		a.restoreCommand(),
	)
	return root
}

// setup layers file and environment configuration under explicitly set
// flags and builds the client.
func (a *app) setup(cmd *cobra.Command) error {
	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })
	if err := cliconfig.Load(&a.cfg, a.cfgPath, changed); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := a.cfg.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	a.logger = logger

	client, err := imgfactory.New(a.cfg.ClientOptions(logger)...)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	a.client = client
	return nil
}

// open opens path in a fresh session.
func (a *app) open(path string) (imgfactory.Handle, error) {
	return a.client.Open(path)
}

// persist rebuilds h with the configured mode and reports the result.
func (a *app) persist(cmd *cobra.Command, h imgfactory.Handle) error {
	dirty, err := a.client.IsDirty(h)
	if err != nil {
		return err
	}
	if !dirty {
		fmt.Fprintln(cmd.OutOrStdout(), "no changes")
		return nil
	}
	res, err := a.client.Rebuild(cmd.Context(), h, a.cfg.Mode())
	if err != nil {
		return err
	}
	printRebuild(cmd, res)
	return nil
}

func printRebuild(cmd *cobra.Command, res imgfactory.RebuildResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: rebuilt (%s) %d entries, %d dropped, %d -> %d bytes in %s\n",
		res.Path, res.Mode, res.Entries, res.Dropped, res.BytesBefore, res.BytesAfter, res.Duration.Round(1e6))
	for _, name := range res.Skipped {
		fmt.Fprintf(out, "  skipped unreadable entry %s\n", name)
	}
	if res.Backup != "" {
		fmt.Fprintf(out, "  backup: %s\n", res.Backup)
	}
}

var errUsage = errors.New("invalid arguments")
