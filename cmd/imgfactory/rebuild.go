package main

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/meigma/imgfactory"
)

func (a *app) rebuildCommand() *cobra.Command {
	var progress bool
	cmd := &cobra.Command{
		Use:   "rebuild <archive>",
		Short: "Compact an archive, dropping unused space",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := a.open(args[0])
			if err != nil {
				return err
			}
			var opts []imgfactory.RebuildOption
			if progress {
				errOut := cmd.ErrOrStderr()
				opts = append(opts, imgfactory.WithProgress(func(ev imgfactory.ProgressEvent) {
					if ev.Entry != "" {
						fmt.Fprintf(errOut, "%s %d/%d %s\n", ev.Stage, ev.EntriesDone, ev.EntriesTotal, ev.Entry)
						return
					}
					fmt.Fprintf(errOut, "%s\n", ev.Stage)
				}))
			}
			res, err := a.client.Rebuild(cmd.Context(), h, a.cfg.Mode(), opts...)
			if err != nil {
				return err
			}
			printRebuild(cmd, res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&progress, "progress", false, "print progress to stderr")
	return cmd
}

func (a *app) batchRebuildCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "batch-rebuild <archive|directory>...",
		Short: "Compact several archives concurrently",
		Long: "Compact several archives concurrently. Directories are expanded to the " +
			"archives they contain. A failing archive never stops the others; " +
			"interrupting cancels the archives still in progress.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := expandTargets(args)
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return fmt.Errorf("%w: no archives found", errUsage)
			}

			out := cmd.OutOrStdout()
			handles := make([]imgfactory.Handle, 0, len(paths))
			byHandle := make(map[imgfactory.Handle]string, len(paths))
			failedOpen := 0
			for _, p := range paths {
				h, err := a.open(p)
				if err != nil {
					fmt.Fprintf(out, "FAILED %s: %s\n", p, imgfactory.UserMessage(err))
					failedOpen++
					continue
				}
				handles = append(handles, h)
				byHandle[h] = p
			}

			summary := a.client.BatchRebuild(cmd.Context(), handles, a.cfg.Mode(), a.cfg.MaxConcurrency,
				func(r imgfactory.BatchResult) {
					status := "OK  "
					msg := r.Message()
					if !r.Success() {
						status = strings.ToUpper(r.Status.String())
						msg = imgfactory.UserMessage(r.Err)
					}
					fmt.Fprintf(out, "%s %s: %s\n", status, byHandle[r.Handle], msg)
				})

			fmt.Fprintf(out, "%d/%d rebuilt", summary.Succeeded, len(paths))
			if n := len(summary.Failed) + failedOpen; n > 0 {
				fmt.Fprintf(out, ", %d failed", n)
			}
			if n := len(summary.Skipped) + len(summary.Canceled); n > 0 {
				fmt.Fprintf(out, ", %d canceled", n)
			}
			fmt.Fprintln(out)

			if summary.OK() && failedOpen == 0 {
				return nil
			}
			if err := cmd.Context().Err(); err != nil {
				return err
			}
			return fmt.Errorf("%d of %d archives not rebuilt", len(paths)-summary.Succeeded, len(paths))
		},
	}
}

// expandTargets replaces directory arguments with the archives they
// contain. A directory's .dir files are skipped because each one shares
// its data file with an .img sibling.
func expandTargets(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Type().IsRegular() && strings.EqualFold(filepath.Ext(e.Name()), ".img") {
				paths = append(paths, filepath.Join(arg, e.Name()))
			}
		}
	}
	slices.Sort(paths)
	return slices.Compact(paths), nil
}
