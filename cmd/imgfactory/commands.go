package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/meigma/imgfactory"
)

func (a *app) listCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list <archive>",
		Short: "List archive entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := a.open(args[0])
			if err != nil {
				return err
			}
			entries, err := a.client.ListEntries(h)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tOFFSET\tSIZE\tFLAGS")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", e.Name, e.Offset, e.Size, e.Flags)
			}
			return tw.Flush()
		},
	}
}

func (a *app) addCommand() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "add <archive> <file>...",
		Short: "Add files as new entries and rebuild",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if name != "" && len(args) != 2 {
				return fmt.Errorf("%w: --name takes exactly one file", errUsage)
			}
			h, err := a.open(args[0])
			if err != nil {
				return err
			}
			for _, path := range args[1:] {
				data, err := os.ReadFile(path) //nolint:gosec // user-provided input file
				if err != nil {
					return fmt.Errorf("read %s: %w", path, err)
				}
				entry := name
				if entry == "" {
					entry = filepath.Base(path)
				}
				if err := a.client.Add(h, entry, data); err != nil {
					return fmt.Errorf("add %s: %w", entry, err)
				}
			}
			return a.persist(cmd, h)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "entry name (default: file base name)")
	return cmd
}

func (a *app) removeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <archive> <entry>...",
		Short: "Remove entries and rebuild",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := a.open(args[0])
			if err != nil {
				return err
			}
			for _, name := range args[1:] {
				if err := a.client.Remove(h, name); err != nil {
					return fmt.Errorf("remove %s: %w", name, err)
				}
			}
			return a.persist(cmd, h)
		},
	}
}

func (a *app) renameCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <archive> <old> <new>",
		Short: "Rename an entry and rebuild",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := a.open(args[0])
			if err != nil {
				return err
			}
			if err := a.client.Rename(h, args[1], args[2]); err != nil {
				return err
			}
			return a.persist(cmd, h)
		},
	}
}

func (a *app) replaceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "replace <archive> <entry> <file>",
		Short: "Replace an entry's content and rebuild",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[2]) //nolint:gosec // user-provided input file
			if err != nil {
				return fmt.Errorf("read %s: %w", args[2], err)
			}
			h, err := a.open(args[0])
			if err != nil {
				return err
			}
			if err := a.client.Replace(h, args[1], data); err != nil {
				return err
			}
			return a.persist(cmd, h)
		},
	}
}

// pinCommand toggles pins. Pins live in the session only, so the command
// reports the resulting flags instead of rebuilding.
func (a *app) pinCommand() *cobra.Command {
	var unpin bool
	cmd := &cobra.Command{
		Use:   "pin <archive> <entry>...",
		Short: "Pin entries and report which would be protected",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := a.open(args[0])
			if err != nil {
				return err
			}
			for _, name := range args[1:] {
				if unpin {
					err = a.client.Unpin(h, name)
				} else {
					err = a.client.Pin(h, name)
				}
				if err != nil {
					return fmt.Errorf("pin %s: %w", name, err)
				}
			}
			entries, err := a.client.ListEntries(h)
			if err != nil {
				return err
			}
			for _, e := range entries {
				if e.Flags.Has(imgfactory.FlagPinned) {
					fmt.Fprintln(cmd.OutOrStdout(), e.Name)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&unpin, "unpin", false, "remove pins instead of adding them")
	return cmd
}

func (a *app) extractCommand() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "extract <archive> [entry]...",
		Short: "Write entries to files (all live entries by default)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := a.open(args[0])
			if err != nil {
				return err
			}
			names := args[1:]
			if len(names) == 0 {
				entries, err := a.client.ListEntries(h)
				if err != nil {
					return err
				}
				for _, e := range entries {
					if !e.Flags.Has(imgfactory.FlagTombstoned) {
						names = append(names, e.Name)
					}
				}
			}
			if err := os.MkdirAll(outDir, 0o750); err != nil {
				return err
			}
			for _, name := range names {
				data, err := a.client.ReadEntry(h, name)
				if err != nil {
					return fmt.Errorf("extract %s: %w", name, err)
				}
				dst := filepath.Join(outDir, filepath.Base(name))
				if err := os.WriteFile(dst, data, 0o644); err != nil { //nolint:gosec // extracted assets are not secret
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), dst)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "output", "o", ".", "output directory")
	return cmd
}

func (a *app) analyzeCommand() *cobra.Command {
	var duplicates bool
	cmd := &cobra.Command{
		Use:   "analyze <archive>",
		Short: "Report fragmentation and damaged entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := a.open(args[0])
			if err != nil {
				return err
			}
			r, err := a.client.Analyze(h, duplicates)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%s): %d entries, %d live, %d bytes\n", r.Path, r.Variant, r.Entries, r.Live, r.DataBytes)
			fmt.Fprintf(out, "fragmentation: %s, %d gaps, %d bytes (%.1f%%), %d reclaimable\n",
				r.Severity, r.Gaps, r.GapBytes, r.FragmentationPercent, r.ReclaimableBytes)
			for _, issue := range r.Issues {
				for _, p := range issue.Problems {
					fmt.Fprintf(out, "  #%d %s: %s\n", issue.Index, issue.Name, p)
				}
			}
			for _, group := range r.Duplicates {
				fmt.Fprintf(out, "  identical: %v\n", group)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&duplicates, "duplicates", false, "group entries with identical content")
	return cmd
}

func (a *app) createCommand() *cobra.Command {
	var variant string
	cmd := &cobra.Command{
		Use:   "create <archive>",
		Short: "Create an empty archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := imgfactory.ParseVariant(variant)
			if err != nil {
				return err
			}
			if _, err := a.client.Create(args[0], v); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s)\n", args[0], v)
			return nil
		},
	}
	cmd.Flags().StringVar(&variant, "variant", "ver2", "container layout: dir or ver2")
	return cmd
}

func (a *app) restoreCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <backup> <archive>",
		Short: "Restore an archive file from a backup",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := imgfactory.RestoreBackup(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %s\n", args[1])
			return nil
		},
	}
}
