package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nconklindev/linkrefresh/internal/links"
	"github.com/nconklindev/linkrefresh/internal/refresher"
	"github.com/nconklindev/linkrefresh/internal/types"
)

func newLinksCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "links [root]",
		Short: "List the external workbooks each .xlsx file links to, without changing anything",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if err := cmd.Flags().Set("root", args[0]); err != nil {
					return err
				}
			}
			cfg, err := opts.resolve(cmd)
			if err != nil {
				return err
			}
			run, err := cfg.RunConfig()
			if err != nil {
				return err
			}
			return listLinks(cmd.OutOrStdout(), run)
		},
	}
}

// listLinks prints every candidate that has external links, followed by its
// targets. Legacy .xls files are binary and are reported as not inspectable.
func listLinks(out io.Writer, cfg types.RunConfig) error {
	if err := refresher.Validate(cfg); err != nil {
		return err
	}

	paths, err := refresher.Candidates(cfg.Root, cfg.Exclude)
	if err != nil {
		return err
	}

	bold := color.New(color.Bold)
	faint := color.New(color.Faint)
	warn := color.New(color.FgYellow)

	linked := 0
	for _, path := range paths {
		if filepath.Ext(path) == ".xls" {
			fmt.Fprintln(out, faint.Sprintf("%s: .xls links cannot be listed", path))
			continue
		}
		found, err := links.Inspect(path)
		if err != nil {
			fmt.Fprintln(out, warn.Sprintf("%s: %v", path, err))
			continue
		}
		if len(found) == 0 {
			continue
		}
		linked++
		fmt.Fprintln(out, bold.Sprint(path))
		for _, l := range found {
			fmt.Fprintf(out, "  -> %s\n", l.Target)
		}
	}

	fmt.Fprintf(out, "%d of %d workbooks have external links\n", linked, len(paths))
	return nil
}
