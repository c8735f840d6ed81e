package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"depot/internal/commit"
	"depot/internal/diff"
	derrors "depot/internal/errors"
	"depot/internal/parcel"
	"depot/internal/staging"
	"depot/shared/types"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func (a *app) checkoutCmd() *cobra.Command {
	var (
		dir       string
		overwrite bool
	)
	cmd := &cobra.Command{
		Use:   "checkout <project> [branch]",
		Short: "Materialize the head of a branch into a directory",
		Long: `Writes the files of the branch head into --dir. The directory must be empty
or missing unless --overwrite is given. A checkout already living in the
directory is replaced.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var branch string
			if len(args) == 2 {
				branch = args[1]
			}
			return a.withParcel(cmd, func(ctx context.Context, p *parcel.Parcel) error {
				co, err := p.Checkout(ctx, args[0], branch, dir, overwrite)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Checked out %s/%s at %s into %s\ncheckout %s\n",
					co.Project, co.Branch, shortID(co.BaseCommit), co.Dir, co.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "C", ".", "target directory")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace the contents of a non-empty directory")
	return cmd
}

func (a *app) checkoutsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkouts [project]",
		Short: "List active checkouts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var project string
			if len(args) == 1 {
				project = args[0]
			}
			return a.withParcel(cmd, func(ctx context.Context, p *parcel.Parcel) error {
				cos, err := p.Checkouts.ListActive(ctx, project)
				if err != nil {
					return err
				}
				if len(cos) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No active checkouts")
					return nil
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, co := range cos {
					fmt.Fprintf(tw, "%s\t%s/%s\t%s\t%s\n", co.ID, co.Project, co.Branch, shortID(co.BaseCommit), co.Dir)
				}
				return tw.Flush()
			})
		},
	}
}

func (a *app) invalidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <checkout-id>",
		Short: "Retire a checkout; its directory is left untouched",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withParcel(cmd, func(ctx context.Context, p *parcel.Parcel) error {
				if err := p.Checkouts.Invalidate(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Invalidated checkout", args[0])
				return nil
			})
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	var sel checkoutFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show staged and unstaged changes of a checkout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withParcel(cmd, func(ctx context.Context, p *parcel.Parcel) error {
				co, err := sel.resolve(ctx, p)
				if err != nil {
					return err
				}
				st, err := p.Status(ctx, co.ID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "On %s/%s at %s\n", co.Project, co.Branch, shortID(co.BaseCommit))
				printStatus(out, st)
				return nil
			})
		},
	}
	sel.register(cmd)
	return cmd
}

func printStatus(out io.Writer, st *staging.Status) {
	if st.Clean() {
		fmt.Fprintln(out, "nothing to commit, working tree clean")
		return
	}
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	if len(st.Staged) > 0 {
		fmt.Fprintln(out, "\nChanges staged for commit:")
		for _, ch := range st.Staged {
			fmt.Fprintf(out, "\t%s\n", green(describe(ch)))
		}
	}
	if len(st.Unstaged) > 0 {
		fmt.Fprintln(out, "\nChanges not staged for commit:")
		fmt.Fprintln(out, "  (use \"depot stage <path>...\" to include them in a partial commit)")
		for _, ch := range st.Unstaged {
			fmt.Fprintf(out, "\t%s\n", red(describe(ch)))
		}
	}
}

func describe(ch shared.Change) string {
	switch ch.Type {
	case shared.ChangeAdded:
		return "added:    " + ch.Path
	case shared.ChangeModified:
		return "modified: " + ch.Path
	case shared.ChangeDeleted:
		return "deleted:  " + ch.Path
	case shared.ChangeRenamed:
		return "renamed:  " + ch.OldPath + " -> " + ch.Path
	default:
		return string(ch.Type) + ": " + ch.Path
	}
}

func (a *app) stageCmd() *cobra.Command {
	var sel checkoutFlags
	cmd := &cobra.Command{
		Use:   "stage <path>...",
		Short: "Stage workspace changes for a partial commit",
		Long:  `Records the current content of the matching changes. Use '.' to stage everything.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withParcel(cmd, func(ctx context.Context, p *parcel.Parcel) error {
				co, err := sel.resolve(ctx, p)
				if err != nil {
					return err
				}
				changes, err := p.Stage(ctx, co.ID, args)
				if err != nil {
					return err
				}
				for _, ch := range changes {
					fmt.Fprintln(cmd.OutOrStdout(), "staged", describe(ch))
				}
				return nil
			})
		},
	}
	sel.register(cmd)
	return cmd
}

func (a *app) unstageCmd() *cobra.Command {
	var sel checkoutFlags
	cmd := &cobra.Command{
		Use:   "unstage <path>...",
		Short: "Move staged changes back to unstaged",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withParcel(cmd, func(ctx context.Context, p *parcel.Parcel) error {
				co, err := sel.resolve(ctx, p)
				if err != nil {
					return err
				}
				changes, err := p.Unstage(ctx, co.ID, args)
				if err != nil {
					return err
				}
				for _, ch := range changes {
					fmt.Fprintln(cmd.OutOrStdout(), "unstaged", describe(ch))
				}
				return nil
			})
		},
	}
	sel.register(cmd)
	return cmd
}

func defaultAuthor() string {
	if v := os.Getenv("DEPOT_AUTHOR"); v != "" {
		return v
	}
	return os.Getenv("USER")
}

func (a *app) commitCmd() *cobra.Command {
	var (
		sel     checkoutFlags
		message string
		author  string
		paths   []string
		staged  bool
	)
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Record the changes of a checkout on its branch",
		Long: `Commits every workspace change of the checkout. With --staged only staged
entries are committed; --paths restricts that to staged entries under the
given paths. If the branch moved since the checkout's base, the commit lands
on the new head unless another commit touched the same paths.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withParcel(cmd, func(ctx context.Context, p *parcel.Parcel) error {
				co, err := sel.resolve(ctx, p)
				if err != nil {
					return err
				}
				res, err := p.Commit(ctx, commit.Request{
					CheckoutID: co.ID,
					Author:     author,
					Message:    message,
					Paths:      paths,
					StagedOnly: staged,
				})
				if errors.Is(err, derrors.ErrNothingToCommit) {
					fmt.Fprintln(cmd.OutOrStdout(), err)
					return nil
				}
				if err != nil {
					if details, ok := derrors.AsConflict(err); ok {
						for _, path := range details.Paths {
							color.New(color.FgRed).Fprintf(cmd.ErrOrStderr(), "\tconflict: %s\n", path)
						}
					}
					return err
				}

				c := res.Commit
				fmt.Fprintf(cmd.OutOrStdout(), "[%s %s] %s\n", c.Branch, shortID(c.ID), c.Message)
				fmt.Fprintf(cmd.OutOrStdout(), " %d files changed", len(c.Changes))
				if c.Parent != co.BaseCommit {
					fmt.Fprintf(cmd.OutOrStdout(), " (on top of %s)", shortID(c.Parent))
				}
				fmt.Fprintln(cmd.OutOrStdout())
				return nil
			})
		},
	}
	sel.register(cmd)
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message")
	cmd.Flags().StringVar(&author, "author", defaultAuthor(), "commit author")
	cmd.Flags().StringSliceVar(&paths, "paths", nil, "commit only staged entries under these paths")
	cmd.Flags().BoolVar(&staged, "staged", false, "commit only staged entries")
	return cmd
}

func (a *app) diffCmd() *cobra.Command {
	var sel checkoutFlags
	cmd := &cobra.Command{
		Use:   "diff [path]...",
		Short: "Show workspace changes against the checkout baseline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withParcel(cmd, func(ctx context.Context, p *parcel.Parcel) error {
				co, err := sel.resolve(ctx, p)
				if err != nil {
					return err
				}
				results, err := p.Diff(ctx, co.ID, args)
				if err != nil {
					return err
				}
				for _, res := range results {
					printDiff(cmd.OutOrStdout(), p.Differ, res)
				}
				return nil
			})
		},
	}
	sel.register(cmd)
	return cmd
}

func printDiff(out io.Writer, engine *diff.Engine, res *diff.DiffResult) {
	bold := color.New(color.Bold)
	bold.Fprintf(out, "--- a/%s\n+++ b/%s\n", res.Path, res.Path)

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	cyan := color.New(color.FgCyan)
	for _, line := range strings.SplitAfter(engine.Format(res), "\n") {
		switch {
		case line == "":
		case strings.HasPrefix(line, "@@"):
			cyan.Fprint(out, line)
		case strings.HasPrefix(line, "+"):
			green.Fprint(out, line)
		case strings.HasPrefix(line, "-"):
			red.Fprint(out, line)
		default:
			fmt.Fprint(out, line)
		}
	}
}

func (a *app) watchCmd() *cobra.Command {
	var sel checkoutFlags
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print the status of a checkout whenever its files change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			p, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer p.Close()

			co, err := sel.resolve(ctx, p)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Watching %s (%s/%s), press Ctrl-C to stop\n", co.Dir, co.Project, co.Branch)
			return p.Watch(ctx, co.ID, func(st *staging.Status, err error) {
				fmt.Fprintf(out, "\n[%s]\n", time.Now().Format(time.TimeOnly))
				if err != nil {
					color.New(color.FgRed).Fprintf(out, "status failed: %v\n", err)
					return
				}
				printStatus(out, st)
			})
		},
	}
	sel.register(cmd)
	return cmd
}
