package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"depot/internal/api"
	"depot/internal/logging"
	"depot/internal/parcel"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func (a *app) initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create an empty store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := parcel.Initialize(a.cfg.Store.Path); err != nil {
				return fmt.Errorf("initializing store: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Initialized depot store in", a.cfg.Store.Path)
			return nil
		},
	}
}

func (a *app) projectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Create and list projects",
	}

	var branch string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a project with an empty default branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withParcel(cmd, func(ctx context.Context, p *parcel.Parcel) error {
				proj, err := p.CreateProject(ctx, args[0], branch)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created project %s (branch %s)\n", proj.Name, proj.DefaultBranch)
				return nil
			})
		},
	}
	create.Flags().StringVarP(&branch, "branch", "b", "main", "default branch name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withParcel(cmd, func(ctx context.Context, p *parcel.Parcel) error {
				projects, err := p.Graph.ListProjects(ctx)
				if err != nil {
					return err
				}
				if len(projects) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No projects found")
					return nil
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, proj := range projects {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", proj.Name, proj.DefaultBranch, proj.CreatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}

	cmd.AddCommand(create, list)
	return cmd
}

func (a *app) branchCmd() *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "branch <project> [name]",
		Short: "List branches, or create one",
		Long: `Without a name, lists the branches of a project. With a name, creates a
branch starting at --from, or at the head of the default branch.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withParcel(cmd, func(ctx context.Context, p *parcel.Parcel) error {
				project := args[0]
				if len(args) == 2 {
					start := from
					if start == "" {
						proj, err := p.Graph.Project(ctx, project)
						if err != nil {
							return err
						}
						b, err := p.Graph.Branch(ctx, project, proj.DefaultBranch)
						if err != nil {
							return err
						}
						start = b.Head
					}
					b, err := p.Graph.CreateBranch(ctx, project, args[1], start)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Created branch %s at %s\n", b.Name, shortID(b.Head))
					return nil
				}

				branches, err := p.Graph.ListBranches(ctx, project)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, b := range branches {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", b.Name, shortID(b.Head), b.UpdatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "commit the new branch starts at")
	return cmd
}

func (a *app) gcCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Reclaim unreferenced blob bytes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withParcel(cmd, func(ctx context.Context, p *parcel.Parcel) error {
				report, err := p.Compact(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Released %d blobs, removed %d orphans, %d live\n",
					len(report.Released), len(report.Orphans), report.Live)
				return nil
			})
		},
	}
}

func (a *app) verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Re-hash stored blobs and check referenced ones exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withParcel(cmd, func(ctx context.Context, p *parcel.Parcel) error {
				report, err := p.Verify(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				red := color.New(color.FgRed)
				for _, h := range report.Corrupt {
					red.Fprintf(out, "corrupt  %s\n", h)
				}
				for _, h := range report.Missing {
					red.Fprintf(out, "missing  %s\n", h)
				}
				fmt.Fprintf(out, "Checked %d blobs\n", report.Checked)
				if !report.OK() {
					return fmt.Errorf("store has %d corrupt and %d missing blobs", len(report.Corrupt), len(report.Missing))
				}
				return nil
			})
		},
	}
}

func (a *app) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger, err := logging.NewLogger(a.cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			p, err := parcel.New(ctx, a.cfg, logger.Logger)
			if err != nil {
				return err
			}
			defer p.Close()

			if addr == "" {
				addr = fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)
			}
			return api.Serve(ctx, addr, api.NewRouter(api.NewHandler(p.Graph, p.Checkouts, logger)), logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}
