package main

import (
	"context"
	"fmt"
	"time"

	"depot/internal/parcel"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func (a *app) logCmd() *cobra.Command {
	var (
		sel checkoutFlags
		n   int
	)
	cmd := &cobra.Command{
		Use:   "log [project [branch]]",
		Short: "Show the history of a branch, newest first",
		Long: `Shows the history of project/branch. Without arguments, shows the branch of
the checkout containing --dir.`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withParcel(cmd, func(ctx context.Context, p *parcel.Parcel) error {
				var project, branch string
				switch len(args) {
				case 0:
					co, err := sel.resolve(ctx, p)
					if err != nil {
						return err
					}
					project, branch = co.Project, co.Branch
				case 1:
					proj, err := p.Graph.Project(ctx, args[0])
					if err != nil {
						return err
					}
					project, branch = proj.Name, proj.DefaultBranch
				default:
					project, branch = args[0], args[1]
				}

				commits, err := p.Log(ctx, project, branch, n)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(commits) == 0 {
					fmt.Fprintf(out, "%s/%s has no commits yet\n", project, branch)
					return nil
				}
				yellow := color.New(color.FgYellow)
				for _, c := range commits {
					yellow.Fprintf(out, "commit %s\n", c.ID)
					fmt.Fprintf(out, "Author: %s\n", c.Author)
					fmt.Fprintf(out, "Date:   %s\n\n", c.Timestamp.Local().Format(time.RFC1123))
					fmt.Fprintf(out, "    %s\n\n", c.Message)
					for _, ch := range c.Changes {
						fmt.Fprintf(out, "    %s\n", describe(ch))
					}
					fmt.Fprintln(out)
				}
				return nil
			})
		},
	}
	sel.register(cmd)
	cmd.Flags().IntVarP(&n, "number", "n", 0, "limit the number of commits (0 means all)")
	return cmd
}
