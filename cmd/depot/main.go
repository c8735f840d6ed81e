package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"depot/internal/checkout"
	"depot/internal/config"
	derrors "depot/internal/errors"
	"depot/internal/logging"
	"depot/internal/parcel"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(derrors.ExitCode(err))
	}
}

// app carries the global flags and what PersistentPreRunE derives from them.
type app struct {
	configPath string
	storePath  string
	verbose    bool

	cfg    *config.Config
	logger *logging.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "depot",
		Short: "Depot is a checkout/commit versioning engine",
		Long: `Depot keeps projects as linear branch histories of content-addressed files.
Check a branch out into a directory, edit freely, and commit: changes that do
not overlap with what others committed meanwhile land on top of the new head.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				a.logger.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (.json, .toml or .yaml)")
	flags.StringVar(&a.storePath, "store", "", "store directory (overrides config and DEPOT_STORE)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "verbose logging")

	root.AddCommand(
		a.initCmd(),
		a.projectCmd(),
		a.branchCmd(),
		a.checkoutCmd(),
		a.checkoutsCmd(),
		a.invalidateCmd(),
		a.statusCmd(),
		a.stageCmd(),
		a.unstageCmd(),
		a.commitCmd(),
		a.logCmd(),
		a.diffCmd(),
		a.watchCmd(),
		a.gcCmd(),
		a.verifyCmd(),
		a.serveCmd(),
	)
	return root
}

func (a *app) setup() error {
	path := a.configPath
	if path == "" {
		path = config.ConfigPath()
	} else if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if a.storePath != "" {
		abs, err := filepath.Abs(a.storePath)
		if err != nil {
			return err
		}
		cfg.Store.Path = abs
	}
	a.cfg = cfg

	a.logger, err = logging.NewCLILogger(a.verbose)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	return nil
}

func (a *app) open(ctx context.Context) (*parcel.Parcel, error) {
	return parcel.New(ctx, a.cfg, a.logger.Logger)
}

// withParcel opens the store for the duration of fn.
func (a *app) withParcel(cmd *cobra.Command, fn func(ctx context.Context, p *parcel.Parcel) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	p, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer p.Close()
	return fn(ctx, p)
}

// checkoutFlags selects a checkout by id or by the directory it lives in.
type checkoutFlags struct {
	id  string
	dir string
}

func (f *checkoutFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.id, "checkout", "", "checkout id (default: the checkout containing --dir)")
	cmd.Flags().StringVarP(&f.dir, "dir", "C", ".", "directory inside the checkout")
}

func (f *checkoutFlags) resolve(ctx context.Context, p *parcel.Parcel) (*checkout.Checkout, error) {
	if f.id != "" {
		return p.Checkouts.Get(ctx, f.id)
	}
	return p.Checkouts.FindByDir(ctx, f.dir)
}

func shortID(id string) string {
	if id == "" {
		return "(none)"
	}
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
