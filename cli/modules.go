package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zot/ui-compose/internal/config"
	"github.com/zot/ui-compose/internal/loader"
	"github.com/zot/ui-compose/internal/registry"
	"github.com/zot/ui-compose/internal/server"
)

func newModulesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "List registered modules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := registry.FromConfig(configFrom(cmd))
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tLOCATOR\tEXPORT")
			for _, d := range reg.Descriptors() {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Name, d.Locator, d.ExportKey)
			}
			return tw.Flush()
		},
	}
}

func newHistoryCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [module]",
		Short: "Show recent module fetches from the history backend",
		Long: `Print recorded fetches, newest first. Only the sqlite and postgres
backends outlive the process that recorded them.`,
		Example: `  ui-compose history cart --history sqlite`,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFrom(cmd)
			history, err := server.OpenHistory(cfg)
			if err != nil {
				return err
			}
			defer history.Close()

			module := ""
			if len(args) > 0 {
				module = args[0]
			}
			records, err := history.History(cmd.Context(), module, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "AT\tMODULE\tFETCH\tRESULT\tDURATION")
			for _, r := range records {
				result := "ok"
				if !r.OK {
					result = r.Error
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", r.At.Format(time.RFC3339), r.Module, r.Fetch, result, r.Duration.Round(time.Millisecond))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum records to show (0 = all)")
	return cmd
}

func newCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Load every module and verify the host page references",
		Long: `Resolve every slot's module, then fetch and evaluate every registered
module and confirm its export exists. Exits non-zero when anything fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := configFrom(cmd)
			history, err := server.OpenHistory(cfg)
			if err != nil {
				return err
			}
			defer history.Close()
			l, err := server.NewLoader(cfg, history)
			if err != nil {
				return err
			}
			defer l.Close()
			return checkSite(cmd.Context(), cmd.OutOrStdout(), cfg, l)
		},
	}
}

// checkSite reports every slot reference and module load, returning an
// error when any failed.
func checkSite(ctx context.Context, w io.Writer, cfg *config.Config, l *loader.Loader) error {
	var errs []error
	for _, slot := range cfg.Host.Slots {
		module := slot.Module
		if module == "" {
			module = slot.Name
		}
		if _, err := l.Registry().Resolve(module); err != nil {
			fmt.Fprintf(w, "FAIL slot %s: %v\n", slot.Name, err)
			errs = append(errs, fmt.Errorf("slot %s: %w", slot.Name, err))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Loader.Timeout.Duration()+time.Second)
	defer cancel()
	for _, state := range l.LoadAll(ctx) {
		if state.Status() == loader.Loaded {
			fmt.Fprintf(w, "ok   %s (%s#%s)\n", state.Descriptor.Name, state.Descriptor.Locator, state.Descriptor.ExportKey)
			continue
		}
		fmt.Fprintf(w, "FAIL %s: %v\n", state.Descriptor.Name, state.Err())
		errs = append(errs, state.Err())
	}

	if len(errs) > 0 {
		return &exitError{code: 2, err: fmt.Errorf("%d problems: %w", len(errs), errors.Join(errs...))}
	}
	return nil
}
