package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/zot/ui-compose/internal/component"
	"github.com/zot/ui-compose/internal/config"
	"github.com/zot/ui-compose/internal/host"
	"github.com/zot/ui-compose/internal/server"
	"github.com/zot/ui-compose/internal/tree"
)

func newRenderCommand() *cobra.Command {
	var standalone string
	var props map[string]string
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render the host page, or one module standalone, to stdout",
		Long: `Render the configured host page once every slot has settled and print
its HTML. With --standalone, render a single module on its own.`,
		Example: `  ui-compose render --dir site/
  ui-compose render --standalone cart --prop title=Cart`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := configFrom(cmd)
			if standalone != "" {
				p := component.Props{}
				for k, v := range props {
					p[k] = v
				}
				return renderStandalone(cmd.Context(), cmd.OutOrStdout(), cfg, standalone, p)
			}
			return renderHost(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}
	cmd.Flags().StringVar(&standalone, "standalone", "", "Render only this module")
	cmd.Flags().StringToStringVar(&props, "prop", nil, "Props for --standalone (key=value, repeatable)")
	return cmd
}

// renderHost composes the host page and writes it after every slot settles.
func renderHost(ctx context.Context, w io.Writer, cfg *config.Config) error {
	l, err := server.NewLoader(cfg, nil)
	if err != nil {
		return err
	}
	defer l.Close()

	t := tree.New()
	opts := host.OptionsFromConfig(cfg)
	opts.Loader = l
	opts.Tree = t
	c, err := host.New(opts)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Render(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Loader.Timeout.Duration()+time.Second)
	defer cancel()
	if err := c.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for slots: %w", err)
	}

	for _, st := range c.Slots() {
		if st.State == host.Errored {
			cfg.Warn("Slot %s (%s): %s", st.Name, st.Module, st.Error)
		}
	}
	_, err = fmt.Fprint(w, t.HTML())
	return err
}

func renderStandalone(ctx context.Context, w io.Writer, cfg *config.Config, name string, props component.Props) error {
	l, err := server.NewLoader(cfg, nil)
	if err != nil {
		return err
	}
	defer l.Close()

	html, err := host.Standalone(ctx, l, name, props, cfg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, html)
	return err
}
