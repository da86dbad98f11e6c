package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zot/ui-compose/internal/server"
)

func newServeCommand() *cobra.Command {
	var validate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the composition host (default)",
		Long: `Start the HTTP server. GET / creates a session and redirects to its host
page; slots load in the background and browsers receive their updates over a
websocket.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, validate)
		},
	}
	cmd.Flags().BoolVar(&validate, "validate", false, "Load every module before serving and fail on errors")
	return cmd
}

func runServe(cmd *cobra.Command, validate bool) error {
	cfg := configFrom(cmd)

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if validate {
		if err := checkSite(ctx, cmd.ErrOrStderr(), cfg, srv.Loader()); err != nil {
			srv.Shutdown(context.Background())
			return err
		}
	}
	return srv.Serve(ctx)
}
