package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zot/ui-compose/internal/mcp"
	"github.com/zot/ui-compose/internal/server"
)

func newMCPCommand() *cobra.Command {
	var noHTTP bool
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Run as an MCP server on stdio",
		Long: `Serve the Model Context Protocol on stdin/stdout so an agent can list and
render modules, inspect sessions and retry slots. The HTTP host runs alongside
unless --no-http is given. Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := configFrom(cmd)
			cfg.SetLogOutput(cmd.ErrOrStderr())

			srv, err := server.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			httpDone := make(chan error, 1)
			if noHTTP {
				httpDone <- nil
			} else {
				go func() { httpDone <- srv.Serve(ctx) }()
			}

			mcp.Version = Version
			err = mcp.NewServer(cfg, srv).Serve(ctx, os.Stdin, cmd.OutOrStdout())
			stop()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if sErr := srv.Shutdown(shutdownCtx); err == nil {
				err = sErr
			}
			if hErr := <-httpDone; err == nil {
				err = hErr
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&noHTTP, "no-http", false, "Do not serve the HTTP host")
	return cmd
}
