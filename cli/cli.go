// Package cli provides the command-line interface for ui-compose.
// It exports Run() and RunWithHooks() to allow extension by wrapper projects.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/zot/ui-compose/internal/bundle"
	"github.com/zot/ui-compose/internal/config"
)

// Version information (set at build time).
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
)

// Hooks allows extending the CLI with additional commands.
type Hooks struct {
	// Commands are added to the root command.
	Commands []*cobra.Command

	// CustomVersion returns version info to append (optional).
	CustomVersion func() string
}

// configKey is used to store config in context.
type configKey struct{}

// Run executes the CLI with the given arguments.
// Returns exit code (0 = success, non-zero = error).
func Run(args []string) int {
	return RunWithHooks(args, nil)
}

// RunWithHooks executes CLI with extension hooks.
func RunWithHooks(args []string, hooks *Hooks) int {
	root := NewRootCmd(hooks)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(root.ErrOrStderr(), "Error: %v\n", err)
		var exit *exitError
		if errors.As(err, &exit) {
			return exit.code
		}
		return 1
	}
	return 0
}

// exitError carries a specific exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// NewRootCmd creates and returns the root command.
func NewRootCmd(hooks *Hooks) *cobra.Command {
	root := &cobra.Command{
		Use:   "ui-compose",
		Short: "ui-compose - remote UI module composition host",
		Long: `ui-compose serves a host page that renders its own local content and
composes independently deployed remote UI modules into slots at runtime.

Modules are named in config/config.toml under the site directory and loaded
from file:, http(s):// or bundle: locators.`,
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "version" || cmd.Name() == "completion" {
				return nil
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey{}, cfg))
			return nil
		},
		// Bare ui-compose serves.
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, false)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(`{{.Name}} {{.Version}}
`)
	config.BindFlags(root.PersistentFlags())

	root.AddCommand(
		newServeCommand(),
		newRenderCommand(),
		newModulesCommand(),
		newCheckCommand(),
		newBundleCommand(),
		newLsCommand(),
		newCatCommand(),
		newExtractCommand(),
		newMCPCommand(),
		newVersionCommand(hooks),
	)
	if hooks != nil {
		root.AddCommand(hooks.Commands...)
	}
	return root
}

// loadConfig reads flags, env and the site config. A bundled binary without
// a site config on disk uses its bundled config/config.toml.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Root().PersistentFlags()
	var cfg *config.Config
	var err error
	if archive, bErr := bundle.Self(); bErr == nil {
		data, rErr := archive.ReadFile("config/config.toml")
		if rErr == nil {
			cfg, err = config.LoadBundled(flags, data)
		} else {
			cfg, err = config.Load(flags)
		}
	} else {
		cfg, err = config.Load(flags)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// configFrom returns the config loaded for cmd.
func configFrom(cmd *cobra.Command) *config.Config {
	if cfg, ok := cmd.Context().Value(configKey{}).(*config.Config); ok {
		return cfg
	}
	return config.DefaultConfig()
}

func newVersionCommand(hooks *Hooks) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout(), hooks)
		},
	}
}

func printVersion(w io.Writer, hooks *Hooks) {
	fmt.Fprintf(w, "ui-compose %s (%s)\n", Version, GitCommit)
	if hooks != nil && hooks.CustomVersion != nil {
		fmt.Fprintln(w, hooks.CustomVersion())
	}
}
