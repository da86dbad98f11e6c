package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/zot/ui-compose/internal/bundle"
)

// openArchive opens the bundle of binary, or of this executable when empty.
func openArchive(binary string) (*bundle.Archive, error) {
	var archive *bundle.Archive
	var err error
	if binary == "" {
		archive, err = bundle.Self()
	} else {
		archive, err = bundle.Open(binary)
	}
	if errors.Is(err, bundle.ErrNotBundled) {
		return nil, fmt.Errorf("binary is not bundled")
	}
	return archive, err
}

func newBundleCommand() *cobra.Command {
	var output, source string
	cmd := &cobra.Command{
		Use:   "bundle <site-dir>",
		Short: "Create a binary with a site (config and modules) bundled",
		Long: `Append a ZIP of site-dir to a copy of the binary. The bundled binary reads
config/config.toml from the bundle when no site config exists on disk, and
bundle: locators read modules from it.`,
		Example: `  ui-compose bundle site/ -o my-app`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			siteDir := args[0]
			if _, err := os.Stat(siteDir); err != nil {
				return fmt.Errorf("site directory %s: %w", siteDir, err)
			}
			if source == "" {
				exe, err := os.Executable()
				if err != nil {
					return fmt.Errorf("failed to get executable path: %w", err)
				}
				source = exe
			}
			if err := bundle.Create(source, siteDir, output); err != nil {
				return fmt.Errorf("failed to create bundle: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created bundled binary: %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output path for bundled binary")
	cmd.Flags().StringVar(&source, "src", "", "Source binary to bundle (default: current executable)")
	cmd.MarkFlagRequired("output")
	return cmd
}

func newLsCommand() *cobra.Command {
	var binary string
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List files in the bundled site",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			archive, err := openArchive(binary)
			if err != nil {
				return err
			}
			for _, f := range archive.Files() {
				if f.IsSymlink {
					fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", f.Name, f.SymlinkTarget)
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), f.Name)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&binary, "binary", "", "Bundled binary to read (default: current executable)")
	return cmd
}

func newCatCommand() *cobra.Command {
	var binary string
	cmd := &cobra.Command{
		Use:   "cat <file>",
		Short: "Display contents of a bundled file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			archive, err := openArchive(binary)
			if err != nil {
				return err
			}
			content, err := archive.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read file: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(content)
			return err
		},
	}
	cmd.Flags().StringVar(&binary, "binary", "", "Bundled binary to read (default: current executable)")
	return cmd
}

func newExtractCommand() *cobra.Command {
	var binary string
	cmd := &cobra.Command{
		Use:   "extract [dir]",
		Short: "Extract the bundled site to the filesystem",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			targetDir := "."
			if len(args) > 0 {
				targetDir = args[0]
			}
			archive, err := openArchive(binary)
			if err != nil {
				return err
			}
			if err := archive.Extract(targetDir); err != nil {
				return fmt.Errorf("failed to extract bundle: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Extracted site to: %s\n", targetDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&binary, "binary", "", "Bundled binary to read (default: current executable)")
	return cmd
}
