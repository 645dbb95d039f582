package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/iambrandonn/overseer/internal/config"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default overseer.json",
	Long: `Write the default configuration to overseer.json in the current directory,
or to the path given with --config. An existing file is kept unless --force
is set.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().Bool("force", false, "Overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	force, _ := cmd.Flags().GetBool("force")

	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, config.FileName)
	}

	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists\n\nHint: Pass --force to overwrite it", path)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to check %s: %w", path, err)
	}

	if err := config.GenerateDefault().SaveToFile(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}
