package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/litmajor/mtaa-elders/internal/config"
)

var initForce bool

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default elders.yaml",
	Long:  "Writes a commented configuration with every default to the --config path.\nAn existing file is left untouched unless --force is given.",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	path := viper.GetString("config")
	wrote, err := writeIfMissing(path, config.DefaultYAML(), initForce)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !wrote {
		fmt.Fprintf(out, "%s already exists (use --force to overwrite).\n", path)
		return nil
	}
	fmt.Fprintf(out, "Created %s\n\n", path)
	fmt.Fprintln(out, "Next:")
	fmt.Fprintf(out, "  elders serve --config %s\n", path)
	return nil
}

func writeIfMissing(path, content string, force bool) (bool, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
