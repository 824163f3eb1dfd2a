package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zjrosen/talkrelay/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or edit the configuration",
	Long: `Print the effective configuration: defaults, then the config file, then
TALKRELAY_* environment variables.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file in use",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := configFileUsed()
		if path == "" {
			return fmt.Errorf("no config file in use")
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a value in the config file",
	Long: `Set a dotted key in the config file, keeping its comments.

Example:
  talkrelay config set tool.poll_interval 1s
  talkrelay config set log.debug true`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configFileUsed()
		if path == "" {
			return fmt.Errorf("no config file in use")
		}
		if err := config.SetValue(path, args[0], args[1]); err != nil {
			return err
		}
		// Reject edits that leave the file unloadable.
		if _, err := loadConfig(newViper(), configPaths{explicit: path}); err != nil {
			return fmt.Errorf("%s now fails to load: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[0], args[1])
		return nil
	},
}

var configInitForce bool

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a commented default config file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := defaultConfigPaths("").user
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			return fmt.Errorf("no home directory; pass a path")
		}
		if _, err := os.Stat(path); err == nil && !configInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.WriteDefaultConfig(path); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVarP(&configInitForce, "force", "f", false, "overwrite an existing file")
	configCmd.AddCommand(configPathCmd, configSetCmd, configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func configFileUsed() string {
	if activeViper == nil {
		return ""
	}
	return activeViper.ConfigFileUsed()
}
