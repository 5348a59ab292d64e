package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/meigma/netstore/cmd/netstore/cli/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage netstore configuration",
	Long: `View and modify netstore configuration.

Without arguments, displays the current effective configuration.
Use subcommands to view the config path, initialize a config file,
or set configuration values.

Every key can also be set from the environment with a NETSTORE_ prefix,
for example NETSTORE_CACHE_DIR or NETSTORE_COOKIES_REDIS_ADDR.`,
	RunE: runConfigShow,
}

func init() {
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configSetCmd)
	rootCmd.AddCommand(configCmd)
}

// configFilePath returns --config or the default config file.
func configFilePath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	dir, err := config.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show configuration file path",
	RunE: func(_ *cobra.Command, _ []string) error {
		path, err := configFilePath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create default configuration file",
	Long: `Create a default configuration file at the XDG config path.

The file will be created at ~/.config/netstore/config.yaml (or
$XDG_CONFIG_HOME/netstore/config.yaml if set).`,
	RunE: runConfigInit,
}

func runConfigInit(_ *cobra.Command, _ []string) error {
	configPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, statErr := os.Stat(configPath); statErr == nil {
		return fmt.Errorf("config file already exists: %s", configPath)
	}

	if mkdirErr := os.MkdirAll(filepath.Dir(configPath), 0o750); mkdirErr != nil {
		return mkdirErr
	}

	defaultConfig := map[string]any{
		"cache": map[string]any{
			"dir":     cfg.Cache.Dir,
			"workers": 0,
		},
		"cookies": map[string]any{
			"file":             cfg.Cookies.File,
			"access-threshold": cfg.Cookies.AccessThreshold.String(),
			"redis": map[string]any{
				// addr and password omitted; the file store is used until addr is set
				"prefix": cfg.Cookies.Redis.Prefix,
			},
		},
		"log": map[string]any{
			"max-size":    cfg.Log.MaxSizeMB,
			"max-backups": cfg.Log.MaxBackups,
		},
	}
	data, err := yaml.Marshal(defaultConfig)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if writeErr := os.WriteFile(configPath, data, 0o600); writeErr != nil {
		return writeErr
	}

	fmt.Printf("Created config file: %s\n", configPath)
	return nil
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the config file.

Examples:
  netstore config set cache.dir /custom/cache/path
  netstore config set cookies.redis.addr localhost:6379
  netstore config set log.compress true`,
	Args: cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		var parsedValue any = value
		if b, err := strconv.ParseBool(value); err == nil {
			parsedValue = b
		} else if n, err := strconv.Atoi(value); err == nil {
			parsedValue = n
		}

		// Write only what the file already holds plus the new key, not the
		// defaults and environment.
		path, err := configFilePath()
		if err != nil {
			return err
		}
		fileOnly := viper.New()
		fileOnly.SetConfigFile(path)
		fileOnly.SetConfigType("yaml")
		if _, statErr := os.Stat(path); statErr == nil {
			if err := fileOnly.ReadInConfig(); err != nil {
				return fmt.Errorf("read config: %w", err)
			}
		}
		fileOnly.Set(key, parsedValue)

		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return err
		}
		if err := fileOnly.WriteConfigAs(path); err != nil {
			return fmt.Errorf("write config: %w", err)
		}

		fmt.Printf("Updated %s = %v\n", key, parsedValue)
		return nil
	},
}

func runConfigShow(_ *cobra.Command, _ []string) error {
	// Show all settings with their effective values
	settings := viper.AllSettings()
	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	fmt.Print(string(data))
	return nil
}
