// Package cli implements the netstore command-line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/meigma/netstore"
	"github.com/meigma/netstore/cmd/netstore/cli/config"
)

// Build information set via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags.
var (
	cfgFile string
	verbose bool
	logFile string
)

var (
	// cfg is the effective configuration, loaded before every command runs.
	cfg config.Config
	// logger is discarded unless --verbose or --log-file is given.
	logger = slog.New(slog.DiscardHandler)
	// logSink is the rotating log file, if any.
	logSink io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "netstore",
	Short: "Inspect and maintain disk caches and cookie jars",
	Long: `Netstore is a CLI for the on-disk state of an HTTP client: a simple disk
cache of entries with checksummed streams and sparse ranges, and a cookie jar
persisted to a compressed file or Redis.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default $XDG_CONFIG_HOME/netstore/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose debug logging")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to a rotating file instead of stderr")
	rootCmd.Version = version
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, formatError(err))
	}
	if logSink != nil {
		logSink.Close()
	}
	return err
}

// setup reads the configuration and builds the logger.
func setup(_ *cobra.Command, _ []string) error {
	if err := initConfig(); err != nil {
		return err
	}
	loaded, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	cfg = loaded
	if logFile != "" {
		cfg.Log.File = logFile
	}
	logger = newLogger()
	return nil
}

// initConfig wires defaults, the config file and NETSTORE_* environment
// variables into the global viper instance.
func initConfig() error {
	if err := config.SetDefaults(viper.GetViper()); err != nil {
		return err
	}
	viper.SetEnvPrefix("NETSTORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		dir, err := config.Dir()
		if err != nil {
			return err
		}
		viper.AddConfigPath(dir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// newLogger returns a text logger on stderr under --verbose, or on a rotating
// file when one is configured.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	var w io.Writer
	switch {
	case cfg.Log.File != "":
		lj := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			Compress:   cfg.Log.Compress,
		}
		logSink = lj
		w = lj
	case verbose:
		w = os.Stderr
	default:
		return slog.New(slog.DiscardHandler)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// signalContext returns a context that is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// formatError converts netstore errors to user-friendly messages.
func formatError(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, netstore.ErrNotFound):
		return fmt.Sprintf("Error: not found: %v", err)
	case errors.Is(err, netstore.ErrChecksumMismatch):
		return "Error: entry data is corrupt (checksum mismatch); the entry was removed"
	case errors.Is(err, netstore.ErrFormatInvalid):
		return fmt.Sprintf("Error: unreadable entry: %v", err)
	case errors.Is(err, netstore.ErrInvalidArgument):
		return fmt.Sprintf("Error: invalid argument: %v", err)
	case errors.Is(err, netstore.ErrIO):
		return fmt.Sprintf("Error: I/O failure: %v", err)
	case errors.Is(err, context.Canceled):
		return "Error: operation canceled"
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}
