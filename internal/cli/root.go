// Package cli implements the funcrt command line.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/linkflow/funcrt/internal/config"
	"github.com/linkflow/funcrt/internal/function/provider"
	"github.com/linkflow/funcrt/internal/store"
	"github.com/linkflow/funcrt/internal/version"

	// Registers the builtin monitoring module.
	_ "github.com/linkflow/funcrt/internal/handlers/monitoring"
)

// Process exit codes.
const (
	ExitOK        = 0
	ExitExhausted = 1
	ExitStartup   = 2
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

func startupErr(err error) error {
	return &ExitError{Code: ExitStartup, Err: err}
}

// ExitCode maps a command error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ExitStartup
}

type app struct {
	v        *viper.Viper
	cfgFile  string
	envFiles []string
	registry *provider.Registry
	stdout   io.Writer
	logger   *slog.Logger
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	a := &app{
		v:        config.NewViper(),
		registry: provider.DefaultRegistry,
		stdout:   os.Stdout,
	}

	root := &cobra.Command{
		Use:   "funcrt",
		Short: "Polling function runtime",
		Long: `funcrt polls a snapshot from a key-value store, runs a handler against it
with a persistent execution context, and writes the handler's result back.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version.Version, version.GitCommit, version.BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}
	root.SetOut(os.Stdout)

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "YAML config file")
	pf.StringSliceVar(&a.envFiles, "env-file", []string{".env"}, "dotenv files to load before reading the environment")
	pf.String("redis-host", "", "store host (REDIS_HOST)")
	pf.Int("redis-port", 0, "store port (REDIS_PORT)")
	pf.String("input-key", "", "key the snapshot is read from (REDIS_INPUT_KEY)")
	pf.String("output-key", "", "key the result is written to (REDIS_OUTPUT_KEY)")
	pf.String("store", "", "store backend: redis, postgres, sqlite, memory (STORE_BACKEND)")
	pf.String("store-dsn", "", "store DSN or database path (STORE_DSN)")
	pf.String("log-level", "", "log level: debug, info, warn, error (LOG_LEVEL)")

	a.bind(pf, map[string]string{
		"redis-host": config.KeyRedisHost,
		"redis-port": config.KeyRedisPort,
		"input-key":  config.KeyInputKey,
		"output-key": config.KeyOutputKey,
		"store":      config.KeyStoreBackend,
		"store-dsn":  config.KeyStoreDSN,
		"log-level":  config.KeyLogLevel,
	})

	root.AddCommand(
		newRunCommand(a),
		newFeedCommand(a),
		newShowCommand(a),
		newHandlersCommand(a),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	err := NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	return ExitCode(err)
}

func (a *app) init(cmd *cobra.Command) error {
	if err := config.LoadDotEnv(a.envFiles...); err != nil {
		return startupErr(err)
	}
	if err := config.ReadFile(a.v, a.cfgFile); err != nil {
		return startupErr(err)
	}

	level, err := config.ParseLevel(a.v.GetString(config.KeyLogLevel))
	if err != nil {
		return startupErr(err)
	}
	a.logger = slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	slog.SetDefault(a.logger)
	a.stdout = cmd.OutOrStdout()
	return nil
}

func (a *app) load() (*config.Config, error) {
	cfg, err := config.Load(a.v)
	if err != nil {
		return nil, startupErr(err)
	}
	return cfg, nil
}

// bind maps flag names to config keys. Flags override the environment only
// when set explicitly.
func (a *app) bind(flags *pflag.FlagSet, keys map[string]string) {
	for name, key := range keys {
		if err := a.v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("cli: bind flag %s: %v", name, err))
		}
	}
}

func printBanner(logger *slog.Logger) {
	logger.Info("funcrt",
		slog.String("version", version.Version),
		slog.String("commit", version.GitCommit),
		slog.String("build_time", version.BuildTime),
	)
}

// storeConfig and the key helpers serve commands that need the store but
// not a fully validated runtime configuration.
func (a *app) storeConfig() store.Config {
	cfg, err := config.Load(a.v)
	if err == nil {
		return cfg.Store
	}
	return store.Config{
		Backend:  a.v.GetString(config.KeyStoreBackend),
		Host:     a.v.GetString(config.KeyRedisHost),
		Port:     a.v.GetInt(config.KeyRedisPort),
		DSN:      a.v.GetString(config.KeyStoreDSN),
		Password: a.v.GetString(config.KeyRedisPassword),
		DB:       a.v.GetInt(config.KeyRedisDB),
		Timeout:  store.DefaultTimeout,
	}
}

func (a *app) inputKey() string {
	return a.v.GetString(config.KeyInputKey)
}

func (a *app) outputKey() string {
	return a.v.GetString(config.KeyOutputKey)
}
