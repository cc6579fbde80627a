package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/oshokin/nuspec-builder/internal/config"
	"github.com/oshokin/nuspec-builder/internal/logger"
	"github.com/oshokin/nuspec-builder/internal/service/discovery"
	"github.com/oshokin/nuspec-builder/internal/service/packager"
	"github.com/oshokin/nuspec-builder/internal/version"
)

// Exit codes of the nuspec-builder binary.
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitInvalidConfig = 2
	ExitInputNotFound = 3
	ExitPackFailed    = 4
)

// envPrefix namespaces environment overrides, e.g. NUSPEC_INPUT.
const envPrefix = "NUSPEC"

// Keys shared by flags, environment variables and viper.
const (
	keyInput        = "input"
	keyOutput       = "output"
	keyTool         = "tool"
	keyConcurrency  = "concurrency"
	keyTimeout      = "timeout"
	keyReport       = "report"
	keyExclude      = "exclude"
	keyKillOnCancel = "kill-on-cancel"
	keyDryRun       = "dry-run"
	keyLogLevel     = "log-level"
	keyConfig       = "config"
	keySaveConfig   = "save-config"
)

var errNotKeyValue = fmt.Errorf("%w: argument is not KEY=VALUE", config.ErrInvalid)

// NewRootCommand builds the nuspec-builder command.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nuspec-builder [INPUT=<dir>] [OUTPUT=<dir>] [NUGET=<tool>]",
		Short: "Generate NuGet manifests for imported binaries and pack them",
		Long: `Walks the input tree looking for bundle directories (named after the "imports"
marker by default), writes one .nuspec manifest per package directory found in
each bundle and runs "<tool> pack <manifest>" for every manifest, one at a time.

Settings are layered: configuration file < NUSPEC_* environment variables <
flags < KEY=VALUE arguments (INPUT, OUTPUT, NUGET or TOOL).`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			v := newViper(cmd.Flags())

			if err := applyLogLevel(v); err != nil {
				return err
			}

			cfg, err := loadConfig(cmd.Flags(), v, args)
			if err != nil {
				return err
			}

			if path := v.GetString(keySaveConfig); path != "" {
				if err = config.Save(path, cfg); err != nil {
					return err
				}

				logger.Infof(ctx, "Settings saved to %s", path)
			}

			_, err = packager.Run(ctx, &packager.Options{
				Config: cfg,
				DryRun: v.GetBool(keyDryRun),
			})

			return err
		},
	}

	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", config.ErrInvalid, err)
	})

	flags := rootCmd.Flags()
	flags.StringP(keyConfig, "c", config.DefaultConfigFilename, "path to configuration file")
	flags.StringP(keyInput, "i", "", "directory searched for bundles")
	flags.StringP(keyOutput, "o", "", "directory receiving .nuspec manifests")
	flags.StringP(keyTool, "t", "", "packaging tool executable")
	flags.Int(keyConcurrency, config.DefaultConcurrency, "number of packaging processes running at once")
	flags.Duration(keyTimeout, 0, "kill a packaging process running longer than this (0 disables)")
	flags.String(keyReport, "", "write a YAML run report to this file")
	flags.StringSlice(keyExclude, nil, "glob patterns of file names left out of manifests")
	flags.Bool(keyKillOnCancel, false, "kill running packaging processes on interrupt")
	flags.Bool(keyDryRun, false, "write manifests without packing them")
	flags.String(keySaveConfig, "", "write the merged settings to this file before running")
	flags.String(keyLogLevel, "info", "log level: debug, info, warn or error")

	return rootCmd
}

// Execute runs the nuspec-builder CLI and exits with a status describing the outcome.
func Execute() {
	rootCmd := NewRootCommand()
	version.AttachCobraVersionCommand(rootCmd)

	err := rootCmd.ExecuteContext(context.Background())
	if err != nil {
		logger.Error(context.Background(), err)
	}

	logger.Sync()
	os.Exit(ExitCode(err))
}

// ExitCode maps a run error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, config.ErrInvalid):
		return ExitInvalidConfig
	case errors.Is(err, discovery.ErrRootNotFound):
		return ExitInputNotFound
	case errors.Is(err, packager.ErrPackFailed):
		return ExitPackFailed
	default:
		return ExitFailure
	}
}

// newViper binds every flag and its NUSPEC_* environment variable.
func newViper(flags *pflag.FlagSet) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	flags.VisitAll(func(flag *pflag.Flag) {
		//nolint:errcheck // BindPFlag fails only for a nil flag.
		_ = v.BindPFlag(flag.Name, flag)
	})

	return v
}

func applyLogLevel(v *viper.Viper) error {
	level, ok := logger.ParseLogLevel(v.GetString(keyLogLevel))
	if !ok {
		return fmt.Errorf("%w: unknown log level %q", config.ErrInvalid, v.GetString(keyLogLevel))
	}

	logger.SetLevel(level)

	return nil
}

// loadConfig merges the configuration file, environment, flags and KEY=VALUE arguments.
func loadConfig(flags *pflag.FlagSet, v *viper.Viper, args []string) (*config.Config, error) {
	cfg, err := readConfigFile(flags, v)
	if err != nil {
		return nil, err
	}

	if v.IsSet(keyInput) {
		cfg.InputPath = v.GetString(keyInput)
	}

	if v.IsSet(keyOutput) {
		cfg.OutputPath = v.GetString(keyOutput)
	}

	if v.IsSet(keyTool) {
		cfg.ToolPath = v.GetString(keyTool)
	}

	if v.IsSet(keyConcurrency) {
		cfg.Concurrency = v.GetInt(keyConcurrency)
	}

	if v.IsSet(keyTimeout) {
		cfg.Timeout = v.GetDuration(keyTimeout)
	}

	if v.IsSet(keyReport) {
		cfg.ReportPath = v.GetString(keyReport)
	}

	if v.IsSet(keyExclude) {
		cfg.ExcludeFiles = v.GetStringSlice(keyExclude)
	}

	if v.IsSet(keyKillOnCancel) {
		cfg.KillOnCancel = v.GetBool(keyKillOnCancel)
	}

	if err = applyArgs(cfg, args); err != nil {
		return nil, err
	}

	return cfg, nil
}

// readConfigFile loads the configuration file. A missing file is an error only
// when its path was given explicitly.
func readConfigFile(flags *pflag.FlagSet, v *viper.Viper) (*config.Config, error) {
	path := v.GetString(keyConfig)
	explicit := flags.Changed(keyConfig) || path != config.DefaultConfigFilename

	cfg, err := config.Load(path)

	switch {
	case err == nil:
		return cfg, nil
	case !explicit && errors.Is(err, os.ErrNotExist):
		return config.Default(), nil
	case errors.Is(err, config.ErrInvalid):
		return nil, err
	default:
		return nil, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
}

// applyArgs applies positional KEY=VALUE arguments. Keys are case-insensitive.
func applyArgs(cfg *config.Config, args []string) error {
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return fmt.Errorf("%w: %q", errNotKeyValue, arg)
		}

		switch strings.ToUpper(strings.TrimSpace(key)) {
		case "INPUT":
			cfg.InputPath = value
		case "OUTPUT":
			cfg.OutputPath = value
		case "NUGET", "TOOL":
			cfg.ToolPath = value
		default:
			return fmt.Errorf("%w: unknown argument key %q", config.ErrInvalid, key)
		}
	}

	return nil
}
