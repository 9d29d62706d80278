package cli

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Pablu23/tftpd/internal/config"
)

type ctxKey string

const configCtxKey ctxKey = "config"

// RootOpts are the flags shared by every command. Set flags override the
// loaded configuration.
type RootOpts struct {
	ConfigPath string
	Verbose    bool
	Test       bool
	Datapath   string
	LogLevel   string
}

func (opts *RootOpts) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("verbose") && opts.Verbose {
		cfg.OutputMode = config.OutputVerbose
	}
	if flags.Changed("test") && opts.Test {
		cfg.RunMode = config.RunModeTest
	}
	if flags.Changed("datapath") {
		cfg.Datapath = opts.Datapath
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = opts.LogLevel
	}
}

func NewRootCommand() *cobra.Command {
	var opts RootOpts

	rootCmd := &cobra.Command{
		Use:           "tftpd",
		Short:         "tftpd is a TFTP server and client",
		Long:          `tftpd serves files below a data directory over TFTP (RFC 1350) and can read or write files on any TFTP server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			opts.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			cfg.SetVerboseOutput(cfg.OutputMode == config.OutputVerbose)

			if err := cfg.ConfigureLogger(); err != nil {
				log.WithError(err).Warn("Invalid log level, defaulting to info")
			}

			log.WithFields(log.Fields{
				"RunMode":    cfg.RunMode,
				"OutputMode": cfg.OutputMode,
				"Datapath":   cfg.Datapath,
			}).Debug("Loaded configuration")

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cmd.SetContext(context.WithValue(ctx, configCtxKey, cfg))
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "Path to config file (TOML)")
	rootCmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "Log every packet with its contents")
	rootCmd.PersistentFlags().BoolVar(&opts.Test, "test", false, "Use the test port 23 instead of 69")
	rootCmd.PersistentFlags().StringVar(&opts.Datapath, "datapath", "", "Directory files are served from and stored to")
	rootCmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(ServerCommand())
	rootCmd.AddCommand(ReadCommand())
	rootCmd.AddCommand(WriteCommand())

	return rootCmd
}

// GetConfig returns the configuration loaded by the root command.
func GetConfig(cmd *cobra.Command) *config.Config {
	if v := cmd.Context().Value(configCtxKey); v != nil {
		if cfg, ok := v.(*config.Config); ok {
			return cfg
		}
	}
	return nil
}
