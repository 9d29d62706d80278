package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	NormalPort = 69
	TestPort   = 23

	RunModeNormal = "normal"
	RunModeTest   = "test"

	OutputVerbose = "verbose"
	OutputQuiet   = "quiet"
)

// Config is the process wide run configuration. The quit and verbose flags
// are the only state shared between connections.
type Config struct {
	Address         string `mapstructure:"address"`
	RunMode         string `mapstructure:"run_mode"`
	OutputMode      string `mapstructure:"output_mode"`
	Datapath        string `mapstructure:"datapath"`
	IdleTimeoutMs   int    `mapstructure:"idle_timeout_ms"`
	ClientTimeoutMs int    `mapstructure:"client_timeout_ms"`
	MetricsAddress  string `mapstructure:"metrics_address"`
	LogLevel        string `mapstructure:"log_level"`

	verbose atomic.Bool
	quit    atomic.Bool
}

func Default() *Config {
	return &Config{
		Address:         "0.0.0.0",
		RunMode:         RunModeNormal,
		OutputMode:      OutputQuiet,
		Datapath:        "./files/",
		IdleTimeoutMs:   5000,
		ClientTimeoutMs: 5000,
		LogLevel:        "info",
	}
}

// Load reads the configuration from configPath, or from tftpd.toml in the
// working directory or ~/.tftpd when configPath is empty. A missing file is
// not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("TFTPD")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("tftpd")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".tftpd"))
		}
	}

	def := Default()
	v.SetDefault("address", def.Address)
	v.SetDefault("run_mode", def.RunMode)
	v.SetDefault("output_mode", def.OutputMode)
	v.SetDefault("datapath", def.Datapath)
	v.SetDefault("idle_timeout_ms", def.IdleTimeoutMs)
	v.SetDefault("client_timeout_ms", def.ClientTimeoutMs)
	v.SetDefault("metrics_address", def.MetricsAddress)
	v.SetDefault("log_level", def.LogLevel)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		log.WithField("Config Path", v.ConfigFileUsed()).Debug("Loaded config file")
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.SetVerboseOutput(cfg.OutputMode == OutputVerbose)

	return cfg, nil
}

func (cfg *Config) Validate() error {
	cfg.RunMode = strings.ToLower(strings.TrimSpace(cfg.RunMode))
	cfg.OutputMode = strings.ToLower(strings.TrimSpace(cfg.OutputMode))

	if cfg.RunMode != RunModeNormal && cfg.RunMode != RunModeTest {
		return fmt.Errorf("unknown run mode %q", cfg.RunMode)
	}
	if cfg.OutputMode != OutputVerbose && cfg.OutputMode != OutputQuiet {
		return fmt.Errorf("unknown output mode %q", cfg.OutputMode)
	}
	if cfg.IdleTimeoutMs <= 0 {
		return fmt.Errorf("idle timeout must be positive, got %d ms", cfg.IdleTimeoutMs)
	}
	if cfg.ClientTimeoutMs <= 0 {
		return fmt.Errorf("client timeout must be positive, got %d ms", cfg.ClientTimeoutMs)
	}
	return nil
}

// ConfigureLogger applies the configured log level to the standard logrus logger.
func (cfg *Config) ConfigureLogger() error {
	log.SetFormatter(&log.TextFormatter{
		ForceColors:   true,
		FullTimestamp: true,
	})

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.SetLevel(log.InfoLevel)
		return fmt.Errorf("unknown log level %q: %w", cfg.LogLevel, err)
	}
	log.SetLevel(level)
	return nil
}

func (cfg *Config) IsVerboseOutput() bool {
	return cfg.verbose.Load()
}

func (cfg *Config) SetVerboseOutput(verbose bool) {
	cfg.verbose.Store(verbose)
}

func (cfg *Config) QuitRequested() bool {
	return cfg.quit.Load()
}

func (cfg *Config) RequestQuit() {
	cfg.quit.Store(true)
}

// TargetPort is the well known TFTP port, or the alternate port in test mode.
func (cfg *Config) TargetPort() int {
	if cfg.RunMode == RunModeTest {
		return TestPort
	}
	return NormalPort
}

func (cfg *Config) IdleTimeout() time.Duration {
	return time.Duration(cfg.IdleTimeoutMs) * time.Millisecond
}

func (cfg *Config) ClientTimeout() time.Duration {
	return time.Duration(cfg.ClientTimeoutMs) * time.Millisecond
}
