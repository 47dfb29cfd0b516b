package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Host      string `mapstructure:"host" yaml:"host"`
	Port      int    `mapstructure:"port" yaml:"port"`
	StaticDir string `mapstructure:"static_dir" yaml:"static_dir"`
}

// RunnerConfig controls how submitted programs are built and streamed.
type RunnerConfig struct {
	WorkDir         string        `mapstructure:"work_dir" yaml:"work_dir"`
	DefaultLanguage string        `mapstructure:"default_language" yaml:"default_language"`
	LanguagesFile   string        `mapstructure:"languages_file" yaml:"languages_file"`
	Unbuffer        bool          `mapstructure:"unbuffer" yaml:"unbuffer"`
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	DrainDelay      time.Duration `mapstructure:"drain_delay" yaml:"drain_delay"`
	ChunkSize       int           `mapstructure:"chunk_size" yaml:"chunk_size"`
	KillGrace       time.Duration `mapstructure:"kill_grace" yaml:"kill_grace"`
	CompileTimeout  time.Duration `mapstructure:"compile_timeout" yaml:"compile_timeout"`
}

type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

type Config struct {
	Server ServerConfig `mapstructure:"server" yaml:"server"`
	Runner RunnerConfig `mapstructure:"runner" yaml:"runner"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
}

// Load reads galaxy.yaml from the working directory or $HOME/.galaxy.
// A missing file is fine; defaults and environment overrides still apply.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("galaxy")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.galaxy")

	return load(v)
}

// LoadFile reads configuration from an explicit path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("galaxy")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Cloud platforms hand out the listen port as PORT.
	if err := v.BindEnv("server.port", "GALAXY_SERVER_PORT", "PORT"); err != nil {
		return nil, fmt.Errorf("binding env: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.static_dir", "")

	v.SetDefault("runner.work_dir", "")
	v.SetDefault("runner.default_language", "cpp")
	v.SetDefault("runner.languages_file", "")
	v.SetDefault("runner.unbuffer", true)
	v.SetDefault("runner.poll_interval", 100*time.Millisecond)
	v.SetDefault("runner.drain_delay", 200*time.Millisecond)
	v.SetDefault("runner.chunk_size", 4096)
	v.SetDefault("runner.kill_grace", 2*time.Second)
	v.SetDefault("runner.compile_timeout", 60*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Validate rejects values the runner cannot work with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Runner.PollInterval <= 0 {
		return fmt.Errorf("runner.poll_interval must be positive, got %s", c.Runner.PollInterval)
	}
	if c.Runner.ChunkSize <= 0 {
		return fmt.Errorf("runner.chunk_size must be positive, got %d", c.Runner.ChunkSize)
	}
	if c.Runner.DrainDelay < 0 || c.Runner.KillGrace < 0 || c.Runner.CompileTimeout < 0 {
		return fmt.Errorf("runner durations must not be negative")
	}
	return nil
}

// BaseDir resolves where generated sources and executables are written:
// the configured work dir, else $HOME when it exists, else the current directory.
func (r RunnerConfig) BaseDir() (string, error) {
	if r.WorkDir != "" {
		return r.WorkDir, nil
	}
	if home := os.Getenv("HOME"); home != "" {
		if info, err := os.Stat(home); err == nil && info.IsDir() {
			return home, nil
		}
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolving working directory: %w", err)
	}
	return wd, nil
}

// Addr returns the listen address for the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
