package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	ClientTransmission = "transmission"
	ClientDeluge       = "deluge"
)

// Config struct for environment variables, overlaid by an optional YAML file.
type Config struct {
	TorrentClient string `envconfig:"TORRENT_CLIENT" default:"transmission" mapstructure:"torrent_client"`

	TransmissionURL      string `envconfig:"TRANSMISSION_URL" default:"http://localhost:9091/transmission/rpc" mapstructure:"transmission_url"`
	TransmissionUsername string `envconfig:"TRANSMISSION_USERNAME" mapstructure:"transmission_username"`
	TransmissionPassword string `envconfig:"TRANSMISSION_PASSWORD" mapstructure:"transmission_password"`

	DelugeBaseURL    string `envconfig:"DELUGE_BASE_URL" mapstructure:"deluge_base_url"`
	DelugeAPIURLPath string `envconfig:"DELUGE_API_URL_PATH" default:"/json" mapstructure:"deluge_api_url_path"`
	DelugePassword   string `envconfig:"DELUGE_PASSWORD" mapstructure:"deluge_password"`
	DelugeInsecure   bool   `envconfig:"DELUGE_INSECURE" mapstructure:"deluge_insecure"`

	Label     string `envconfig:"LABEL" mapstructure:"label"`
	// SourceDir is where downloads are visible locally. Download dirs under
	// ClientDir keep their relative path below SourceDir; without ClientDir
	// every download dir is replaced by SourceDir.
	SourceDir string `envconfig:"SOURCE_DIR" mapstructure:"source_dir"`
	ClientDir string `envconfig:"CLIENT_DIR" mapstructure:"client_dir"`
	DestDir   string `envconfig:"DEST_DIR" mapstructure:"dest_dir"`

	RequireMount    bool          `envconfig:"REQUIRE_MOUNT" mapstructure:"require_mount"`
	RetentionWindow time.Duration `envconfig:"RETENTION_WINDOW" default:"720h" mapstructure:"retention_window"`
	CycleInterval   time.Duration `envconfig:"CYCLE_INTERVAL" default:"5m" mapstructure:"cycle_interval"`
	DeleteLocalData bool          `envconfig:"DELETE_LOCAL_DATA" default:"true" mapstructure:"delete_local_data"`
	DryRun          bool          `envconfig:"DRY_RUN" mapstructure:"dry_run"`
	MaxParallel     int           `envconfig:"MAX_PARALLEL" default:"2" mapstructure:"max_parallel"`
	VerifyChecksum  bool          `envconfig:"VERIFY_CHECKSUM" default:"true" mapstructure:"verify_checksum"`
	CheckpointBytes int64         `envconfig:"CHECKPOINT_BYTES" default:"33554432" mapstructure:"checkpoint_bytes"`

	DBPath            string `envconfig:"DB_PATH" default:"seedbox_mirror.db" mapstructure:"db_path"`
	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO" mapstructure:"log_level"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL" mapstructure:"discord_webhook_url"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true" mapstructure:"enabled"`
		OTLPEndpoint string `split_words:"true" mapstructure:"otlp_endpoint"`
	} `mapstructure:"telemetry"`

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092" mapstructure:"bind_address"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s" mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s" mapstructure:"write_timeout"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s" mapstructure:"idle_timeout"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s" mapstructure:"shutdown_timeout"`
	} `mapstructure:"web"`

	// Once runs a single cycle and exits. Command line only.
	Once bool `ignored:"true" mapstructure:"-"`
}

// LoadConfig builds the configuration from the environment, the optional
// --config file and the command line flags, in that order.
func LoadConfig(args []string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	flags := pflag.NewFlagSet("seedbox_mirror", pflag.ContinueOnError)
	flags.SetOutput(io.Discard)

	configPath := flags.String("config", "", "path to a YAML config file")
	once := flags.Bool("once", false, "run a single sync cycle and exit")
	dryRun := flags.Bool("dry-run", false, "log retention decisions without removing anything")

	if err := flags.Parse(args); err != nil {
		return nil, fmt.Errorf("error parsing flags: %w", err)
	}

	if *configPath != "" {
		if err := loadFile(*configPath, &cfg); err != nil {
			return nil, err
		}
	}

	cfg.Once = *once

	if flags.Changed("dry-run") {
		cfg.DryRun = *dryRun
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFile overlays the keys present in the YAML file onto cfg.
func loadFile(path string, cfg *Config) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return nil
}

// Validate checks the settings the engine cannot run without.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.TorrentClient) {
	case ClientTransmission:
		if c.TransmissionURL == "" {
			errs = append(errs, errors.New("TRANSMISSION_URL is required"))
		}
	case ClientDeluge:
		if c.DelugeBaseURL == "" {
			errs = append(errs, errors.New("DELUGE_BASE_URL is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported torrent client %q", c.TorrentClient))
	}

	if c.DestDir == "" {
		errs = append(errs, errors.New("DEST_DIR is required"))
	}

	if c.RetentionWindow <= 0 {
		errs = append(errs, errors.New("RETENTION_WINDOW must be positive"))
	}

	if c.CycleInterval <= 0 {
		errs = append(errs, errors.New("CYCLE_INTERVAL must be positive"))
	}

	if c.MaxParallel < 1 {
		errs = append(errs, errors.New("MAX_PARALLEL must be at least 1"))
	}

	if c.CheckpointBytes <= 0 {
		errs = append(errs, errors.New("CHECKPOINT_BYTES must be positive"))
	}

	return errors.Join(errs...)
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
