package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// PathEnv names the environment variable holding an optional config file path.
const PathEnv = "CURRENCY_CHECK_CONFIG"

// Duration wraps time.Duration so config files can use strings like "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for both YAML and TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Server holds HTTP listener settings.
type Server struct {
	Addr               string   `yaml:"addr" toml:"addr"`
	ShutdownTimeout    Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	MaxMultipartMemory int64    `yaml:"max_multipart_memory" toml:"max_multipart_memory"`
	CORSOrigins        []string `yaml:"cors_origins" toml:"cors_origins"`
}

// Analyzer describes how the external analysis process is launched.
type Analyzer struct {
	Command       string   `yaml:"command" toml:"command"`
	Script        string   `yaml:"script" toml:"script"`
	Timeout       Duration `yaml:"timeout" toml:"timeout"`
	WaitDelay     Duration `yaml:"wait_delay" toml:"wait_delay"`
	ResultPrefix  string   `yaml:"result_prefix" toml:"result_prefix"`
	MaxConcurrent int      `yaml:"max_concurrent" toml:"max_concurrent"`
	AdmissionWait Duration `yaml:"admission_wait" toml:"admission_wait"`
}

// Upload controls where request files are stored.
type Upload struct {
	Dir string `yaml:"dir" toml:"dir"`
}

// Database configures the optional verdict history.
type Database struct {
	DSN string `yaml:"dsn" toml:"dsn"`
}

// Redis configures the optional verdict cache.
type Redis struct {
	Addr string   `yaml:"addr" toml:"addr"`
	TTL  Duration `yaml:"ttl" toml:"ttl"`
}

// GRPC configures the optional gRPC health endpoint.
type GRPC struct {
	HealthAddr string `yaml:"health_addr" toml:"health_addr"`
}

// Log configures the zap logger.
type Log struct {
	Level string `yaml:"level" toml:"level"`
}

// Config is the full service configuration.
type Config struct {
	Server   Server   `yaml:"server" toml:"server"`
	Analyzer Analyzer `yaml:"analyzer" toml:"analyzer"`
	Upload   Upload   `yaml:"upload" toml:"upload"`
	Database Database `yaml:"database" toml:"database"`
	Redis    Redis    `yaml:"redis" toml:"redis"`
	GRPC     GRPC     `yaml:"grpc" toml:"grpc"`
	Log      Log      `yaml:"log" toml:"log"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Server: Server{
			Addr:               ":5000",
			ShutdownTimeout:    Duration(15 * time.Second),
			MaxMultipartMemory: 32 << 20,
			CORSOrigins:        []string{"*"},
		},
		Analyzer: Analyzer{
			Command:       "python",
			Script:        "../ai-model/currency_detector.py",
			Timeout:       Duration(60 * time.Second),
			WaitDelay:     Duration(2 * time.Second),
			MaxConcurrent: 4,
			AdmissionWait: Duration(10 * time.Second),
		},
		Upload: Upload{Dir: "uploads"},
		Redis:  Redis{TTL: Duration(5 * time.Minute)},
		Log:    Log{Level: "info"},
	}
}

// Load builds the configuration from defaults, the optional file at path (or
// $CURRENCY_CHECK_CONFIG when path is empty) and environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(PathEnv)
	}
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file not found: %s", path)
		}
		return fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("invalid TOML in %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("invalid YAML in %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Server.Addr, "HTTP_ADDR")
	setString(&cfg.Analyzer.Command, "ANALYZER_COMMAND")
	setString(&cfg.Analyzer.Script, "ANALYZER_SCRIPT")
	setString(&cfg.Analyzer.ResultPrefix, "ANALYZER_RESULT_PREFIX")
	setString(&cfg.Upload.Dir, "UPLOAD_DIR")
	setString(&cfg.Database.DSN, "DATABASE_DSN")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.GRPC.HealthAddr, "GRPC_HEALTH_ADDR")
	setString(&cfg.Log.Level, "LOG_LEVEL")

	if value := os.Getenv("CORS_ORIGINS"); value != "" {
		var origins []string
		for _, origin := range strings.Split(value, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				origins = append(origins, origin)
			}
		}
		cfg.Server.CORSOrigins = origins
	}

	durations := []struct {
		key string
		dst *Duration
	}{
		{"SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout},
		{"ANALYZER_TIMEOUT", &cfg.Analyzer.Timeout},
		{"ANALYZER_WAIT_DELAY", &cfg.Analyzer.WaitDelay},
		{"ANALYZER_ADMISSION_WAIT", &cfg.Analyzer.AdmissionWait},
		{"REDIS_TTL", &cfg.Redis.TTL},
	}
	for _, d := range durations {
		value := os.Getenv(d.key)
		if value == "" {
			continue
		}
		if err := d.dst.UnmarshalText([]byte(value)); err != nil {
			return fmt.Errorf("invalid %s: %w", d.key, err)
		}
	}

	if value := os.Getenv("MAX_MULTIPART_MEMORY"); value != "" {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid MAX_MULTIPART_MEMORY: %w", err)
		}
		cfg.Server.MaxMultipartMemory = n
	}
	if value := os.Getenv("ANALYZER_MAX_CONCURRENT"); value != "" {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid ANALYZER_MAX_CONCURRENT: %w", err)
		}
		cfg.Analyzer.MaxConcurrent = n
	}
	return nil
}

func setString(dst *string, key string) {
	if value := os.Getenv(key); value != "" {
		*dst = value
	}
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if strings.TrimSpace(c.Analyzer.Command) == "" {
		errs = append(errs, errors.New("analyzer.command is required"))
	}
	if strings.TrimSpace(c.Analyzer.Script) == "" {
		errs = append(errs, errors.New("analyzer.script is required"))
	}
	if c.Analyzer.Timeout <= 0 {
		errs = append(errs, errors.New("analyzer.timeout must be positive"))
	}
	if c.Analyzer.WaitDelay <= 0 {
		errs = append(errs, errors.New("analyzer.wait_delay must be positive"))
	}
	if c.Analyzer.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("analyzer.max_concurrent must be positive"))
	}
	if c.Analyzer.AdmissionWait < 0 {
		errs = append(errs, errors.New("analyzer.admission_wait must not be negative"))
	}
	if strings.TrimSpace(c.Upload.Dir) == "" {
		errs = append(errs, errors.New("upload.dir is required"))
	}
	if c.Server.MaxMultipartMemory <= 0 {
		errs = append(errs, errors.New("server.max_multipart_memory must be positive"))
	}
	return errors.Join(errs...)
}
