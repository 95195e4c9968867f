package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
)

// Config is read from an optional YAML file and then from the environment.
type Config struct {
	Addr     string `yaml:"addr" env:"APP_ADDR" env-default:":8080" validate:"required"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info" validate:"oneof=debug info warn error"`

	Storage StorageConfig `yaml:"storage"`
	Upload  UploadConfig  `yaml:"upload"`
	Engine  EngineConfig  `yaml:"engine"`
	HTTP    HTTPConfig    `yaml:"http"`
}

// StorageConfig locates the two staging roots and drives the janitor.
type StorageConfig struct {
	InputDir      string        `yaml:"input_dir" env:"UPLOADS_DIR" env-default:"uploads" validate:"required"`
	OutputDir     string        `yaml:"output_dir" env:"OUTPUTS_DIR" env-default:"outputs" validate:"required,nefield=InputDir"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL" env-default:"10m" validate:"min=0"`
	SweepTTL      time.Duration `yaml:"sweep_ttl" env:"SWEEP_TTL" env-default:"1h" validate:"min=0"`
}

type UploadConfig struct {
	MaxBodyBytes      int64    `yaml:"max_body_bytes" env:"MAX_BODY_BYTES" env-default:"209715200" validate:"gt=0"`
	MaxFileBytes      int64    `yaml:"max_file_bytes" env:"MAX_FILE_BYTES" env-default:"209715200" validate:"gt=0"`
	AllowedExtensions []string `yaml:"allowed_extensions" env:"ALLOWED_EXTENSIONS" env-separator:"," env-default:"jpeg,jpg,png,gif,mp4,webm,avi,mov,mkv,flv,wmv,mpg,3gp,ogv,mp3,wav,ogg,flac,aac,m4a,alac,opus,amr" validate:"min=1,dive,required"`
}

type EngineConfig struct {
	Backend        string        `yaml:"backend" env:"ENGINE_BACKEND" env-default:"exec" validate:"oneof=exec transcoder"`
	FfmpegBinPath  string        `yaml:"ffmpeg_binary" env:"FFMPEG_BINARY" env-default:"ffmpeg" validate:"required"`
	FfprobeBinPath string        `yaml:"ffprobe_binary" env:"FFPROBE_BINARY" env-default:"ffprobe" validate:"required"`
	MaxConcurrent  int           `yaml:"max_concurrent" env:"ENGINE_MAX_CONCURRENT" env-default:"4" validate:"gt=0"`
	AdmissionWait  time.Duration `yaml:"admission_wait" env:"ENGINE_ADMISSION_WAIT" env-default:"30s" validate:"min=0"`
	JobTimeout     time.Duration `yaml:"job_timeout" env:"ENGINE_JOB_TIMEOUT" env-default:"5m" validate:"gt=0"`
}

type HTTPConfig struct {
	StaticDir      string        `yaml:"static_dir" env:"STATIC_DIR" env-default:"static"`
	ReadTimeout    time.Duration `yaml:"read_timeout" env:"HTTP_READ_TIMEOUT" env-default:"5m"`
	WriteTimeout   time.Duration `yaml:"write_timeout" env:"HTTP_WRITE_TIMEOUT" env-default:"10m"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"HTTP_REQUEST_TIMEOUT" env-default:"10m" validate:"gt=0"`
}

// Load reads configuration from path (when non-empty) and the environment,
// then validates it.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to load configuration from %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration from environment: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	exts := make([]string, 0, len(c.Upload.AllowedExtensions))
	for _, ext := range c.Upload.AllowedExtensions {
		if ext = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), "."); ext != "" {
			exts = append(exts, ext)
		}
	}
	c.Upload.AllowedExtensions = exts
}

// Validate checks field constraints plus rules spanning sections.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Storage.SweepTTL > 0 && c.Storage.SweepTTL <= c.Engine.JobTimeout {
		return fmt.Errorf("invalid configuration: sweep_ttl (%s) must exceed job_timeout (%s)", c.Storage.SweepTTL, c.Engine.JobTimeout)
	}
	if budget := c.Engine.JobTimeout + c.Engine.AdmissionWait; c.HTTP.RequestTimeout <= budget {
		return fmt.Errorf("invalid configuration: request_timeout (%s) must exceed job_timeout plus admission_wait (%s)", c.HTTP.RequestTimeout, budget)
	}
	if c.Upload.MaxFileBytes > c.Upload.MaxBodyBytes {
		return fmt.Errorf("invalid configuration: max_file_bytes must not exceed max_body_bytes")
	}
	return nil
}

// SlogLevel converts LogLevel for slog.HandlerOptions.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
