package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL configuration for the session store
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the postgres connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig holds configuration for the chunk index and session cache
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// StorageConfig holds object store configuration. Provider selects the
// backend explicitly; there is no runtime fallback between backends.
type StorageConfig struct {
	Provider        string `mapstructure:"provider"` // s3 or filesystem
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"` // for localstack/minio
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
	LocalRoot       string `mapstructure:"local_root"` // filesystem provider root
}

// UploadConfig holds upload-session configuration
type UploadConfig struct {
	ChunkSize         int64         `mapstructure:"chunk_size"`    // bytes per chunk
	MaxFileSize       int64         `mapstructure:"max_file_size"` // bytes
	Expiry            time.Duration `mapstructure:"expiry"`
	AllowedTypes      []string      `mapstructure:"allowed_types"`
	AllowedExtensions []string      `mapstructure:"allowed_extensions"`
	TempPrefix        string        `mapstructure:"temp_prefix"`
	FinalPrefix       string        `mapstructure:"final_prefix"`
	DigestAlgorithm   string        `mapstructure:"digest_algorithm"`
}

// PipelineConfig holds AI pipeline handoff configuration
type PipelineConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

// SweepConfig holds expiry sweep configuration
type SweepConfig struct {
	Schedule string `mapstructure:"schedule"` // cron expression
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/dataset-upload")
	}

	v.SetEnvPrefix("DATASET_UPLOAD")
	v.AutomaticEnv()

	// Config file is optional, env and defaults may carry everything
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks invariants that defaults cannot guarantee.
func (c *Config) Validate() error {
	if c.Upload.ChunkSize <= 0 {
		return fmt.Errorf("upload.chunk_size must be positive, got %d", c.Upload.ChunkSize)
	}
	if c.Upload.MaxFileSize <= 0 {
		return fmt.Errorf("upload.max_file_size must be positive, got %d", c.Upload.MaxFileSize)
	}
	if c.Upload.Expiry <= 0 {
		return fmt.Errorf("upload.expiry must be positive, got %s", c.Upload.Expiry)
	}
	if c.Upload.DigestAlgorithm != "sha256" {
		return fmt.Errorf("upload.digest_algorithm %q is not supported", c.Upload.DigestAlgorithm)
	}
	switch c.Storage.Provider {
	case "s3", "filesystem":
	default:
		return fmt.Errorf("storage.provider %q is not supported", c.Storage.Provider)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "dataset_upload")
	v.SetDefault("database.database", "dataset_upload")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 50)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)

	// Storage defaults
	v.SetDefault("storage.provider", "s3")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.use_path_style", false)
	v.SetDefault("storage.local_root", "/var/lib/dataset-upload")

	// Upload defaults
	v.SetDefault("upload.chunk_size", int64(1024*1024))                // 1 MiB
	v.SetDefault("upload.max_file_size", int64(10)*1024*1024*1024)     // 10 GiB
	v.SetDefault("upload.expiry", 24*time.Hour)
	v.SetDefault("upload.allowed_types", []string{
		"application/json", "application/jsonl", "text/csv",
		"text/plain", "application/octet-stream", "application/parquet",
	})
	v.SetDefault("upload.allowed_extensions", []string{
		"json", "jsonl", "csv", "txt", "parquet", "bin",
	})
	v.SetDefault("upload.temp_prefix", "temp-chunks")
	v.SetDefault("upload.final_prefix", "final")
	v.SetDefault("upload.digest_algorithm", "sha256")

	// Pipeline defaults
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.queue_size", 100)

	// Sweep defaults: every five minutes
	v.SetDefault("sweep.schedule", "*/5 * * * *")

	// Logging defaults
	v.SetDefault("logging.level", "info")
}
