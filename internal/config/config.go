package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FileName is the config file looked up in the config directory.
const FileName = "bbox_viewer.cfg.json"

// DirConfig holds settings for the directory source store
type DirConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// SQLiteConfig holds settings for the sqlite source store
type SQLiteConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// PostgresConfig holds settings for the postgres source store
type PostgresConfig struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`
	SSLMode  string `json:"sslMode" mapstructure:"sslMode"`
}

// DSN builds a libpq style connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig holds settings for the redis source store
type RedisConfig struct {
	Addr     string `json:"addr" mapstructure:"addr"`
	Password string `json:"password" mapstructure:"password"`
	DB       int    `json:"db" mapstructure:"db"`
}

// S3Config holds settings for the s3 source store
type S3Config struct {
	Bucket       string `json:"bucket" mapstructure:"bucket"`
	Prefix       string `json:"prefix" mapstructure:"prefix"`
	Region       string `json:"region" mapstructure:"region"`
	Profile      string `json:"profile" mapstructure:"profile"`
	UsePathStyle bool   `json:"usePathStyle" mapstructure:"usePathStyle"`
}

// StorageConfig selects and configures where named box sources live
type StorageConfig struct {
	Type     string
	Dir      DirConfig
	SQLite   SQLiteConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	S3       S3Config
}

// ControllerConfig holds the controller values a new composition starts with
type ControllerConfig struct {
	Source      string
	Visible     bool
	StrokeWidth float64
	StrokeColor []float64
}

// ServerConfig holds the HTTP listener settings
type ServerConfig struct {
	Address     string
	APIKey      string
	RecordLimit int
}

// ExportConfig holds bake output settings
type ExportConfig struct {
	OutputDir string
	Compress  bool
}

// OTelConfig holds OpenTelemetry settings
type OTelConfig struct {
	Enabled      bool
	ServiceName  string
	BatchTimeout time.Duration
	Endpoint     string
	Insecure     bool
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file.
// A missing file is not an error; defaults and environment apply.
func Load(configDir string) error {
	SetDefaults()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	viper.SetEnvPrefix("BBOX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("error reading config file: %w", err)
	}

	return nil
}

// SetDefaults registers every default value.
func SetDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./bboxlogs")

	viper.SetDefault("frameRate", 30.0)
	viper.SetDefault("mapper.gateOnVisibility", true)

	viper.SetDefault("controller.source", "")
	viper.SetDefault("controller.visible", true)
	viper.SetDefault("controller.strokeWidth", 2.0)
	viper.SetDefault("controller.strokeColor", []float64{0, 1, 0})

	viper.SetDefault("storage.type", "dir")
	viper.SetDefault("storage.dir.path", "./sources")
	viper.SetDefault("storage.sqlite.path", "./bbox_sources.db")
	viper.SetDefault("storage.postgres.host", "localhost")
	viper.SetDefault("storage.postgres.port", "5432")
	viper.SetDefault("storage.postgres.username", "postgres")
	viper.SetDefault("storage.postgres.password", "postgres")
	viper.SetDefault("storage.postgres.database", "bbox")
	viper.SetDefault("storage.postgres.sslMode", "disable")
	viper.SetDefault("storage.redis.addr", "localhost:6379")
	viper.SetDefault("storage.redis.password", "")
	viper.SetDefault("storage.redis.db", 0)
	viper.SetDefault("storage.s3.bucket", "")
	viper.SetDefault("storage.s3.prefix", "sources/")
	viper.SetDefault("storage.s3.region", "")
	viper.SetDefault("storage.s3.profile", "")
	viper.SetDefault("storage.s3.usePathStyle", false)

	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("server.apiKey", "")
	viper.SetDefault("server.recordLimit", 10_000)

	viper.SetDefault("export.outputDir", "./baked")
	viper.SetDefault("export.compress", true)

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "bbox-viewer")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetFloat64 returns a float config value.
func GetFloat64(key string) float64 {
	return viper.GetFloat64(key)
}

// GetStorageConfig returns the source store configuration.
func GetStorageConfig() StorageConfig {
	var cfg StorageConfig
	cfg.Type = viper.GetString("storage.type")
	_ = viper.UnmarshalKey("storage.dir", &cfg.Dir)
	_ = viper.UnmarshalKey("storage.sqlite", &cfg.SQLite)
	_ = viper.UnmarshalKey("storage.postgres", &cfg.Postgres)
	_ = viper.UnmarshalKey("storage.redis", &cfg.Redis)
	_ = viper.UnmarshalKey("storage.s3", &cfg.S3)
	return cfg
}

// GetControllerConfig returns the initial controller values.
func GetControllerConfig() ControllerConfig {
	return ControllerConfig{
		Source:      viper.GetString("controller.source"),
		Visible:     viper.GetBool("controller.visible"),
		StrokeWidth: viper.GetFloat64("controller.strokeWidth"),
		StrokeColor: getFloatSlice("controller.strokeColor"),
	}
}

// GetServerConfig returns the HTTP listener settings.
func GetServerConfig() ServerConfig {
	return ServerConfig{
		Address:     viper.GetString("server.address"),
		APIKey:      viper.GetString("server.apiKey"),
		RecordLimit: viper.GetInt("server.recordLimit"),
	}
}

// GetExportConfig returns bake output settings.
func GetExportConfig() ExportConfig {
	return ExportConfig{
		OutputDir: viper.GetString("export.outputDir"),
		Compress:  viper.GetBool("export.compress"),
	}
}

// GetOTelConfig returns OpenTelemetry settings.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}

// getFloatSlice reads a numeric array, which viper may hold as []any after
// decoding JSON or as []float64 when set from defaults.
func getFloatSlice(key string) []float64 {
	switch v := viper.Get(key).(type) {
	case []float64:
		return v
	case []any:
		out := make([]float64, 0, len(v))
		for _, item := range v {
			switch n := item.(type) {
			case float64:
				out = append(out, n)
			case int:
				out = append(out, float64(n))
			}
		}
		return out
	}
	return nil
}
