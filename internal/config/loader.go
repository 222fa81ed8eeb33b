package config

import (
	"go.uber.org/zap"

	"github.com/jgrady/chronicle/internal/db"
	"github.com/spf13/viper"
)

// Config holds the full runtime configuration for the chronicle tooling.
type Config struct {
	Database db.Config
	// ObjectColumn is "jsonb" or "text" and must match the deployed schema.
	ObjectColumn string
	// Serializer is "json" or "yaml".
	Serializer string
	// MigrationsPath points at the SQL migration directory.
	MigrationsPath string
}

// Load reads config.yaml from configPath with CHRONICLE_-prefixed
// environment overrides, falling back to defaults when no file exists.
func Load(configPath string, log *zap.Logger) (Config, error) {
	if log == nil {
		log = zap.NewNop()
	}

	// Start with defaults
	cfg := Config{
		Database:       db.DefaultConfig(),
		ObjectColumn:   "jsonb",
		Serializer:     "json",
		MigrationsPath: "./migrations",
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AutomaticEnv()            // allow environment overrides
	v.SetEnvPrefix("CHRONICLE") // map env vars like CHRONICLE_DATABASE.HOST

	// Map nested keys to flat env vars
	v.BindEnv("database.host")
	v.BindEnv("database.port")
	v.BindEnv("database.user")
	v.BindEnv("database.password")
	v.BindEnv("database.dbname")
	v.BindEnv("database.sslmode")
	v.BindEnv("object_column")
	v.BindEnv("serializer")
	v.BindEnv("migrations_path")

	if err := v.ReadInConfig(); err != nil {
		// Config file not found? Just log it, use defaults + env
		log.Info("no config.yaml found, using defaults and env vars")
	} else {
		log.Info("loaded config.yaml", zap.String("file", v.ConfigFileUsed()))
	}

	// Override defaults if values exist
	if v.IsSet("database.host") {
		cfg.Database.Host = v.GetString("database.host")
	}
	if v.IsSet("database.port") {
		cfg.Database.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		cfg.Database.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		cfg.Database.Password = v.GetString("database.password")
	}
	if v.IsSet("database.dbname") {
		cfg.Database.DBName = v.GetString("database.dbname")
	}
	if v.IsSet("database.sslmode") {
		cfg.Database.SSLMode = v.GetString("database.sslmode")
	}
	if v.IsSet("object_column") {
		cfg.ObjectColumn = v.GetString("object_column")
	}
	if v.IsSet("serializer") {
		cfg.Serializer = v.GetString("serializer")
	}
	if v.IsSet("migrations_path") {
		cfg.MigrationsPath = v.GetString("migrations_path")
	}

	return cfg, nil
}
