package config

import (
	"github.com/spf13/viper"
)

type Config struct {
	DatabaseURL    string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	LogLevel       string
	MigrationsPath string
}

// Load reads configuration from the environment. Every key has a sane
// default except DATABASE_URL, which callers must check before connecting.
func Load() Config {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("MIGRATIONS_PATH", "migrations")

	return Config{
		DatabaseURL:    v.GetString("DATABASE_URL"),
		RedisAddr:      v.GetString("REDIS_ADDR"),
		RedisPassword:  v.GetString("REDIS_PASSWORD"),
		RedisDB:        v.GetInt("REDIS_DB"),
		LogLevel:       v.GetString("LOG_LEVEL"),
		MigrationsPath: v.GetString("MIGRATIONS_PATH"),
	}
}
