package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	LLM      LLMConfig
	Query    QueryConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type LLMConfig struct {
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int
	MaxSteps    int
	TimeoutSec  int
}

type QueryConfig struct {
	RowCap              int
	DisplayTimeoutSec   int
	BulkTimeoutSec      int
	EntityCacheTTLMin   int
	ResultCacheTTLMin   int
	MaxEntityCandidates int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/txspend")

	viper.SetEnvPrefix("TXSPEND")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	// bulk downloads hold the response open for up to the bulk statement timeout
	viper.SetDefault("server.writeTimeout", 660)
	viper.SetDefault("server.bodyLimit", 1048576)

	viper.SetDefault("postgres.host", "localhost")
	viper.SetDefault("postgres.port", 5432)
	viper.SetDefault("postgres.user", "txspend_reader")
	viper.SetDefault("postgres.database", "txspend")
	viper.SetDefault("postgres.sslMode", "require")
	viper.SetDefault("postgres.maxConns", 10)
	viper.SetDefault("postgres.maxIdle", 5)

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("llm.model", "gpt-4o")
	viper.SetDefault("llm.temperature", 0.1)
	viper.SetDefault("llm.maxTokens", 2048)
	viper.SetDefault("llm.maxSteps", 8)
	viper.SetDefault("llm.timeoutSec", 60)

	viper.SetDefault("query.rowCap", 25)
	viper.SetDefault("query.displayTimeoutSec", 90)
	viper.SetDefault("query.bulkTimeoutSec", 600)
	viper.SetDefault("query.entityCacheTTLMin", 60)
	viper.SetDefault("query.resultCacheTTLMin", 10)
	viper.SetDefault("query.maxEntityCandidates", 10)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
