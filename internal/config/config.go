package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App      App      `mapstructure:"app"`
	AI       AI       `mapstructure:"ai"`
	Database Database `mapstructure:"database"`
	Schedule Schedule `mapstructure:"schedule"`
	Server   Server   `mapstructure:"server"`
	Enrich   Enrich   `mapstructure:"enrich"`
	Grouping Grouping `mapstructure:"grouping"`
	Merging  Merging  `mapstructure:"merging"`
	Trends   Trends   `mapstructure:"trends"`
	Logging  Logging  `mapstructure:"logging"`
}

// App holds general application configuration
type App struct {
	Debug bool `mapstructure:"debug"`
}

// AI holds LLM configuration
type AI struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Timeout     string  `mapstructure:"timeout"`
	MaxTokens   int32   `mapstructure:"max_tokens"`
	Temperature float32 `mapstructure:"temperature"`
}

// Database holds persistence configuration
type Database struct {
	Path string `mapstructure:"path"`
}

// Schedule holds pipeline scheduling configuration
type Schedule struct {
	IntervalMinutes int `mapstructure:"interval_minutes"`
	ScraperWorkers  int `mapstructure:"scraper_workers"`
}

// Server holds web API configuration
type Server struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// Enrich holds enrichment configuration
type Enrich struct {
	TokenBudget     int    `mapstructure:"token_budget"`
	CVERefreshDays  int    `mapstructure:"cve_refresh_days"`
	CVERequestDelay string `mapstructure:"cve_request_delay"`
}

// Grouping holds grouping coordinator configuration
type Grouping struct {
	BaseThreshold  float64 `mapstructure:"base_threshold"`
	BatchDelay     string  `mapstructure:"batch_delay"`
	LLMArbitration bool    `mapstructure:"llm_arbitration"`
}

// Merging holds group merge configuration
type Merging struct {
	Threshold float64 `mapstructure:"threshold"`
}

// Trends holds trend synthesis configuration
type Trends struct {
	Minimum     int `mapstructure:"minimum"`
	WindowHours int `mapstructure:"window_hours"`
}

// Logging holds logging configuration
type Logging struct {
	Level string `mapstructure:"level"`
}

// Load loads the configuration from .env, environment variables, and an
// optional YAML config file. Unlike a global singleton, the returned value
// is passed through every constructor.
func Load(configFile string) (*Config, error) {
	// Load .env file if it exists
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			fmt.Printf("Warning: Error loading .env file: %v\n", err)
		}
	}

	// Configure viper
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME")
		viper.SetConfigName(".newsdesk")
		viper.SetConfigType("yaml")
	}

	// Set defaults
	setDefaults()

	// Bind environment variables
	bindEnvironmentVariables()

	// Enable automatic environment variable reading
	viper.SetEnvPrefix("NEWSDESK")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Unmarshal into struct
	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	return config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("app.debug", false)

	viper.SetDefault("ai.model", "gpt-4o-mini")
	viper.SetDefault("ai.timeout", "60s")
	viper.SetDefault("ai.max_tokens", 8192)
	viper.SetDefault("ai.temperature", 0.2)

	viper.SetDefault("database.path", "db/news.db")

	viper.SetDefault("schedule.interval_minutes", 15)
	viper.SetDefault("schedule.scraper_workers", 5)

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "15s")
	viper.SetDefault("server.write_timeout", "30s")

	viper.SetDefault("enrich.token_budget", 150000)
	viper.SetDefault("enrich.cve_refresh_days", 7)
	viper.SetDefault("enrich.cve_request_delay", "1s")

	viper.SetDefault("grouping.base_threshold", 0.40)
	viper.SetDefault("grouping.batch_delay", "200ms")
	viper.SetDefault("grouping.llm_arbitration", true)

	viper.SetDefault("merging.threshold", 0.60)

	viper.SetDefault("trends.minimum", 6)
	viper.SetDefault("trends.window_hours", 48)

	viper.SetDefault("logging.level", "info")
}

// bindEnvironmentVariables sets up flexible environment variable binding
func bindEnvironmentVariables() {
	// LLM API key - support multiple formats
	bindEnvKeys("ai.api_key", []string{
		"OPENAI_API_KEY",
		"GEMINI_API_KEY",
		"GOOGLE_AI_API_KEY",
	})

	bindEnvKeys("ai.model", []string{
		"MODEL_NAME",
		"LLM_MODEL",
	})

	bindEnvKeys("database.path", []string{
		"DATABASE_PATH",
		"DB_PATH",
	})

	bindEnvKeys("schedule.interval_minutes", []string{
		"SCHEDULE_INTERVAL_MINUTES",
	})

	bindEnvKeys("server.port", []string{
		"PORT",
	})

	bindEnvKeys("app.debug", []string{
		"DEBUG",
		"NEWSDESK_DEBUG",
	})
}

// bindEnvKeys binds the first found environment variable to a viper key
func bindEnvKeys(viperKey string, envKeys []string) {
	for _, envKey := range envKeys {
		if value := os.Getenv(envKey); value != "" {
			viper.Set(viperKey, value)
			return
		}
	}
}

// validateConfig ensures required configuration is present
func validateConfig(config *Config) error {
	var errors []string

	if config.Database.Path == "" {
		errors = append(errors, "database path is required. Set DATABASE_PATH or database.path in config file")
	}

	if config.Schedule.IntervalMinutes <= 0 {
		errors = append(errors, fmt.Sprintf("schedule.interval_minutes must be positive, got %d", config.Schedule.IntervalMinutes))
	}

	if config.Merging.Threshold < 0 || config.Merging.Threshold > 1 {
		errors = append(errors, fmt.Sprintf("merging.threshold must be in [0,1], got %v", config.Merging.Threshold))
	}

	durations := map[string]string{
		"ai.timeout":               config.AI.Timeout,
		"server.read_timeout":      config.Server.ReadTimeout,
		"server.write_timeout":     config.Server.WriteTimeout,
		"enrich.cve_request_delay": config.Enrich.CVERequestDelay,
		"grouping.batch_delay":     config.Grouping.BatchDelay,
	}
	for key, duration := range durations {
		if duration != "" {
			if _, err := time.ParseDuration(duration); err != nil {
				errors = append(errors, fmt.Sprintf("invalid duration for %s: %s", key, duration))
			}
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration errors:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// Duration parses a duration config value, returning the fallback when the
// value is empty or unparseable. Validation has already warned on bad input.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// Interval returns the pipeline tick interval.
func (s Schedule) Interval() time.Duration {
	return time.Duration(s.IntervalMinutes) * time.Minute
}

// Reset clears viper state (useful for testing)
func Reset() {
	viper.Reset()
}
