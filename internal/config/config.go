package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Env      string
	HTTPPort string
	LogLevel string
	LogFile  string

	// OpenTelemetry (traces)
	OTELExporterOTLPEndpoint string
	OTELServiceName          string

	DatabaseURL string
	DBMaxConns  int
	NATSURL     string

	DispatcherMaxTasks int
	SubTaskPoolSize    int
	WaitPollInterval   time.Duration
	// TimeLimits maps a task type to the longest it may run, zero is unlimited
	TimeLimits map[string]time.Duration
}

// fileConfig is the layout of the optional YAML file named by COMMISSIONER_CONFIG
type fileConfig struct {
	Env      string `yaml:"env"`
	HTTPPort string `yaml:"http_port"`
	Log      struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"log"`
	Database struct {
		URL      string `yaml:"url"`
		MaxConns int    `yaml:"max_conns"`
	} `yaml:"database"`
	NATSURL    string `yaml:"nats_url"`
	Dispatcher struct {
		MaxTasks         int           `yaml:"max_tasks"`
		SubTaskPoolSize  int           `yaml:"subtask_pool_size"`
		WaitPollInterval time.Duration `yaml:"wait_poll_interval"`
	} `yaml:"dispatcher"`
	TimeLimits map[string]time.Duration `yaml:"time_limits"`
}

// Load reads .env if present, then the YAML file named by COMMISSIONER_CONFIG
// (or path when not empty), then the environment. Later sources win.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	c := &Config{
		Env:                "dev",
		HTTPPort:           "8080",
		LogLevel:           "INFO",
		OTELServiceName:    "commissioner",
		DBMaxConns:         20,
		DispatcherMaxTasks: 16,
		SubTaskPoolSize:    64,
		WaitPollInterval:   500 * time.Millisecond,
		TimeLimits:         map[string]time.Duration{},
	}

	if path == "" {
		path = os.Getenv("COMMISSIONER_CONFIG")
	}
	if path != "" {
		if err := c.loadFile(path); err != nil {
			return nil, err
		}
	}

	c.Env = getEnv("ENV", c.Env)
	c.HTTPPort = getEnv("HTTP_PORT", c.HTTPPort)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFile = getEnv("LOG_FILE", c.LogFile)
	c.OTELExporterOTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTELExporterOTLPEndpoint)
	c.OTELServiceName = getEnv("OTEL_SERVICE_NAME", c.OTELServiceName)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	if c.DatabaseURL == "" {
		c.DatabaseURL = databaseURLFromParts()
	}
	c.DBMaxConns = getEnvAsInt("DB_MAX_CONNS", c.DBMaxConns)
	c.NATSURL = getEnv("NATS_URL", c.NATSURL)
	c.DispatcherMaxTasks = getEnvAsInt("DISPATCHER_MAX_TASKS", c.DispatcherMaxTasks)
	c.SubTaskPoolSize = getEnvAsInt("SUBTASK_POOL_SIZE", c.SubTaskPoolSize)
	c.WaitPollInterval = getEnvAsDuration("WAIT_POLL_INTERVAL", c.WaitPollInterval)
	return c, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	setString(&c.Env, fc.Env)
	setString(&c.HTTPPort, fc.HTTPPort)
	setString(&c.LogLevel, fc.Log.Level)
	setString(&c.LogFile, fc.Log.File)
	setString(&c.DatabaseURL, fc.Database.URL)
	setString(&c.NATSURL, fc.NATSURL)
	if fc.Database.MaxConns != 0 {
		c.DBMaxConns = fc.Database.MaxConns
	}
	if fc.Dispatcher.MaxTasks != 0 {
		c.DispatcherMaxTasks = fc.Dispatcher.MaxTasks
	}
	if fc.Dispatcher.SubTaskPoolSize != 0 {
		c.SubTaskPoolSize = fc.Dispatcher.SubTaskPoolSize
	}
	if fc.Dispatcher.WaitPollInterval != 0 {
		c.WaitPollInterval = fc.Dispatcher.WaitPollInterval
	}
	for taskType, limit := range fc.TimeLimits {
		c.TimeLimits[taskType] = limit
	}
	return nil
}

func (c *Config) Validate() error {
	if c.HTTPPort == "" {
		return fmt.Errorf("HTTP_PORT is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be >= 1")
	}
	if c.DispatcherMaxTasks < 1 {
		return fmt.Errorf("DISPATCHER_MAX_TASKS must be >= 1")
	}
	if c.SubTaskPoolSize < 1 {
		return fmt.Errorf("SUBTASK_POOL_SIZE must be >= 1")
	}
	if c.WaitPollInterval <= 0 {
		return fmt.Errorf("WAIT_POLL_INTERVAL must be > 0")
	}
	for taskType, limit := range c.TimeLimits {
		if limit < 0 {
			return fmt.Errorf("time limit of %s must not be negative", taskType)
		}
	}
	return nil
}

// databaseURLFromParts builds the connection string from DB_* env vars, empty
// when any of them is missing
func databaseURLFromParts() string {
	dbUsername := os.Getenv("DB_USERNAME")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")
	dbName := os.Getenv("DB_NAME")
	if dbUsername == "" || dbPassword == "" || dbHost == "" || dbPort == "" || dbName == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUsername, dbPassword, dbHost, dbPort, dbName)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvAsDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
