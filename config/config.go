package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"antique-scraper/utils"
)

// Config holds all application configuration. It is built once by Load and
// passed by pointer to every component.
type Config struct {
	LogLevel string

	SearchURL   string
	MaxPages    int
	PageSize    int
	ChromeBin   string
	NavTimeout  time.Duration
	PageRetries int

	PageQueue      utils.QueuePolicy
	AssetQueue     utils.QueuePolicy
	InferenceQueue utils.QueuePolicy

	AssetDir     string
	AssetTimeout time.Duration
	AssetRetries int
	UserAgent    string
	Referer      string

	InferenceBaseURL     string
	InferenceModel       string
	InferenceAPIKey      string
	InferenceTemperature float64
	InferenceMaxTokens   int
	InferenceTimeout     time.Duration
	InferenceAttempts    int
	InferenceBackoff     time.Duration

	StorageDriver    string
	SQLitePath       string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	RecordWorkers int
	CSVOutputPath string
	MetricsAddr   string
}

var defaults = map[string]any{
	"log-level": "info",

	"search-url":   "https://sfbay.craigslist.org/search/ata",
	"max-pages":    3,
	"page-size":    120,
	"chrome-bin":   "",
	"nav-timeout":  45 * time.Second,
	"page-retries": 2,

	"page-concurrency":  3,
	"page-rate":         10,
	"page-window":       time.Minute,
	"asset-concurrency": 8,
	"asset-rate":        0,
	"asset-window":      time.Minute,
	"infer-concurrency": 1,
	"infer-rate":        20,
	"infer-window":      time.Minute,

	"asset-dir":     "./output/images",
	"asset-timeout": 30 * time.Second,
	"asset-retries": 1,
	"user-agent":    "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"referer":       "https://sfbay.craigslist.org/",

	"infer-base-url":    "https://api.openai.com/v1",
	"infer-model":       "gpt-4o-mini",
	"infer-api-key":     "",
	"infer-temperature": 0.2,
	"infer-max-tokens":  1024,
	"infer-timeout":     60 * time.Second,
	"infer-attempts":    3,
	"infer-backoff":     2 * time.Second,

	"storage-driver":    "sqlite",
	"sqlite-path":       "./output/antiques.db",
	"postgres-host":     "localhost",
	"postgres-port":     "5432",
	"postgres-user":     "scraper",
	"postgres-password": "scraper123",
	"postgres-db":       "antiques",
	"postgres-sslmode":  "disable",

	"record-workers":  4,
	"csv-output-path": "./output/raw_listings.csv",
	"metrics-addr":    "",
}

// RegisterFlags declares one flag per configuration key on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	for key, def := range defaults {
		switch v := def.(type) {
		case string:
			fs.String(key, v, "")
		case int:
			fs.Int(key, v, "")
		case float64:
			fs.Float64(key, v, "")
		case time.Duration:
			fs.Duration(key, v, "")
		}
	}
}

// Load reads the .env file, the environment and the given flags (flags win)
// and returns a populated, validated Config. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for key, def := range defaults {
		v.SetDefault(key, def)
	}
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	cfg := &Config{
		LogLevel: v.GetString("log-level"),

		SearchURL:   v.GetString("search-url"),
		MaxPages:    v.GetInt("max-pages"),
		PageSize:    v.GetInt("page-size"),
		ChromeBin:   v.GetString("chrome-bin"),
		NavTimeout:  v.GetDuration("nav-timeout"),
		PageRetries: v.GetInt("page-retries"),

		PageQueue: utils.QueuePolicy{
			Name:           "page",
			MaxConcurrency: v.GetInt("page-concurrency"),
			MaxStarts:      v.GetInt("page-rate"),
			Window:         v.GetDuration("page-window"),
		},
		AssetQueue: utils.QueuePolicy{
			Name:           "asset",
			MaxConcurrency: v.GetInt("asset-concurrency"),
			MaxStarts:      v.GetInt("asset-rate"),
			Window:         v.GetDuration("asset-window"),
		},
		InferenceQueue: utils.QueuePolicy{
			Name:           "inference",
			MaxConcurrency: v.GetInt("infer-concurrency"),
			MaxStarts:      v.GetInt("infer-rate"),
			Window:         v.GetDuration("infer-window"),
		},

		AssetDir:     v.GetString("asset-dir"),
		AssetTimeout: v.GetDuration("asset-timeout"),
		AssetRetries: v.GetInt("asset-retries"),
		UserAgent:    v.GetString("user-agent"),
		Referer:      v.GetString("referer"),

		InferenceBaseURL:     v.GetString("infer-base-url"),
		InferenceModel:       v.GetString("infer-model"),
		InferenceAPIKey:      v.GetString("infer-api-key"),
		InferenceTemperature: v.GetFloat64("infer-temperature"),
		InferenceMaxTokens:   v.GetInt("infer-max-tokens"),
		InferenceTimeout:     v.GetDuration("infer-timeout"),
		InferenceAttempts:    v.GetInt("infer-attempts"),
		InferenceBackoff:     v.GetDuration("infer-backoff"),

		StorageDriver:    v.GetString("storage-driver"),
		SQLitePath:       v.GetString("sqlite-path"),
		PostgresHost:     v.GetString("postgres-host"),
		PostgresPort:     v.GetString("postgres-port"),
		PostgresUser:     v.GetString("postgres-user"),
		PostgresPassword: v.GetString("postgres-password"),
		PostgresDB:       v.GetString("postgres-db"),
		PostgresSSLMode:  v.GetString("postgres-sslmode"),

		RecordWorkers: v.GetInt("record-workers"),
		CSVOutputPath: v.GetString("csv-output-path"),
		MetricsAddr:   v.GetString("metrics-addr"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.SearchURL == "" {
		errs = append(errs, errors.New("search-url is required"))
	}
	if c.MaxPages < 1 {
		errs = append(errs, errors.New("max-pages must be positive"))
	}
	if c.PageSize < 1 {
		errs = append(errs, errors.New("page-size must be positive"))
	}
	for _, q := range []utils.QueuePolicy{c.PageQueue, c.AssetQueue, c.InferenceQueue} {
		if q.MaxConcurrency < 1 {
			errs = append(errs, fmt.Errorf("%s queue concurrency must be positive", q.Name))
		}
		if q.MaxStarts < 0 {
			errs = append(errs, fmt.Errorf("%s queue rate must not be negative", q.Name))
		}
	}
	if c.InferenceAttempts < 1 {
		errs = append(errs, errors.New("infer-attempts must be positive"))
	}
	switch c.StorageDriver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unknown storage-driver %q", c.StorageDriver))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// DSN returns the connection string for the configured storage driver.
func (c *Config) DSN() string {
	if c.StorageDriver == "sqlite" {
		return c.SQLitePath
	}
	return "host=" + c.PostgresHost +
		" port=" + c.PostgresPort +
		" user=" + c.PostgresUser +
		" password=" + c.PostgresPassword +
		" dbname=" + c.PostgresDB +
		" sslmode=" + c.PostgresSSLMode
}
