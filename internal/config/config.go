package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	MovieDB     MovieDBConfig             `json:"movie_db"`
	Report      ReportConfig              `json:"report"`
	RAG         RAGConfig                 `json:"rag"`
	Providers   map[string]ProviderConfig `json:"providers" validate:"dive"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url" validate:"omitempty,url"`
	Model   string `json:"model" validate:"required"`
	APIKey  string `json:"api_key"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
	LogLevel      string `json:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
	// Provider used for new chat sessions when the request does not name one.
	DefaultProvider   string `json:"default_provider"`
	MinWorkers        int    `json:"min_workers" validate:"gte=0"`
	MaxWorkers        int    `json:"max_workers" validate:"gte=0"`
	QueueSize         int    `json:"queue_size" validate:"gte=0"`
	WorkerIdleTimeout int    `json:"worker_idle_timeout"` // minutes
	MaxHistory        int    `json:"max_history" validate:"gte=0"`
	SessionRetention  int    `json:"session_retention"` // hours
	CleanInterval     int    `json:"clean_interval"`    // minutes
	VisitorTokenTTL   int    `json:"visitor_token_ttl"` // hours
}

type MovieDBConfig struct {
	BaseURL        string `json:"base_url" validate:"required,url"`
	APIKey         string `json:"api_key" validate:"required"`
	Language       string `json:"language"`
	Timeout        int    `json:"timeout"` // seconds
	MaxReviewPages int    `json:"max_review_pages" validate:"gte=0"`
	CacheTTL       int    `json:"cache_ttl"` // minutes
}

type ReportConfig struct {
	Path string `json:"path" validate:"required"`
}

type RAGConfig struct {
	ChunkSize    int `json:"chunk_size" validate:"gte=0"`
	ChunkOverlap int `json:"chunk_overlap" validate:"gte=0"`
	TopK         int `json:"top_k" validate:"gte=0"`
	MaxTokens    int `json:"max_tokens" validate:"gte=0"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

const (
	defaultMovieDBURL = "https://api.themoviedb.org/3/"
	defaultReportPath = "movie_details.txt"
)

// providerKeyEnv maps provider names to the env variable carrying their API key.
var providerKeyEnv = map[string]string{
	"openai": "OPENAI_API_KEY",
	"gemini": "GEMINI_API_KEY",
	"claude": "ANTHROPIC_API_KEY",
}

var validate = validator.New()

// Load reads configuration from the provided path (defaults to config.json).
// A .env file next to the working directory is loaded first so secrets can stay out of the JSON file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if cfg.Report.Path != "" && !filepath.IsAbs(cfg.Report.Path) {
		cfg.Report.Path = filepath.Join(filepath.Dir(absPath), cfg.Report.Path)
	}
	if db, ok := cfg.Databases["sqlite3"]; ok && db.DSN != "" && db.DSN != ":memory:" && !filepath.IsAbs(db.DSN) {
		db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
		cfg.Databases["sqlite3"] = db
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.BasicConfig.MaxWorkers < c.BasicConfig.MinWorkers {
		return fmt.Errorf("invalid config: max_workers (%d) below min_workers (%d)", c.BasicConfig.MaxWorkers, c.BasicConfig.MinWorkers)
	}
	if c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		return fmt.Errorf("invalid config: chunk_overlap must be smaller than chunk_size")
	}
	if c.BasicConfig.DefaultProvider != "" {
		if _, ok := c.Providers[c.BasicConfig.DefaultProvider]; !ok {
			return fmt.Errorf("invalid config: default provider %s not configured", c.BasicConfig.DefaultProvider)
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("TMDB_API_KEY")); v != "" {
		c.MovieDB.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("MOVIEANALYZER_REPORT_PATH")); v != "" {
		c.Report.Path = v
	}
	for name, prov := range c.Providers {
		env, ok := providerKeyEnv[name]
		if !ok {
			continue
		}
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			prov.APIKey = v
			c.Providers[name] = prov
		}
	}
}

func (c *Config) applyDefaults() {
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = ":8090"
	}
	if b.LogLevel == "" {
		b.LogLevel = "info"
	}
	if b.MinWorkers <= 0 {
		b.MinWorkers = 2
	}
	if b.MaxWorkers <= 0 {
		b.MaxWorkers = 8
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 64
	}
	if b.WorkerIdleTimeout <= 0 {
		b.WorkerIdleTimeout = 5
	}
	if b.MaxHistory <= 0 {
		b.MaxHistory = 20
	}
	if b.SessionRetention <= 0 {
		b.SessionRetention = 72
	}
	if b.CleanInterval <= 0 {
		b.CleanInterval = 60
	}
	if b.VisitorTokenTTL <= 0 {
		b.VisitorTokenTTL = 24
	}
	if b.DefaultProvider == "" && len(c.Providers) == 1 {
		for name := range c.Providers {
			b.DefaultProvider = name
		}
	}

	m := &c.MovieDB
	if m.BaseURL == "" {
		m.BaseURL = defaultMovieDBURL
	}
	if !strings.HasSuffix(m.BaseURL, "/") {
		m.BaseURL += "/"
	}
	if m.Language == "" {
		m.Language = "en-US"
	}
	if m.Timeout <= 0 {
		m.Timeout = 10
	}
	if m.MaxReviewPages <= 0 {
		m.MaxReviewPages = 1
	}
	if m.CacheTTL <= 0 {
		m.CacheTTL = 60
	}

	if c.Report.Path == "" {
		c.Report.Path = defaultReportPath
	}

	r := &c.RAG
	if r.ChunkSize <= 0 {
		r.ChunkSize = 1000
	}
	if r.ChunkOverlap <= 0 {
		r.ChunkOverlap = 100
	}
	if r.TopK <= 0 {
		r.TopK = 4
	}
	if r.MaxTokens <= 0 {
		r.MaxTokens = 1024
	}
}

// WorkerIdle returns the configured idle expiry of pool workers.
func (b BasicConfig) WorkerIdle() time.Duration {
	return time.Duration(b.WorkerIdleTimeout) * time.Minute
}

// Retention returns how long idle chat sessions are kept.
func (b BasicConfig) Retention() time.Duration {
	return time.Duration(b.SessionRetention) * time.Hour
}

// CleanEvery returns the retention cleaner interval.
func (b BasicConfig) CleanEvery() time.Duration {
	return time.Duration(b.CleanInterval) * time.Minute
}

// TokenTTL returns the visitor token lifetime.
func (b BasicConfig) TokenTTL() time.Duration {
	return time.Duration(b.VisitorTokenTTL) * time.Hour
}

// RequestTimeout returns the movie database HTTP timeout.
func (m MovieDBConfig) RequestTimeout() time.Duration {
	return time.Duration(m.Timeout) * time.Second
}

// CacheExpiry returns how long movie lookups stay in the cache.
func (m MovieDBConfig) CacheExpiry() time.Duration {
	return time.Duration(m.CacheTTL) * time.Minute
}
