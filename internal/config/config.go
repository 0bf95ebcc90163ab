package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/crpwatch/crpwatch/internal/resilience"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Validation modes for brand hypotheses.
const (
	ValidationLogo     = "logo"
	ValidationLiveness = "liveness"
	ValidationNone     = "none"
)

// Config holds all application configuration
type Config struct {
	Env      Environment `envconfig:"ENV" default:"development"`
	LogLevel string      `envconfig:"LOG_LEVEL" default:"info"`
	Debug    bool        `envconfig:"DEBUG" default:"false"`

	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Temporal    TemporalConfig
	Storage     StorageConfig
	LLM         LLMConfig
	Retry       RetryConfig
	Perception  PerceptionConfig
	ImageSearch ImageSearchConfig
	Browser     BrowserConfig
	OCR         OCRConfig
	Brand       BrandConfig
	Ranker      RankerConfig
	Pipeline    PipelineConfig
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host               string        `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port               int           `envconfig:"SERVER_PORT" default:"8080"`
	ReadTimeout        time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"30s"`
	WriteTimeout       time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"60s"`
	ShutdownTimeout    time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
	RequestTimeout     time.Duration `envconfig:"SERVER_REQUEST_TIMEOUT" default:"60s"`
	CORSAllowedOrigins []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// Addr returns the listen address
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds PostgreSQL settings for the result store
type DatabaseConfig struct {
	Host            string        `envconfig:"DB_HOST" default:"localhost"`
	Port            int           `envconfig:"DB_PORT" default:"5432"`
	User            string        `envconfig:"DB_USER" default:"crpwatch"`
	Password        string        `envconfig:"DB_PASSWORD" default:""`
	Database        string        `envconfig:"DB_NAME" default:"crpwatch"`
	SSLMode         string        `envconfig:"DB_SSL_MODE" default:"disable"`
	MaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"10"`
	MaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"2"`
	ConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"5m"`
	ConnMaxIdleTime time.Duration `envconfig:"DB_CONN_MAX_IDLE_TIME" default:"1m"`
}

// DSN returns the PostgreSQL connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis settings for the language model response cache
type RedisConfig struct {
	Enabled     bool          `envconfig:"REDIS_ENABLED" default:"false"`
	Host        string        `envconfig:"REDIS_HOST" default:"localhost"`
	Port        int           `envconfig:"REDIS_PORT" default:"6379"`
	Password    string        `envconfig:"REDIS_PASSWORD" default:""`
	DB          int           `envconfig:"REDIS_DB" default:"0"`
	PoolSize    int           `envconfig:"REDIS_POOL_SIZE" default:"10"`
	DialTimeout time.Duration `envconfig:"REDIS_DIAL_TIMEOUT" default:"5s"`
}

// Addr returns Redis address
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TemporalConfig holds Temporal settings
type TemporalConfig struct {
	Host            string        `envconfig:"TEMPORAL_HOST" default:"localhost"`
	Port            int           `envconfig:"TEMPORAL_PORT" default:"7233"`
	Namespace       string        `envconfig:"TEMPORAL_NAMESPACE" default:"default"`
	TaskQueue       string        `envconfig:"TEMPORAL_TASK_QUEUE" default:"crpwatch-investigations"`
	WorkerCount     int           `envconfig:"TEMPORAL_WORKER_COUNT" default:"2"`
	ActivityTimeout time.Duration `envconfig:"TEMPORAL_ACTIVITY_TIMEOUT" default:"15m"`
}

// Addr returns Temporal address
func (c TemporalConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig holds object storage settings for step artefacts
type StorageConfig struct {
	Enabled   bool   `envconfig:"STORAGE_ENABLED" default:"false"`
	Endpoint  string `envconfig:"STORAGE_ENDPOINT" default:"localhost:9000"`
	AccessKey string `envconfig:"STORAGE_ACCESS_KEY" default:"minioadmin"`
	SecretKey string `envconfig:"STORAGE_SECRET_KEY" default:"minioadmin"`
	Bucket    string `envconfig:"STORAGE_BUCKET" default:"crpwatch"`
	Region    string `envconfig:"STORAGE_REGION" default:"us-east-1"`
	UseSSL    bool   `envconfig:"STORAGE_USE_SSL" default:"false"`

	// LinkExpiry bounds the lifetime of presigned screenshot links.
	LinkExpiry time.Duration `envconfig:"STORAGE_LINK_EXPIRY" default:"15m"`
}

// LLMConfig holds settings for the OpenAI-compatible chat endpoint
type LLMConfig struct {
	BaseURL           string        `envconfig:"LLM_BASE_URL" default:"https://api.openai.com/v1"`
	APIKey            string        `envconfig:"LLM_API_KEY" default:""`
	Model             string        `envconfig:"LLM_MODEL" default:"gpt-3.5-turbo-16k"`
	Timeout           time.Duration `envconfig:"LLM_TIMEOUT" default:"60s"`
	RateLimitRPM      int           `envconfig:"LLM_RATE_LIMIT_RPM" default:"60"`
	BrandMaxTokens    int           `envconfig:"LLM_BRAND_MAX_TOKENS" default:"50"`
	CRPMaxTokens      int           `envconfig:"LLM_CRP_MAX_TOKENS" default:"100"`
	IndustryMaxTokens int           `envconfig:"LLM_INDUSTRY_MAX_TOKENS" default:"20"`
	EnableCaching     bool          `envconfig:"LLM_ENABLE_CACHING" default:"true"`
	CacheTTL          time.Duration `envconfig:"LLM_CACHE_TTL" default:"24h"`
}

// RetryConfig bounds the retry loop around language model calls.
// Zero attempts and zero elapsed mean retry until the context ends.
type RetryConfig struct {
	Backoff     time.Duration `envconfig:"LLM_RETRY_BACKOFF" default:"10s"`
	MaxAttempts int           `envconfig:"LLM_RETRY_MAX_ATTEMPTS" default:"0"`
	MaxElapsed  time.Duration `envconfig:"LLM_RETRY_MAX_ELAPSED" default:"0s"`
}

// Policy converts the config into a resilience.RetryPolicy
func (c RetryConfig) Policy() resilience.RetryPolicy {
	return resilience.RetryPolicy{
		Backoff:     c.Backoff,
		MaxAttempts: c.MaxAttempts,
		MaxElapsed:  c.MaxElapsed,
	}
}

// PerceptionConfig holds the vision model service settings
type PerceptionConfig struct {
	Host             string        `envconfig:"PERCEPTION_HOST" default:"localhost"`
	Port             int           `envconfig:"PERCEPTION_PORT" default:"50051"`
	Timeout          time.Duration `envconfig:"PERCEPTION_TIMEOUT" default:"60s"`
	MaxMessageBytes  int           `envconfig:"PERCEPTION_MAX_MESSAGE_BYTES" default:"67108864"`
	BreakerThreshold uint32        `envconfig:"PERCEPTION_BREAKER_THRESHOLD" default:"5"`
	BreakerCooldown  time.Duration `envconfig:"PERCEPTION_BREAKER_COOLDOWN" default:"30s"`
}

// Address returns the perception service address
func (c PerceptionConfig) Address() string {
	if c.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ImageSearchConfig holds the logo image search settings
type ImageSearchConfig struct {
	Endpoint    string        `envconfig:"IMAGE_SEARCH_ENDPOINT" default:"https://www.googleapis.com/customsearch/v1"`
	APIKey      string        `envconfig:"IMAGE_SEARCH_API_KEY" default:""`
	EngineID    string        `envconfig:"IMAGE_SEARCH_ENGINE_ID" default:""`
	Timeout     time.Duration `envconfig:"IMAGE_SEARCH_TIMEOUT" default:"15s"`
	MaxBytes    int64         `envconfig:"IMAGE_SEARCH_MAX_BYTES" default:"5242880"`
	RateLimitPS float64       `envconfig:"IMAGE_SEARCH_RATE_LIMIT" default:"5"`
}

// BrowserConfig holds headless browser settings
type BrowserConfig struct {
	Headless          bool          `envconfig:"BROWSER_HEADLESS" default:"true"`
	ViewportWidth     int           `envconfig:"BROWSER_VIEWPORT_WIDTH" default:"1920"`
	ViewportHeight    int           `envconfig:"BROWSER_VIEWPORT_HEIGHT" default:"1080"`
	NavigationTimeout time.Duration `envconfig:"BROWSER_NAVIGATION_TIMEOUT" default:"60s"`
	ScriptTimeout     time.Duration `envconfig:"BROWSER_SCRIPT_TIMEOUT" default:"30s"`
	LoadDelay         time.Duration `envconfig:"BROWSER_LOAD_DELAY" default:"3s"`
	ClickDelay        time.Duration `envconfig:"BROWSER_CLICK_DELAY" default:"2s"`
	RankDelay         time.Duration `envconfig:"BROWSER_RANK_DELAY" default:"5s"`
	UserAgent         string        `envconfig:"BROWSER_USER_AGENT" default:""`
}

// OCRConfig holds the language fallback policy
type OCRConfig struct {
	Languages       []string `envconfig:"OCR_LANGUAGES" default:"en,ch,ru,japan,fa,ar,korean,vi,ms,fr,german,it,es,pt,uk,be,te,sa,ta,nl,tr,ga"`
	SureThreshold   float64  `envconfig:"OCR_SURE_THRESHOLD" default:"0.98"`
	UnsureThreshold float64  `envconfig:"OCR_UNSURE_THRESHOLD" default:"0.9"`
	LocalBestWindow int      `envconfig:"OCR_LOCAL_BEST_WINDOW" default:"2"`
}

// BrandConfig holds brand recognition and validation settings
type BrandConfig struct {
	InferIndustry       bool     `envconfig:"BRAND_INFER_INDUSTRY" default:"false"`
	LogoExpandRatio     float64  `envconfig:"BRAND_LOGO_EXPAND_RATIO" default:"0.5"`
	ValidationMode      string   `envconfig:"BRAND_VALIDATION_MODE" default:"logo"`
	ValidationResults   int      `envconfig:"BRAND_VALIDATION_RESULTS" default:"5"`
	ValidationWorkers   int      `envconfig:"BRAND_VALIDATION_WORKERS" default:"4"`
	SimilarityThreshold float64  `envconfig:"BRAND_SIMILARITY_THRESHOLD" default:"0.83"`
	HostingProviders    []string `envconfig:"BRAND_HOSTING_PROVIDERS" default:"wix.com,weebly.com,000webhost.com,squarespace.com,webflow.com,jimdo.com,strikingly.com,yola.com,hostinger.com,godaddy.com"`
}

// RankerConfig holds the clickable element ranking settings
type RankerConfig struct {
	MaxCandidates int      `envconfig:"RANKER_MAX_CANDIDATES" default:"300"`
	BatchSize     int      `envconfig:"RANKER_BATCH_SIZE" default:"32"`
	TopN          int      `envconfig:"RANKER_TOP_N" default:"3"`
	Concepts      []string `envconfig:"RANKER_CONCEPTS" default:"not a login button,a login button"`
}

// PipelineConfig holds orchestrator settings
type PipelineConfig struct {
	InteractionLimit int           `envconfig:"PIPELINE_INTERACTION_LIMIT" default:"3"`
	Cooldown         time.Duration `envconfig:"PIPELINE_COOLDOWN" default:"1s"`
	WorkDir          string        `envconfig:"PIPELINE_WORK_DIR" default:"./data/runs"`
	ResultFile       string        `envconfig:"PIPELINE_RESULT_FILE" default:"./data/results.txt"`
	PolicyFile       string        `envconfig:"PIPELINE_POLICY_FILE" default:""`
	UploadArtefacts  bool          `envconfig:"PIPELINE_UPLOAD_ARTEFACTS" default:"false"`
	BlankThreshold   float64       `envconfig:"PIPELINE_BLANK_THRESHOLD" default:"0.9"`
}

// Load loads configuration from environment variables and the optional
// policy file.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("processing config: %w", err)
	}

	if cfg.Pipeline.PolicyFile != "" {
		policy, err := LoadPolicy(cfg.Pipeline.PolicyFile)
		if err != nil {
			return nil, err
		}
		cfg.ApplyPolicy(policy)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate checks cross-field constraints and reports every violation.
func (c *Config) Validate() error {
	var errs []string

	if c.LLM.BaseURL == "" {
		errs = append(errs, "LLM_BASE_URL is required")
	}
	if c.Env != EnvDevelopment && c.LLM.APIKey == "" {
		errs = append(errs, "LLM_API_KEY is required in non-development mode")
	}

	if len(c.OCR.Languages) == 0 {
		errs = append(errs, "OCR_LANGUAGES must not be empty")
	}
	if c.OCR.UnsureThreshold > c.OCR.SureThreshold {
		errs = append(errs, "OCR_UNSURE_THRESHOLD must not exceed OCR_SURE_THRESHOLD")
	}
	if c.OCR.LocalBestWindow < 1 {
		errs = append(errs, "OCR_LOCAL_BEST_WINDOW must be at least 1")
	}

	switch c.Brand.ValidationMode {
	case ValidationLogo:
		if c.ImageSearch.APIKey == "" && c.Env != EnvDevelopment {
			errs = append(errs, "IMAGE_SEARCH_API_KEY is required for logo validation")
		}
	case ValidationLiveness, ValidationNone:
	default:
		errs = append(errs, fmt.Sprintf("BRAND_VALIDATION_MODE %q is not one of logo, liveness, none", c.Brand.ValidationMode))
	}

	if c.Ranker.BatchSize < 1 {
		errs = append(errs, "RANKER_BATCH_SIZE must be positive")
	}
	if c.Ranker.TopN < 1 {
		errs = append(errs, "RANKER_TOP_N must be positive")
	}
	if len(c.Ranker.Concepts) != 2 {
		errs = append(errs, "RANKER_CONCEPTS must hold exactly a negative and a positive concept")
	}
	if c.Pipeline.InteractionLimit < 0 {
		errs = append(errs, "PIPELINE_INTERACTION_LIMIT must not be negative")
	}
	if c.Retry.MaxAttempts < 0 || c.Retry.MaxElapsed < 0 {
		errs = append(errs, "LLM_RETRY bounds must not be negative")
	}

	if c.Env != EnvDevelopment && c.Database.Password == "" {
		errs = append(errs, "DB_PASSWORD is required in non-development mode")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == EnvDevelopment
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// GetLogLevel returns the appropriate zap log level
func (c *Config) GetLogLevel() string {
	if c.Debug {
		return "debug"
	}
	return c.LogLevel
}
