package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/PabloGalante/herdbot/internal/app/history"
	"github.com/PabloGalante/herdbot/internal/app/router"
)

type Mode string

const (
	ModeLocal Mode = "local"
	ModeGCP   Mode = "gcp"
)

type Config struct {
	Mode     Mode   `yaml:"mode" validate:"oneof=local gcp"`
	Port     string `yaml:"port" validate:"required,numeric"`
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
	// Debug enables the history dump.
	Debug bool `yaml:"debug"`

	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Model     ModelConfig     `yaml:"model"`
	Router    RouterConfig    `yaml:"router"`
	History   HistoryConfig   `yaml:"history"`
	Storage   StorageConfig   `yaml:"storage"`
	HTTP      HTTPConfig      `yaml:"http"`

	// Sources maps knowledge-base document names to public URLs.
	Sources map[string]string `yaml:"sources"`
}

type KnowledgeConfig struct {
	// URL of the retrieve-and-generate service. Empty sends every question
	// to the fallback model.
	URL             string `yaml:"url" validate:"omitempty,url"`
	APIKey          string `yaml:"-"`
	KnowledgeBaseID string `yaml:"knowledge_base_id"`
	ModelARN        string `yaml:"model_arn"`
	Stream          bool   `yaml:"stream"`
}

type ModelConfig struct {
	Provider     string  `yaml:"provider" validate:"oneof=mock openai vertex"`
	Name         string  `yaml:"name"`
	BaseURL      string  `yaml:"base_url" validate:"omitempty,url"`
	APIKey       string  `yaml:"-"`
	GCPProjectID string  `yaml:"gcp_project"`
	GCPLocation  string  `yaml:"gcp_location"`
	SystemPrompt string  `yaml:"system_prompt"`
	MaxTokens    int     `yaml:"max_tokens" validate:"gte=1"`
	Temperature  float32 `yaml:"temperature" validate:"gte=0,lte=2"`
	TopP         float32 `yaml:"top_p" validate:"gt=0,lte=1"`
}

type RouterConfig struct {
	PrimaryTimeout     time.Duration `yaml:"primary_timeout" validate:"gt=0"`
	FallbackTimeout    time.Duration `yaml:"fallback_timeout" validate:"gt=0"`
	ApologyText        string        `yaml:"apology_text" validate:"required"`
	UnhelpfulPhrases   []string      `yaml:"unhelpful_phrases" validate:"dive,required"`
	DisclaimerPatterns []string      `yaml:"disclaimer_patterns" validate:"dive,required"`
}

type HistoryConfig struct {
	MaxMessages int `yaml:"max_messages" validate:"gte=2"`
}

type StorageConfig struct {
	Backend             string `yaml:"backend" validate:"oneof=memory sqlite badger postgres firestore"`
	SQLitePath          string `yaml:"sqlite_path"`
	BadgerPath          string `yaml:"badger_path"`
	PostgresDSN         string `yaml:"-"`
	PostgresTable       string `yaml:"postgres_table"`
	FirestoreCollection string `yaml:"firestore_collection"`
}

type HTTPConfig struct {
	RateLimit       float64       `yaml:"rate_limit" validate:"gte=0"`
	Burst           int           `yaml:"burst" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if v == "1" || v == "true" || v == "TRUE" {
		return true
	}
	return false
}

func getIntEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

// Default is the configuration before any file or environment is applied.
func Default() *Config {
	rc := router.DefaultConfig()
	return &Config{
		Mode:     ModeLocal,
		Port:     "8080",
		LogLevel: "info",
		Model: ModelConfig{
			Provider:     "mock",
			GCPLocation:  "us-central1",
			SystemPrompt: rc.Model.SystemPrompt,
			MaxTokens:    rc.Model.MaxTokens,
			Temperature:  rc.Model.Temperature,
			TopP:         rc.Model.TopP,
		},
		Router: RouterConfig{
			PrimaryTimeout:     rc.PrimaryTimeout,
			FallbackTimeout:    rc.FallbackTimeout,
			ApologyText:        rc.ApologyText,
			UnhelpfulPhrases:   rc.UnhelpfulPhrases,
			DisclaimerPatterns: rc.DisclaimerPatterns,
		},
		History: HistoryConfig{MaxMessages: history.DefaultMaxMessages},
		Storage: StorageConfig{
			Backend:       "memory",
			SQLitePath:    "data/herdbot.db",
			BadgerPath:    "data/badger",
			PostgresTable: "herdbot_session_values",
		},
		HTTP: HTTPConfig{
			RateLimit:       20,
			Burst:           40,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load builds the config from defaults, the optional YAML file named by
// HERDBOT_CONFIG, and then the environment.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("HERDBOT_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("HERDBOT_MODE"); v != "" {
		switch v {
		case "gcp":
			c.Mode = ModeGCP
		default:
			c.Mode = ModeLocal
		}
	}

	c.Port = getEnv("HERDBOT_PORT", getEnv("PORT", c.Port))
	c.LogLevel = getEnv("HERDBOT_LOG_LEVEL", c.LogLevel)
	c.Debug = getBoolEnv("HERDBOT_DEBUG", c.Debug)

	c.Knowledge.URL = getEnv("HERDBOT_KB_URL", c.Knowledge.URL)
	c.Knowledge.APIKey = getEnv("HERDBOT_KB_API_KEY", c.Knowledge.APIKey)
	c.Knowledge.KnowledgeBaseID = getEnv("HERDBOT_KB_ID", c.Knowledge.KnowledgeBaseID)
	c.Knowledge.ModelARN = getEnv("HERDBOT_KB_MODEL_ARN", c.Knowledge.ModelARN)
	c.Knowledge.Stream = getBoolEnv("HERDBOT_KB_STREAM", c.Knowledge.Stream)

	defProvider := c.Model.Provider
	if c.Mode == ModeGCP && defProvider == "mock" && os.Getenv("HERDBOT_USE_MOCK_LLM") == "" {
		defProvider = "vertex"
	}
	if getBoolEnv("HERDBOT_USE_MOCK_LLM", false) {
		defProvider = "mock"
	}
	c.Model.Provider = getEnv("HERDBOT_MODEL_PROVIDER", defProvider)
	c.Model.Name = getEnv("HERDBOT_MODEL_NAME", c.Model.Name)
	c.Model.BaseURL = getEnv("HERDBOT_OPENAI_BASE_URL", c.Model.BaseURL)
	c.Model.APIKey = getEnv("HERDBOT_OPENAI_API_KEY", getEnv("OPENAI_API_KEY", c.Model.APIKey))
	c.Model.GCPProjectID = getEnv("HERDBOT_GCP_PROJECT", c.Model.GCPProjectID)
	c.Model.GCPLocation = getEnv("HERDBOT_GCP_LOCATION", c.Model.GCPLocation)

	max, err := getIntEnv("HERDBOT_MAX_MESSAGES", c.History.MaxMessages)
	if err != nil {
		return err
	}
	c.History.MaxMessages = max

	c.Storage.Backend = getEnv("HERDBOT_STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.SQLitePath = getEnv("HERDBOT_SQLITE_PATH", c.Storage.SQLitePath)
	c.Storage.BadgerPath = getEnv("HERDBOT_BADGER_PATH", c.Storage.BadgerPath)
	c.Storage.PostgresDSN = getEnv("HERDBOT_POSTGRES_DSN", c.Storage.PostgresDSN)
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and the settings each backend depends on.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]error, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Errorf("config %s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return errors.Join(msgs...)
		}
		return fmt.Errorf("config: %w", err)
	}

	var errs []error
	switch c.Model.Provider {
	case "openai":
		if c.Model.Name == "" {
			errs = append(errs, errors.New("config: HERDBOT_MODEL_NAME is required for the openai provider"))
		}
		if c.Model.APIKey == "" && c.Model.BaseURL == "" {
			errs = append(errs, errors.New("config: OPENAI_API_KEY or HERDBOT_OPENAI_BASE_URL is required for the openai provider"))
		}
	case "vertex":
		if c.Model.GCPProjectID == "" || c.Model.GCPLocation == "" {
			errs = append(errs, errors.New("config: HERDBOT_GCP_PROJECT and HERDBOT_GCP_LOCATION are required for the vertex provider"))
		}
	}
	switch c.Storage.Backend {
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("config: HERDBOT_POSTGRES_DSN is required for the postgres backend"))
		}
	case "firestore":
		if c.Model.GCPProjectID == "" {
			errs = append(errs, errors.New("config: HERDBOT_GCP_PROJECT is required for the firestore backend"))
		}
	}
	if c.Mode == ModeGCP && c.Model.GCPProjectID == "" {
		errs = append(errs, errors.New("config: HERDBOT_GCP_PROJECT must be set in gcp mode"))
	}
	return errors.Join(errs...)
}

// RouterConfig is the router view of the configuration.
func (c *Config) RouterConfig() router.Config {
	return router.Config{
		PrimaryTimeout:     c.Router.PrimaryTimeout,
		FallbackTimeout:    c.Router.FallbackTimeout,
		UnhelpfulPhrases:   c.Router.UnhelpfulPhrases,
		DisclaimerPatterns: c.Router.DisclaimerPatterns,
		ApologyText:        c.Router.ApologyText,
		Sources:            c.Sources,
		Model: router.ModelParams{
			SystemPrompt: c.Model.SystemPrompt,
			MaxTokens:    c.Model.MaxTokens,
			Temperature:  c.Model.Temperature,
			TopP:         c.Model.TopP,
		},
	}
}
