package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research service
type Config struct {
	General   GeneralConfig    `mapstructure:"general"`
	Server    ServerConfig     `mapstructure:"server"`
	Reasoning ReasoningConfig  `mapstructure:"reasoning"`
	Research  ResearchConfig   `mapstructure:"research"`
	Tools     ToolsConfig      `mapstructure:"tools"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Telemetry TelemetryConfig  `mapstructure:"telemetry"`
	Schedules []ScheduleConfig `mapstructure:"schedules"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	LogLevel    string `mapstructure:"log_level"`
	Environment string `mapstructure:"environment"` // production or development
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Addr        string        `mapstructure:"addr"`
	JWTSecret   string        `mapstructure:"jwt_secret"` // empty disables auth
	CORSOrigins []string      `mapstructure:"cors_origins"`
	RunTimeout  time.Duration `mapstructure:"run_timeout"`
}

// ReasoningConfig configures the OpenAI-compatible reasoning backend
type ReasoningConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Model             string        `mapstructure:"model"`
	SmartModel        string        `mapstructure:"smart_model"` // used for synthesis and review
	Temperature       float64       `mapstructure:"temperature"`
	MaxOutputTokens   int           `mapstructure:"max_output_tokens"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxConcurrency    int           `mapstructure:"max_concurrency"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	MaxRetries        int           `mapstructure:"max_retries"`
}

// ResearchConfig bounds a research session
type ResearchConfig struct {
	MaxInFlight      int           `mapstructure:"max_in_flight"`
	MaxIterations    int           `mapstructure:"max_iterations"`
	MaxSessions      int           `mapstructure:"max_sessions"` // 0 means unlimited
	SessionTimeout   time.Duration `mapstructure:"session_timeout"`
	ContextBudget    int           `mapstructure:"context_budget"`
	MaxSearchResults int           `mapstructure:"max_search_results"`
	TotalWords       int           `mapstructure:"total_words"`
	ReportFormat     string        `mapstructure:"report_format"`
	GracePeriod      time.Duration `mapstructure:"grace_period"`

	// IncludeRootQuery researches the root query next to the planned sub-questions
	IncludeRootQuery     bool `mapstructure:"include_root_query"`
	ComplementSourceURLs bool `mapstructure:"complement_source_urls"`
}

// ToolsConfig configures built-in and external tools
type ToolsConfig struct {
	BraveAPIKey   string            `mapstructure:"brave_api_key"`
	SerperAPIKey  string            `mapstructure:"serper_api_key"`
	FetchTimeout  time.Duration     `mapstructure:"fetch_timeout"`
	FetchMaxChars int               `mapstructure:"fetch_max_chars"`
	RenderJS      bool              `mapstructure:"render_js"`
	CallTimeout   time.Duration     `mapstructure:"call_timeout"`
	MCPServers    []MCPServerConfig `mapstructure:"mcp_servers"`
	HTTPTools     []HTTPToolConfig  `mapstructure:"http_tools"`
}

// MCPServerConfig describes a stdio tool server to spawn
type MCPServerConfig struct {
	Name    string            `mapstructure:"name"`
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
}

// HTTPToolConfig describes a tool reachable over HTTP POST
type HTTPToolConfig struct {
	Name        string            `mapstructure:"name"`
	Description string            `mapstructure:"description"`
	URL         string            `mapstructure:"url"`
	InputSchema string            `mapstructure:"input_schema"` // JSON document
	Headers     map[string]string `mapstructure:"headers"`
}

// StorageConfig contains storage backends
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Addr         string `mapstructure:"addr"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	StreamPrefix string `mapstructure:"stream_prefix"`
	StreamMaxLen int64  `mapstructure:"stream_max_len"`
}

// Enabled reports whether progress mirroring to Redis is configured.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Addr) != "" }

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// Enabled reports whether the history store is configured.
func (p PostgresConfig) Enabled() bool {
	return strings.TrimSpace(p.URL) != "" || strings.TrimSpace(p.Host) != ""
}

// DSN builds a postgres connection string.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres configuration incomplete: host/dbname required")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	TraceStdout    bool   `mapstructure:"trace_stdout"`
	ServiceName    string `mapstructure:"service_name"`
}

// ScheduleConfig is a recurring research job
type ScheduleConfig struct {
	Name       string `mapstructure:"name"`
	Cron       string `mapstructure:"cron"`
	Query      string `mapstructure:"query"`
	ReportType string `mapstructure:"report_type"`
	Tone       string `mapstructure:"tone"`
}

func (r ReasoningConfig) Normalize() ReasoningConfig {
	if r.BaseURL == "" {
		r.BaseURL = "https://api.openai.com/v1"
	}
	r.BaseURL = strings.TrimRight(r.BaseURL, "/")
	if r.Model == "" {
		r.Model = "gpt-4o-mini"
	}
	if r.SmartModel == "" {
		r.SmartModel = r.Model
	}
	if r.MaxOutputTokens <= 0 {
		r.MaxOutputTokens = 4000
	}
	if r.Timeout <= 0 {
		r.Timeout = 60 * time.Second
	}
	if r.MaxConcurrency <= 0 {
		r.MaxConcurrency = 8
	}
	if r.RequestsPerSecond <= 0 {
		r.RequestsPerSecond = 5
	}
	if r.Burst <= 0 {
		r.Burst = r.MaxConcurrency
	}
	if r.MaxRetries < 0 {
		r.MaxRetries = 0
	}
	return r
}

func (r ReasoningConfig) Validate() error {
	if r.Temperature < 0 || r.Temperature > 2 {
		return fmt.Errorf("reasoning.temperature must be within [0,2], got %v", r.Temperature)
	}
	if !strings.HasPrefix(r.BaseURL, "http://") && !strings.HasPrefix(r.BaseURL, "https://") {
		return fmt.Errorf("reasoning.base_url must be an http(s) url, got %q", r.BaseURL)
	}
	return nil
}

func (r ResearchConfig) Normalize() ResearchConfig {
	if r.MaxInFlight <= 0 {
		r.MaxInFlight = 4
	}
	if r.MaxIterations <= 0 {
		r.MaxIterations = 5
	}
	if r.SessionTimeout <= 0 {
		r.SessionTimeout = 10 * time.Minute
	}
	if r.ContextBudget <= 0 {
		r.ContextBudget = 24000
	}
	if r.MaxSearchResults <= 0 {
		r.MaxSearchResults = 5
	}
	if r.TotalWords <= 0 {
		r.TotalWords = 1200
	}
	if r.ReportFormat == "" {
		r.ReportFormat = "APA"
	}
	if r.GracePeriod <= 0 {
		r.GracePeriod = 30 * time.Minute
	}
	return r
}

func (r ResearchConfig) Validate() error {
	switch strings.ToUpper(r.ReportFormat) {
	case "APA", "MLA":
	default:
		return fmt.Errorf("research.report_format must be APA or MLA, got %q", r.ReportFormat)
	}
	if r.MaxSessions < 0 {
		return fmt.Errorf("research.max_sessions must be >= 0")
	}
	return nil
}

func (t ToolsConfig) Normalize() ToolsConfig {
	if t.FetchTimeout <= 0 {
		t.FetchTimeout = 20 * time.Second
	}
	if t.FetchMaxChars <= 0 {
		t.FetchMaxChars = 8192
	}
	if t.CallTimeout <= 0 {
		t.CallTimeout = 45 * time.Second
	}
	return t
}

func (t ToolsConfig) Validate() error {
	var errs []error
	seen := map[string]struct{}{}
	for i, s := range t.MCPServers {
		if strings.TrimSpace(s.Command) == "" {
			errs = append(errs, fmt.Errorf("tools.mcp_servers[%d].command required", i))
		}
		if s.Name != "" {
			if _, dup := seen[s.Name]; dup {
				errs = append(errs, fmt.Errorf("tools.mcp_servers[%d]: duplicate name %q", i, s.Name))
			}
			seen[s.Name] = struct{}{}
		}
	}
	for i, h := range t.HTTPTools {
		if strings.TrimSpace(h.Name) == "" || strings.TrimSpace(h.URL) == "" {
			errs = append(errs, fmt.Errorf("tools.http_tools[%d]: name and url required", i))
		}
	}
	return errors.Join(errs...)
}

func (r RedisConfig) Normalize() RedisConfig {
	if r.StreamPrefix == "" {
		r.StreamPrefix = "research:events:"
	}
	if r.StreamMaxLen <= 0 {
		r.StreamMaxLen = 10000
	}
	return r
}

func (p PostgresConfig) Validate() error {
	if !p.Enabled() || strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

func (s ScheduleConfig) Validate() error {
	if strings.TrimSpace(s.Cron) == "" || strings.TrimSpace(s.Query) == "" {
		return fmt.Errorf("schedule %q: cron and query required", s.Name)
	}
	return nil
}

// Normalize fills defaults for every section.
func (c *Config) Normalize() {
	if c.General.LogLevel == "" {
		c.General.LogLevel = "info"
	}
	if c.General.Environment == "" {
		c.General.Environment = "production"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.RunTimeout <= 0 {
		c.Server.RunTimeout = 15 * time.Minute
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "researcher"
	}
	c.Reasoning = c.Reasoning.Normalize()
	c.Research = c.Research.Normalize()
	c.Tools = c.Tools.Normalize()
	c.Storage.Redis = c.Storage.Redis.Normalize()
}

// Validate checks every section and joins the failures.
func (c *Config) Validate() error {
	errs := []error{
		c.Reasoning.Validate(),
		c.Research.Validate(),
		c.Tools.Validate(),
		c.Storage.Postgres.Validate(),
	}
	for _, s := range c.Schedules {
		errs = append(errs, s.Validate())
	}
	return errors.Join(errs...)
}

// Load reads configuration from path (or the default search paths when
// empty) and RESEARCHER_* environment variables. A missing config file is
// not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("researcher")
	v.SetDefault("general.log_level", "info")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("reasoning.temperature", 0.55)
	v.SetDefault("reasoning.max_retries", 3)
	v.SetDefault("research.include_root_query", true)
	v.SetDefault("telemetry.metrics_enabled", true)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			v.AddConfigPath(filepath.Join(filepath.Dir(exe), "..", "config"))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("RESEARCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only applies to keys viper already knows about.
	for _, key := range []string{
		"reasoning.api_key", "reasoning.base_url", "reasoning.model",
		"server.jwt_secret", "tools.brave_api_key", "tools.serper_api_key",
		"storage.redis.addr", "storage.postgres.url",
	} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(path == "" && os.IsNotExist(err)) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig loads config and panics on failure; intended for command entry points.
func LoadConfig(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return cfg
}
