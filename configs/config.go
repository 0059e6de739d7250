// Package config holds the two configuration layers named in SPEC_FULL's
// ambient stack section: RuntimeConfig (process-level, env-var driven,
// following the teacher's getEnv/getEnvAsInt/getEnvAsBool pattern) and
// PipelineConfig (the declarative JSON pipeline document, loaded via
// viper).
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/viper"

	"pipelex/pkg/models"
)

// RuntimeConfig holds process-level settings: where the history database
// lives, how to reach etcd (if at all), log verbosity, and the admin HTTP
// port.
type RuntimeConfig struct {
	HistoryDBPath string
	LogLevel      string
	LogEncoding   string
	EtcdEndpoints []string
	EtcdEnabled   bool
	LeaseTTL      int
	AdminPort     string
	JWTSecret     string
	JWTIssuer     string
	AuthEnabled   bool
	WebhookURL      string
	TracingEnabled  bool
	TracingEndpoint string
}

// LoadRuntimeConfig reads RuntimeConfig from the process environment.
func LoadRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		HistoryDBPath: getEnv("PIPELEX_HISTORY_DB", "pipelex.db"),
		LogLevel:      getEnv("PIPELEX_LOG_LEVEL", "info"),
		LogEncoding:   getEnv("PIPELEX_LOG_ENCODING", "json"),
		EtcdEndpoints: []string{getEnv("PIPELEX_ETCD_ENDPOINTS", "localhost:2379")},
		EtcdEnabled:   getEnvAsBool("PIPELEX_ETCD_ENABLED", false),
		LeaseTTL:      getEnvAsInt("PIPELEX_ETCD_LEASE_TTL", 15),
		AdminPort:     getEnv("PIPELEX_ADMIN_PORT", "8080"),
		JWTSecret:     getEnv("PIPELEX_JWT_SECRET", ""),
		JWTIssuer:     getEnv("PIPELEX_JWT_ISSUER", "pipelex"),
		AuthEnabled:   getEnvAsBool("PIPELEX_AUTH_ENABLED", false),
		WebhookURL:      getEnv("PIPELEX_WEBHOOK_URL", ""),
		TracingEnabled:  getEnvAsBool("PIPELEX_TRACING_ENABLED", false),
		TracingEndpoint: getEnv("PIPELEX_TRACING_ENDPOINT", "localhost:4318"),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	return valueStr == "true" || valueStr == "1" || valueStr == "yes"
}

// JobConfig is the on-disk shape of one pipeline job, matching spec.md §6's
// JSON schema field-for-field.
type JobConfig struct {
	ID               string            `mapstructure:"id"`
	Command          string            `mapstructure:"command"`
	Description      string            `mapstructure:"description"`
	Timeout          int               `mapstructure:"timeout"`
	Dependencies     []string          `mapstructure:"dependencies"`
	EnvVariables     map[string]string `mapstructure:"env_variables"`
	PreChecks        []CheckConfig     `mapstructure:"pre_checks"`
	PostChecks       []CheckConfig     `mapstructure:"post_checks"`
	MaxRetries       int               `mapstructure:"max_retries"`
	RetryDelay       float64           `mapstructure:"retry_delay"`
	RetryBackoff     float64           `mapstructure:"retry_backoff"`
	RetryJitter      float64           `mapstructure:"retry_jitter"`
	MaxRetryTime     float64           `mapstructure:"max_retry_time"`
	RetryOnStatus    []string          `mapstructure:"retry_on_status"`
	RetryOnExitCodes []int             `mapstructure:"retry_on_exit_codes"`
}

// CheckConfig is the on-disk shape of a pre/post check entry.
type CheckConfig struct {
	Name   string         `mapstructure:"name"`
	Params map[string]any `mapstructure:"params"`
}

// PipelineConfig is the full decoded pipeline document.
type PipelineConfig struct {
	ApplicationName string      `mapstructure:"application_name"`
	Jobs            []JobConfig `mapstructure:"jobs"`

	DefaultTimeout         int     `mapstructure:"default_timeout"`
	DefaultMaxRetries      int     `mapstructure:"default_max_retries"`
	DefaultRetryDelay      float64 `mapstructure:"default_retry_delay"`
	DefaultRetryBackoff    float64 `mapstructure:"default_retry_backoff"`
	DefaultRetryJitter     float64 `mapstructure:"default_retry_jitter"`
	DefaultMaxRetryTime    float64 `mapstructure:"default_max_retry_time"`
	DefaultRetryOnExitCode []int   `mapstructure:"default_retry_on_exit_codes"`

	Parallel   bool `mapstructure:"parallel"`
	MaxWorkers int  `mapstructure:"max_workers"`
	AllowShell bool `mapstructure:"allow_shell"`

	SecurityPolicy           string   `mapstructure:"security_policy"`
	SecurityLevel            string   `mapstructure:"security_level"`
	CommandWhitelist         []string `mapstructure:"command_whitelist"`
	WorkspacePaths           []string `mapstructure:"workspace_paths"`
	CommandAllowlistPatterns []string `mapstructure:"command_allowlist_patterns"`

	EnvVariables    map[string]string `mapstructure:"env_variables"`
	InheritShellEnv any               `mapstructure:"inherit_shell_env"`
}

// LoadPipeline decodes path (JSON) into a PipelineConfig via viper. This
// decodes and applies zero-value defaults only — business-rule validation
// (cycles, missing deps, security policy enforcement) happens later, at run
// time, in GraphAnalyzer/EnvResolver/Validate per spec.md §1's scope.
func LoadPipeline(path string) (*PipelineConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read pipeline file %q: %w", path, err)
	}

	var cfg PipelineConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode pipeline file %q: %w", path, err)
	}
	return &cfg, nil
}

// ToPipeline converts the on-disk PipelineConfig into the domain model
// consumed by GraphAnalyzer, EnvResolver, and Runner. It applies no
// business-rule validation — that remains GraphAnalyzer's and security's
// job at run time, per spec.md §1.
func (c *PipelineConfig) ToPipeline() models.Pipeline {
	jobs := make([]models.Job, 0, len(c.Jobs))
	for _, j := range c.Jobs {
		jobs = append(jobs, models.Job{
			ID:             j.ID,
			Command:        j.Command,
			Description:    j.Description,
			TimeoutSeconds: firstNonZeroInt(j.Timeout, c.DefaultTimeout),
			Dependencies:   j.Dependencies,
			Env:            j.EnvVariables,
			PreChecks:      toCheckSpecs(j.PreChecks),
			PostChecks:     toCheckSpecs(j.PostChecks),
			RetryPolicy: models.RetryPolicy{
				MaxRetries:       firstNonZeroInt(j.MaxRetries, c.DefaultMaxRetries),
				InitialDelaySec:  firstNonZeroFloat(j.RetryDelay, c.DefaultRetryDelay),
				BackoffFactor:    firstNonZeroFloat(j.RetryBackoff, c.DefaultRetryBackoff),
				JitterFraction:   firstNonZeroFloat(j.RetryJitter, c.DefaultRetryJitter),
				MaxTotalRetrySec: firstNonZeroFloat(j.MaxRetryTime, c.DefaultMaxRetryTime),
				RetryOnStatus:    j.RetryOnStatus,
				RetryOnExitCodes: firstNonEmptyInts(j.RetryOnExitCodes, c.DefaultRetryOnExitCode),
			}.Normalize(),
		})
	}

	return models.Pipeline{
		ApplicationName: c.ApplicationName,
		Jobs:            jobs,
		AppEnv:          c.EnvVariables,
		Defaults: models.Defaults{
			TimeoutSeconds:   c.DefaultTimeout,
			MaxRetries:       c.DefaultMaxRetries,
			RetryDelaySec:    c.DefaultRetryDelay,
			RetryBackoff:     c.DefaultRetryBackoff,
			RetryJitter:      c.DefaultRetryJitter,
			MaxRetryTimeSec:  c.DefaultMaxRetryTime,
			RetryOnExitCodes: c.DefaultRetryOnExitCode,
		},
		Parallel:                 c.Parallel,
		MaxWorkers:               c.MaxWorkers,
		AllowShell:               c.AllowShell,
		SecurityPolicy:           models.SecurityPolicy(firstNonEmptyStr(c.SecurityPolicy, "warn")),
		SecurityLevel:            models.SecurityLevel(firstNonEmptyStr(c.SecurityLevel, "low")),
		CommandWhitelist:         c.CommandWhitelist,
		WorkspacePaths:           c.WorkspacePaths,
		CommandAllowlistPatterns: c.CommandAllowlistPatterns,
		InheritShellEnv:          c.InheritShellEnv,
	}
}

func toCheckSpecs(checks []CheckConfig) []models.CheckSpec {
	if len(checks) == 0 {
		return nil
	}
	out := make([]models.CheckSpec, 0, len(checks))
	for _, c := range checks {
		out = append(out, models.CheckSpec{Name: c.Name, Params: c.Params})
	}
	return out
}

func firstNonZeroInt(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

func firstNonZeroFloat(values ...float64) float64 {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

func firstNonEmptyInts(primary, fallback []int) []int {
	if len(primary) > 0 {
		return primary
	}
	return fallback
}

func firstNonEmptyStr(primary, fallback string) string {
	if primary != "" {
		return primary
	}
	return fallback
}
