// Package config layers foreman's configuration: built-in defaults,
// then an optional TOML file, then FOREMAN_-prefixed environment
// variables. Later layers win per key.
package config

import (
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/forgeline/foreman/internal/errors"
	"github.com/forgeline/foreman/internal/gateway"
	"github.com/forgeline/foreman/internal/log"
	"github.com/forgeline/foreman/internal/session"
)

// EnvPrefix namespaces environment overrides, e.g.
// FOREMAN_MODEL_API_KEY maps to model.api_key.
const EnvPrefix = "FOREMAN_"

// Config is the full application configuration
type Config struct {
	Workspace struct {
		Root      string `koanf:"root"`
		ReportDir string `koanf:"report_dir"`
	} `koanf:"workspace"`

	Model struct {
		APIKey    string            `koanf:"api_key"`
		BaseURL   string            `koanf:"base_url"`
		Name      string            `koanf:"name"`
		MaxTokens int               `koanf:"max_tokens"`
		Hints     map[string]string `koanf:"hints"`
	} `koanf:"model"`

	Docs struct {
		BaseURL    string `koanf:"base_url"`
		MaxResults int    `koanf:"max_results"`
	} `koanf:"docs"`

	Store struct {
		// Backend selects the checkpoint store: memory, file, or
		// postgres.
		Backend string `koanf:"backend"`
		Path    string `koanf:"path"`
		DSN     string `koanf:"dsn"`
	} `koanf:"store"`

	Limits struct {
		MinSearches         int `koanf:"min_searches"`
		MinViews            int `koanf:"min_views"`
		MaxPlanAttempts     int `koanf:"max_plan_attempts"`
		MaxRetries          int `koanf:"max_retries"`
		MaxReviewIterations int `koanf:"max_review_iterations"`

		// ForceApproveOnExhaustion has no default. The field below
		// only takes effect when the key is actually present in a
		// layer; forceSet records that.
		ForceApproveOnExhaustion bool `koanf:"force_approve_on_exhaustion"`
	} `koanf:"limits"`

	Log struct {
		Level     string `koanf:"level"`
		Format    string `koanf:"format"`
		AddSource bool   `koanf:"add_source"`
	} `koanf:"log"`

	forceSet bool
}

const forceKey = "limits.force_approve_on_exhaustion"

// Load builds the configuration. An empty path skips the file layer
// after probing the default locations.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := session.DefaultLimits()
	k.Load(confmap.Provider(map[string]interface{}{
		"workspace.root":               ".",
		"store.backend":                "file",
		"store.path":                   ".foreman/threads",
		"model.base_url":               "",
		"model.max_tokens":             0,
		"docs.max_results":             10,
		"limits.min_searches":          defaults.MinSearches,
		"limits.min_views":             defaults.MinViews,
		"limits.max_plan_attempts":     defaults.MaxPlanAttempts,
		"limits.max_retries":           defaults.MaxRetries,
		"limits.max_review_iterations": defaults.MaxReviewIterations,
		"log.level":                    "info",
		"log.format":                   "json",
	}, "."), nil)

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, errors.Wrap(errors.ErrCodeConfigInvalid, "load config file "+path, err)
		}
	} else {
		for _, candidate := range []string{"./foreman.toml", "$HOME/.foreman.toml"} {
			candidate = os.ExpandEnv(candidate)
			if _, err := os.Stat(candidate); err != nil {
				continue
			}
			if err := k.Load(file.Provider(candidate), toml.Parser()); err != nil {
				return nil, errors.Wrap(errors.ErrCodeConfigInvalid, "load config file "+candidate, err)
			}
			break
		}
	}

	k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ToLower(s)
		parts := strings.SplitN(s, "_", 2)
		if len(parts) == 2 {
			return parts[0] + "." + parts[1]
		}
		return s
	}), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigInvalid, "unmarshal config", err)
	}
	cfg.forceSet = k.Exists(forceKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the rest of the system would only
// fail on later.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory":
	case "file":
		if c.Store.Path == "" {
			return errors.New(errors.ErrCodeConfigInvalid, "store.path is required for the file backend")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return errors.New(errors.ErrCodeConfigInvalid, "store.dsn is required for the postgres backend").
				WithSuggestion("set store.dsn or FOREMAN_STORE_DSN to a postgres connection string")
		}
	default:
		return errors.New(errors.ErrCodeConfigInvalid, "unknown store backend: "+c.Store.Backend).
			WithSuggestion("valid backends are memory, file, and postgres")
	}

	if c.Limits.MaxPlanAttempts < 1 {
		return errors.New(errors.ErrCodeConfigInvalid, "limits.max_plan_attempts must be at least 1")
	}
	if c.Limits.MaxRetries < 0 || c.Limits.MaxReviewIterations < 0 {
		return errors.New(errors.ErrCodeConfigInvalid, "limit bounds must not be negative")
	}
	return nil
}

// SessionLimits converts the configured bounds, leaving the exhaustion
// policy nil when no layer set it.
func (c *Config) SessionLimits() session.Limits {
	limits := session.Limits{
		MinSearches:         c.Limits.MinSearches,
		MinViews:            c.Limits.MinViews,
		MaxPlanAttempts:     c.Limits.MaxPlanAttempts,
		MaxRetries:          c.Limits.MaxRetries,
		MaxReviewIterations: c.Limits.MaxReviewIterations,
	}
	if c.forceSet {
		force := c.Limits.ForceApproveOnExhaustion
		limits.ForceApproveOnExhaustion = &force
	}
	return limits
}

// ModelConfig maps the model section to the gateway client config
func (c *Config) ModelConfig() gateway.ModelConfig {
	return gateway.ModelConfig{
		APIKey:    c.Model.APIKey,
		BaseURL:   c.Model.BaseURL,
		Model:     c.Model.Name,
		MaxTokens: c.Model.MaxTokens,
		Hints:     c.Model.Hints,
	}
}

// DocsConfig maps the docs section to the search client config
func (c *Config) DocsConfig() gateway.DocsConfig {
	return gateway.DocsConfig{BaseURL: c.Docs.BaseURL, MaxResults: c.Docs.MaxResults}
}

// LogConfig maps the log section to logger settings
func (c *Config) LogConfig() log.Config {
	return log.Config{
		Level:     log.ParseLevel(c.Log.Level),
		Format:    log.ParseFormat(c.Log.Format),
		Output:    log.OutputStderr(),
		AddSource: c.Log.AddSource,
	}
}
