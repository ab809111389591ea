package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// Load loads configuration from an optional YAML file, then overrides
// with environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (STAGEHAND_ENGINE_REPLAN_BOUND, ...)
//  2. YAML config file
//  3. Hardcoded defaults
//
// Environment variables are prefixed with STAGEHAND_ and map to config
// paths by splitting on the first underscore after the prefix:
//
//	STAGEHAND_SERVER_PORT          -> server.port
//	STAGEHAND_ENGINE_REPLAN_BOUND  -> engine.replan_bound
//	STAGEHAND_GATEWAY_API_KEY      -> gateway.api_key
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			f, err := os.Open(configPath)
			if err != nil {
				return nil, fmt.Errorf("failed to open config file: %w", err)
			}
			defer f.Close()

			info, err := f.Stat()
			if err != nil {
				return nil, fmt.Errorf("failed to stat config file: %w", err)
			}
			if info.Size() > maxConfigFileSize {
				return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
			}

			content, err := io.ReadAll(f)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
			}
		}
	}

	if err := k.Load(env.Provider("STAGEHAND_", ".", func(s string) string {
		// STAGEHAND_SECTION_FIELD_NAME -> section.field_name
		lower := strings.ToLower(strings.TrimPrefix(s, "STAGEHAND_"))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// DefaultRouting returns the default complexity-tier routing table.
func DefaultRouting() map[string]string {
	return map[string]string{
		"simple":   RouteStandard,
		"medium":   RouteStandard,
		"complex":  RouteRefine,
		"critical": RouteRefineStrict,
	}
}

// DefaultDomains returns the built-in pair domain set. The domain set
// is configuration; deployments override it wholesale via YAML.
func DefaultDomains() []DomainConfig {
	return []DomainConfig{
		{
			Name:          "technical-leadership",
			Threshold:     7.0,
			Floor:         5.0,
			MaxIterations: 3,
			Posture:       "collaborative",
			Phase:         0,
			Keywords:      []string{"design", "approach", "tradeoff", "strategy"},
		},
		{
			Name:          "architecture",
			Threshold:     8.0,
			Floor:         6.0,
			MaxIterations: 3,
			Posture:       "adversarial",
			Phase:         0,
			Keywords:      []string{"architecture", "system", "component", "interface", "scale"},
		},
		{
			Name:          "data",
			Threshold:     8.0,
			Floor:         6.0,
			MaxIterations: 3,
			Posture:       "adversarial",
			Phase:         1,
			Keywords:      []string{"schema", "database", "storage", "migration", "model"},
		},
		{
			Name:          "performance",
			Threshold:     7.5,
			Floor:         5.0,
			MaxIterations: 3,
			Posture:       "adversarial",
			Phase:         1,
			Keywords:      []string{"performance", "latency", "throughput", "cache", "optimiz"},
		},
		{
			Name:          "security",
			Threshold:     9.0,
			Floor:         7.0,
			MaxIterations: 5,
			Posture:       "strict",
			Phase:         1,
			Keywords:      []string{"security", "auth", "credential", "encrypt", "token", "secret"},
		},
	}
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9190
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Engine.ReplanBound == 0 {
		cfg.Engine.ReplanBound = 3
	}
	if cfg.Engine.ReplanPolicy == "" {
		cfg.Engine.ReplanPolicy = ReplanPolicyFail
	}
	if cfg.Engine.StageTimeout == 0 {
		cfg.Engine.StageTimeout = 2 * time.Minute
	}
	if cfg.Engine.ValidationThreshold == 0 {
		cfg.Engine.ValidationThreshold = 6.0
	}
	if cfg.Engine.StrictValidationThreshold == 0 {
		cfg.Engine.StrictValidationThreshold = 8.0
	}
	if len(cfg.Engine.Routing) == 0 {
		cfg.Engine.Routing = DefaultRouting()
	}

	if cfg.Gateway.Provider == "" {
		cfg.Gateway.Provider = "anthropic"
	}
	if cfg.Gateway.Timeout == 0 {
		cfg.Gateway.Timeout = 60 * time.Second
	}
	if cfg.Gateway.MaxRetries == 0 {
		cfg.Gateway.MaxRetries = 3
	}
	if cfg.Gateway.RateLimit == 0 {
		cfg.Gateway.RateLimit = 2.0
	}
	if cfg.Gateway.Burst == 0 {
		cfg.Gateway.Burst = 4
	}

	if cfg.Knowledge.Path == "" {
		cfg.Knowledge.Path = "~/.config/stagehand/knowledge"
	}
	if cfg.Knowledge.PrivateTTL == 0 {
		cfg.Knowledge.PrivateTTL = 1 * time.Hour
	}
	if cfg.Knowledge.AuditPath == "" {
		cfg.Knowledge.AuditPath = "~/.config/stagehand/audit.log"
	}

	if cfg.Refinement.ApprovalThreshold == 0 {
		cfg.Refinement.ApprovalThreshold = 7.0
	}
	if cfg.Refinement.DimensionFloor == 0 {
		cfg.Refinement.DimensionFloor = 5.0
	}
	if cfg.Refinement.ArbiterRetries == 0 {
		cfg.Refinement.ArbiterRetries = 1
	}
	if cfg.Refinement.IterationTimeout == 0 {
		cfg.Refinement.IterationTimeout = 3 * time.Minute
	}
	if len(cfg.Refinement.Domains) == 0 {
		cfg.Refinement.Domains = DefaultDomains()
	}

	if cfg.Checkpoint.Enabled {
		if cfg.Checkpoint.ConfidenceThreshold == 0 {
			cfg.Checkpoint.ConfidenceThreshold = 0.6
		}
		if len(cfg.Checkpoint.Stages) == 0 {
			cfg.Checkpoint.Stages = []string{"plan", "validate"}
		}
		if cfg.Checkpoint.EscalationTimeout == 0 {
			cfg.Checkpoint.EscalationTimeout = 5 * time.Minute
		}
		if cfg.Checkpoint.Fallback == "" {
			cfg.Checkpoint.Fallback = FallbackContinue
		}
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
}
