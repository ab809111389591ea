// Package config provides configuration loading for stagehand.
//
// Configuration is loaded from a YAML file, then overridden by
// environment variables, with hardcoded defaults for anything unset.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Routing path values for the complexity-tier routing table.
const (
	RouteStandard     = "standard"
	RouteRefine       = "refine"
	RouteRefineStrict = "refine_strict"
)

// Replan bound-exceeded policies.
const (
	ReplanPolicyFail        = "fail"
	ReplanPolicyForceCommit = "force_commit"
)

// Checkpoint escalation fallbacks.
const (
	FallbackContinue = "continue"
	FallbackPause    = "pause"
	FallbackFail     = "fail"
)

// Config holds the complete stagehand configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Engine     EngineConfig     `koanf:"engine"`
	Gateway    GatewayConfig    `koanf:"gateway"`
	Knowledge  KnowledgeConfig  `koanf:"knowledge"`
	Refinement RefinementConfig `koanf:"refinement"`
	Checkpoint CheckpointConfig `koanf:"checkpoint"`
	NATS       NATSConfig       `koanf:"nats"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// EngineConfig holds pipeline configuration.
type EngineConfig struct {
	// ReplanBound is the maximum validate→plan round trips per task.
	ReplanBound int `koanf:"replan_bound"`

	// ReplanPolicy decides what happens when the bound is reached:
	// "fail" converts the next replan signal to fail, "force_commit"
	// converts it to commit with a partial-success annotation.
	ReplanPolicy string `koanf:"replan_policy"`

	// StageTimeout bounds a single stage execution. A stage timeout is
	// a fail signal, not a silent retry.
	StageTimeout time.Duration `koanf:"stage_timeout"`

	// ValidationThreshold is the minimum validate-stage score to pass.
	ValidationThreshold float64 `koanf:"validation_threshold"`

	// StrictValidationThreshold applies to the extended validation pass
	// required for critical-tier tasks.
	StrictValidationThreshold float64 `koanf:"strict_validation_threshold"`

	// Routing maps a complexity tier to an execution path
	// (standard | refine | refine_strict).
	Routing map[string]string `koanf:"routing"`
}

// GatewayConfig holds inference gateway configuration.
type GatewayConfig struct {
	Provider   string        `koanf:"provider"` // "anthropic" or "openai"
	APIKey     string        `koanf:"api_key"`
	Model      string        `koanf:"model"`
	BaseURL    string        `koanf:"base_url"`
	Timeout    time.Duration `koanf:"timeout"`
	MaxRetries int           `koanf:"max_retries"`
	RateLimit  float64       `koanf:"rate_limit"` // requests per second
	Burst      int           `koanf:"burst"`
}

// KnowledgeConfig holds knowledge store configuration.
type KnowledgeConfig struct {
	// Path is the directory for the persistent shared store.
	Path string `koanf:"path"`

	// Compress enables gzip compression for stored data.
	Compress bool `koanf:"compress"`

	// PrivateTTL is how long private artifacts survive after their
	// task terminates.
	PrivateTTL time.Duration `koanf:"private_ttl"`

	// AuditPath is the append-only audit log file.
	AuditPath string `koanf:"audit_path"`
}

// DomainConfig configures one proposer/reviewer pair domain.
// Domain-specific behavior is data here, not new code paths.
type DomainConfig struct {
	Name          string   `koanf:"name"`
	Threshold     float64  `koanf:"threshold"`      // mean-of-dimensions approval bar
	Floor         float64  `koanf:"floor"`          // minimum single-dimension score
	MaxIterations int      `koanf:"max_iterations"` // loop budget before escalation
	Posture       string   `koanf:"posture"`        // collaborative | adversarial | strict
	Phase         int      `koanf:"phase"`          // 0-based phase ordering
	Keywords      []string `koanf:"keywords"`       // sub-problem selection hints
}

// RefinementConfig holds refinement orchestrator configuration.
type RefinementConfig struct {
	// ApprovalThreshold is the minimum aggregate score for a positive
	// FinalDecision.
	ApprovalThreshold float64 `koanf:"approval_threshold"`

	// DimensionFloor rejects the decision if any pair's minimum
	// dimension falls below it.
	DimensionFloor float64 `koanf:"dimension_floor"`

	// ArbiterRetries bounds directive-based pair restarts.
	ArbiterRetries int `koanf:"arbiter_retries"`

	// IterationTimeout bounds one proposer/reviewer round trip.
	IterationTimeout time.Duration `koanf:"iteration_timeout"`

	Domains []DomainConfig `koanf:"domains"`
}

// CheckpointConfig holds the optional human-in-the-loop overlay.
type CheckpointConfig struct {
	Enabled bool `koanf:"enabled"`

	// AutonomyLevel is 0 (fully supervised) through 4 (fully trusted).
	AutonomyLevel int `koanf:"autonomy_level"`

	// ConfidenceThreshold suspends the task when overall confidence
	// falls below it (subject to autonomy level).
	ConfidenceThreshold float64 `koanf:"confidence_threshold"`

	// Stages lists pipeline stages after which a checkpoint may fire.
	Stages []string `koanf:"stages"`

	// EscalationTimeout bounds the wait for external approval.
	EscalationTimeout time.Duration `koanf:"escalation_timeout"`

	// Fallback applies when the wait times out: continue | pause | fail.
	Fallback string `koanf:"fallback"`
}

// NATSConfig holds audit event streaming configuration.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if c.Engine.ReplanBound < 1 {
		return fmt.Errorf("replan bound must be at least 1, got %d", c.Engine.ReplanBound)
	}
	switch c.Engine.ReplanPolicy {
	case ReplanPolicyFail, ReplanPolicyForceCommit:
	default:
		return fmt.Errorf("unknown replan policy: %q", c.Engine.ReplanPolicy)
	}
	for tier, route := range c.Engine.Routing {
		switch route {
		case RouteStandard, RouteRefine, RouteRefineStrict:
		default:
			return fmt.Errorf("tier %q has unknown route %q", tier, route)
		}
	}
	if c.Engine.ValidationThreshold < 0 || c.Engine.ValidationThreshold > 10 {
		return fmt.Errorf("validation threshold out of range: %v", c.Engine.ValidationThreshold)
	}
	if c.Engine.StrictValidationThreshold < c.Engine.ValidationThreshold {
		return errors.New("strict validation threshold must not be below the standard threshold")
	}

	for _, d := range c.Refinement.Domains {
		if d.Name == "" {
			return errors.New("refinement domain with empty name")
		}
		if d.Threshold < 0 || d.Threshold > 10 || d.Floor < 0 || d.Floor > 10 {
			return fmt.Errorf("domain %q has out-of-range threshold/floor", d.Name)
		}
		if d.MaxIterations < 1 {
			return fmt.Errorf("domain %q must allow at least one iteration", d.Name)
		}
	}

	if c.Checkpoint.Enabled {
		if c.Checkpoint.AutonomyLevel < 0 || c.Checkpoint.AutonomyLevel > 4 {
			return fmt.Errorf("autonomy level out of range: %d", c.Checkpoint.AutonomyLevel)
		}
		switch c.Checkpoint.Fallback {
		case FallbackContinue, FallbackPause, FallbackFail:
		default:
			return fmt.Errorf("unknown checkpoint fallback: %q", c.Checkpoint.Fallback)
		}
	}

	return nil
}
