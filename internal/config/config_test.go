package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 9190, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Engine.ReplanBound)
	assert.Equal(t, ReplanPolicyFail, cfg.Engine.ReplanPolicy)
	assert.Equal(t, 2*time.Minute, cfg.Engine.StageTimeout)
	assert.Equal(t, RouteRefineStrict, cfg.Engine.Routing["critical"])
	assert.Equal(t, "anthropic", cfg.Gateway.Provider)
	assert.Len(t, cfg.Refinement.Domains, 5)
	assert.False(t, cfg.Checkpoint.Enabled)
}

func TestLoadYAMLFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8080
engine:
  replan_bound: 5
  replan_policy: force_commit
refinement:
  approval_threshold: 8.5
checkpoint:
  enabled: true
  autonomy_level: 2
  fallback: pause
`)

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Engine.ReplanBound)
	assert.Equal(t, ReplanPolicyForceCommit, cfg.Engine.ReplanPolicy)
	assert.InDelta(t, 8.5, cfg.Refinement.ApprovalThreshold, 0.001)
	assert.True(t, cfg.Checkpoint.Enabled)
	assert.Equal(t, 2, cfg.Checkpoint.AutonomyLevel)
	assert.Equal(t, FallbackPause, cfg.Checkpoint.Fallback)
	// Checkpoint defaults fill in once enabled.
	assert.Equal(t, []string{"plan", "validate"}, cfg.Checkpoint.Stages)
	assert.Equal(t, 5*time.Minute, cfg.Checkpoint.EscalationTimeout)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8080
`)
	t.Setenv("STAGEHAND_SERVER_PORT", "7070")
	t.Setenv("STAGEHAND_ENGINE_REPLAN_BOUND", "7")

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 7, cfg.Engine.ReplanBound)
}

func TestLoadRejectsBadReplanPolicy(t *testing.T) {
	path := writeConfig(t, `
engine:
  replan_policy: shrug
`)

	_, err := Load(path)

	assert.ErrorContains(t, err, "replan")
}

func TestLoadRejectsBadRouting(t *testing.T) {
	path := writeConfig(t, `
engine:
  routing:
    simple: sideways
`)

	_, err := Load(path)

	assert.Error(t, err)
}

func TestLoadRejectsBadCheckpointFallback(t *testing.T) {
	path := writeConfig(t, `
checkpoint:
  enabled: true
  fallback: retry
`)

	_, err := Load(path)

	assert.ErrorContains(t, err, "fallback")
}

func TestValidateStrictThresholdOrdering(t *testing.T) {
	path := writeConfig(t, `
engine:
  validation_threshold: 9
  strict_validation_threshold: 7
`)

	_, err := Load(path)

	assert.ErrorContains(t, err, "strict validation threshold")
}

func TestDefaultDomainsShape(t *testing.T) {
	domains := DefaultDomains()

	byName := make(map[string]DomainConfig, len(domains))
	for _, d := range domains {
		byName[d.Name] = d
	}

	sec, ok := byName["security"]
	require.True(t, ok)
	assert.Equal(t, "strict", sec.Posture)
	assert.Equal(t, 5, sec.MaxIterations)
	assert.Greater(t, sec.Threshold, byName["architecture"].Threshold)
}
