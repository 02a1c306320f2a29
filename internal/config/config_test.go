package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolver_PrecedenceOrder(t *testing.T) {
	os.Setenv("PRODUCTION_GLOBAL_BATCH_SIZE", "10")
	os.Setenv("PRODUCTION_SURVEY_BATCH_SIZE", "25")
	defer os.Unsetenv("PRODUCTION_GLOBAL_BATCH_SIZE")
	defer os.Unsetenv("PRODUCTION_SURVEY_BATCH_SIZE")

	r, err := NewResolver("production", "", nil)
	require.NoError(t, err)

	v, err := r.GetVariable("survey", "batch_size")
	require.NoError(t, err)
	assert.Equal(t, "25", v, "flow-specific override must win over global")

	v, err = r.GetVariable("other_flow", "batch_size")
	require.NoError(t, err)
	assert.Equal(t, "10", v, "global value used when no flow-specific override exists")
}

func TestResolver_StaticDefaultFallback(t *testing.T) {
	r, err := NewResolver("staging", "", nil)
	require.NoError(t, err)

	v, err := r.GetVariable("", "default_batch_size")
	require.NoError(t, err)
	assert.Equal(t, "50", v)
}

func TestResolver_MissingRequiredKey(t *testing.T) {
	r, err := NewResolver("staging", "", nil)
	require.NoError(t, err)

	_, err = r.GetVariable("", "totally_unknown_key")
	require.Error(t, err)
	var cfgErr *ErrConfigMissing
	assert.ErrorAs(t, err, &cfgErr)
}

func TestResolver_CallerSuppliedDefault(t *testing.T) {
	r, err := NewResolver("staging", "", nil)
	require.NoError(t, err)

	v, err := r.GetVariable("", "totally_unknown_key", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)
}

func TestResolver_DistributedConfigDefaults(t *testing.T) {
	r, err := NewResolver("staging", "", nil)
	require.NoError(t, err)

	cfg, err := r.GetDistributedConfig()
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.DefaultBatchSize)
	assert.Equal(t, 3, cfg.MaxRetries)
}
