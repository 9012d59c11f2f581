package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "train.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
# demo
time_steps: 6
loss_start: 2
loss_type: l2
automode: false
step_size: 0.01
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.TimeSteps)
	assert.Equal(t, 2, cfg.LossStart)
	assert.Equal(t, "l2", cfg.LossType)
	assert.Equal(t, 0.01, cfg.StepSize)
	assert.False(t, cfg.AutoModeEnabled())
	assert.Equal(t, Default().BatchSize, cfg.BatchSize)
}

func TestLoadEmptyFileGivesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "\n"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.True(t, cfg.AutoModeEnabled())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "learning_rate: 0.1\n"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	_, err := Load(writeConfig(t, "time_steps: 4\nloss_start: 4\n"))
	assert.ErrorContains(t, err, "loss_start")

	_, err = Load(writeConfig(t, "num_bags: 2\nbatch_size: 8\n"))
	assert.ErrorContains(t, err, "num_bags")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestApplyOverrides(t *testing.T) {
	cfg := Default()
	cfg.ApplyOverrides(Overrides{LossType: "l2", Epochs: 9, MetricsAddr: ":9100"})
	assert.Equal(t, "l2", cfg.LossType)
	assert.Equal(t, 9, cfg.Epochs)
	assert.Equal(t, ":9100", cfg.MetricsAddr)
	assert.Equal(t, Default().StepSize, cfg.StepSize)
	require.NoError(t, cfg.Validate())
}
