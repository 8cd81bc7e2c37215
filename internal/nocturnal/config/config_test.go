package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("/project")
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsInvertedQualityThresholds(t *testing.T) {
	cfg := Default("/project")
	cfg.Quality.Medium = 0.9
	cfg.Quality.High = 0.5
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsInvertedCostThresholds(t *testing.T) {
	cfg := Default("/project")
	cfg.Cost.EmergencyActivate = 0.5
	cfg.Cost.EmergencyDeactivate = 0.9
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsPathTraversal(t *testing.T) {
	cfg := Default("/project/../etc")
	require.Error(t, cfg.Validate())
}

func TestLoadWithFileAppliesYAMLAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	home := filepath.Join(dir, "home")
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".config", "nocturnal"), 0700))
	t.Setenv("HOME", home)

	configPath := filepath.Join(home, ".config", "nocturnal", "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("cost:\n  monthlybudget: 42\n"), 0600))

	t.Setenv("NOCTURNAL_QUALITY_HIGH", "0.80")

	cfg, err := LoadWithFile(configPath, "/project")
	require.NoError(t, err)
	require.Equal(t, 42.0, cfg.Cost.MonthlyBudget)
	require.Equal(t, 0.80, cfg.Quality.High)
}

func TestLoadWithFileRejectsInsecurePermissions(t *testing.T) {
	dir := t.TempDir()
	home := filepath.Join(dir, "home")
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".config", "nocturnal"), 0700))
	t.Setenv("HOME", home)

	configPath := filepath.Join(home, ".config", "nocturnal", "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("cost:\n  monthlybudget: 1\n"), 0644))

	_, err := LoadWithFile(configPath, "/project")
	require.Error(t, err)
}

func TestEnsureConfigDirCreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	require.NoError(t, EnsureConfigDir())
	info, err := os.Stat(filepath.Join(dir, ".config", "nocturnal"))
	require.NoError(t, err)
	require.True(t, info.IsDir())
}
