package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/emx-mail/mailmon/pkgs/config"
)

func TestSelectOptionsFilter(t *testing.T) {
	cfg := &config.Config{Targets: []config.TargetConfig{
		{Name: "alpha"}, {Name: "beta"}, {Name: "gamma"},
	}}

	all, err := (&selectOptions{}).filter(cfg)
	require.NoError(t, err)
	require.Len(t, all, 3)

	picked, err := (&selectOptions{targets: []string{"gamma", "alpha"}}).filter(cfg)
	require.NoError(t, err)
	require.Equal(t, "gamma", picked[0].Name)
	require.Equal(t, "alpha", picked[1].Name)

	_, err = (&selectOptions{targets: []string{"delta"}}).filter(cfg)
	require.ErrorContains(t, err, `unknown target "delta"`)
}

func TestConfigPath(t *testing.T) {
	t.Setenv(config.EnvConfigPath, "")
	_, err := configPath(nil)
	require.ErrorContains(t, err, "no configuration file given")

	t.Setenv(config.EnvConfigPath, "/etc/mailmon.yaml")
	path, err := configPath(nil)
	require.NoError(t, err)
	require.Equal(t, "/etc/mailmon.yaml", path)

	path, err = configPath([]string{"local.yaml"})
	require.NoError(t, err)
	require.Equal(t, "local.yaml", path)
}

func TestRunInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailmon.yaml")
	require.NoError(t, runInit(initCmd, []string{path}))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NotEmpty(t, cfg.Targets)

	require.ErrorContains(t, runInit(initCmd, []string{path}), "already exists")

	initForceFlag = true
	t.Cleanup(func() { initForceFlag = false })
	require.NoError(t, os.WriteFile(path, []byte("broken"), 0o600))
	require.NoError(t, runInit(initCmd, []string{path}))
}

func TestNewLogger_AlwaysWritesErrors(t *testing.T) {
	prev := verboseFlag
	t.Cleanup(func() { verboseFlag = prev })

	for _, verbose := range []bool{false, true} {
		verboseFlag = verbose
		require.Equal(t, os.Stderr, newLogger().Writer(), "verbose=%v", verbose)
	}
}
