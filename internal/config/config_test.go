/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmfaas/host/internal/config"
)

func TestFlagDefaults(t *testing.T) {
	var cfg config.HostConfig
	fs := config.FlagSet(&cfg)
	require.NoError(t, fs.Parse(nil))
	assert.Equal(t, config.DefaultListen, cfg.Listen)
	assert.Equal(t, config.DefaultEnvFile, cfg.EnvFile)
	assert.Equal(t, config.DefaultHeartbeatInterval, cfg.HeartbeatInterval)
}

func TestFlagOverridesDefault(t *testing.T) {
	var cfg config.HostConfig
	fs := config.FlagSet(&cfg)
	require.NoError(t, fs.Parse([]string{"--listen", ":9090", "--work-dir", "/tmp/x"}))
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "/tmp/x", cfg.WorkDir)
}

func TestEnvFallbackAppliesOnlyWhenUnset(t *testing.T) {
	var cfg config.HostConfig
	fs := config.FlagSet(&cfg)
	require.NoError(t, fs.Parse([]string{"--listen", ":9090"}))

	t.Setenv("WASMFAAS_LISTEN", ":7000")
	t.Setenv("WASMFAAS_WORK_DIR", "/srv/sandbox")
	config.ApplyEnvFallbacks(fs, &cfg)

	assert.Equal(t, ":9090", cfg.Listen, "explicit flag wins over env fallback")
	assert.Equal(t, "/srv/sandbox", cfg.WorkDir, "env fallback applies to an unset flag")
}

func TestValidateRequiresWorkDirAndGuest(t *testing.T) {
	cfg := config.HostConfig{}
	assert.Error(t, config.Validate(&cfg))

	cfg.WorkDir = "/tmp"
	assert.Error(t, config.Validate(&cfg))

	cfg.GuestPath = "/tmp/h.wasm"
	assert.NoError(t, config.Validate(&cfg))
}

func TestCABundleUnsetReturnsNil(t *testing.T) {
	cfg := config.HostConfig{}
	b, err := config.CABundle(&cfg)
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestNewLoggerFallsBackOnBadLevel(t *testing.T) {
	cfg := config.HostConfig{LogLevel: "not-a-level"}
	log := config.NewLogger(&cfg)
	assert.Equal(t, "info", log.GetLevel().String())
}

func TestNewLoggerHonorsLevel(t *testing.T) {
	cfg := config.HostConfig{LogLevel: "debug"}
	log := config.NewLogger(&cfg)
	assert.Equal(t, "debug", log.GetLevel().String())
	_ = time.Second
}
