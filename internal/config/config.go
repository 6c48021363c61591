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

// Package config loads the process-wide HostConfig from CLI flags and
// WASMFAAS_-prefixed environment variables, and configures logrus to
// match it.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

// HostConfig is loaded once at startup and treated as immutable for the
// life of the process.
type HostConfig struct {
	Listen            string
	WorkDir           string
	EnvFile           string
	GuestPath         string
	ControlPlaneURL   string
	HeartbeatInterval time.Duration
	CABundlePath      string
	LogLevel          string
}

// Default values, overridable by flag or WASMFAAS_<FLAG> env var.
const (
	DefaultListen            = ":8080"
	DefaultEnvFile           = "env.json"
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultLogLevel          = "info"
)

// FlagSet builds the pflag.FlagSet for the `serve` command and binds it to
// cfg. Call Parse, then ApplyEnvFallbacks, against the same cfg.
func FlagSet(cfg *HostConfig) *pflag.FlagSet {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.StringVar(&cfg.Listen, "listen", DefaultListen, "address to listen on")
	fs.StringVar(&cfg.WorkDir, "work-dir", "", "sandbox root directory preopened into every guest")
	fs.StringVar(&cfg.EnvFile, "env-file", DefaultEnvFile, "JSON array of KEY=VALUE strings, relative to work-dir")
	fs.StringVar(&cfg.GuestPath, "guest", "", "path to the compiled guest module")
	fs.StringVar(&cfg.ControlPlaneURL, "control-plane-url", "", "base URL of the control plane; empty disables registration")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", DefaultHeartbeatInterval, "interval between control-plane heartbeats")
	fs.StringVar(&cfg.CABundlePath, "ca-bundle", "", "PEM CA bundle appended to the outbound TLS trust store")
	fs.StringVar(&cfg.LogLevel, "log-level", DefaultLogLevel, "logrus level: trace, debug, info, warn, error")
	return fs
}

// ApplyEnvFallbacks overwrites any flag not explicitly set on the command
// line (whether at its default or zero value) with the corresponding
// WASMFAAS_<FLAG> environment variable; flags still take precedence when
// explicitly set.
func ApplyEnvFallbacks(fs *pflag.FlagSet, cfg *HostConfig) {
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		envKey := "WASMFAAS_" + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		v, ok := os.LookupEnv(envKey)
		if !ok {
			return
		}
		_ = fs.Set(f.Name, v)
	})
}

// Validate checks the minimal invariants the serve command depends on.
func Validate(cfg *HostConfig) error {
	if cfg.WorkDir == "" {
		return fmt.Errorf("config: --work-dir is required")
	}
	if cfg.GuestPath == "" {
		return fmt.Errorf("config: --guest is required")
	}
	return nil
}

// NewLogger builds a logrus.Logger configured per cfg.LogLevel, falling
// back to info on an unparseable level.
func NewLogger(cfg *HostConfig) *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log
}

// CABundle reads cfg.CABundlePath, returning nil if unset.
func CABundle(cfg *HostConfig) ([]byte, error) {
	if cfg.CABundlePath == "" {
		return nil, nil
	}
	return os.ReadFile(cfg.CABundlePath)
}
