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

// Command wasmfaasd serves WebAssembly function handlers over HTTP,
// optionally registering with a control plane. It does not start a tunnel
// client.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/wasmfaas/host/internal/config"
	"github.com/wasmfaas/host/internal/control"
	"github.com/wasmfaas/host/internal/httpfront"
	"github.com/wasmfaas/host/internal/invoker"
	"github.com/wasmfaas/host/internal/tlsreq"
)

func main() {
	cmd := config.NewServeCommand(runServe)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cfg *config.HostConfig) error {
	log := config.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	caBundle, err := config.CABundle(cfg)
	if err != nil {
		return fmt.Errorf("wasmfaasd: load ca-bundle: %w", err)
	}
	tlsClient, err := tlsreq.NewClient(caBundle)
	if err != nil {
		return fmt.Errorf("wasmfaasd: build tls client: %w", err)
	}

	driver := invoker.NewDriver(ctx, cfg.GuestPath, cfg.WorkDir, cfg.EnvFile, tlsClient, log.WithField("component", "invoker"))
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := driver.Close(closeCtx); err != nil {
			log.WithError(err).Warn("error closing invocation driver")
		}
	}()

	frontend := httpfront.New(driver, log)
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           frontend.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.ControlPlaneURL != "" {
		startControlPlane(ctx, cfg, log)
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Listen).Info("serving")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("wasmfaasd: serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("error during graceful shutdown")
	}
	return nil
}

// startControlPlane registers with the control plane and starts the
// heartbeat loop in the background. Registration and heartbeat failures
// are logged and retried; they never block or fail startup.
func startControlPlane(ctx context.Context, cfg *config.HostConfig, log *logrus.Logger) {
	entry := log.WithField("component", "control")
	client := control.NewClient(cfg.ControlPlaneURL, http.DefaultClient, entry)

	go func() {
		id := control.Identity{
			HostID:       uuid.NewString(),
			Capabilities: []string{"wasm-http"},
		}
		if _, err := client.Register(ctx, id); err != nil {
			entry.WithError(err).Warn("giving up on control-plane registration")
			return
		}
		client.Heartbeat(ctx, cfg.HeartbeatInterval)
	}()
}
