// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tombee/orchestrator/internal/config"
	"github.com/tombee/orchestrator/internal/log"
	"github.com/tombee/orchestrator/internal/orchestrator/api"
	"github.com/tombee/orchestrator/internal/orchestrator/bus"
	"github.com/tombee/orchestrator/internal/orchestrator/cache"
	"github.com/tombee/orchestrator/internal/orchestrator/dispatcher"
	"github.com/tombee/orchestrator/internal/orchestrator/health"
	"github.com/tombee/orchestrator/internal/orchestrator/manager"
	"github.com/tombee/orchestrator/internal/orchestrator/metrics"
	"github.com/tombee/orchestrator/internal/orchestrator/planner"
	"github.com/tombee/orchestrator/internal/orchestrator/scheduler"
	"github.com/tombee/orchestrator/internal/orchestrator/traversal"
)

// Version information (injected via ldflags at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "orchestratord",
		Short: "Orchestrator daemon: schedules, dispatches, and traverses execution across remote processors",
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "orchestratord %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon: HTTP control API, scheduler, and traversal engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to config.yaml (defaults to the XDG config path)")
	return cmd
}

func serve(configPath string) error {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return err
	}

	mgr := manager.New(cfg.ManagerURLs, manager.WithAPIKey(cfg.APIKey), manager.WithLogger(logger))
	cacheGateway := cache.NewInMemoryGateway(cfg.OrchestrationCache.ToGatewayConfig())
	builder := planner.New(mgr, cacheGateway, logger)
	gate := health.New(cacheGateway, cfg.HealthGate.StalenessThreshold())
	messageBus := bus.NewInMemoryBus()
	recorder := metrics.Recorder{}

	dsp := dispatcher.New(messageBus, recorder, logger)
	svc := api.NewService(builder, cacheGateway, gate, dsp, logger)
	sched := scheduler.New(svc.Fire, managerFlowLookup{mgr: mgr}, recorder, logger, cfg.Scheduler.TickInterval())
	svc.SetScheduler(sched)

	engine := traversal.New(messageBus, traversal.CachePlanLoader{Cache: cacheGateway}, dsp, recorder, logger)
	router := api.NewRouter(svc, logger)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched.Run(ctx)
	go engine.Run(ctx)

	serveErrCh := make(chan error, 1)
	go func() {
		logger.Info("orchestrator daemon listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
			return
		}
		serveErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-serveErrCh:
		if err != nil {
			logger.Error("HTTP server error", "error", err)
			return err
		}
	}

	cancel()
	sched.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during HTTP shutdown", "error", err)
		return err
	}
	return nil
}

// managerFlowLookup adapts manager.Client to scheduler.FlowLookup,
// reading IsOneTimeExecution straight off the flow entity rather than
// the cached plan, since a flow's one-shot-ness is manager-owned
// metadata, not a plan-derived value.
type managerFlowLookup struct {
	mgr *manager.Client
}

func (m managerFlowLookup) IsOneTimeExecution(ctx context.Context, flowID string) (bool, error) {
	flow, err := m.mgr.GetFlow(ctx, flowID)
	if err != nil {
		return false, err
	}
	return flow.IsOneTimeExecution, nil
}
