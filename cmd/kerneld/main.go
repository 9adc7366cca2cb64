// Command kerneld is a minimal embedder around the KernelManager: it
// wires configuration, logging, the manager, and an admin surface
// exposing only /healthz and /metrics. It proves the manager is
// wireable into a long-running process with graceful shutdown; it does
// not expose kernel CRUD over the network, since RPC transport for the
// manager itself remains a collaborator's concern, not this module's.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/leondli/kernelmgr/internal/infrastructure/config"
	"github.com/leondli/kernelmgr/internal/infrastructure/logger"
	"github.com/leondli/kernelmgr/internal/infrastructure/server"
	"github.com/leondli/kernelmgr/internal/kernel"
	"github.com/leondli/kernelmgr/internal/metrics"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger.Init(&cfg.Log)
	log.Info().Msg("starting kernelmgr")

	reg := prometheus.NewRegistry()
	metricsRegistry := metrics.NewRegistry(reg)

	mgrCfg := kernel.ManagerConfig{
		DefaultInactivity: cfg.Kernel.DefaultInactivity(),
		StallTimeout:      cfg.Kernel.StallTimeout(),
		StreamTimeout:     cfg.Kernel.StreamTimeout(),
		WorkerBinPath:     cfg.Kernel.WorkerBinPath,
		Metrics:           metricsRegistry,
	}
	for _, t := range cfg.Kernel.AllowedTypes {
		mgrCfg.AllowedTypes = append(mgrCfg.AllowedTypes, kernel.AllowedType{
			Mode:     kernel.Mode(t.Mode),
			Language: kernel.Language(t.Language),
		})
	}
	for _, p := range cfg.Kernel.Pools {
		mgrCfg.Pools = append(mgrCfg.Pools, kernel.PoolConfig{
			Mode:     kernel.Mode(p.Mode),
			Language: kernel.Language(p.Language),
			Size:     p.Size,
		})
	}

	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()
	mgr := kernel.NewManager(bgCtx, mgrCfg)

	srv := server.New(&cfg.Server)
	srv.Router().GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "kernels": len(mgr.List(""))})
	})
	srv.Router().GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("admin server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("admin server forced to shutdown")
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("some kernels failed to shut down cleanly")
	}

	log.Info().Msg("kernelmgr exited")
}
