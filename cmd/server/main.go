package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Sira-K/Multiscreen-sub000/internal/encoder"
	"github.com/Sira-K/Multiscreen-sub000/internal/platform/config"
	"github.com/Sira-K/Multiscreen-sub000/internal/platform/logger"
	"github.com/Sira-K/Multiscreen-sub000/internal/platform/metrics"
	"github.com/Sira-K/Multiscreen-sub000/internal/process"
	"github.com/Sira-K/Multiscreen-sub000/internal/relay"
	"github.com/Sira-K/Multiscreen-sub000/internal/wall"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	relayImage := config.GetEnv("RELAY_IMAGE", "ravenium/srt-live-server:latest")
	sinkHost := config.GetEnv("SINK_HOST", "127.0.0.1")
	streamIDFile := config.GetEnv("STREAM_ID_FILE", "stream_ids.json")
	useDocker := config.GetEnvBool("USE_DOCKER", true)
	clientTimeout := config.GetEnvDuration("CLIENT_TIMEOUT", 60*time.Second)
	cleanupInterval := config.GetEnvDuration("CLEANUP_INTERVAL", 15*time.Second)
	startupTimeout := config.GetEnvDuration("ENCODER_STARTUP_TIMEOUT", 15*time.Second)
	stopGrace := config.GetEnvDuration("STOP_GRACE", 5*time.Second)

	log := logger.New(logLevel, logFormat)

	var runtime relay.Runtime
	if useDocker {
		dr, err := relay.NewDockerRuntime(relayImage, log)
		if err != nil {
			log.Error("docker unavailable, running with no-op relay runtime", "error", err)
			runtime = relay.NewNoopRuntime()
		} else {
			defer dr.Close()
			runtime = dr
		}
	} else {
		runtime = relay.NewNoopRuntime()
	}

	finder, err := process.NewFinder()
	if err != nil {
		log.Error("cannot open /proc", "error", err)
		os.Exit(1)
	}

	streamIDs, err := wall.NewStreamIDRegistry(streamIDFile)
	if err != nil {
		log.Error("stream id registry load failed", "error", err)
		os.Exit(1)
	}

	met := metrics.New()
	sup := process.NewSupervisor(log)

	groups := wall.NewGroupManager(wall.GroupManagerOptions{
		Runtime:        runtime,
		Supervisor:     sup,
		Finder:         finder,
		StreamIDs:      streamIDs,
		Probe:          encoder.BinaryProbe{},
		Log:            log,
		Metrics:        met,
		SinkHost:       sinkHost,
		StartupTimeout: startupTimeout,
		StopGrace:      stopGrace,
	})
	clients := wall.NewClientManager(groups, streamIDs, sinkHost, log, met)
	h := wall.NewHandler(groups, clients, log)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		met.Handler(func() { met.SetActiveGroups(groups.Count()) }).ServeHTTP(w, req)
	})
	h.Routes(r)

	cleanupCtx, stopCleanup := context.WithCancel(context.Background())
	defer stopCleanup()
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-cleanupCtx.Done():
				return
			case <-ticker.C:
				if n := clients.CleanupInactive(clientTimeout); n > 0 {
					log.Info("inactive clients removed", "count", n)
				}
			}
		}
	}()

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"relay_image", relayImage,
		"sink_host", sinkHost,
		"use_docker", useDocker,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")
	stopCleanup()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
