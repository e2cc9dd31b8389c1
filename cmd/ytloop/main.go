package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ytloop "github.com/daichi0525/aina-YTLoop"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := ytloop.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ytloop: %v\n", err)
		os.Exit(1)
	}
	log, err := ytloop.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ytloop: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	broadcast, err := ytloop.NewYouTubeClient(ctx, log, &cfg.YouTube)
	if err != nil {
		log.Error("could not build youtube client", "error", err)
		os.Exit(1)
	}
	defer broadcast.Close()

	output := ytloop.NewOBSClient(log, &cfg.OBS)
	if err := output.Connect(); err != nil {
		log.Error("could not connect to obs", "error", err)
		os.Exit(1)
	}
	defer output.Close()

	metrics := ytloop.NewMetrics()
	if addr := cfg.Metrics.ListenAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		server := &http.Server{Addr: addr, Handler: mux}
		go func() {
			log.Info("serving metrics", "addr", addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	controller, err := ytloop.NewController(broadcast, output, cfg,
		ytloop.WithLogger(log),
		ytloop.WithMetrics(metrics),
	)
	if err != nil {
		log.Error("could not build controller", "error", err)
		os.Exit(1)
	}

	log.Info("starting ytloop", "session_duration", cfg.Schedule.SessionDuration,
		"poll_interval", cfg.Schedule.PollInterval)
	if err := controller.Run(ctx); err != nil {
		log.Error("controller exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("ytloop finished")
}
