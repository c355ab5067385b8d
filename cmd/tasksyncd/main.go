package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/plannerdesk/tasksync/internal/backend"
	"github.com/plannerdesk/tasksync/internal/changefeed"
	"github.com/plannerdesk/tasksync/internal/config"
	"github.com/plannerdesk/tasksync/internal/httpapi"
	"github.com/plannerdesk/tasksync/internal/pushfeed"
	"github.com/plannerdesk/tasksync/internal/tasksync"
)

func main() {
	configPath := flag.String("config", envOrDefault("TASKSYNC_CONFIG", "tasksync.yaml"), "config file path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := log.Default()

	client := backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.Token, &http.Client{Timeout: cfg.Backend.Timeout.Std()})
	session, err := tasksync.NewSession(tasksync.SessionOptions{
		Fetcher: client,
		Mutator: client,
		Logger:  logger,
	})
	if err != nil {
		log.Fatalf("failed to create sync session: %v", err)
	}
	defer session.Close()

	if err := session.Attach(buildSources(cfg, logger)); err != nil {
		log.Fatalf("failed to attach change channels: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, kind := range tasksync.Kinds {
		if err := session.Refresh(rootCtx, kind); err != nil {
			log.Printf("initial refresh of %s failed: %v", kind, err)
		}
	}

	stopWatch, err := config.Watch(*configPath, logger, func(next *config.Config) {
		log.Printf("config reloaded, re-attaching change channels")
		if err := session.Attach(buildSources(next, logger)); err != nil {
			log.Printf("re-attach failed: %v", err)
		}
	})
	if err != nil {
		log.Printf("config watch unavailable: %v", err)
	} else {
		defer stopWatch()
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      httpapi.NewServer(session, httpapi.ServerConfig{Token: cfg.Server.Token}),
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	go func() {
		log.Printf("tasksyncd listening on %s", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-rootCtx.Done()
	log.Printf("shutting down")
	session.Detach()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

func buildSources(cfg *config.Config, logger *log.Logger) (tasksync.Source, tasksync.Source) {
	var push tasksync.Source
	if cfg.Push.URL != "" {
		push = pushfeed.NewClient(pushfeed.Options{
			URL:        cfg.Push.URL,
			Token:      cfg.Push.Token,
			MinBackoff: cfg.Push.MinBackoff.Std(),
			MaxBackoff: cfg.Push.MaxBackoff.Std(),
			Logger:     logger,
		})
	}
	var feed tasksync.Source
	if cfg.ChangeFeed.DSN != "" {
		feed = changefeed.NewListener(changefeed.Options{
			DSN:          cfg.ChangeFeed.DSN,
			Channel:      cfg.ChangeFeed.Channel,
			MinReconnect: cfg.ChangeFeed.MinReconnect.Std(),
			MaxReconnect: cfg.ChangeFeed.MaxReconnect.Std(),
			Logger:       logger,
		})
	}
	return push, feed
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}
