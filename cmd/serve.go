package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rubiojr/netpulse/pkg/activity"
	"github.com/rubiojr/netpulse/pkg/api"
	"github.com/rubiojr/netpulse/pkg/broker"
	"github.com/rubiojr/netpulse/pkg/config"
	"github.com/rubiojr/netpulse/pkg/emitter"
	"github.com/rubiojr/netpulse/pkg/ingest"
	"github.com/rubiojr/netpulse/pkg/log"
	"github.com/urfave/cli/v3"
)

var serveLog = log.ForService("serve")

// ServeCommand creates the serve command
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the realtime broker and HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Address to listen on (overrides config listen)",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return serve(ctx, c.String("config"), c.String("listen"), c.Bool("debug"))
		},
	}
}

func serve(ctx context.Context, configPath, listen string, debugFlag bool) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyLogConfig(cfg, debugFlag)
	if listen != "" {
		cfg.Listen = listen
	}

	store, err := activity.Open(ctx, cfg.DBPath())
	if err != nil {
		return fmt.Errorf("opening activity store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			serveLog.Warnf("failed to close activity store: %v", err)
		}
	}()

	b := broker.New(brokerOptions(cfg))
	em := emitter.New(b, store)

	mux := http.NewServeMux()
	api.NewServer(b, em, store).RegisterRoutes(mux)
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.CorsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ingestCtx, ingestCancel := context.WithCancel(ctx)
	defer ingestCancel()
	var ingestWG sync.WaitGroup
	var consumer *ingest.KafkaConsumer
	if cfg.Kafka.Enabled {
		consumer, err = ingest.NewKafkaConsumer(ingest.KafkaConsumerConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
			MaxWait: cfg.Kafka.MaxWait.Duration,
		}, em)
		if err != nil {
			return fmt.Errorf("creating kafka consumer: %w", err)
		}
		ingestWG.Add(1)
		go func() {
			defer ingestWG.Done()
			serveLog.Infof("consuming %s from %v", cfg.Kafka.Topic, cfg.Kafka.Brokers)
			consumer.Run(ingestCtx)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		serveLog.Infof("listening on http://%s", cfg.Listen)
		serveLog.Infof("  GET  /ws                              realtime subscriptions")
		serveLog.Infof("  POST /api/workspaces/{id}/events      emit an event")
		serveLog.Infof("  GET  /api/workspaces/{id}/activity    recent activity")
		serveLog.Infof("  GET  /api/stats, /health")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	var watchEvents <-chan fsnotify.Event
	var watchErrors <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		serveLog.Warnf("failed to create config file watcher: %v", err)
	} else {
		defer func() { _ = watcher.Close() }()
		if err := watcher.Add(configPath); err != nil {
			serveLog.Warnf("failed to watch config file %s: %v", configPath, err)
		} else {
			serveLog.Infof("watching config file for changes: %s", configPath)
		}
		watchEvents, watchErrors = watcher.Events, watcher.Errors
	}

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-errCh:
			runErr = fmt.Errorf("http server: %w", err)
			break loop
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				serveLog.Infof("received SIGHUP, reloading configuration")
				reloadLogConfig(configPath, debugFlag)
				continue
			}
			break loop
		case event, ok := <-watchEvents:
			if !ok {
				watchEvents = nil
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			// Editors replace the file on save; give the new one time to land
			// and watch it again.
			time.Sleep(200 * time.Millisecond)
			if event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				if _, err := os.Stat(configPath); os.IsNotExist(err) {
					serveLog.Warnf("config file was removed, keeping current settings")
					continue
				}
				if err := watcher.Add(configPath); err != nil {
					serveLog.Warnf("failed to re-add config file to watcher: %v", err)
				}
			}
			serveLog.Infof("config file changed (%s), reloading", event.Op)
			reloadLogConfig(configPath, debugFlag)
		case err, ok := <-watchErrors:
			if !ok {
				watchErrors = nil
				continue
			}
			serveLog.Warnf("config file watcher error: %v", err)
		}
	}

	serveLog.Infof("shutting down")
	ingestCancel()
	ingestWG.Wait()
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			serveLog.Warnf("failed to close kafka consumer: %v", err)
		}
	}

	// Websocket connections are hijacked and not tracked by the http server.
	b.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("shutting down http server: %w", err)
	}
	if err := em.Close(shutdownCtx); err != nil {
		serveLog.Warnf("pending audit writes abandoned: %v", err)
	}
	return runErr
}

// reloadLogConfig re-reads configPath and applies its [log] section. Other
// settings need a restart.
func reloadLogConfig(configPath string, debugFlag bool) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		serveLog.Errorf("failed to reload configuration: %v", err)
		return
	}
	applyLogConfig(cfg, debugFlag)
	serveLog.Infof("configuration reloaded (debug services: %v)", log.DebugServices())
}
