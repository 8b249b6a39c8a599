// Package main wires together the tab search service binary.
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

	gcsclient "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/twbeatles/navernews-tabsearch/internal/api"
	"github.com/twbeatles/navernews-tabsearch/internal/backup"
	"github.com/twbeatles/navernews-tabsearch/internal/clock"
	"github.com/twbeatles/navernews-tabsearch/internal/config"
	"github.com/twbeatles/navernews-tabsearch/internal/logging"
	"github.com/twbeatles/navernews-tabsearch/internal/naver"
	"github.com/twbeatles/navernews-tabsearch/internal/news"
	"github.com/twbeatles/navernews-tabsearch/internal/notify"
	"github.com/twbeatles/navernews-tabsearch/internal/progress"
	"github.com/twbeatles/navernews-tabsearch/internal/progress/sinks"
	pubmem "github.com/twbeatles/navernews-tabsearch/internal/publisher/memory"
	pubps "github.com/twbeatles/navernews-tabsearch/internal/publisher/pubsub"
	"github.com/twbeatles/navernews-tabsearch/internal/refresh"
	"github.com/twbeatles/navernews-tabsearch/internal/registry"
	blobgcs "github.com/twbeatles/navernews-tabsearch/internal/storage/gcs"
	bloblocal "github.com/twbeatles/navernews-tabsearch/internal/storage/local"
	blobmem "github.com/twbeatles/navernews-tabsearch/internal/storage/memory"
	storemem "github.com/twbeatles/navernews-tabsearch/internal/store/memory"
	storepg "github.com/twbeatles/navernews-tabsearch/internal/store/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sysClock := clock.System{}

	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer closeStore()

	client := naver.New(naver.Config{
		ClientID:     cfg.Naver.ClientID,
		ClientSecret: cfg.Naver.ClientSecret,
		BaseURL:      cfg.Naver.BaseURL,
		Timeout:      cfg.NaverTimeout(),
		UserAgent:    cfg.Naver.UserAgent,
	}, logger.Named("naver"))

	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		logger.Fatal("progress metrics init failed", zap.Error(err))
	}
	hub := progress.NewHub(progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("lifecycle")),
		promSink,
	)

	resultHub := api.NewResultHub()
	listeners := []registry.Listener{resultHub}

	publisher, closePublisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		logger.Fatal("publisher init failed", zap.Error(err))
	}
	defer closePublisher()
	if publisher != nil {
		listeners = append(listeners, notify.NewBridge(publisher, sysClock, notify.BridgeConfig{
			CompletionTopic: cfg.PubSub.CompletionTopic,
			AlertTopic:      cfg.PubSub.AlertTopic,
			AlertKeywords:   cfg.PubSub.AlertKeywords,
		}, logger.Named("notify")))
	}

	reg := registry.New(
		client,
		store,
		notify.NewFanout(listeners...),
		sysClock,
		hub,
		registry.Config{
			PageSize:      cfg.Fetch.PageSize,
			Backoff:       cfg.BackoffSchedule(),
			MaxStartIndex: cfg.Fetch.MaxStartIndex,
			DedupeWindow:  cfg.DedupeWindow(),
		},
		logger.Named("registry"),
	)

	tabs := api.NewTabSet(sysClock)
	apiServer := api.NewServer(tabs, reg, resultHub, store,
		prometheus.DefaultGatherer, logger.Named("api"))

	if cfg.Backup.Enabled {
		blobs, err := buildBlobStore(ctx, cfg)
		if err != nil {
			logger.Fatal("backup blob store init failed", zap.Error(err))
		}
		runner := backup.New(store, blobs, reg, sysClock, backup.Config{
			Interval:   time.Duration(cfg.Backup.IntervalMinutes) * time.Minute,
			PathPrefix: cfg.Backup.Prefix,
			PurgeAfter: time.Duration(cfg.Backup.PurgeAfterDays) * 24 * time.Hour,
		}, logger.Named("backup"))
		go runner.Run(ctx)
	}

	if cfg.Refresh.Enabled {
		sched := refresh.New(reg, tabs, refresh.Config{
			Interval: time.Duration(cfg.Refresh.IntervalMinutes) * time.Minute,
			Stagger:  time.Duration(cfg.Refresh.StaggerSeconds) * time.Second,
		}, logger.Named("refresh"))
		go sched.Run(ctx)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	reg.Shutdown(cfg.WorkerTimeout())
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("progress hub close error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func buildStore(ctx context.Context, cfg config.Config) (news.Store, func(), error) {
	switch cfg.Store.Provider {
	case "postgres":
		pg, err := storepg.New(ctx, storepg.Config{
			DSN:      cfg.DB.DSN,
			MaxConns: cfg.DB.MaxConns,
			MinConns: cfg.DB.MinConns,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		return storemem.New(), func() {}, nil
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (news.Publisher, func(), error) {
	if !cfg.PubSub.Enabled {
		return nil, func() {}, nil
	}
	if cfg.PubSub.ProjectID == "local" {
		return pubmem.New(), func() {}, nil
	}
	pub, err := pubps.New(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	return pub, func() { _ = pub.Close() }, nil
}

func buildBlobStore(ctx context.Context, cfg config.Config) (news.BlobStore, error) {
	switch cfg.Backup.Provider {
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		return blobgcs.New(client, blobgcs.Config{Bucket: cfg.Backup.GCSBucket})
	case "local":
		return bloblocal.New(bloblocal.Config{BaseDir: cfg.Backup.BaseDir})
	default:
		return blobmem.NewBlobStore(), nil
	}
}
