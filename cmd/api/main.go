package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mailrelay/internal/awsutil"
	"mailrelay/internal/config"
	"mailrelay/internal/dispatch"
	"mailrelay/internal/httpserver"
	"mailrelay/internal/logging"
	"mailrelay/internal/observability"
	sqsqueue "mailrelay/internal/queue/sqs"
	"mailrelay/internal/store/pg"
	"mailrelay/internal/util"
)

func main() {
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{})
	if err != nil {
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("api sqs client init failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	dbStore := pg.New(db)
	producer := &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.SQSQueueURL}

	coordinator := &dispatch.Coordinator{
		Tx:      dbStore,
		Records: dbStore,
		Queue:   producer,
		Recorder: &dispatch.Recorder{
			IDGen: util.NewRecordID,
			Now:   util.NowUTC,
		},
		Settings: dispatch.Settings{
			DefaultSiteID:  cfg.DefaultSiteID,
			ResendInterval: cfg.ResendInterval,
		},
	}

	s := httpserver.New()
	api := &httpserver.API{
		Dispatcher: coordinator,
		Records:    dbStore,
		Backends:   dbStore,
	}
	api.Register(s.Mux)

	s.Mux.HandleFunc("/healthz", httpserver.Healthz())
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, func(ctx context.Context) error {
		return db.Ping(ctx)
	}))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpserver.Logging(s.Mux),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("api shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}

	db.Close()
}
