package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"notifyd/internal/awsutil"
	"notifyd/internal/callback"
	"notifyd/internal/config"
	"notifyd/internal/httpserver"
	"notifyd/internal/logging"
	"notifyd/internal/observability"
	sqsqueue "notifyd/internal/queue/sqs"
	"notifyd/internal/store/pg"
)

func main() {
	cfg := config.LoadCallbackSender()
	logging.Init("callback-sender", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
	})
	if err != nil {
		slog.Error("callback-sender db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	store := pg.New(db)

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("callback-sender sqs client init failed", "err", err)
		os.Exit(1)
	}

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()
	if err := db.Ping(startupCtx); err != nil {
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}
	if _, err := sqsClient.GetQueueAttributes(startupCtx, &sqs.GetQueueAttributesInput{
		QueueUrl:       &cfg.CallbackTasksQueueURL,
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	}); err != nil {
		slog.Error("sqs not reachable", "err", err)
		os.Exit(1)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("bad redis url", "err", err)
		os.Exit(1)
	}
	checker := callback.NewCachedBreaker(redis.NewClient(redisOpts), callback.NewBreaker(store))

	observability.Register(prometheus.DefaultRegisterer)

	forwarder := callback.NewForwarder(store, checker, time.Duration(cfg.CallbackTimeoutSeconds)*time.Second)

	health := httpserver.New()
	health.Mux.HandleFunc("/healthz", httpserver.Healthz())
	health.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
	))
	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: httpserver.Logging(health.Mux)}
	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("callback-sender health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}
	go func() {
		slog.Info("callback-sender metrics listening", "port", cfg.MetricsPort)
		_ = metricsSrv.ListenAndServe()
	}()

	consumer := &sqsqueue.CallbackTaskConsumer{
		SQS:      sqsClient,
		QueueURL: cfg.CallbackTasksQueueURL,
		Options: sqsqueue.Options{
			WaitTimeSeconds:   cfg.SQSWaitTime,
			MaxMessages:       cfg.SQSMaxMsgs,
			VisibilityTimeout: cfg.SQSVizTimeout,
		},
		MaxAttempts: cfg.CallbackMaxAttempts,
	}

	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("callback-sender starting poll", "queue_url", cfg.CallbackTasksQueueURL)
		pollErrCh <- consumer.PollConcurrent(ctx, cfg.SenderConcurrency, forwarder.Forward)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && err != context.Canceled {
			slog.Error("callback-sender poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("callback-sender health server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("callback-sender shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("callback-sender shutdown timeout waiting for poll loop")
	}
}
