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
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"notifyd/internal/awsutil"
	"notifyd/internal/callback"
	"notifyd/internal/config"
	"notifyd/internal/dispatch"
	"notifyd/internal/httpserver"
	"notifyd/internal/logging"
	"notifyd/internal/observability"
	"notifyd/internal/provider"
	"notifyd/internal/provider/sap"
	"notifyd/internal/provider/ses"
	"notifyd/internal/provider/smtpmail"
	"notifyd/internal/provider/telstra"
	"notifyd/internal/provider/twilio"
	sqsqueue "notifyd/internal/queue/sqs"
	"notifyd/internal/receipt"
	"notifyd/internal/store/pg"
)

func main() {
	cfg := config.LoadDispatcher()
	logging.Init("dispatcher", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
	})
	if err != nil {
		slog.Error("dispatcher db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	store := pg.New(db)

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("dispatcher sqs client init failed", "err", err)
		os.Exit(1)
	}
	sesClient, err := awsutil.NewSESClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("dispatcher ses client init failed", "err", err)
		os.Exit(1)
	}

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()
	if err := db.Ping(startupCtx); err != nil {
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}
	if _, err := sqsClient.GetQueueAttributes(startupCtx, &sqs.GetQueueAttributesInput{
		QueueUrl:       &cfg.SendTasksQueueURL,
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	}); err != nil {
		slog.Error("sqs not reachable", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	registry := provider.NewRegistry(store)
	httpClient := &http.Client{Timeout: 30 * time.Second}

	if cfg.TwilioAccountSID != "" {
		registry.Register(&twilio.Client{
			AccountSID:      cfg.TwilioAccountSID,
			AuthToken:       cfg.TwilioAuthToken,
			HTTP:            httpClient,
			FromNumber:      cfg.TwilioFromNumber,
			BaseURL:         cfg.TwilioBaseURL,
			ReceiptsBaseURL: cfg.ReceiptsBaseURL,
		})
	}
	if cfg.TelstraClientID != "" {
		registry.Register(&telstra.Client{
			ClientID:        cfg.TelstraClientID,
			ClientSecret:    cfg.TelstraClientSecret,
			HTTP:            httpClient,
			BaseURL:         cfg.TelstraBaseURL,
			ReceiptsBaseURL: cfg.ReceiptsBaseURL,
		})
	}
	if cfg.SAPClientID != "" {
		registry.Register(&sap.Client{
			ClientID:        cfg.SAPClientID,
			ClientSecret:    cfg.SAPClientSecret,
			HTTP:            httpClient,
			BaseURL:         cfg.SAPBaseURL,
			ReceiptsBaseURL: cfg.ReceiptsBaseURL,
		})
	}
	registry.Register(&ses.Client{
		SES:        sesClient,
		FromDomain: cfg.EmailFromDomain,
		FromName:   cfg.EmailFromName,
	})
	if cfg.SMTPHost != "" {
		registry.Register(&smtpmail.Client{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
		})
	}

	// Simulated sends run the real ingestion path in-process, including
	// callback enqueueing, so the dispatcher carries the breaker too.
	var checker callback.FailingChecker = callback.NewBreaker(store)
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("bad redis url", "err", err)
			os.Exit(1)
		}
		checker = callback.NewCachedBreaker(redis.NewClient(redisOpts), checker)
	}

	callbackProducer := &sqsqueue.CallbackTaskProducer{
		SQS:      sqsClient,
		QueueURL: cfg.CallbackTasksQueueURL,
	}
	processor := receipt.NewProcessor(store, callbackProducer, checker)
	poller := receipt.NewPoller(store, processor)
	poller.Interval = cfg.StatusPollInterval
	poller.MinAge = cfg.StatusPollMinAge
	poller.BatchSize = cfg.StatusPollBatch
	for _, id := range []string{"twilio", "telstra", "sap", "ses"} {
		c, ok := registry.Client(id)
		if !ok {
			continue
		}
		if parser, ok := c.(provider.ReceiptParser); ok {
			processor.RegisterProvider(id, parser, statusMapFor(id))
		}
		if sp, ok := c.(provider.StatusPoller); ok {
			poller.RegisterProvider(id, sp)
		}
	}
	if poller.Registered() {
		go func() {
			slog.Info("status poller running",
				"interval", cfg.StatusPollInterval, "min_age", cfg.StatusPollMinAge)
			_ = poller.Run(ctx)
		}()
	}

	dispatcher := dispatch.NewDispatcher(store, registry, dispatch.NewSimulator(processor))
	dispatcher.Limiter = rate.NewLimiter(rate.Limit(cfg.ProviderRPSPerPod), cfg.ProviderBurst)
	dispatcher.LocalPhonePrefix = cfg.LocalPhonePrefix
	dispatcher.Breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "provider-send",
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
	})

	// health server
	health := httpserver.New()
	health.Mux.HandleFunc("/healthz", httpserver.Healthz())
	health.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
		func(c context.Context) error {
			_, err := sqsClient.GetQueueAttributes(c, &sqs.GetQueueAttributesInput{
				QueueUrl:       &cfg.SendTasksQueueURL,
				AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
			})
			return err
		},
	))
	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: httpserver.Logging(health.Mux)}
	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("dispatcher health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}
	go func() {
		slog.Info("dispatcher metrics listening", "port", cfg.MetricsPort)
		_ = metricsSrv.ListenAndServe()
	}()

	consumer := &sqsqueue.SendTaskConsumer{
		SQS:      sqsClient,
		QueueURL: cfg.SendTasksQueueURL,
		Options: sqsqueue.Options{
			WaitTimeSeconds:   cfg.SQSWaitTime,
			MaxMessages:       cfg.SQSMaxMsgs,
			VisibilityTimeout: cfg.SQSVizTimeout,
		},
	}

	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("dispatcher starting poll", "queue_url", cfg.SendTasksQueueURL)
		pollErrCh <- consumer.PollConcurrent(ctx, cfg.WorkerConcurrency, func(ctx context.Context, task sqsqueue.SendTask) error {
			start := time.Now()
			err := dispatcher.Dispatch(ctx, task.NotificationID)
			slog.Info("dispatch task finish",
				"notification_id", task.NotificationID,
				"duration", time.Since(start),
				"err", err,
			)
			return err
		})
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && err != context.Canceled {
			slog.Error("dispatcher poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("dispatcher health server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("dispatcher shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("dispatcher shutdown timeout waiting for poll loop")
	}
}

func statusMapFor(id string) provider.StatusMap {
	switch id {
	case "twilio":
		return twilio.StatusMap()
	case "telstra":
		return telstra.StatusMap()
	case "sap":
		return sap.StatusMap()
	case "ses":
		return ses.StatusMap()
	}
	return nil
}
