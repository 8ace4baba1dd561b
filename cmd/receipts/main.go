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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"notifyd/internal/awsutil"
	"notifyd/internal/callback"
	"notifyd/internal/config"
	"notifyd/internal/httpserver"
	"notifyd/internal/logging"
	"notifyd/internal/observability"
	"notifyd/internal/provider/sap"
	"notifyd/internal/provider/ses"
	"notifyd/internal/provider/telstra"
	"notifyd/internal/provider/twilio"
	sqsqueue "notifyd/internal/queue/sqs"
	"notifyd/internal/receipt"
	"notifyd/internal/store/pg"
)

func main() {
	cfg := config.LoadReceipts()
	logging.Init("receipts", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
	})
	if err != nil {
		slog.Error("receipts db connect failed", "err", err)
		os.Exit(1)
	}
	store := pg.New(db)

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("receipts sqs client init failed", "err", err)
		os.Exit(1)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("bad redis url", "err", err)
		os.Exit(1)
	}
	checker := callback.NewCachedBreaker(redis.NewClient(redisOpts), callback.NewBreaker(store))

	observability.Register(prometheus.DefaultRegisterer)

	producer := &sqsqueue.CallbackTaskProducer{
		SQS:      sqsClient,
		QueueURL: cfg.CallbackTasksQueueURL,
	}

	// Receipt parsing needs only the wire formats, not provider creds.
	processor := receipt.NewProcessor(store, producer, checker)
	processor.RegisterProvider("twilio", &twilio.Client{}, twilio.StatusMap())
	processor.RegisterProvider("telstra", &telstra.Client{}, telstra.StatusMap())
	processor.RegisterProvider("sap", &sap.Client{}, sap.StatusMap())
	processor.RegisterProvider("ses", &ses.Client{}, ses.StatusMap())

	s := httpserver.New()
	receipts := &httpserver.Receipts{
		Processor:       processor,
		VerifySignature: twilio.VerifySignature,
		TwilioAuthToken: cfg.TwilioAuthToken,
		PublicBaseURL:   cfg.PublicBaseURL,
	}
	receipts.Register(s.Mux)
	s.Mux.HandleFunc("/healthz", httpserver.Healthz())
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, func(ctx context.Context) error {
		return db.Ping(ctx)
	}))

	handler := httpserver.Logging(httpserver.Metrics(observability.HTTPRequests)(s.Mux))
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: handler}

	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}
	go func() {
		slog.Info("receipts metrics listening", "port", cfg.MetricsPort)
		_ = metricsSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("receipts shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	slog.Info("receipts listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("receipts server failed", "err", err)
		os.Exit(1)
	}
	db.Close()
}
