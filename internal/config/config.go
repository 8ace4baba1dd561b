package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type DispatcherConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// DB pool
	DBPoolMaxConns          int32         `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32         `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME"`
	DBPoolMaxConnIdleTime   time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME"`
	DBPoolHealthCheckPeriod time.Duration `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	SendTasksQueueURL  string `envconfig:"SEND_TASKS_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`

	// Simulated sends feed the receipt path in-process, so the dispatcher
	// also enqueues callback tasks.
	CallbackTasksQueueURL string `envconfig:"CALLBACK_TASKS_QUEUE_URL" required:"true"`

	// Redis (circuit breaker read cache). Empty runs uncached.
	RedisURL string `envconfig:"REDIS_URL"`

	SQSWaitTime   int32 `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs    int32 `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout int32 `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`

	WorkerConcurrency int `envconfig:"WORKER_CONCURRENCY" default:"20"`

	// Status polling sweeps in-flight notifications whose delivery receipt
	// never arrived, for providers that support asking.
	StatusPollInterval time.Duration `envconfig:"STATUS_POLL_INTERVAL" default:"1m"`
	StatusPollMinAge   time.Duration `envconfig:"STATUS_POLL_MIN_AGE" default:"10m"`
	StatusPollBatch    int           `envconfig:"STATUS_POLL_BATCH" default:"100"`

	// Base URL advertised to providers for delivery receipts, e.g.
	// https://notify.example.com. Empty disables receipt callbacks.
	ReceiptsBaseURL string `envconfig:"RECEIPTS_BASE_URL"`

	// Local phone-number prefix used to flag international recipients.
	LocalPhonePrefix string `envconfig:"LOCAL_PHONE_PREFIX" default:"+61"`

	// Per-pod rate limit across all provider sends.
	ProviderRPSPerPod float64 `envconfig:"PROVIDER_RPS_PER_POD" default:"5"`
	ProviderBurst     int     `envconfig:"PROVIDER_BURST" default:"10"`

	// Twilio
	TwilioAccountSID string `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber string `envconfig:"TWILIO_FROM_NUMBER"`
	TwilioBaseURL    string `envconfig:"TWILIO_BASE_URL" default:"https://api.twilio.com"`

	// Telstra
	TelstraClientID     string `envconfig:"TELSTRA_CLIENT_ID"`
	TelstraClientSecret string `envconfig:"TELSTRA_CLIENT_SECRET"`
	TelstraBaseURL      string `envconfig:"TELSTRA_BASE_URL" default:"https://tapi.telstra.com"`

	// SAP Live Link
	SAPClientID     string `envconfig:"SAP_CLIENT_ID"`
	SAPClientSecret string `envconfig:"SAP_CLIENT_SECRET"`
	SAPBaseURL      string `envconfig:"SAP_BASE_URL" default:"https://livelink.sapmobileservices.com"`

	// Email
	EmailFromDomain string `envconfig:"EMAIL_FROM_DOMAIN" default:"notify.example.com"`
	EmailFromName   string `envconfig:"EMAIL_FROM_NAME" default:"Notify"`
	SMTPHost        string `envconfig:"SMTP_HOST"`
	SMTPPort        string `envconfig:"SMTP_PORT" default:"465"`
	SMTPUser        string `envconfig:"SMTP_USER"`
	SMTPPassword    string `envconfig:"SMTP_PASSWORD"`
}

type ReceiptsConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	DBPoolMaxConns          int32         `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32         `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME"`
	DBPoolMaxConnIdleTime   time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME"`
	DBPoolHealthCheckPeriod time.Duration `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD"`

	// AWS / SQS
	AWSRegion             string `envconfig:"AWS_REGION" required:"true"`
	CallbackTasksQueueURL string `envconfig:"CALLBACK_TASKS_QUEUE_URL" required:"true"`
	LocalstackEndpoint    string `envconfig:"LOCALSTACK_ENDPOINT"`

	// Redis (circuit breaker read cache)
	RedisURL string `envconfig:"REDIS_URL" required:"true"`

	// Twilio webhook signature verification. PublicBaseURL must match the
	// exact URL Twilio was configured with.
	TwilioAuthToken string `envconfig:"TWILIO_AUTH_TOKEN"`
	PublicBaseURL   string `envconfig:"PUBLIC_BASE_URL" required:"true"`
}

type CallbackSenderConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	DBPoolMaxConns          int32         `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32         `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME"`
	DBPoolMaxConnIdleTime   time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME"`
	DBPoolHealthCheckPeriod time.Duration `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD"`

	// AWS / SQS
	AWSRegion             string `envconfig:"AWS_REGION" required:"true"`
	CallbackTasksQueueURL string `envconfig:"CALLBACK_TASKS_QUEUE_URL" required:"true"`
	LocalstackEndpoint    string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime           int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs            int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout         int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`

	SenderConcurrency int `envconfig:"SENDER_CONCURRENCY" default:"20"`

	// Redis (circuit breaker read cache)
	RedisURL string `envconfig:"REDIS_URL" required:"true"`

	CallbackTimeoutSeconds int `envconfig:"CALLBACK_TIMEOUT_SECONDS" default:"10"`
	CallbackMaxAttempts    int `envconfig:"CALLBACK_MAX_ATTEMPTS" default:"5"`
}

func LoadDispatcher() DispatcherConfig {
	var cfg DispatcherConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadReceipts() ReceiptsConfig {
	var cfg ReceiptsConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadCallbackSender() CallbackSenderConfig {
	var cfg CallbackSenderConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
