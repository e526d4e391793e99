package main

import (
	"flag"
	"os"
	"strings"

	receiptsync "github.com/talkbase/receiptsync"
)

// Flags take their defaults from RECEIPTSYNC_* environment variables so the
// binary configures cleanly both from a shell and from a container manifest.
func defaultString(envVar, fallback string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return fallback
}

var (
	flagBindAddr = flag.String("port", defaultString("RECEIPTSYNC_BINDADDR", ":8008"), "Bind address")
	flagPostgres = flag.String("db", defaultString("RECEIPTSYNC_DB", "user=postgres dbname=receiptsync sslmode=disable"), "Postgres DB connection string (see lib/pq docs)")
	flagRedis    = flag.String("redis", defaultString("RECEIPTSYNC_REDIS", "localhost:6379"), "Redis address for the render cache")
	flagRedisPwd = flag.String("redis-password", defaultString("RECEIPTSYNC_REDIS_PASSWORD", ""), "Redis password")
	flagKafka    = flag.String("kafka", defaultString("RECEIPTSYNC_KAFKA", "localhost:9092"), "Comma-separated Kafka broker addresses")
	flagEmail    = flag.String("email-topic", defaultString("RECEIPTSYNC_EMAIL_TOPIC", "receiptsync.email"), "Kafka topic for email notification jobs")
	flagPush     = flag.String("push-topic", defaultString("RECEIPTSYNC_PUSH_TOPIC", "receiptsync.push"), "Kafka topic for push notification jobs")
	flagBaseURL  = flag.String("base-url", defaultString("RECEIPTSYNC_BASE_URL", ""), "Public base URL used in notification deep links, e.g https://example.com")
	flagQuiet    = flag.Duration("quiet-window", 0, "Suppress email for recipients active in a conversation within this window (0 = default)")
	flagWorkers  = flag.Int("fanout-workers", 16, "Number of fanout workers")
	flagProm     = flag.Bool("prom", os.Getenv("RECEIPTSYNC_PROM") != "", "Expose prometheus metrics on /metrics")
)

func main() {
	flag.Parse()
	if *flagBaseURL == "" {
		flag.Usage()
		os.Exit(1)
	}
	receiptsync.RunServer(receiptsync.Opts{
		PostgresURI:      *flagPostgres,
		BindAddr:         *flagBindAddr,
		RedisAddr:        *flagRedis,
		RedisPassword:    *flagRedisPwd,
		KafkaBrokers:     strings.Split(*flagKafka, ","),
		EmailTopic:       *flagEmail,
		PushTopic:        *flagPush,
		BaseURL:          *flagBaseURL,
		QuietWindow:      *flagQuiet,
		FanoutWorkers:    *flagWorkers,
		EnablePrometheus: *flagProm,
		SentryDSN:        os.Getenv("RECEIPTSYNC_SENTRY_DSN"),
	})
}
