package receiptsync

import (
	"net/http"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/talkbase/receiptsync/fanout"
	"github.com/talkbase/receiptsync/internal"
	"github.com/talkbase/receiptsync/jobs"
	"github.com/talkbase/receiptsync/presence"
	"github.com/talkbase/receiptsync/pubsub"
	"github.com/talkbase/receiptsync/rcache"
	"github.com/talkbase/receiptsync/realtime"
	"github.com/talkbase/receiptsync/receipts"
	"github.com/talkbase/receiptsync/state"
	"github.com/talkbase/receiptsync/state/migrations"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var Version string

type Opts struct {
	PostgresURI   string
	BindAddr      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KafkaBrokers  []string
	EmailTopic    string
	PushTopic     string
	// BaseURL prefixes the deep link carried in push payloads.
	BaseURL     string
	QuietWindow time.Duration
	PresenceTTL time.Duration
	// FanoutWorkers sizes the pool that runs created-event fanout.
	FanoutWorkers    int
	EnablePrometheus bool
	SentryDSN        string
}

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

func allowCORS(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
		if req.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		next.ServeHTTP(w, req)
	}
}

// RunServer is the main entry point. It wires storage, the receipt state
// machine, the fanout dispatcher and the realtime hub, then serves HTTP until
// killed.
func RunServer(opts Opts) {
	if opts.SentryDSN != "" {
		logger.Info().Msg("initialising sentry")
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:     opts.SentryDSN,
			Release: "receiptsync@" + Version,
		}); err != nil {
			logger.Fatal().Err(err).Msg("failed to initialise sentry")
		}
	}

	storage := state.NewStorage(opts.PostgresURI)
	if err := migrations.Up(storage.DB.DB); err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}

	renderCache, err := rcache.NewRenderCache(opts.RedisAddr, opts.RedisPassword, opts.RedisDB, rcache.DefaultTTL)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", opts.RedisAddr).Msg("failed to connect to redis")
	}

	emailQueue := jobs.NewKafkaQueue(opts.KafkaBrokers, opts.EmailTopic, opts.EnablePrometheus)
	pushQueue := jobs.NewKafkaQueue(opts.KafkaBrokers, opts.PushTopic, opts.EnablePrometheus)

	tracker := presence.NewTracker(opts.PresenceTTL)

	ps := pubsub.NewPubSub(64)
	var notifier pubsub.Notifier = ps
	if opts.EnablePrometheus {
		notifier = pubsub.NewPromNotifier(ps, "realtime")
	}

	if opts.FanoutWorkers <= 0 {
		opts.FanoutWorkers = 16
	}
	workers := internal.NewWorkerPool(opts.FanoutWorkers)
	workers.Start()

	dispatcher := fanout.NewDispatcher(fanout.Config{
		Realtime:         notifier,
		Email:            emailQueue,
		Push:             pushQueue,
		Presence:         tracker,
		Prefs:            storage.Prefs,
		Activity:         storage.Messages,
		Renderer:         renderCache,
		Policy:           fanout.NewPolicy(opts.QuietWindow),
		BaseURL:          opts.BaseURL,
		Workers:          workers,
		EnablePrometheus: opts.EnablePrometheus,
	})

	machine := receipts.NewMachine(storage.Receipts, storage.Messages, dispatcher, renderCache)

	hub := realtime.NewHub(realtime.QueryAuth, tracker, opts.EnablePrometheus)
	sub := pubsub.NewRealtimeSub(ps, hub)
	go func() {
		if err := sub.Listen(); err != nil {
			logger.Err(err).Msg("realtime subscription closed")
		}
	}()

	r := mux.NewRouter()
	r.Handle("/live", hub)
	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(200)
	})
	if opts.EnablePrometheus {
		r.Handle("/metrics", promhttp.Handler())
	}
	registerAPIRoutes(r, NewHandler(machine, storage.Prefs))

	srv := &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				if r.URL.Path == "/health" {
					return
				}
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", r.URL.Path).
					Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
		},
		final: r,
	}

	var handler http.Handler = srv
	if opts.SentryDSN != "" {
		sentryHandler := sentryhttp.New(sentryhttp.Options{
			Repanic: true,
		})
		handler = sentryHandler.Handle(srv)
	}

	// Block forever
	logger.Info().Msgf("listening on %s", opts.BindAddr)
	if err := http.ListenAndServe(opts.BindAddr, handler); err != nil {
		sentry.CaptureException(err)
		logger.Fatal().Err(err).Msg("failed to listen and serve")
	}
}
