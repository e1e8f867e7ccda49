// sentinel-api is the telemetry anomaly evaluation service: it windows
// incoming channel series, scores them against an external reconstruction
// model, classifies confirmed anomalies, and commits them to a hash-chained
// forensic ledger.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"apexsentinel/pkg/anomaly"
	"apexsentinel/pkg/auth"
	"apexsentinel/pkg/cache"
	"apexsentinel/pkg/config"
	"apexsentinel/pkg/evidence"
	"apexsentinel/pkg/ledger"
	otelobs "apexsentinel/pkg/observability/otel"
	"apexsentinel/pkg/pipeline"
	"apexsentinel/pkg/publish"
	"apexsentinel/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", config.Get("SENTINEL_CONFIG", ""), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[sentinel-api] config: %v", err)
	}

	schema, err := telemetry.NewSchema(cfg.Channels)
	if err != nil {
		log.Fatalf("[sentinel-api] schema: %v", err)
	}

	scaler := anomaly.IdentityScaler(schema)
	if cfg.ScalerPath != "" {
		if scaler, err = anomaly.LoadScaler(cfg.ScalerPath, schema); err != nil {
			log.Fatalf("[sentinel-api] scaler: %v", err)
		}
		log.Printf("[sentinel-api] loaded scaler params from %s", cfg.ScalerPath)
	}

	if cfg.ScorerURL == "" {
		log.Fatalf("[sentinel-api] SENTINEL_SCORER_URL is required")
	}
	scorer := anomaly.NewHTTPScorer(cfg.ScorerURL, cfg.ScorerTimeout)

	var store ledger.Store
	switch cfg.LedgerDriver {
	case "postgres":
		pg, err := ledger.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("[sentinel-api] postgres ledger: %v", err)
		}
		defer pg.Close()
		store = pg
	case "file", "":
		fs, err := ledger.NewFileStore(cfg.LedgerPath)
		if err != nil {
			log.Fatalf("[sentinel-api] file ledger: %v", err)
		}
		store = fs
	default:
		log.Fatalf("[sentinel-api] unknown ledger driver %q", cfg.LedgerDriver)
	}
	chain, err := ledger.NewChain(store, cfg.HashAlg)
	if err != nil {
		log.Fatalf("[sentinel-api] ledger chain: %v", err)
	}
	log.Printf("[sentinel-api] ledger driver=%s hash=%s", cfg.LedgerDriver, chain.HashAlg())

	var opts []pipeline.Option
	if cfg.EvidenceDir != "" {
		renderer, err := evidence.NewRenderer(cfg.EvidenceDir)
		if err != nil {
			log.Fatalf("[sentinel-api] evidence renderer: %v", err)
		}
		opts = append(opts, pipeline.WithRenderer(renderer))
	}
	if cfg.RedisAddr != "" {
		sc := cache.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.CacheTTL)
		defer sc.Close()
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := sc.Ping(pingCtx); err != nil {
			log.Printf("[sentinel-api] redis unreachable, caching degrades to misses: %v", err)
		}
		cancel()
		opts = append(opts, pipeline.WithCache(sc, cache.Key))
	}
	if len(cfg.KafkaBrokers) > 0 {
		pub, err := publish.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			log.Fatalf("[sentinel-api] kafka publisher: %v", err)
		}
		defer pub.Close()
		opts = append(opts, pipeline.WithPublisher(pub))
	}

	evaluator, err := pipeline.New(pipeline.Config{
		Schema:        schema,
		WindowSize:    cfg.WindowSize,
		Threshold:     cfg.Threshold,
		TopK:          cfg.TopK,
		ScorerTimeout: cfg.ScorerTimeout,
	}, scaler, scorer, chain, opts...)
	if err != nil {
		log.Fatalf("[sentinel-api] pipeline: %v", err)
	}

	shutdownTracer := otelobs.InitTracer("sentinel-api")

	api := &apiServer{evaluator: evaluator, chain: chain, scorerURL: cfg.ScorerURL}
	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(func(next http.Handler) http.Handler {
		return auth.Middleware(cfg.JWTSecret, next)
	})
	api.routes(v1)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", api.handleHealth).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           otelobs.WrapHTTPHandler("sentinel-api", r),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("[sentinel-api] listening on :%d (window=%d threshold=%g topK=%d)",
			cfg.Port, cfg.WindowSize, cfg.Threshold, cfg.TopK)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[sentinel-api] server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("[sentinel-api] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[sentinel-api] shutdown: %v", err)
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Printf("[sentinel-api] tracer shutdown: %v", err)
	}
}
