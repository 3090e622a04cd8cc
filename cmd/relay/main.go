package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	relaykafka "github.com/shopfront/relay/emitter/kafka"
	"github.com/shopfront/relay/emitter/kafkago"
	relayredis "github.com/shopfront/relay/emitter/redis"
	"github.com/shopfront/relay/internal/config"
	relayzerolog "github.com/shopfront/relay/logger/zerolog"
	relayprom "github.com/shopfront/relay/metrics/prometheus"
	"github.com/shopfront/relay/outbox"
	"github.com/shopfront/relay/repository/pgxv5"
)

type ctxKey string

const txKey ctxKey = "outboxTx"

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	cfg, err := config.New(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := relayzerolog.New(os.Stdout, cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("relay stopped", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger outbox.Logger) error {
	pool, err := GetDatabasePool(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	e, closeEmitter, err := GetEmitter(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeEmitter()

	store, err := outbox.New(pgxv5.New(txKey, pool), outbox.NewRegistry(),
		outbox.WithLogger(logger),
		outbox.WithRetryPolicy(cfg.RetryPolicy()),
	)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	counters := relayprom.NewCounters(reg)

	dispatcher, err := outbox.NewDispatcher(store, e, cfg.Settings(),
		outbox.WithOnSuccessCounter(counters.Delivered),
		outbox.WithOnErrorCounter(counters.Failed),
		outbox.WithOnDeadLetterCounter(counters.DeadLettered),
	)
	if err != nil {
		return err
	}
	cleaner, err := outbox.NewCleaner(store, cfg.Settings(), outbox.WithOnDeletedCounter(counters.Deleted))
	if err != nil {
		return err
	}

	metricsServer := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info(fmt.Sprintf("metrics listening on %s", cfg.Metrics.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", err)
		}
	}()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	for _, r := range []interface{ Run(context.Context) error }{dispatcher, cleaner} {
		wg.Add(1)
		go func(r interface{ Run(context.Context) error }) {
			defer wg.Done()
			if err := r.Run(ctx); err != nil {
				errCh <- err
			}
		}(r)
	}
	wg.Wait()
	close(errCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	return <-errCh
}

func GetDatabasePool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database url: %w", err)
	}
	db, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return db, nil
}

// GetEmitter builds the emitter selected in cfg and the function that
// releases it.
func GetEmitter(ctx context.Context, cfg *config.Config) (outbox.Emitter, func(), error) {
	switch cfg.Emitter.Kind {
	case config.EmitterKafka:
		p, err := kafka.NewProducer(&kafka.ConfigMap{
			"bootstrap.servers":  cfg.Kafka.BootstrapServers(),
			"linger.ms":          500,
			"batch.size":         100 * 1024,
			"compression.type":   "lz4",
			"acks":               -1,
			"enable.idempotence": true,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("unable to create kafka producer: %w", err)
		}
		closeFn := func() {
			p.Flush(5000)
			p.Close()
		}
		return relaykafka.New(p, relaykafka.WithTopicPrefix(cfg.Kafka.TopicPrefix)), closeFn, nil
	case config.EmitterKafkaGo:
		w := kafkago.NewWriter(cfg.Kafka.Brokers...)
		closeFn := func() { _ = w.Close() }
		return kafkago.New(w, kafkago.WithTopicPrefix(cfg.Kafka.TopicPrefix)), closeFn, nil
	case config.EmitterRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		closeFn := func() { _ = client.Close() }
		return relayredis.New(client,
			relayredis.WithStreamPrefix(cfg.Redis.StreamPrefix),
			relayredis.WithMaxLen(cfg.Redis.MaxLen),
		), closeFn, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", config.ErrUnknownEmitter, cfg.Emitter.Kind)
	}
}
