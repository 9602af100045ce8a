package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/CabBox/config"
	"github.com/BearBump/CabBox/internal/broker/kafka"
	"github.com/BearBump/CabBox/internal/cache/rediscache"
	"github.com/BearBump/CabBox/internal/notify"
	"github.com/BearBump/CabBox/internal/notify/expopush"
	notifyfake "github.com/BearBump/CabBox/internal/notify/fake"
	"github.com/BearBump/CabBox/internal/services/dispatch"
	"github.com/BearBump/CabBox/internal/services/notifier"
	"github.com/BearBump/CabBox/internal/services/sweeper"
	"github.com/BearBump/CabBox/internal/storage/pgdispatch"
)

// workerStorage — всё, что воркеру нужно от pg: репозитории диспетчеризации
// для свипера и токены водителей для пушей.
type workerStorage interface {
	dispatch.JobsRepository
	dispatch.DriversRepository
	dispatch.DeclinesRepository
	notifier.DriversRepository
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

type workerFactories struct {
	newStorage     func(cfg *config.Config) (st workerStorage, closeFn func(), err error)
	newProducer    func(cfg *config.Config) dispatch.Producer
	newConsumer    func(cfg *config.Config, topic string) (kafkaConsumer, func())
	newRateLimiter func(cfg *config.Config) notifier.RateLimiter
	newPushClient  func(cfg *config.Config) notify.Client
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (workerStorage, func(), error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := pgdispatch.New(connString)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) dispatch.Producer {
			topic := cfg.Kafka.JobEventsTopicName
			if topic == "" {
				topic = "cab.job-events"
			}
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers, topic)
		},
		newConsumer: func(cfg *config.Config, topic string) (kafkaConsumer, func()) {
			group := cfg.CabBox.KafkaConsumerGroup
			if group == "" {
				group = "cab-worker"
			}
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			c := kafka.NewConsumer(brokers, topic, group)
			return c, func() { _ = c.Close() }
		},
		newRateLimiter: func(cfg *config.Config) notifier.RateLimiter {
			redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			return rediscache.NewRateLimiter(redisAddr)
		},
		newPushClient: func(cfg *config.Config) notify.Client {
			// Без настроенного Expo шлём в локальный fake: удобно для
			// docker compose без внешней сети.
			if cfg.CabBox.ExpoPushURL != "" {
				return expopush.New(cfg.CabBox.ExpoPushURL)
			}
			return notifyfake.New()
		},
	}
}

func RunCabWorker(ctx context.Context, cfg *config.Config, f workerFactories) error {
	topic := cfg.Kafka.JobEventsTopicName
	if topic == "" {
		topic = "cab.job-events"
	}

	sweepInterval := time.Duration(cfg.CabBox.SweepIntervalSeconds) * time.Second
	if sweepInterval <= 0 {
		sweepInterval = 2 * time.Second
	}
	batchSize := cfg.CabBox.SweepBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	pushPerMin := int64(cfg.CabBox.PushRateLimitPerMinute)
	if pushPerMin <= 0 {
		pushPerMin = 30
	}

	st, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	producer := f.newProducer(cfg)
	rl := f.newRateLimiter(cfg)
	push := f.newPushClient(cfg)
	consumer, closeConsumer := f.newConsumer(cfg, topic)
	if closeConsumer != nil {
		defer closeConsumer()
	}

	log := slog.Default()

	dispatchSvc := dispatch.New(st, st, st, producer, log, dispatch.Options{
		MaxDriverAge: time.Duration(cfg.CabBox.DriverMaxAgeSeconds) * time.Second,
		MaxRadiusKm:  cfg.CabBox.MaxRadiusKm,
		OfferTTL:     time.Duration(cfg.CabBox.OfferTTLSeconds) * time.Second,
	})
	sw := sweeper.New(dispatchSvc).WithSettings(sweepInterval, batchSize)
	nt := notifier.New(st, push, rl, pushPerMin, log)

	sweepErr := make(chan error, 1)
	go func() {
		sweepErr <- sw.Run(ctx)
	}()

	go func() {
		log.Info("kafka consumer started", "topic", topic)
		for {
			err := consumer.Consume(ctx, func(_key, value []byte) error {
				return nt.HandleMessage(ctx, value)
			})
			if ctx.Err() != nil {
				return
			}
			log.Error("kafka consume", "err", err)
			time.Sleep(time.Second)
		}
	}()

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr: cfg.CabBox.WorkerHTTPAddr,
			sweeper:  sw,
			cfg:      cfg,
		})
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-sweepErr:
		return err
	case err := <-httpErr:
		return err
	}
}
