package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/CabBox/config"
	dispatchapi "github.com/BearBump/CabBox/internal/api/dispatch_api"
	"github.com/BearBump/CabBox/internal/broker/kafka"
	"github.com/BearBump/CabBox/internal/cache/rediscache"
	"github.com/BearBump/CabBox/internal/services/dispatch"
	"github.com/BearBump/CabBox/internal/services/documents"
	"github.com/BearBump/CabBox/internal/services/drivers"
	"github.com/BearBump/CabBox/internal/storage/pgdispatch"
	"github.com/BearBump/CabBox/internal/storage/s3blob"
)

type cabAPIApp struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   cabAPIOpts
	api    *dispatchapi.DispatchAPI

	producer *kafka.Producer
	closeDB  func()
}

func mustBootstrapCabAPI() *cabAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	httpAddr := cfg.CabBox.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	topic := cfg.Kafka.JobEventsTopicName
	if topic == "" {
		topic = "cab.job-events"
	}
	listTTL := time.Duration(cfg.CabBox.DriversListTTLSeconds) * time.Second
	if listTTL <= 0 {
		listTTL = 3 * time.Second
	}

	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
	st := mustOpenPostgresWithRetry(connString, 60*time.Second)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	producer := kafka.NewProducer(brokers, topic)

	blob, err := s3blob.New(s3blob.Config{
		Endpoint:       cfg.S3.Endpoint,
		Region:         cfg.S3.Region,
		Bucket:         cfg.S3.Bucket,
		AccessKey:      cfg.S3.AccessKey,
		SecretKey:      cfg.S3.SecretKey,
		ForcePathStyle: cfg.S3.ForcePathStyle,
	})
	if err != nil {
		panic(fmt.Sprintf("s3: %v", err))
	}

	log := slog.Default()
	driversSvc := drivers.New(st, rc, listTTL)
	dispatchSvc := dispatch.New(st, st, st, producer, log, dispatch.Options{
		MaxDriverAge: time.Duration(cfg.CabBox.DriverMaxAgeSeconds) * time.Second,
		MaxRadiusKm:  cfg.CabBox.MaxRadiusKm,
		OfferTTL:     time.Duration(cfg.CabBox.OfferTTLSeconds) * time.Second,
	})
	documentsSvc := documents.New(st, blob, log)

	api := dispatchapi.New(driversSvc, dispatchSvc, documentsSvc, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &cabAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: cabAPIOpts{
			httpAddr:    httpAddr,
			swaggerPath: swaggerPath,
		},
		api:      api,
		producer: producer,
		closeDB:  st.Close,
	}
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgdispatch.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgdispatch.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *cabAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.producer != nil {
		_ = a.producer.Close()
	}
	if a.closeDB != nil {
		a.closeDB()
	}
}

func (a *cabAPIApp) Run() error {
	return runCabAPI(a.ctx, a.opts, a.api)
}
