package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/stock-reservation/internal/adapter/handler"
	"github.com/rl1809/stock-reservation/internal/adapter/lookup"
	"github.com/rl1809/stock-reservation/internal/adapter/messaging"
	"github.com/rl1809/stock-reservation/internal/adapter/storage"
	"github.com/rl1809/stock-reservation/internal/config"
	"github.com/rl1809/stock-reservation/internal/core/service"
	"github.com/rl1809/stock-reservation/internal/platform/observability"
	"github.com/rl1809/stock-reservation/internal/port"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	shutdownTelemetry, err := observability.SetupSDK(ctx, observability.TelemetryConfig{
		ServiceName:    config.ServiceName,
		ServiceVersion: config.ServiceVersion,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			log.Printf("telemetry shutdown: %v", err)
		}
	}()

	logger, err := observability.NewLogger(config.ServiceName, cfg.Telemetry.LogLevel, cfg.Telemetry.OTLPEndpoint != "")
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		return fmt.Errorf("open mysql: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MySQL.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping mysql: %w", err)
	}
	logger.Info("connected to mysql")

	if cfg.MySQL.AutoMigrate {
		if err := storage.EnsureSchema(ctx, db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info("schema ensured")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("connected to redis")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewDBStatsCollector(db, "wms"),
	)
	metrics := observability.NewMetrics(registry)

	channel, err := newChannel(cfg, rdb, logger)
	if err != nil {
		return err
	}
	defer channel.Close()

	mysqlAdapter := storage.NewMySQLAdapter(db)
	orders := lookup.NewOrderClient(cfg.Lookup.OrderBaseURL, cfg.Lookup.Timeout)
	products := lookup.NewProductClient(cfg.Lookup.ProductBaseURL, cfg.Lookup.Timeout)

	reservations := service.NewReservationService(mysqlAdapter, logger, metrics)
	releases := service.NewReleaseService(mysqlAdapter, orders, cfg.Lookup.Timeout, logger, metrics)
	stock := service.NewStockService(mysqlAdapter, products, cfg.Lookup.Timeout, logger, metrics)
	relay := service.NewOutboxRelay(mysqlAdapter, channel.publisher, cfg.Outbox.PollInterval, cfg.Outbox.BatchSize, logger, metrics)
	events := handler.NewEventHandler(releases, releases, logger)

	httpHandler := handler.NewHTTPHandler(reservations, releases, stock, logger)
	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{
		Addr:              cfg.Service.HTTPAddr,
		Handler:           httpHandler.Router(config.ServiceName, registry),
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer := grpc.NewServer()
	grpcHealth := handler.NewGRPCHealth(config.ServiceName, 10*time.Second, logger,
		handler.DependencyCheck{Name: "mysql", Ping: db.PingContext},
		handler.DependencyCheck{Name: "redis", Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
	)
	grpcHealth.Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.Service.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return relay.Run(gctx) })

	for _, sub := range channel.stockLocked {
		sub := sub
		g.Go(func() error {
			return sub.Subscribe(gctx, messaging.Delayed(cfg.Channel.DeliveryDelay, events.StockLocked))
		})
	}
	g.Go(func() error { return channel.orderRelease.Subscribe(gctx, events.OrderReleased) })

	if cfg.Sweeper.Enabled {
		sweeper := service.NewSweeper(mysqlAdapter, releases, service.SweeperConfig{
			Interval:          cfg.Sweeper.Interval,
			MinAge:            cfg.Sweeper.MinAge,
			MaxAge:            cfg.Sweeper.MaxAge,
			ForceReleaseAfter: cfg.Sweeper.ForceReleaseAfter,
			BatchSize:         cfg.Sweeper.BatchSize,
		}, logger, metrics)
		g.Go(func() error { return sweeper.Run(gctx) })
	}

	g.Go(func() error { return grpcHealth.Run(gctx) })

	g.Go(func() error {
		logger.Info("gRPC server listening", zap.String("addr", cfg.Service.GRPCAddr))
		return grpcServer.Serve(lis)
	})

	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Service.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown", zap.Error(err))
		}
		logger.Info("HTTP server stopped")

		grpcServer.GracefulStop()
		logger.Info("gRPC server stopped")
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("workers stopped")
	return nil
}

type channelSet struct {
	publisher    port.Publisher
	stockLocked  []port.Subscriber
	orderRelease port.Subscriber
	closers      []func() error
}

func (c *channelSet) Close() error {
	var err error
	for _, fn := range c.closers {
		err = errors.Join(err, fn())
	}
	return err
}

func newChannel(cfg *config.Config, rdb *redis.Client, logger *zap.Logger) (*channelSet, error) {
	ch := cfg.Channel

	if ch.Driver == config.ChannelKafka {
		writer, err := messaging.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.BatchTimeout, otel.GetTracerProvider(), config.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("kafka writer: %w", err)
		}
		set := &channelSet{
			publisher: messaging.NewKafkaPublisher(writer, ch.StockLockedStream),
			closers:   []func() error{writer.Close},
		}
		subscriber := func(topic string) port.Subscriber {
			reader := messaging.NewKafkaReader(cfg.Kafka.Brokers, topic, cfg.Kafka.GroupID)
			set.closers = append(set.closers, reader.Close)
			return messaging.NewKafkaSubscriber(reader, writer, messaging.KafkaSubscriberConfig{
				Topic:            topic,
				DeadLetterSuffix: ch.DeadLetterSuffix,
				RetryBackoff:     ch.RetryBackoff,
				MaxAttempts:      ch.MaxAttempts,
			}, logger)
		}
		// readers in one group split the partitions between them
		for i := 0; i < ch.Workers; i++ {
			set.stockLocked = append(set.stockLocked, subscriber(ch.StockLockedStream))
		}
		set.orderRelease = subscriber(ch.OrderReleaseStream)
		return set, nil
	}

	streamConfig := func(stream string, workers int) messaging.RedisStreamConfig {
		return messaging.RedisStreamConfig{
			Stream:           stream,
			Group:            ch.Group,
			Consumer:         ch.Consumer,
			DeadLetterSuffix: ch.DeadLetterSuffix,
			Workers:          workers,
			BatchSize:        ch.BatchSize,
			Block:            ch.Block,
			ClaimMinIdle:     ch.ClaimMinIdle,
			RetryBackoff:     ch.RetryBackoff,
			MaxAttempts:      ch.MaxAttempts,
		}
	}
	return &channelSet{
		publisher: messaging.NewRedisStreamPublisher(rdb, ch.StockLockedStream),
		stockLocked: []port.Subscriber{
			messaging.NewRedisStreamSubscriber(rdb, streamConfig(ch.StockLockedStream, ch.Workers), logger),
		},
		orderRelease: messaging.NewRedisStreamSubscriber(rdb, streamConfig(ch.OrderReleaseStream, 1), logger),
	}, nil
}
