// Package app assembles the long-lived components from configs.AppConfig so
// the server and the operator CLI build them the same way.
package app

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kareempjackson/undr-api-sub001/configs"
	"github.com/kareempjackson/undr-api-sub001/internal/escrow"
	"github.com/kareempjackson/undr-api-sub001/internal/logger"
	"github.com/kareempjackson/undr-api-sub001/internal/outbox"
	"github.com/kareempjackson/undr-api-sub001/internal/sweeper"
)

func NewEngine(db *gorm.DB, log *zap.Logger) *escrow.Engine {
	cfg := configs.AppConfig.Escrow
	return escrow.NewEngine(db, log.Named("escrow"), escrow.Config{
		GracePeriod:    cfg.GracePeriod,
		RiskCutoff:     cfg.RiskCutoff,
		SweepBatchSize: cfg.SweepBatchSize,
	})
}

// NewRedis connects to the configured Redis. It returns nil when no address
// is configured or the server does not answer; callers then run without the
// sweep lock and the rate limiter.
func NewRedis(log *zap.Logger) *redis.Client {
	addr := configs.AppConfig.Redis.Addr
	if addr == "" {
		log.Info("redis not configured")
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("redis unavailable, continuing without it", zap.String("addr", addr), zap.Error(err))
		client.Close()
		return nil
	}
	log.Info("connected to redis", zap.String("addr", addr))
	return client
}

func NewSweeper(engine *escrow.Engine, rdb *redis.Client, log *zap.Logger) *sweeper.Sweeper {
	cfg := configs.AppConfig.Sweeper
	var locker sweeper.Locker
	if rdb != nil {
		locker = sweeper.NewRedisLocker(rdb, cfg.LockTTL, log.Named("sweeper"))
	}
	return sweeper.New(engine, locker, cfg.Interval, log.Named("sweeper"))
}

// NewRelay builds the outbox relay. Without brokers events are written to the
// log instead. The returned close func releases the publisher.
func NewRelay(db *gorm.DB, log *zap.Logger) (*outbox.Relay, func(), error) {
	kcfg := configs.AppConfig.Kafka
	ocfg := outbox.Config{
		BatchSize: configs.AppConfig.Outbox.BatchSize,
		Interval:  configs.AppConfig.Outbox.Interval,
	}
	if len(kcfg.Brokers) == 0 {
		pub := outbox.LogPublisher{Log: logger.Sugar().Named("outbox")}
		return outbox.NewRelay(db, pub, ocfg, log.Named("outbox")), func() {}, nil
	}
	pub, err := outbox.NewKafkaPublisher(kcfg.Brokers, kcfg.Topic)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := pub.Close(); err != nil {
			log.Warn("kafka writer close failed", zap.Error(err))
		}
	}
	return outbox.NewRelay(db, pub, ocfg, log.Named("outbox")), closeFn, nil
}
