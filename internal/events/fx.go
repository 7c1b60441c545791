package events

import (
	"context"
	"errors"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/paymaster/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	SinkNone  = "none"
	SinkRedis = "redis"
	SinkKafka = "kafka"
)

var Module = fx.Module("events",
	fx.Provide(ProvidePublisher),
)

func ProvidePublisher(lc fx.Lifecycle, cfg config.Config, client *redis.Client, log *zap.Logger) (Publisher, error) {
	log = log.Named("events")
	switch cfg.Events.Sink {
	case SinkRedis:
		if client == nil {
			return nil, errors.New("events sink redis requires REDIS_ADDR")
		}
		log.Info("publishing credit events to redis stream", zap.String("stream", cfg.Events.Stream))
		return NewStreamPublisher(client, cfg.Events.Stream), nil
	case SinkKafka:
		if len(cfg.Events.KafkaBrokers) == 0 {
			return nil, errors.New("events sink kafka requires KAFKA_BROKERS")
		}
		publisher := NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return publisher.Close()
			},
		})
		log.Info("publishing credit events to kafka",
			zap.Strings("brokers", cfg.Events.KafkaBrokers),
			zap.String("topic", cfg.Events.KafkaTopic),
		)
		return publisher, nil
	default:
		return NoopPublisher{}, nil
	}
}
