package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukepan/dj-rooms-back/internal/models"
)

var (
	redisLatency    metric.Float64Histogram
	metricsInitOnce sync.Once
	metricsInitErr  error
)

func initMetrics() error {
	metricsInitOnce.Do(func() {
		meter := otel.Meter("redis-client")
		redisLatency, metricsInitErr = meter.Float64Histogram("redis.command.latency", metric.WithUnit("ms"))
	})
	if metricsInitErr != nil {
		return fmt.Errorf("failed to create redis.command.latency instrument: %w", metricsInitErr)
	}
	return nil
}

type Cache struct {
	client *redis.Client
}

// New creates a new Redis cache connection
func New(dsn string) (*Cache, error) {
	if err := initMetrics(); err != nil {
		return nil, err
	}

	opt, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	// Test connection with tracing
	ctx, span := otel.Tracer("redis-client").Start(context.Background(), "redis.ping")
	defer span.End()
	if err := client.Ping(ctx).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to ping Redis")
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	span.SetStatus(codes.Ok, "Redis connected successfully")

	return &Cache{client: client}, nil
}

// NewWithClient wraps an existing Redis client. Used by tests that run
// against an in-process Redis.
func NewWithClient(client *redis.Client) (*Cache, error) {
	if err := initMetrics(); err != nil {
		return nil, err
	}
	return &Cache{client: client}, nil
}

// GetClient returns the underlying Redis client (instrumented operations should use Cache methods)
func (c *Cache) GetClient() *redis.Client {
	// Direct access to client bypasses tracing/metrics, use with caution.
	return c.client
}

// Close closes the Redis client
func (c *Cache) Close() error {
	return c.client.Close()
}

// startOp opens a span and latency measurement for one Redis operation. The
// returned func must be called with the operation's final error.
func (c *Cache) startOp(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := otel.Tracer("redis-client").Start(ctx, "redis."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil && err != redis.Nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Redis "+op+" failed")
		}
		redisLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("redis.command", op)))
		span.End()
	}
}

// Publish instruments a Publish operation
func (c *Cache) Publish(ctx context.Context, channel string, message interface{}) error {
	ctx, done := c.startOp(ctx, "publish", attribute.String("redis.channel", channel))
	err := c.client.Publish(ctx, channel, message).Err()
	done(err)
	return err
}

// PublishEvent wraps event+data into the wire envelope and publishes it on
// the room's channel. Every instance's fan-out engine picks it up, including
// the publishing instance itself.
func (c *Cache) PublishEvent(ctx context.Context, roomID string, event string, data interface{}) error {
	payload, err := json.Marshal(models.Envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event, err)
	}
	return c.Publish(ctx, roomChannel(roomID), payload)
}

// Subscribe instruments a Subscribe operation
func (c *Cache) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	ctx, done := c.startOp(ctx, "subscribe", attribute.StringSlice("redis.channels", channels))
	pubsub := c.client.Subscribe(ctx, channels...)
	// The subscription outlives the span; only the setup is measured here.
	done(nil)
	return pubsub
}

// PSubscribe instruments a pattern Subscribe operation
func (c *Cache) PSubscribe(ctx context.Context, patterns ...string) *redis.PubSub {
	ctx, done := c.startOp(ctx, "psubscribe", attribute.StringSlice("redis.patterns", patterns))
	pubsub := c.client.PSubscribe(ctx, patterns...)
	done(nil)
	return pubsub
}
