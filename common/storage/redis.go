package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisOperationTimeout = time.Second * 300

// RedisProvider implements the Provider API for Redis.
type RedisProvider struct {
	*baseProvider

	databaseIndex int
	password      string

	redisClient *redis.Client
}

func NewRedisProvider(hostname string, prefix string, atom *zap.AtomicLevel) *RedisProvider {
	baseProvider := newBaseProvider(hostname, prefix, atom)

	provider := &RedisProvider{
		baseProvider:  baseProvider,
		databaseIndex: 0,
		password:      "",
	}

	return provider
}

// SetDatabase sets the database number to use when connecting to Redis.
//
// If the RedisProvider is already connected to Redis, then changing the database number will
// not have an effect unless the RedisProvider reconnects to Redis.
func (p *RedisProvider) SetDatabase(db int) {
	p.databaseIndex = db
}

// SetRedisPassword sets the password to use when connecting to Redis.
//
// If the RedisProvider is already connected to Redis, then changing the password will not
// have an effect unless the RedisProvider attempts to reconnect to Redis.
func (p *RedisProvider) SetRedisPassword(password string) {
	p.password = password
}

func (p *RedisProvider) Connect() error {
	p.status = Connecting

	p.redisClient = redis.NewClient(&redis.Options{
		Addr:     p.hostname,
		Password: p.password,
		DB:       p.databaseIndex,
	})

	p.status = Connected

	return nil
}

func (p *RedisProvider) Close() error {
	if p.redisClient == nil {
		return nil
	}

	return p.redisClient.Close()
}

func (p *RedisProvider) WriteCheckpoint(ctx context.Context, key string, payload []byte) error {
	redisKey := p.redisKey(key)

	ctx, cancel := context.WithTimeout(ctx, redisOperationTimeout)
	defer cancel()

	if err := p.redisClient.Set(ctx, redisKey, payload, 0).Err(); err != nil {
		p.logger.Error("Failed to write checkpoint to Redis.",
			zap.String("redis_key", redisKey), zap.Error(err))
		return err
	}

	p.logger.Debug("Successfully wrote checkpoint to Redis.",
		zap.String("redis_key", redisKey), zap.Int("num_bytes", len(payload)))

	return nil
}

func (p *RedisProvider) ReadCheckpoint(ctx context.Context, key string) ([]byte, error) {
	redisKey := p.redisKey(key)

	ctx, cancel := context.WithTimeout(ctx, redisOperationTimeout)
	defer cancel()

	payload, err := p.redisClient.Get(ctx, redisKey).Bytes()
	if err != nil {
		p.logger.Error("Failed to read checkpoint from Redis.",
			zap.String("redis_key", redisKey), zap.Error(err))
		return nil, err
	}

	return payload, nil
}

func (p *RedisProvider) redisKey(key string) string {
	if p.prefix == "" {
		return key
	}

	return fmt.Sprintf("%s/%s", p.prefix, key)
}
