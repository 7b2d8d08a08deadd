package webhooks

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultLedgerTTL    = 72 * time.Hour
	defaultLedgerPrefix = "socialapp:webhook:"
)

var errMissingRedisClient = errors.New("webhooks: redis client is required")

// DeliveryLedger remembers message ids that were processed successfully.
type DeliveryLedger interface {
	Seen(ctx context.Context, messageID string) (bool, error)
	Record(ctx context.Context, messageID string) error
}

// NopLedger never remembers anything; every redelivery is reprocessed.
type NopLedger struct{}

func (NopLedger) Seen(context.Context, string) (bool, error) { return false, nil }

func (NopLedger) Record(context.Context, string) error { return nil }

// RedisLedger stores processed message ids in Redis with a TTL covering the provider's retry window.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisLedger builds a ledger over an existing client.
func NewRedisLedger(client redis.UniversalClient, ttl time.Duration) (*RedisLedger, error) {
	if client == nil {
		return nil, errMissingRedisClient
	}
	if ttl <= 0 {
		ttl = defaultLedgerTTL
	}
	return &RedisLedger{client: client, prefix: defaultLedgerPrefix, ttl: ttl}, nil
}

// NewRedisClient connects and pings, failing fast on a bad address.
func NewRedisClient(ctx context.Context, address, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     strings.TrimSpace(address),
		Password: password,
		DB:       0,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func (l *RedisLedger) key(messageID string) string {
	return l.prefix + messageID
}

func (l *RedisLedger) Seen(ctx context.Context, messageID string) (bool, error) {
	count, err := l.client.Exists(ctx, l.key(messageID)).Result()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (l *RedisLedger) Record(ctx context.Context, messageID string) error {
	return l.client.SetNX(ctx, l.key(messageID), time.Now().UTC().Unix(), l.ttl).Err()
}
