package capability

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisAuditKey = "nexus:audit"

// RedisSink pushes audit records onto a Redis list so an external
// collector can consume them with BRPOP. Push failures are silently
// dropped; the in-memory ring remains authoritative.
type RedisSink struct {
	client *redis.Client
	key    string
}

// NewRedisSink connects a sink to the Redis instance described by url
// ("redis://host:port/db").
func NewRedisSink(url string) (*RedisSink, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisSink{client: redis.NewClient(opts), key: redisAuditKey}, nil
}

func (s *RedisSink) WriteAudit(entry AuditEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.client.LPush(ctx, s.key, data)
}

// Close releases the Redis connection.
func (s *RedisSink) Close() error { return s.client.Close() }
