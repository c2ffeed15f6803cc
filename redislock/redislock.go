// Package redislock implements the message idempotence contract on
// redis. A lock is a SET NX with a TTL keyed by message ID: the first
// consumer wins, duplicates see the key and are dropped, and the TTL
// keeps abandoned locks from wedging redelivery forever.
package redislock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/casualjim/sago/message"
	"github.com/casualjim/sago/saga"
)

// DefaultTTL bounds how long a consumed message ID stays locked.
// Redeliveries older than this are processed again, so it should exceed
// the transport's redelivery horizon.
const DefaultTTL = 24 * time.Hour

// Opt represents a configuration option for the provider
type Opt func(*Provider)

// TTL overrides how long consumed message IDs stay locked
func TTL(ttl time.Duration) Opt {
	return func(p *Provider) { p.ttl = ttl }
}

// Prefix overrides the key prefix, for sharing a redis with other users
func Prefix(prefix string) Opt {
	return func(p *Provider) { p.prefix = prefix }
}

// New creates an idempotence provider on the redis client
func New(client redis.UniversalClient, opts ...Opt) *Provider {
	p := &Provider{
		client: client,
		ttl:    DefaultTTL,
		prefix: "sago:msg:",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Provider guards inbound messages for at-most-once consumption
type Provider struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

var _ saga.IdempotenceProvider = (*Provider)(nil)

// Lock claims the message ID. It returns false when the ID was claimed
// before and not released, meaning the message was already consumed.
func (p *Provider) Lock(ctx context.Context, msg message.Message) (bool, error) {
	return p.client.SetNX(ctx, p.prefix+msg.ID, msg.SagaID, p.ttl).Result()
}

// Release gives the message ID back so a failed consumption attempt can
// be retried on redelivery
func (p *Provider) Release(ctx context.Context, msg message.Message) error {
	return p.client.Del(ctx, p.prefix+msg.ID).Err()
}
