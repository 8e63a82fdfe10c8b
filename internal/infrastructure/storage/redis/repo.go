package redis

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"quoterelay/internal/application/port"
	"quoterelay/internal/domain"
)

// Repo mirrors delivered prices into a redis hash and publishes every
// update on a channel for out-of-process consumers.
type Repo struct {
	rdb       *redis.Client
	prefix    string
	ttl       time.Duration
	keyLatest string // prefix + ":latest"
	channel   string
}

func New(rdb *redis.Client, prefix string, ttl time.Duration, channel string) *Repo {
	if strings.TrimSpace(channel) == "" {
		channel = prefix + ":updates"
	}
	return &Repo{
		rdb:       rdb,
		prefix:    prefix,
		ttl:       ttl,
		keyLatest: prefix + ":latest",
		channel:   channel,
	}
}

func (r *Repo) Name() string { return "redis" }

// MirrorUpdate stores the update under its instrument name and publishes
// the subscriber envelope.
func (r *Repo) MirrorUpdate(ctx context.Context, u domain.NormalizedUpdate) error {
	b, err := json.Marshal(domain.NewPriceMessage(u))
	if err != nil {
		return err
	}

	pipe := r.rdb.Pipeline()
	pipe.HSet(ctx, r.keyLatest, u.Symbol, string(b))
	if r.ttl > 0 {
		pipe.Expire(ctx, r.keyLatest, r.ttl)
	}
	pipe.Publish(ctx, r.channel, string(b))
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Repo) RemoveSymbol(ctx context.Context, name string) error {
	return r.rdb.HDel(ctx, r.keyLatest, name).Err()
}

var _ port.UpdateMirror = (*Repo)(nil)
