package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"asyncinfer/lib/inference"
	"asyncinfer/lib/timer"
)

const DefaultBucket = "local"

type RedisArgs struct {
	RedisServer string `arg:"--redis-server,env:REDIS_SERVER_ADDRESS,help:Use redis as the object store instead of S3"`
	RedisTLS    bool   `arg:"--redis-tls,env:REDIS_TLS"`
	// Objects expire after this long; zero keeps them forever.
	RedisTTL time.Duration `arg:"--redis-ttl,env:REDIS_TTL" default:"0s"`
}

// Client stores objects as plain redis strings keyed by their full location,
// for running the async workflow without S3.
type Client struct {
	conf   Config
	client *redis.Client
	bucket string
	ttl    time.Duration
}

var _ inference.ObjectStore = Client{}

type Config interface {
	Materialize() (Client, error)
}

//=================================
// Redis client config
//=================================

type ClientConfig struct {
	Addr      string
	TLSConfig *tls.Config
	Bucket    string
	TTL       time.Duration
}

var _ Config = ClientConfig{}

func (conf ClientConfig) Materialize() (Client, error) {
	c := Client{conf, redis.NewClient(&redis.Options{
		Addr:      conf.Addr,
		TLSConfig: conf.TLSConfig,
	}), bucketOrDefault(conf.Bucket), conf.TTL}
	if err := c.client.Ping(context.Background()).Err(); err != nil {
		_ = c.client.Close()
		return Client{}, fmt.Errorf("failed to ping redis at %s: %w", conf.Addr, err)
	}
	return c, nil
}

//=================================
// MiniRedis client config
//=================================

type MiniRedisConfig struct {
	MiniRedis *miniredis.Miniredis
	Bucket    string
}

var _ Config = MiniRedisConfig{}

func (conf MiniRedisConfig) Materialize() (Client, error) {
	return Client{conf, redis.NewClient(&redis.Options{
		Addr: conf.MiniRedis.Addr(),
	}), bucketOrDefault(conf.Bucket), 0}, nil
}

func bucketOrDefault(bucket string) string {
	if bucket == "" {
		return DefaultBucket
	}
	return bucket
}

func (c Client) Bucket() string {
	return c.bucket
}

func (c Client) Close() error {
	err := c.client.Close()
	if err != nil {
		return err
	}
	if conf, ok := c.conf.(MiniRedisConfig); ok {
		conf.MiniRedis.Close()
	}
	return nil
}

func (c Client) key(ref string) (string, error) {
	loc, err := inference.ParseLocation(ref, c.bucket)
	if err != nil {
		return "", err
	}
	return loc.String(), nil
}

func (c Client) Put(ctx context.Context, ref string, data []byte) error {
	defer timer.Start("redis.put").Stop()
	k, err := c.key(ref)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, k, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", k, err)
	}
	return nil
}

func (c Client) Exists(ctx context.Context, ref string) (bool, error) {
	defer timer.Start("redis.exists").Stop()
	k, err := c.key(ref)
	if err != nil {
		return false, err
	}
	n, err := c.client.Exists(ctx, k).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", k, err)
	}
	return n > 0, nil
}

func (c Client) Get(ctx context.Context, ref string) ([]byte, error) {
	defer timer.Start("redis.get").Stop()
	k, err := c.key(ref)
	if err != nil {
		return nil, err
	}
	data, err := c.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s: %w", k, inference.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", k, err)
	}
	return data, nil
}
