// Package certstore keeps certmagic certificates in redis so every gateway
// instance serves the same certificate and only one of them talks to ACME.
package certstore

import (
	"context"
	"encoding/base64"
	"fmt"
	"io/fs"
	"strconv"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/caddyserver/certmagic"
	"github.com/redis/go-redis/v9"
)

const lockTTL = 1 * time.Minute

type Storage struct {
	rdb    *redis.Client
	locker *redislock.Client
	locks  sync.Map
}

var _ certmagic.Storage = (*Storage)(nil)

func New(rdb *redis.Client) *Storage {
	return &Storage{
		rdb:    rdb,
		locker: redislock.New(rdb),
	}
}

func dataKey(key string) string {
	return fmt.Sprintf("tls:%v", key)
}

func (s *Storage) Lock(ctx context.Context, name string) error {
	opts := &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(time.Second),
	}

	lock, err := s.locker.Obtain(ctx, fmt.Sprintf("tls:lock:%v", name), lockTTL, opts)
	if err != nil {
		return err
	}

	s.locks.Store(name, lock)
	return nil
}

func (s *Storage) Unlock(ctx context.Context, name string) error {
	lock, ok := s.locks.LoadAndDelete(name)
	if !ok {
		return fmt.Errorf("no lock for %v", name)
	}

	return lock.(*redislock.Lock).Release(ctx)
}

func (s *Storage) Store(ctx context.Context, key string, value []byte) error {
	hashmap := map[string]any{
		"modified": time.Now().Unix(),
		"data":     base64.RawURLEncoding.EncodeToString(value),
		"size":     len(value),
	}

	return s.rdb.HSet(ctx, dataKey(key), hashmap).Err()
}

func (s *Storage) Load(ctx context.Context, key string) ([]byte, error) {
	res, err := s.rdb.HGet(ctx, dataKey(key), "data").Result()
	if err == redis.Nil {
		return nil, fs.ErrNotExist
	} else if err != nil {
		return nil, err
	}

	return base64.RawURLEncoding.DecodeString(res)
}

func (s *Storage) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, dataKey(key)).Err()
}

func (s *Storage) Exists(ctx context.Context, key string) bool {
	res, err := s.rdb.Exists(ctx, dataKey(key)).Result()
	return err == nil && res > 0
}

func (s *Storage) List(ctx context.Context, prefix string, recursive bool) ([]string, error) {
	pattern := dataKey(prefix)
	if recursive {
		pattern = fmt.Sprintf("%v*", pattern)
	}

	keys, err := s.rdb.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, err
	}

	for i, k := range keys {
		keys[i] = k[len("tls:"):]
	}

	return keys, nil
}

func (s *Storage) Stat(ctx context.Context, key string) (certmagic.KeyInfo, error) {
	info := certmagic.KeyInfo{}

	res, err := s.rdb.HMGet(ctx, dataKey(key), "modified", "size").Result()
	if err != nil {
		return info, err
	}

	if len(res) != 2 || res[0] == nil || res[1] == nil {
		return info, fs.ErrNotExist
	}

	modified, err := strconv.Atoi(res[0].(string))
	if err != nil {
		return info, err
	}

	size, err := strconv.Atoi(res[1].(string))
	if err != nil {
		return info, err
	}

	info.Key = key
	info.Modified = time.Unix(int64(modified), 0)
	info.Size = int64(size)
	info.IsTerminal = true

	return info, nil
}
