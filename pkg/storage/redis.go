// Copyright 2025 The agentmesh Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV implements KV on a Redis backend. All keys are placed under a
// namespace prefix so multiple subsystems can share one database.
type RedisKV struct {
	client    *redis.Client
	namespace string
}

// NewRedisKV wraps an existing client. The namespace may be empty.
func NewRedisKV(client *redis.Client, namespace string) *RedisKV {
	return &RedisKV{client: client, namespace: namespace}
}

func (r *RedisKV) fullKey(key string) string {
	if r.namespace == "" {
		return key
	}
	return r.namespace + ":" + key
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, r.fullKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}
	return v, nil
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.fullKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.fullKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

func (r *RedisKV) List(ctx context.Context, prefix string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
		match  = r.fullKey(prefix) + "*"
		strip  = 0
	)
	if r.namespace != "" {
		strip = len(r.namespace) + 1
	}
	for {
		batch, next, err := r.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan %q: %w", prefix, err)
		}
		for _, k := range batch {
			keys = append(keys, k[strip:])
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}
