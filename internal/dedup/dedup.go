/*
Copyright 2025 Swaptacular Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package dedup suppresses duplicate protocol message deliveries.
// Messages arrive at-least-once, so every successfully processed
// message is remembered for a retention window; a second delivery
// within the window is acknowledged without being reprocessed.
package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "swpt:dedup:"

type Store struct {
	client redis.UniversalClient
	window time.Duration
}

func NewStore(client redis.UniversalClient, window time.Duration) *Store {
	return &Store{client: client, window: window}
}

// Seen reports whether the message key was recorded within the
// retention window.
func (s *Store) Seen(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, keyPrefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkSeen records the message key for the retention window. The key
// must be marked only after the message's effect has been durably
// applied: a key marked for a half-applied message would make the
// broker's redelivery a silent no-op, losing the message for good.
// The reverse failure mode, applying and then crashing before the
// mark, merely re-runs an idempotent application.
func (s *Store) MarkSeen(ctx context.Context, key string) error {
	return s.client.SetNX(ctx, keyPrefix+key, 1, s.window).Err()
}
