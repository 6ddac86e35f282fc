// Copyright 2024-2025 The website Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SnapshotStore keeps the latest shard snapshot
type SnapshotStore interface {
	Save(ctxt context.Context, snapshot Snapshot) error
	// Load the latest snapshot. Returns false when none was saved.
	Load(ctxt context.Context) (Snapshot, bool, error)
}

type memoryStore struct {
	lock     sync.RWMutex
	snapshot *Snapshot
}

// NewMemoryStore define an in process SnapshotStore
func NewMemoryStore() SnapshotStore {
	return &memoryStore{}
}

func (s *memoryStore) Save(_ context.Context, snapshot Snapshot) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.snapshot = &snapshot
	return nil
}

func (s *memoryStore) Load(_ context.Context) (Snapshot, bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.snapshot == nil {
		return Snapshot{}, false, nil
	}
	return *s.snapshot, true, nil
}

type redisStore struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

// NewRedisStore define a SnapshotStore shared through redis, so every dashboard
// instance serves the same report. Entries expire after ttl.
func NewRedisStore(client redis.UniversalClient, keyPrefix string, ttl time.Duration) SnapshotStore {
	return &redisStore{client: client, key: keyPrefix + "status:shards", ttl: ttl}
}

func (s *redisStore) Save(ctxt context.Context, snapshot Snapshot) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctxt, s.key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis save %s: %w", s.key, err)
	}
	return nil
}

func (s *redisStore) Load(ctxt context.Context) (Snapshot, bool, error) {
	raw, err := s.client.Get(ctxt, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	} else if err != nil {
		return Snapshot{}, false, fmt.Errorf("redis load %s: %w", s.key, err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return Snapshot{}, false, err
	}
	return snapshot, true, nil
}
