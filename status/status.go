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

// Package status tracks the health of the bot shards.
package status

import (
	"fmt"
	"strconv"
	"time"

	"github.com/hiddeout/website/backend"
)

// Status derived health of one shard
type Status string

// Shard health
const (
	StatusOperational Status = "Operational"
	StatusDegraded    Status = "Degraded"
	StatusOffline     Status = "Offline"
)

// DefaultDegradedLatency latency in ms above which a ready shard is degraded
const DefaultDegradedLatency = 1000.0

// Classify derive the status of a shard
func Classify(shard backend.Shard, degradedLatency float64) Status {
	if !shard.IsReady {
		return StatusOffline
	}
	if float64(shard.Latency) > degradedLatency {
		return StatusDegraded
	}
	return StatusOperational
}

// ShardForGuild index of the shard serving a guild
func ShardForGuild(guildID string, shardCount int) (int, error) {
	if shardCount <= 0 {
		return 0, fmt.Errorf("no shards")
	}
	id, err := strconv.ParseUint(guildID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid guild ID %q", guildID)
	}
	return int((id >> 22) % uint64(shardCount)), nil
}

// ShardStatus shard report with derived status
type ShardStatus struct {
	backend.Shard
	Status Status `json:"status"`
}

// Snapshot one poll of the shard report
type Snapshot struct {
	Shards    []ShardStatus `json:"shards"`
	FetchedAt time.Time     `json:"fetched_at"`
}

// NewSnapshot classify a shard report
func NewSnapshot(shards []backend.Shard, degradedLatency float64, fetchedAt time.Time) Snapshot {
	result := Snapshot{Shards: make([]ShardStatus, 0, len(shards)), FetchedAt: fetchedAt}
	for _, shard := range shards {
		result.Shards = append(result.Shards, ShardStatus{
			Shard: shard, Status: Classify(shard, degradedLatency),
		})
	}
	return result
}

// Overall worst status across shards
func (s Snapshot) Overall() Status {
	if len(s.Shards) == 0 {
		return StatusOffline
	}
	overall := StatusOperational
	for _, shard := range s.Shards {
		switch shard.Status {
		case StatusOffline:
			return StatusOffline
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

// ShardForGuild the shard of a guild within this snapshot
func (s Snapshot) ShardForGuild(guildID string) (ShardStatus, error) {
	idx, err := ShardForGuild(guildID, len(s.Shards))
	if err != nil {
		return ShardStatus{}, err
	}
	for _, shard := range s.Shards {
		if shard.ShardID == idx {
			return shard, nil
		}
	}
	return s.Shards[idx], nil
}
