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
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/hiddeout/website/backend"
	"github.com/hiddeout/website/common"
)

// ShardSource fetches the raw shard report
type ShardSource interface {
	Shards(ctxt context.Context) ([]backend.Shard, error)
}

// PollerParams parameters for the shard poller
type PollerParams struct {
	Source          ShardSource
	Store           SnapshotStore
	Timer           common.IntervalTimer
	Interval        time.Duration
	DegradedLatency float64
	// RequestTimeout bounds one poll
	RequestTimeout time.Duration
}

// Poller periodically refreshes the shard snapshot
type Poller interface {
	// Start poll once, then every interval
	Start(ctxt context.Context) error
	Stop() error
	// PollOnce fetch, classify and store the current report
	PollOnce(ctxt context.Context) (Snapshot, error)
	// Latest the stored snapshot
	Latest(ctxt context.Context) (Snapshot, bool, error)
}

type pollerImpl struct {
	common.Component
	PollerParams
	now func() time.Time
}

// NewPoller define a new shard poller
func NewPoller(params PollerParams) (Poller, error) {
	if params.Source == nil || params.Store == nil || params.Timer == nil {
		return nil, fmt.Errorf("shard poller requires a source, a store, and a timer")
	}
	if params.Interval <= 0 {
		return nil, fmt.Errorf("shard poll interval must be positive")
	}
	if params.DegradedLatency <= 0 {
		params.DegradedLatency = DefaultDegradedLatency
	}
	if params.RequestTimeout <= 0 {
		params.RequestTimeout = params.Interval
	}
	return &pollerImpl{
		Component: common.Component{
			LogTags: log.Fields{"module": "status", "component": "poller"},
		},
		PollerParams: params,
		now:          time.Now,
	}, nil
}

func (p *pollerImpl) Start(ctxt context.Context) error {
	if _, err := p.PollOnce(ctxt); err != nil {
		log.WithError(err).WithFields(p.LogTags).Warn("Initial shard poll failed")
	}
	return p.Timer.Start(p.Interval, func() error {
		useContext, cancel := context.WithTimeout(ctxt, p.RequestTimeout)
		defer cancel()
		_, err := p.PollOnce(useContext)
		return err
	}, false)
}

func (p *pollerImpl) Stop() error {
	return p.Timer.Stop()
}

func (p *pollerImpl) PollOnce(ctxt context.Context) (Snapshot, error) {
	shards, err := p.Source.Shards(ctxt)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetch shard report: %w", err)
	}
	snapshot := NewSnapshot(shards, p.DegradedLatency, p.now().UTC())
	if err := p.Store.Save(ctxt, snapshot); err != nil {
		return Snapshot{}, err
	}
	log.WithFields(p.LogTags).Debugf(
		"Polled %d shards, overall %s", len(snapshot.Shards), snapshot.Overall(),
	)
	return snapshot, nil
}

func (p *pollerImpl) Latest(ctxt context.Context) (Snapshot, bool, error) {
	return p.Store.Load(ctxt)
}
