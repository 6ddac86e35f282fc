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

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/hiddeout/website/common"
)

// ErrHubClosed is returned when subscribing to a closed Hub
var ErrHubClosed = errors.New("gateway hub closed")

// SessionKey identifies one client in the Hub
type SessionKey struct {
	Session string
	GuildID string
}

// Notification is one item delivered to a subscriber
type Notification struct {
	// Event application event kind. Empty for a state change.
	Event string
	Data  json.RawMessage
	State *State
}

// EventRelay forwards application events to other services
type EventRelay interface {
	Relay(guildID, kind string, data json.RawMessage) error
}

// Subscription a consumer of one client's notifications
type Subscription struct {
	ID  string
	Key SessionKey
	// Updates is closed once the subscription ends
	Updates <-chan Notification
	ch      chan Notification
}

// HubParams parameters for the Hub
type HubParams struct {
	GatewayURL       string
	Dialer           Dialer
	Timers           common.TimerFactory
	ReconnectDelay   time.Duration
	TaskBuffer       int
	SubscriberBuffer int
	// Relay optional sink for application events
	Relay EventRelay
}

// Hub owns the gateway clients of all sessions
type Hub interface {
	// Subscribe attaches to the client for the key, creating and connecting it if needed
	Subscribe(ctxt context.Context, key SessionKey, token string) (*Subscription, error)
	// Unsubscribe detaches. The client is stopped when its last subscriber leaves.
	Unsubscribe(sub *Subscription) error
	// Send writes an event through the client for the key
	Send(ctxt context.Context, key SessionKey, kind string, payload interface{}) (bool, error)
	// State snapshot of the client for the key, if one exists
	State(key SessionKey) (State, bool)
	// Close stops every client and ends every subscription
	Close() error
}

type hubEntry struct {
	key         SessionKey
	client      Client
	lock        sync.RWMutex
	subscribers map[string]*Subscription
	stopped     chan struct{}
}

func (e *hubEntry) deliver(n Notification) int {
	e.lock.RLock()
	defer e.lock.RUnlock()
	dropped := 0
	for _, sub := range e.subscribers {
		select {
		case sub.ch <- n:
		default:
			dropped++
		}
	}
	return dropped
}

func (e *hubEntry) endAll() {
	e.lock.Lock()
	defer e.lock.Unlock()
	for id, sub := range e.subscribers {
		close(sub.ch)
		delete(e.subscribers, id)
	}
}

type hubImpl struct {
	common.Component
	params   HubParams
	rootCtxt context.Context
	lock     sync.Mutex
	entries  map[SessionKey]*hubEntry
	retiring map[SessionKey]*hubEntry
	closed   bool
}

// NewHub define a new Hub
func NewHub(ctxt context.Context, params HubParams) (Hub, error) {
	if params.Dialer == nil {
		return nil, fmt.Errorf("gateway hub requires a dialer")
	}
	if params.SubscriberBuffer <= 0 {
		params.SubscriberBuffer = 32
	}
	return &hubImpl{
		Component: common.Component{
			LogTags: log.Fields{"module": "gateway", "component": "hub"},
		},
		params:   params,
		rootCtxt: ctxt,
		entries:  make(map[SessionKey]*hubEntry),
		retiring: make(map[SessionKey]*hubEntry),
	}, nil
}

func (h *hubImpl) newEntry(key SessionKey) (*hubEntry, error) {
	entry := &hubEntry{
		key:         key,
		subscribers: make(map[string]*Subscription),
		stopped:     make(chan struct{}),
	}
	client, err := NewClient(h.rootCtxt, ClientParams{
		Name:           fmt.Sprintf("%s.%s", key.Session, key.GuildID),
		GatewayURL:     h.params.GatewayURL,
		Dialer:         h.params.Dialer,
		Timers:         h.params.Timers,
		ReconnectDelay: h.params.ReconnectDelay,
		TaskBuffer:     h.params.TaskBuffer,
		OnEvent: func(kind string, data json.RawMessage) {
			h.onEvent(entry, kind, data)
		},
		OnStateChange: func(state State) {
			if dropped := entry.deliver(Notification{State: &state}); dropped > 0 {
				log.WithFields(h.LogTags).WithField("guild", key.GuildID).
					Warnf("State change dropped for %d slow subscribers", dropped)
			}
		},
	})
	if err != nil {
		return nil, err
	}
	entry.client = client
	return entry, nil
}

func (h *hubImpl) onEvent(entry *hubEntry, kind string, data json.RawMessage) {
	logTags := h.GetLogTagsForContext(context.Background())
	logTags["guild"] = entry.key.GuildID
	if dropped := entry.deliver(Notification{Event: kind, Data: data}); dropped > 0 {
		log.WithFields(logTags).Warnf("Event %s dropped for %d slow subscribers", kind, dropped)
	}
	if h.params.Relay != nil {
		if err := h.params.Relay.Relay(entry.key.GuildID, kind, data); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Failed to relay event %s", kind)
		}
	}
}

func (h *hubImpl) Subscribe(
	ctxt context.Context, key SessionKey, token string,
) (*Subscription, error) {
	for {
		h.lock.Lock()
		if h.closed {
			h.lock.Unlock()
			return nil, ErrHubClosed
		}
		if old, ok := h.retiring[key]; ok {
			// The previous client for this key is still shutting down
			h.lock.Unlock()
			select {
			case <-old.stopped:
				continue
			case <-ctxt.Done():
				return nil, ctxt.Err()
			}
		}
		entry, ok := h.entries[key]
		if !ok {
			var err error
			if entry, err = h.newEntry(key); err != nil {
				h.lock.Unlock()
				return nil, err
			}
			h.entries[key] = entry
		}
		ch := make(chan Notification, h.params.SubscriberBuffer)
		sub := &Subscription{ID: uuid.NewString(), Key: key, Updates: ch, ch: ch}
		entry.lock.Lock()
		entry.subscribers[sub.ID] = sub
		current := entry.client.State()
		ch <- Notification{State: &current}
		entry.lock.Unlock()
		h.lock.Unlock()

		if err := entry.client.Connect(ctxt, key.GuildID, token); err != nil {
			if unsubErr := h.Unsubscribe(sub); unsubErr != nil {
				log.WithError(unsubErr).WithFields(h.LogTags).Error("Failed to release subscription")
			}
			return nil, err
		}
		log.WithFields(h.LogTags).WithField("guild", key.GuildID).Debugf("Subscribed %s", sub.ID)
		return sub, nil
	}
}

func (h *hubImpl) Unsubscribe(sub *Subscription) error {
	h.lock.Lock()
	entry, ok := h.entries[sub.Key]
	if !ok {
		h.lock.Unlock()
		return nil
	}
	entry.lock.Lock()
	if _, ok := entry.subscribers[sub.ID]; !ok {
		entry.lock.Unlock()
		h.lock.Unlock()
		return nil
	}
	delete(entry.subscribers, sub.ID)
	close(sub.ch)
	remaining := len(entry.subscribers)
	entry.lock.Unlock()
	if remaining > 0 {
		h.lock.Unlock()
		return nil
	}
	delete(h.entries, sub.Key)
	h.retiring[sub.Key] = entry
	h.lock.Unlock()

	log.WithFields(h.LogTags).WithField("guild", sub.Key.GuildID).Debug("Last subscriber left, stopping client")
	err := entry.client.Stop()

	h.lock.Lock()
	if h.retiring[sub.Key] == entry {
		delete(h.retiring, sub.Key)
	}
	h.lock.Unlock()
	close(entry.stopped)
	return err
}

func (h *hubImpl) Send(
	ctxt context.Context, key SessionKey, kind string, payload interface{},
) (bool, error) {
	h.lock.Lock()
	entry, ok := h.entries[key]
	h.lock.Unlock()
	if !ok {
		return false, nil
	}
	return entry.client.Send(ctxt, kind, payload)
}

func (h *hubImpl) State(key SessionKey) (State, bool) {
	h.lock.Lock()
	entry, ok := h.entries[key]
	h.lock.Unlock()
	if !ok {
		return State{}, false
	}
	return entry.client.State(), true
}

func (h *hubImpl) Close() error {
	h.lock.Lock()
	h.closed = true
	entries := h.entries
	h.entries = make(map[SessionKey]*hubEntry)
	h.lock.Unlock()

	var lastErr error
	for _, entry := range entries {
		if err := entry.client.Stop(); err != nil {
			log.WithError(err).WithFields(h.LogTags).Error("Failed to stop client")
			lastErr = err
		}
		entry.endAll()
		close(entry.stopped)
	}
	return lastErr
}
