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

// Package relay republishes gateway application events to NATS for other services.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/hiddeout/website/common"
	"github.com/nats-io/nats.go"
)

// NATSConnectParams NATS server connection parameters
type NATSConnectParams struct {
	// ServerURI connect to NATS server with URI
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// MaxReconnectAttempt on connection failure, max number of reconnect
	// attempt. "-1" means infinite
	MaxReconnectAttempt int
	// ReconnectWait wait duration between reconnect attempts
	ReconnectWait time.Duration
	// OnDisconnectCallback callback on disconnect
	OnDisconnectCallback func(*nats.Conn, error)
	// OnReconnectCallback callback on reconnect
	OnReconnectCallback func(*nats.Conn)
	// OnCloseCallback callback on close
	OnCloseCallback func(*nats.Conn)
}

// Event the message published for every relayed gateway event
type Event struct {
	GuildID   string          `json:"guild_id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	RelayedAt time.Time       `json:"relayed_at"`
}

// NATSRelay publishes gateway events on NATS subjects
// "<prefix>.<guild ID>.<event kind>"
type NATSRelay struct {
	common.Component
	nc            *nats.Conn
	subjectPrefix string
}

// GetNATSRelay connect to NATS and define a relay
func GetNATSRelay(param NATSConnectParams, subjectPrefix string) (*NATSRelay, error) {
	logTags := log.Fields{
		"module":    "relay",
		"component": "nats",
		"instance":  param.ServerURI,
	}
	nc, err := nats.Connect(
		param.ServerURI,
		nats.Timeout(param.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(param.MaxReconnectAttempt),
		nats.ReconnectWait(param.ReconnectWait),
		nats.DisconnectErrHandler(param.OnDisconnectCallback),
		nats.ReconnectHandler(param.OnReconnectCallback),
		nats.ClosedHandler(param.OnCloseCallback),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("NATS client connect failed")
		return nil, err
	}
	log.WithFields(logTags).Info("Created NATS event relay")
	return &NATSRelay{
		Component:     common.Component{LogTags: logTags},
		nc:            nc,
		subjectPrefix: strings.TrimRight(subjectPrefix, "."),
	}, nil
}

// Subject the subject an event is published on
func Subject(prefix, guildID, kind string) string {
	return fmt.Sprintf(
		"%s.%s.%s", strings.TrimRight(prefix, "."), subjectToken(guildID), subjectToken(kind),
	)
}

// subjectToken replace characters NATS reserves in subject tokens
func subjectToken(token string) string {
	if token == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, token)
}

// Relay publish one event
func (r *NATSRelay) Relay(guildID, kind string, data json.RawMessage) error {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	payload, err := json.Marshal(Event{
		GuildID: guildID, Event: kind, Data: data, RelayedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	subject := Subject(r.subjectPrefix, guildID, kind)
	if err := r.nc.Publish(subject, payload); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to publish on %s", subject)
		return err
	}
	return nil
}

// Conn the underlying NATS connection
func (r *NATSRelay) Conn() *nats.Conn {
	return r.nc
}

// Close flush pending events and close the connection
func (r *NATSRelay) Close(ctxt context.Context) {
	if err := r.nc.FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("NATS flush failed")
	}
	r.nc.Close()
	log.WithFields(r.LogTags).Infof("Close NATS client")
}
