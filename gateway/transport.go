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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// ErrTransportClosed is returned by a Transport read after a normal close by either side
var ErrTransportClosed = errors.New("gateway transport closed")

// Transport is one established bidirectional message channel to the gateway endpoint
type Transport interface {
	// ReadMessage blocks until the next message arrives. A normal close is reported as
	// ErrTransportClosed.
	ReadMessage() ([]byte, error)
	// WriteMessage sends one message
	WriteMessage(data []byte) error
	// Close terminates the transport. Safe to call more than once.
	Close() error
}

// Dialer opens a Transport to a gateway URL
type Dialer interface {
	Dial(ctxt context.Context, target string) (Transport, error)
}

// WebsocketDialerParams parameters for the websocket dialer
type WebsocketDialerParams struct {
	// HandshakeTimeout bounds the opening handshake
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each outbound message write
	WriteTimeout time.Duration
}

type websocketDialer struct {
	dialer       websocket.Dialer
	writeTimeout time.Duration
}

// NewWebsocketDialer define a Dialer which speaks websocket
func NewWebsocketDialer(params WebsocketDialerParams) Dialer {
	return &websocketDialer{
		dialer: websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: params.HandshakeTimeout,
		},
		writeTimeout: params.WriteTimeout,
	}
}

// Dial open a websocket connection
func (d *websocketDialer) Dial(ctxt context.Context, target string) (Transport, error) {
	conn, resp, err := d.dialer.DialContext(ctxt, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("gateway handshake rejected with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return &websocketTransport{conn: conn, writeTimeout: d.writeTimeout}, nil
}

type websocketTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

func (t *websocketTransport) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrTransportClosed
			}
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *websocketTransport) WriteMessage(data []byte) error {
	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *websocketTransport) Close() error {
	t.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := t.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			log.WithError(err).Debug("Unable to send websocket close frame")
		}
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
