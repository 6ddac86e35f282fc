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
	"fmt"
	"sync"
	"time"

	"github.com/hiddeout/website/common"
)

// fakeTransport in memory Transport driven by the test
type fakeTransport struct {
	target    string
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	onClose   func()
	lock      sync.Mutex
	written   [][]byte
	readErr   chan error
}

func newFakeTransport(target string, onClose func()) *fakeTransport {
	return &fakeTransport{
		target:  target,
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
		onClose: onClose,
		readErr: make(chan error, 1),
	}
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case msg := <-t.inbound:
		return msg, nil
	case err := <-t.readErr:
		return nil, err
	case <-t.closed:
		return nil, ErrTransportClosed
	}
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	select {
	case <-t.closed:
		return fmt.Errorf("write on closed transport")
	default:
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	t.written = append(t.written, data)
	return nil
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.onClose != nil {
			t.onClose()
		}
	})
	return nil
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// push queue a server message
func (t *fakeTransport) push(kind string, data interface{}) {
	raw, err := EncodeEnvelope(kind, data)
	if err != nil {
		panic(err)
	}
	t.inbound <- raw
}

// fail make the next read return an error
func (t *fakeTransport) fail(err error) {
	t.readErr <- err
}

// sent kinds of all messages written by the client
func (t *fakeTransport) sent() []string {
	t.lock.Lock()
	defer t.lock.Unlock()
	result := []string{}
	for _, raw := range t.written {
		var env Envelope
		if err := json.Unmarshal(raw, &env); err == nil {
			result = append(result, env.Event)
		}
	}
	return result
}

func (t *fakeTransport) countSent(kind string) int {
	count := 0
	for _, k := range t.sent() {
		if k == kind {
			count++
		}
	}
	return count
}

// fakeDialer hands out fakeTransports and tracks how many are live
type fakeDialer struct {
	lock       sync.Mutex
	dials      []*fakeTransport
	live       int
	maxLive    int
	failWith   error
	hold       chan struct{}
	transports chan *fakeTransport
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{transports: make(chan *fakeTransport, 16)}
}

func (d *fakeDialer) Dial(ctxt context.Context, target string) (Transport, error) {
	d.lock.Lock()
	hold := d.hold
	failWith := d.failWith
	d.lock.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctxt.Done():
			return nil, ctxt.Err()
		}
	}
	if failWith != nil {
		return nil, failWith
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	t := newFakeTransport(target, func() {
		d.lock.Lock()
		defer d.lock.Unlock()
		d.live--
	})
	d.dials = append(d.dials, t)
	d.live++
	if d.live > d.maxLive {
		d.maxLive = d.live
	}
	d.transports <- t
	return t, nil
}

func (d *fakeDialer) dialCount() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) liveCount() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.live
}

func (d *fakeDialer) peakLive() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.maxLive
}

func (d *fakeDialer) next(timeout time.Duration) *fakeTransport {
	select {
	case t := <-d.transports:
		return t
	case <-time.After(timeout):
		return nil
	}
}

// manualTimer IntervalTimer fired by the test
type manualTimer struct {
	lock     sync.Mutex
	running  bool
	interval time.Duration
	oneShot  bool
	handler  common.TimeoutHandler
	starts   int
}

func (t *manualTimer) Start(interval time.Duration, handler common.TimeoutHandler, oneShot bool) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.running = true
	t.interval = interval
	t.oneShot = oneShot
	t.handler = handler
	t.starts++
	return nil
}

func (t *manualTimer) Stop() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.running = false
	return nil
}

// fire run the handler as if the interval elapsed. Returns false when not running.
func (t *manualTimer) fire() bool {
	t.lock.Lock()
	if !t.running {
		t.lock.Unlock()
		return false
	}
	handler := t.handler
	if t.oneShot {
		t.running = false
	}
	t.lock.Unlock()
	_ = handler()
	return true
}

func (t *manualTimer) status() (bool, time.Duration, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.running, t.interval, t.oneShot
}

func (t *manualTimer) isRunning() bool {
	running, _, _ := t.status()
	return running
}

// manualTimers TimerFactory which records every timer by name
type manualTimers struct {
	lock   sync.Mutex
	timers map[string]*manualTimer
}

func newManualTimers() *manualTimers {
	return &manualTimers{timers: make(map[string]*manualTimer)}
}

func (m *manualTimers) factory() common.TimerFactory {
	return func(name string) (common.IntervalTimer, error) {
		m.lock.Lock()
		defer m.lock.Unlock()
		t := &manualTimer{}
		m.timers[name] = t
		return t, nil
	}
}

func (m *manualTimers) get(name string) *manualTimer {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.timers[name]
}

// recorder collects client callbacks
type recorder struct {
	lock   sync.Mutex
	events []Notification
	states []State
}

func (r *recorder) onEvent(kind string, data json.RawMessage) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, Notification{Event: kind, Data: data})
}

func (r *recorder) onState(state State) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.states = append(r.states, state)
}

func (r *recorder) eventKinds() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	result := []string{}
	for _, e := range r.events {
		result = append(result, e.Event)
	}
	return result
}

func (r *recorder) allStates() []State {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]State{}, r.states...)
}
