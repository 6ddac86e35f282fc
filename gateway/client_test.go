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
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

const (
	waitFor  = time.Second
	waitTick = time.Millisecond * 5
)

func newTestClient(
	t *testing.T, dialer *fakeDialer, timers *manualTimers, rec *recorder,
) Client {
	uut, err := NewClient(context.Background(), ClientParams{
		Name:          "test",
		GatewayURL:    "http://backend:8000",
		Dialer:        dialer,
		Timers:        timers.factory(),
		OnEvent:       rec.onEvent,
		OnStateChange: rec.onState,
	})
	assert.Nil(t, err)
	return uut
}

// openClient connects and waits for the transport to open
func openClient(t *testing.T, uut Client, dialer *fakeDialer, guildID, token string) *fakeTransport {
	assert := assert.New(t)
	assert.Nil(uut.Connect(context.Background(), guildID, token))
	transport := dialer.next(waitFor)
	assert.NotNil(transport)
	assert.Eventually(func() bool { return uut.State().Connected }, waitFor, waitTick)
	return transport
}

// barrier pushes a marker event and waits until it is dispatched, so every message queued
// before it has been processed
func barrier(t *testing.T, transport *fakeTransport, rec *recorder, marker string) {
	transport.push(marker, nil)
	assert.Eventually(t, func() bool {
		for _, kind := range rec.eventKinds() {
			if kind == marker {
				return true
			}
		}
		return false
	}, waitFor, waitTick)
}

func TestConnectRequiresToken(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	dialer := newFakeDialer()
	rec := &recorder{}
	uut := newTestClient(t, dialer, newManualTimers(), rec)
	defer func() { assert.Nil(uut.Stop()) }()

	err := uut.Connect(context.Background(), "42", "")
	assert.True(errors.Is(err, ErrAuthRequired))
	state := uut.State()
	assert.False(state.Connected)
	assert.Equal(PhaseIdle, state.Phase)
	assert.True(errors.Is(state.LastError, ErrAuthRequired))
	assert.Equal(0, dialer.dialCount())
}

func TestConnectLifecycle(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	dialer := newFakeDialer()
	dialer.hold = make(chan struct{})
	rec := &recorder{}
	uut := newTestClient(t, dialer, newManualTimers(), rec)
	defer func() { assert.Nil(uut.Stop()) }()

	// Case 0: not open until the transport is established
	assert.Nil(uut.Connect(context.Background(), "42", "tok"))
	state := uut.State()
	assert.False(state.Connected)
	assert.Equal(PhaseConnecting, state.Phase)
	assert.Equal("42", state.GuildID)

	// Case 1: same guild while pending is a no-op
	assert.Nil(uut.Connect(context.Background(), "42", "tok"))

	close(dialer.hold)
	transport := dialer.next(waitFor)
	assert.NotNil(transport)
	assert.Equal("ws://backend:8000/gateway?guild_id=42&token=tok", transport.target)
	assert.Eventually(func() bool { return uut.State().Connected }, waitFor, waitTick)
	assert.Equal(PhaseOpen, uut.State().Phase)
	assert.Nil(uut.State().LastError)

	// Case 2: same guild while open is a no-op
	assert.Nil(uut.Connect(context.Background(), "42", "tok"))
	assert.Equal(1, dialer.dialCount())
	assert.Equal(1, dialer.peakLive())

	// Case 3: disconnect
	assert.Nil(uut.Disconnect(context.Background()))
	assert.False(uut.State().Connected)
	assert.Equal(PhaseIdle, uut.State().Phase)
	assert.True(transport.isClosed())
	assert.Equal(0, dialer.liveCount())

	// Case 4: disconnect again changes nothing
	before := len(rec.allStates())
	assert.Nil(uut.Disconnect(context.Background()))
	assert.Equal(before, len(rec.allStates()))
	assert.Equal(PhaseIdle, uut.State().Phase)
}

func TestConnectDifferentGuildSupersedes(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	dialer := newFakeDialer()
	rec := &recorder{}
	uut := newTestClient(t, dialer, newManualTimers(), rec)
	defer func() { assert.Nil(uut.Stop()) }()

	first := openClient(t, uut, dialer, "1", "tok")
	first.push(KindIdentify, map[string]interface{}{"guild": PartialGuild{ID: "1", Name: "first"}})
	assert.Eventually(func() bool { return uut.State().Guild != nil }, waitFor, waitTick)

	assert.Nil(uut.Connect(context.Background(), "2", "tok"))
	assert.True(first.isClosed())
	// The snapshot of the old guild does not carry over
	assert.Nil(uut.State().Guild)
	second := dialer.next(waitFor)
	assert.NotNil(second)
	assert.Contains(second.target, "guild_id=2")
	assert.Eventually(func() bool { return uut.State().Connected }, waitFor, waitTick)
	assert.Equal("2", uut.State().GuildID)
	assert.Equal(1, dialer.liveCount())
}

func TestHeartbeatAcknowledged(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	dialer := newFakeDialer()
	timers := newManualTimers()
	rec := &recorder{}
	uut := newTestClient(t, dialer, timers, rec)
	defer func() { assert.Nil(uut.Stop()) }()
	heartbeat := timers.get("test.heartbeat")
	assert.NotNil(heartbeat)

	transport := openClient(t, uut, dialer, "42", "tok")
	assert.False(heartbeat.isRunning())

	transport.push(KindPrepare, PrepareData{Interval: 1000, ID: "42"})
	assert.Eventually(heartbeat.isRunning, waitFor, waitTick)
	_, interval, oneShot := heartbeat.status()
	assert.Equal(time.Second, interval)
	assert.False(oneShot)

	for i := 1; i <= 3; i++ {
		assert.True(heartbeat.fire())
		expected := i
		assert.Eventually(func() bool {
			return transport.countSent(KindHeartbeat) == expected
		}, waitFor, waitTick)
		transport.push(KindHeartbeatAck, HeartbeatAckData{Received: i})
		barrier(t, transport, rec, fmt.Sprintf("SYNC-%d", i))
	}
	assert.True(uut.State().Connected)
	assert.Equal(1, dialer.dialCount())

	// Neither PREPARE nor HEARTBEAT_ACK reach the event handler
	for _, kind := range rec.eventKinds() {
		assert.NotEqual(KindPrepare, kind)
		assert.NotEqual(KindHeartbeatAck, kind)
	}

	// A new PREPARE replaces the running timer
	transport.push(KindPrepare, PrepareData{Interval: 2000})
	assert.Eventually(func() bool {
		_, interval, _ := heartbeat.status()
		return interval == time.Second*2
	}, waitFor, waitTick)
}

func TestHeartbeatTimeoutReconnects(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	dialer := newFakeDialer()
	timers := newManualTimers()
	rec := &recorder{}
	uut := newTestClient(t, dialer, timers, rec)
	defer func() { assert.Nil(uut.Stop()) }()
	heartbeat := timers.get("test.heartbeat")
	reconnect := timers.get("test.reconnect")

	transport := openClient(t, uut, dialer, "42", "tok")
	transport.push(KindPrepare, PrepareData{Interval: 1000})
	assert.Eventually(heartbeat.isRunning, waitFor, waitTick)

	// t=1000: heartbeat sent
	assert.True(heartbeat.fire())
	assert.Eventually(func() bool {
		return transport.countSent(KindHeartbeat) == 1
	}, waitFor, waitTick)

	// t=2000: no ack, connection dropped and reconnect scheduled
	assert.True(heartbeat.fire())
	assert.Eventually(transport.isClosed, waitFor, waitTick)
	assert.Eventually(func() bool { return !uut.State().Connected }, waitFor, waitTick)
	assert.Nil(uut.State().LastError)
	assert.False(heartbeat.isRunning())
	assert.Eventually(reconnect.isRunning, waitFor, waitTick)
	_, delay, oneShot := reconnect.status()
	assert.Equal(DefaultReconnectDelay, delay)
	assert.True(oneShot)
	assert.Equal(1, transport.countSent(KindHeartbeat))
	assert.Equal(1, dialer.dialCount())

	// t=7000: reconnect for the same guild
	assert.True(reconnect.fire())
	second := dialer.next(waitFor)
	assert.NotNil(second)
	assert.Equal(transport.target, second.target)
	assert.Eventually(func() bool { return uut.State().Connected }, waitFor, waitTick)
	assert.Equal(2, dialer.dialCount())
	assert.Equal(1, dialer.peakLive())
}

func TestReconnectUsesLatestToken(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	dialer := newFakeDialer()
	timers := newManualTimers()
	rec := &recorder{}
	uut := newTestClient(t, dialer, timers, rec)
	defer func() { assert.Nil(uut.Stop()) }()
	heartbeat := timers.get("test.heartbeat")
	reconnect := timers.get("test.reconnect")

	transport := openClient(t, uut, dialer, "42", "old")
	assert.Nil(uut.Connect(context.Background(), "42", "new"))
	assert.Equal(1, dialer.dialCount())

	transport.push(KindPrepare, PrepareData{Interval: 1000})
	assert.Eventually(heartbeat.isRunning, waitFor, waitTick)
	assert.True(heartbeat.fire())
	assert.Eventually(func() bool {
		return transport.countSent(KindHeartbeat) == 1
	}, waitFor, waitTick)
	assert.True(heartbeat.fire())
	assert.Eventually(reconnect.isRunning, waitFor, waitTick)
	assert.True(reconnect.fire())

	second := dialer.next(waitFor)
	assert.NotNil(second)
	assert.Contains(second.target, "token=new")
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	dialer := newFakeDialer()
	timers := newManualTimers()
	rec := &recorder{}
	uut := newTestClient(t, dialer, timers, rec)
	defer func() { assert.Nil(uut.Stop()) }()
	heartbeat := timers.get("test.heartbeat")
	reconnect := timers.get("test.reconnect")

	transport := openClient(t, uut, dialer, "42", "tok")
	transport.push(KindPrepare, PrepareData{Interval: 1000})
	assert.Eventually(heartbeat.isRunning, waitFor, waitTick)
	assert.True(heartbeat.fire())
	assert.Eventually(func() bool {
		return transport.countSent(KindHeartbeat) == 1
	}, waitFor, waitTick)
	assert.True(heartbeat.fire())
	assert.Eventually(reconnect.isRunning, waitFor, waitTick)

	// Keep the handler to fire it after cancellation
	reconnect.lock.Lock()
	staleHandler := reconnect.handler
	reconnect.lock.Unlock()

	assert.Nil(uut.Disconnect(context.Background()))
	assert.False(reconnect.isRunning())

	assert.Nil(staleHandler())
	time.Sleep(time.Millisecond * 50)
	assert.Equal(1, dialer.dialCount())
	assert.Equal(PhaseIdle, uut.State().Phase)
}

func TestEventDispatch(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	dialer := newFakeDialer()
	rec := &recorder{}
	uut := newTestClient(t, dialer, newManualTimers(), rec)
	defer func() { assert.Nil(uut.Stop()) }()

	transport := openClient(t, uut, dialer, "42", "tok")

	// IDENTIFY updates the snapshot, numeric ids included
	transport.inbound <- []byte(
		`{"event":"IDENTIFY","data":{"guild":{"id":42,"name":"Guild"},"member":{"id":"7","username":"u","display_name":"User"}}}`,
	)
	assert.Eventually(func() bool { return uut.State().Member != nil }, waitFor, waitTick)
	state := uut.State()
	guild, err := state.GuildView()
	assert.Nil(err)
	assert.Equal(Snowflake("42"), guild.ID)
	assert.Equal("Guild", guild.Name)
	member, err := state.MemberView()
	assert.Nil(err)
	assert.Equal("User", member.DisplayName)

	// Malformed messages are dropped and the connection stays up
	transport.inbound <- []byte("not json")
	transport.inbound <- []byte(`{"data":{}}`)
	transport.inbound <- []byte(`{"event":"PREPARE","data":{"interval":"soon"}}`)

	// Application events are forwarded verbatim and exactly once
	transport.inbound <- []byte(`{"event":"SETTINGS_UPDATE","data":{"prefix":"?"}}`)
	barrier(t, transport, rec, "SYNC")

	assert.Equal([]string{"SETTINGS_UPDATE", "SYNC"}, rec.eventKinds())
	rec.lock.Lock()
	assert.JSONEq(`{"prefix":"?"}`, string(rec.events[0].Data))
	rec.lock.Unlock()
	assert.True(uut.State().Connected)
}

func TestIdentifyKeepsServerSnapshot(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	dialer := newFakeDialer()
	rec := &recorder{}
	uut := newTestClient(t, dialer, newManualTimers(), rec)
	defer func() { assert.Nil(uut.Stop()) }()

	transport := openClient(t, uut, dialer, "42", "tok")

	// Case 0: unmodelled fields and empty lists survive
	guild := `{"id":"42","name":"Guild","roles":[],"channels":[` +
		`{"id":"5","name":"general","type":"text","permission_overwrites":[{"id":"9","allow":"1024"}]}]}`
	transport.inbound <- []byte(`{"event":"IDENTIFY","data":{"guild":` + guild + `,"member":{"id":"7"}}}`)
	assert.Eventually(func() bool { return uut.State().Guild != nil }, waitFor, waitTick)
	state := uut.State()
	assert.JSONEq(guild, string(state.Guild))
	assert.JSONEq(`{"id":"7"}`, string(state.Member))
	view, err := state.GuildView()
	assert.Nil(err)
	assert.Len(view.Channels, 1)

	// Case 1: a field the typed view rejects still replaces the snapshot
	guild = `{"id":"42","name":"Renamed","created_at":"2020-01-01 00:00:00"}`
	transport.inbound <- []byte(`{"event":"IDENTIFY","data":{"guild":` + guild + `,"member":null}}`)
	assert.Eventually(func() bool { return uut.State().Member == nil }, waitFor, waitTick)
	state = uut.State()
	assert.JSONEq(guild, string(state.Guild))
	_, err = state.GuildView()
	assert.NotNil(err)
	member, err := state.MemberView()
	assert.Nil(err)
	assert.Nil(member)
	assert.True(state.Connected)
}

func TestDisconnectWhileDialing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	dialer := newFakeDialer()
	dialer.hold = make(chan struct{})
	rec := &recorder{}
	uut := newTestClient(t, dialer, newManualTimers(), rec)
	defer func() { assert.Nil(uut.Stop()) }()

	assert.Nil(uut.Connect(context.Background(), "42", "tok"))
	assert.Equal(PhaseConnecting, uut.State().Phase)
	assert.Nil(uut.Disconnect(context.Background()))
	assert.Equal(PhaseIdle, uut.State().Phase)

	// The dial completes after the disconnect; its transport must not be adopted
	close(dialer.hold)
	transport := dialer.next(waitFor)
	assert.NotNil(transport)
	assert.Eventually(transport.isClosed, waitFor, waitTick)
	assert.Eventually(func() bool { return dialer.liveCount() == 0 }, waitFor, waitTick)

	state := uut.State()
	assert.Equal(PhaseIdle, state.Phase)
	assert.False(state.Connected)
	for _, published := range rec.allStates() {
		assert.NotEqual(PhaseOpen, published.Phase)
	}
}

func TestSendRequiresOpen(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	dialer := newFakeDialer()
	dialer.hold = make(chan struct{})
	rec := &recorder{}
	uut := newTestClient(t, dialer, newManualTimers(), rec)
	defer func() { assert.Nil(uut.Stop()) }()

	// Case 0: never connected
	sent, err := uut.Send(context.Background(), "PING", nil)
	assert.Nil(err)
	assert.False(sent)

	// Case 1: connecting
	assert.Nil(uut.Connect(context.Background(), "42", "tok"))
	sent, err = uut.Send(context.Background(), "PING", nil)
	assert.Nil(err)
	assert.False(sent)

	// Case 2: open
	close(dialer.hold)
	transport := dialer.next(waitFor)
	assert.Eventually(func() bool { return uut.State().Connected }, waitFor, waitTick)
	sent, err = uut.Send(context.Background(), "PING", map[string]int{"n": 1})
	assert.Nil(err)
	assert.True(sent)
	transport.lock.Lock()
	assert.JSONEq(`{"event":"PING","data":{"n":1}}`, string(transport.written[0]))
	transport.lock.Unlock()

	// Case 3: closed, nothing queued
	assert.Nil(uut.Disconnect(context.Background()))
	sent, err = uut.Send(context.Background(), "PING", nil)
	assert.Nil(err)
	assert.False(sent)
	assert.Equal(1, transport.countSent("PING"))
}

func TestTransportErrorSetsErrorState(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	dialer := newFakeDialer()
	timers := newManualTimers()
	rec := &recorder{}
	uut := newTestClient(t, dialer, timers, rec)
	defer func() { assert.Nil(uut.Stop()) }()
	heartbeat := timers.get("test.heartbeat")
	reconnect := timers.get("test.reconnect")

	transport := openClient(t, uut, dialer, "42", "tok")
	transport.push(KindPrepare, PrepareData{Interval: 1000})
	assert.Eventually(heartbeat.isRunning, waitFor, waitTick)

	transport.fail(fmt.Errorf("connection reset"))
	assert.Eventually(func() bool { return uut.State().LastError != nil }, waitFor, waitTick)
	state := uut.State()
	assert.False(state.Connected)
	assert.Equal(PhaseIdle, state.Phase)
	assert.False(heartbeat.isRunning())
	assert.False(reconnect.isRunning())
	assert.True(transport.isClosed())

	// Observers never see an error state that still claims to be connected
	for _, s := range rec.allStates() {
		if s.LastError != nil {
			assert.False(s.Connected)
		}
	}

	time.Sleep(time.Millisecond * 50)
	assert.Equal(1, dialer.dialCount())
}

func TestServerCloseIsNotAnError(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	dialer := newFakeDialer()
	rec := &recorder{}
	uut := newTestClient(t, dialer, newManualTimers(), rec)
	defer func() { assert.Nil(uut.Stop()) }()

	transport := openClient(t, uut, dialer, "42", "tok")
	transport.fail(ErrTransportClosed)
	assert.Eventually(func() bool { return !uut.State().Connected }, waitFor, waitTick)
	assert.Nil(uut.State().LastError)
	assert.Equal(PhaseIdle, uut.State().Phase)
}

func TestDialFailure(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	dialer := newFakeDialer()
	dialer.failWith = fmt.Errorf("connection refused")
	rec := &recorder{}
	uut := newTestClient(t, dialer, newManualTimers(), rec)
	defer func() { assert.Nil(uut.Stop()) }()

	assert.Nil(uut.Connect(context.Background(), "42", "tok"))
	assert.Eventually(func() bool { return uut.State().LastError != nil }, waitFor, waitTick)
	assert.False(uut.State().Connected)
	assert.Equal(PhaseIdle, uut.State().Phase)

	// A later successful connect clears the error
	dialer.lock.Lock()
	dialer.failWith = nil
	dialer.lock.Unlock()
	openClient(t, uut, dialer, "42", "tok")
	assert.Nil(uut.State().LastError)
}

func TestLateMessagesAfterDisconnectIgnored(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	dialer := newFakeDialer()
	rec := &recorder{}
	uut := newTestClient(t, dialer, newManualTimers(), rec)
	defer func() { assert.Nil(uut.Stop()) }()

	transport := openClient(t, uut, dialer, "42", "tok")
	assert.Nil(uut.Disconnect(context.Background()))
	transport.inbound <- []byte(`{"event":"LATE","data":{}}`)
	transport.inbound <- []byte(`{"event":"IDENTIFY","data":{"guild":{"id":"42","name":"late"}}}`)
	time.Sleep(time.Millisecond * 50)
	assert.Empty(rec.eventKinds())
	assert.Nil(uut.State().Guild)
	assert.False(uut.State().Connected)
}

func TestClientStopReleasesGoroutines(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dialer := newFakeDialer()
	rec := &recorder{}
	uut, err := NewClient(context.Background(), ClientParams{
		Name:       "leak",
		GatewayURL: "ws://backend/",
		Dialer:     dialer,
		OnEvent:    rec.onEvent,
	})
	assert.Nil(err)

	transport := openClient(t, uut, dialer, "42", "tok")
	transport.push(KindPrepare, PrepareData{Interval: 10})
	assert.Eventually(func() bool {
		return transport.countSent(KindHeartbeat) > 0
	}, waitFor, waitTick)

	assert.Nil(uut.Stop())
	assert.True(transport.isClosed())
	assert.Nil(uut.Stop())
	_, err = uut.Send(context.Background(), "PING", nil)
	assert.NotNil(err)
}

func TestSnowflakeDecoding(t *testing.T) {
	assert := assert.New(t)

	type holder struct {
		ID Snowflake `json:"id"`
	}
	var h holder
	assert.Nil(json.Unmarshal([]byte(`{"id":1234567890123456789}`), &h))
	assert.Equal(Snowflake("1234567890123456789"), h.ID)
	assert.Nil(json.Unmarshal([]byte(`{"id":"98"}`), &h))
	assert.Equal(Snowflake("98"), h.ID)
	assert.NotNil(json.Unmarshal([]byte(`{"id":-1}`), &h))
	assert.NotNil(json.Unmarshal([]byte(`{"id":true}`), &h))

	raw, err := json.Marshal(holder{ID: "5"})
	assert.Nil(err)
	assert.JSONEq(`{"id":"5"}`, string(raw))
	v, err := Snowflake("5").Uint64()
	assert.Nil(err)
	assert.Equal(uint64(5), v)
}

func TestBuildGatewayURL(t *testing.T) {
	assert := assert.New(t)

	type testCase struct {
		base     string
		expected string
		hasError bool
	}
	cases := []testCase{
		{base: "http://localhost:8000", expected: "ws://localhost:8000/gateway?guild_id=1&token=a+b"},
		{base: "https://api.example.com/", expected: "wss://api.example.com/gateway?guild_id=1&token=a+b"},
		{base: "wss://api.example.com/gateway", expected: "wss://api.example.com/gateway?guild_id=1&token=a+b"},
		{base: "ftp://api.example.com", hasError: true},
	}
	for idx, oneCase := range cases {
		result, err := BuildGatewayURL(oneCase.base, "a b", "1")
		if oneCase.hasError {
			assert.NotNil(err, "Case %d", idx)
			continue
		}
		assert.Nil(err, "Case %d", idx)
		assert.Equal(oneCase.expected, result, "Case %d", idx)
	}
}
