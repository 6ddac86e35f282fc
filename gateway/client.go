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
	"reflect"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/hiddeout/website/common"
)

// ErrAuthRequired is returned when connecting without an auth token
var ErrAuthRequired = errors.New("gateway connection requires an auth token")

// DefaultReconnectDelay wait between a heartbeat timeout and the reconnect attempt
const DefaultReconnectDelay = time.Second * 5

// Phase readiness of the client connection
type Phase int

// Connection phases
const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseOpen
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseOpen:
		return "open"
	default:
		return "closed"
	}
}

// State is a point in time snapshot of a client
type State struct {
	// Connected is true only while the transport is open
	Connected bool
	Phase     Phase
	GuildID   string
	// Guild and Member hold the latest IDENTIFY objects exactly as the server sent them
	Guild     json.RawMessage
	Member    json.RawMessage
	// LastError is the most recent auth or transport failure. Cleared when a transport opens.
	LastError error
}

// GuildView decodes the guild snapshot. Returns nil when no IDENTIFY has been seen.
func (s State) GuildView() (*PartialGuild, error) {
	if s.Guild == nil {
		return nil, nil
	}
	var guild PartialGuild
	if err := json.Unmarshal(s.Guild, &guild); err != nil {
		return nil, err
	}
	return &guild, nil
}

// MemberView decodes the member snapshot. Returns nil when no IDENTIFY has been seen.
func (s State) MemberView() (*PartialMember, error) {
	if s.Member == nil {
		return nil, nil
	}
	var member PartialMember
	if err := json.Unmarshal(s.Member, &member); err != nil {
		return nil, err
	}
	return &member, nil
}

// EventHandler receives application events. Called on the client event loop; it must not
// call back into the client.
type EventHandler func(kind string, data json.RawMessage)

// StateHandler receives every published state. Called on the client event loop; it must
// not call back into the client.
type StateHandler func(state State)

// ClientParams parameters for a gateway client
type ClientParams struct {
	// Name identifies the client in logs
	Name string
	// GatewayURL base URL of the backend gateway endpoint
	GatewayURL string
	Dialer     Dialer
	// Timers builds the heartbeat and reconnect timers. Defaults to real interval timers.
	Timers         common.TimerFactory
	ReconnectDelay time.Duration
	TaskBuffer     int
	OnEvent        EventHandler
	OnStateChange  StateHandler
}

// Client is a gateway client bound to at most one guild at a time
type Client interface {
	// Connect opens a connection for a guild. Repeated calls for the same guild while a
	// connection is pending or open are no-ops; a different guild supersedes the current one.
	Connect(ctxt context.Context, guildID, token string) error
	// Send writes an event. Returns false when the connection is not open.
	Send(ctxt context.Context, kind string, payload interface{}) (bool, error)
	// Disconnect closes the connection and cancels any scheduled reconnect
	Disconnect(ctxt context.Context) error
	// State returns the latest published snapshot
	State() State
	// Stop disconnects and stops the event loop
	Stop() error
}

type clientImpl struct {
	common.Component
	params    ClientParams
	tp        common.TaskProcessor
	wg        sync.WaitGroup
	runCtxt   context.Context
	runCancel context.CancelFunc

	// Below is owned by the event loop

	phase        Phase
	epoch        uint64
	guildID      string
	token        string
	transport    Transport
	heartbeat    common.IntervalTimer
	heartbeatGen uint64
	heartbeatAck bool
	reconnect    common.IntervalTimer
	reconnectGen uint64
	guild        json.RawMessage
	member       json.RawMessage
	lastErr      error

	snapshotLock sync.RWMutex
	snapshot     State
}

// NewClient define a new gateway client and start its event loop
func NewClient(ctxt context.Context, params ClientParams) (Client, error) {
	if params.Dialer == nil {
		return nil, fmt.Errorf("gateway client requires a dialer")
	}
	if params.ReconnectDelay <= 0 {
		params.ReconnectDelay = DefaultReconnectDelay
	}
	if params.TaskBuffer <= 0 {
		params.TaskBuffer = 16
	}
	logTags := log.Fields{
		"module": "gateway", "component": "client", "instance": params.Name,
	}
	runCtxt, cancel := context.WithCancel(ctxt)
	instance := &clientImpl{
		Component: common.Component{LogTags: logTags},
		params:    params,
		runCtxt:   runCtxt,
		runCancel: cancel,
	}
	if instance.params.Timers == nil {
		instance.params.Timers = common.GetIntervalTimerFactory(runCtxt, &instance.wg)
	}

	var err error
	if instance.heartbeat, err = instance.params.Timers(params.Name + ".heartbeat"); err != nil {
		cancel()
		return nil, err
	}
	if instance.reconnect, err = instance.params.Timers(params.Name + ".reconnect"); err != nil {
		cancel()
		return nil, err
	}

	tp, err := common.GetNewTaskProcessorInstance(runCtxt, params.Name, params.TaskBuffer)
	if err != nil {
		cancel()
		return nil, err
	}
	instance.tp = tp
	handlers := map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(connectRequest{}):    instance.processConnectRequest,
		reflect.TypeOf(sendRequest{}):       instance.processSendRequest,
		reflect.TypeOf(disconnectRequest{}): instance.processDisconnectRequest,
		reflect.TypeOf(transportOpened{}):   instance.processTransportOpened,
		reflect.TypeOf(transportClosed{}):   instance.processTransportClosed,
		reflect.TypeOf(inboundMessage{}):    instance.processInboundMessage,
		reflect.TypeOf(heartbeatTick{}):     instance.processHeartbeatTick,
		reflect.TypeOf(reconnectFire{}):     instance.processReconnectFire,
	}
	if err := tp.SetTaskExecutionMap(handlers); err != nil {
		cancel()
		return nil, err
	}
	if err := tp.StartEventLoop(&instance.wg); err != nil {
		cancel()
		return nil, err
	}
	return instance, nil
}

// =========================================================================
// Task messages

type connectRequest struct {
	guildID  string
	token    string
	resultCB func(error)
}

type sendRequest struct {
	kind     string
	payload  interface{}
	resultCB func(bool, error)
}

type disconnectRequest struct {
	resultCB func(error)
}

type transportOpened struct {
	epoch     uint64
	transport Transport
}

type transportClosed struct {
	epoch uint64
	err   error
}

type inboundMessage struct {
	epoch uint64
	data  []byte
}

type heartbeatTick struct {
	epoch uint64
	gen   uint64
}

type reconnectFire struct {
	gen uint64
}

// =========================================================================
// Public API

func (c *clientImpl) Connect(ctxt context.Context, guildID, token string) error {
	result := make(chan error, 1)
	req := connectRequest{
		guildID: guildID, token: token, resultCB: func(err error) { result <- err },
	}
	if err := c.tp.Submit(ctxt, req); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Failed to submit connect request")
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctxt.Done():
		return ctxt.Err()
	case <-c.runCtxt.Done():
		return common.ErrEventLoopStopped
	}
}

func (c *clientImpl) Send(ctxt context.Context, kind string, payload interface{}) (bool, error) {
	type sendResult struct {
		sent bool
		err  error
	}
	result := make(chan sendResult, 1)
	req := sendRequest{
		kind:    kind,
		payload: payload,
		resultCB: func(sent bool, err error) {
			result <- sendResult{sent: sent, err: err}
		},
	}
	if err := c.tp.Submit(ctxt, req); err != nil {
		return false, err
	}
	select {
	case r := <-result:
		return r.sent, r.err
	case <-ctxt.Done():
		return false, ctxt.Err()
	case <-c.runCtxt.Done():
		return false, common.ErrEventLoopStopped
	}
}

func (c *clientImpl) Disconnect(ctxt context.Context) error {
	result := make(chan error, 1)
	req := disconnectRequest{resultCB: func(err error) { result <- err }}
	if err := c.tp.Submit(ctxt, req); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctxt.Done():
		return ctxt.Err()
	case <-c.runCtxt.Done():
		return common.ErrEventLoopStopped
	}
}

func (c *clientImpl) State() State {
	c.snapshotLock.RLock()
	defer c.snapshotLock.RUnlock()
	return c.snapshot
}

func (c *clientImpl) Stop() error {
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	if err := c.Disconnect(ctxt); err != nil && !errors.Is(err, common.ErrEventLoopStopped) {
		log.WithError(err).WithFields(c.LogTags).Error("Disconnect during stop failed")
	}
	c.runCancel()
	if err := c.tp.StopEventLoop(); err != nil {
		return err
	}
	c.wg.Wait()
	return nil
}

// =========================================================================
// Event loop handlers

func (c *clientImpl) processConnectRequest(param interface{}) error {
	req, ok := param.(connectRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for connect", reflect.TypeOf(param))
	}
	logTags := c.guildLogTags(req.guildID)

	if req.token == "" {
		log.WithFields(logTags).Warn("Connect without auth token")
		c.lastErr = ErrAuthRequired
		c.publish()
		req.resultCB(ErrAuthRequired)
		return nil
	}

	if c.phase != PhaseIdle {
		if c.guildID == req.guildID {
			// Already pending or open for this guild. The token is kept for the next reconnect.
			c.token = req.token
			req.resultCB(nil)
			return nil
		}
		log.WithFields(logTags).Infof("Superseding connection for guild %s", c.guildID)
		c.teardown()
	}
	c.cancelReconnect()

	if c.guildID != req.guildID {
		c.guild = nil
		c.member = nil
	}
	c.guildID = req.guildID
	c.token = req.token
	err := c.startAttempt()
	c.publish()
	req.resultCB(err)
	return nil
}

func (c *clientImpl) processSendRequest(param interface{}) error {
	req, ok := param.(sendRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for send", reflect.TypeOf(param))
	}
	sent, err := c.write(req.kind, req.payload)
	req.resultCB(sent, err)
	return nil
}

func (c *clientImpl) processDisconnectRequest(param interface{}) error {
	req, ok := param.(disconnectRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for disconnect", reflect.TypeOf(param))
	}
	c.cancelReconnect()
	if c.phase != PhaseIdle {
		log.WithFields(c.guildLogTags(c.guildID)).Info("Disconnecting")
		c.teardown()
		c.publish()
	}
	req.resultCB(nil)
	return nil
}

func (c *clientImpl) processTransportOpened(param interface{}) error {
	msg, ok := param.(transportOpened)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for transport open", reflect.TypeOf(param))
	}
	if msg.epoch != c.epoch || c.phase != PhaseConnecting {
		// A disconnect or a newer attempt came first
		if err := msg.transport.Close(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Closing stale transport failed")
		}
		return nil
	}
	log.WithFields(c.guildLogTags(c.guildID)).Info("Gateway connection open")
	c.transport = msg.transport
	c.phase = PhaseOpen
	c.lastErr = nil
	c.wg.Add(1)
	go c.readLoop(msg.epoch, msg.transport)
	c.publish()
	return nil
}

func (c *clientImpl) processTransportClosed(param interface{}) error {
	msg, ok := param.(transportClosed)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for transport close", reflect.TypeOf(param))
	}
	if msg.epoch != c.epoch || c.phase == PhaseIdle {
		return nil
	}
	logTags := c.guildLogTags(c.guildID)
	if msg.err != nil && !errors.Is(msg.err, ErrTransportClosed) {
		log.WithError(msg.err).WithFields(logTags).Error("Gateway transport failed")
		c.lastErr = fmt.Errorf("gateway transport: %w", msg.err)
	} else {
		log.WithFields(logTags).Info("Gateway connection closed")
	}
	c.teardown()
	c.publish()
	return nil
}

func (c *clientImpl) processInboundMessage(param interface{}) error {
	msg, ok := param.(inboundMessage)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for inbound message", reflect.TypeOf(param))
	}
	if msg.epoch != c.epoch || c.phase != PhaseOpen {
		return nil
	}
	logTags := c.guildLogTags(c.guildID)

	env, err := DecodeEnvelope(msg.data)
	if err != nil {
		log.WithError(err).WithFields(logTags).Warn("Dropping malformed gateway message")
		return nil
	}

	switch env.Event {
	case KindPrepare:
		var data PrepareData
		if err := json.Unmarshal(env.Data, &data); err != nil || data.Interval <= 0 {
			log.WithError(err).WithFields(logTags).Warnf("Dropping invalid %s", env.Event)
			return nil
		}
		c.startHeartbeat(data.HeartbeatInterval())

	case KindHeartbeatAck:
		c.heartbeatAck = true

	case KindIdentify:
		var data IdentifyData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			log.WithError(err).WithFields(logTags).Warnf("Dropping invalid %s", env.Event)
			return nil
		}
		// Replaced as a whole; a field this process cannot model never blocks the update
		c.guild = rawOrNil(data.Guild)
		c.member = rawOrNil(data.Member)
		c.publish()

	default:
		if c.params.OnEvent != nil {
			c.params.OnEvent(env.Event, env.Data)
		}
	}
	return nil
}

func (c *clientImpl) processHeartbeatTick(param interface{}) error {
	tick, ok := param.(heartbeatTick)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for heartbeat", reflect.TypeOf(param))
	}
	if tick.epoch != c.epoch || tick.gen != c.heartbeatGen || c.phase != PhaseOpen {
		return nil
	}
	logTags := c.guildLogTags(c.guildID)

	if !c.heartbeatAck {
		log.WithFields(logTags).Warnf(
			"Heartbeat not acknowledged, reconnecting in %s", c.params.ReconnectDelay,
		)
		c.teardown()
		c.scheduleReconnect()
		c.publish()
		return nil
	}

	c.heartbeatAck = false
	if _, err := c.write(KindHeartbeat, nil); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to send heartbeat")
	}
	return nil
}

func (c *clientImpl) processReconnectFire(param interface{}) error {
	msg, ok := param.(reconnectFire)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for reconnect", reflect.TypeOf(param))
	}
	if msg.gen != c.reconnectGen || c.phase != PhaseIdle {
		return nil
	}
	logTags := c.guildLogTags(c.guildID)
	if c.token == "" {
		c.lastErr = ErrAuthRequired
		c.publish()
		return nil
	}
	log.WithFields(logTags).Info("Reconnecting")
	if err := c.startAttempt(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Reconnect failed")
	}
	c.publish()
	return nil
}

// =========================================================================
// Event loop helpers

func (c *clientImpl) guildLogTags(guildID string) log.Fields {
	logTags := c.GetLogTagsForContext(context.Background())
	logTags["guild"] = guildID
	return logTags
}

// startAttempt begins dialing for the current guild and token
func (c *clientImpl) startAttempt() error {
	target, err := BuildGatewayURL(c.params.GatewayURL, c.token, c.guildID)
	if err != nil {
		c.lastErr = err
		return err
	}
	c.epoch++
	c.phase = PhaseConnecting
	epoch := c.epoch
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		transport, err := c.params.Dialer.Dial(c.runCtxt, target)
		if err != nil {
			_ = c.tp.Submit(c.runCtxt, transportClosed{epoch: epoch, err: err})
			return
		}
		if err := c.tp.Submit(c.runCtxt, transportOpened{epoch: epoch, transport: transport}); err != nil {
			_ = transport.Close()
		}
	}()
	return nil
}

func (c *clientImpl) readLoop(epoch uint64, transport Transport) {
	defer c.wg.Done()
	// Unblock the read when the client is stopped without a disconnect
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-c.runCtxt.Done():
			_ = transport.Close()
		case <-done:
		}
	}()
	for {
		data, err := transport.ReadMessage()
		if err != nil {
			_ = c.tp.Submit(c.runCtxt, transportClosed{epoch: epoch, err: err})
			return
		}
		if err := c.tp.Submit(c.runCtxt, inboundMessage{epoch: epoch, data: data}); err != nil {
			return
		}
	}
}

// teardown drops the current connection. Later tasks from it are ignored.
func (c *clientImpl) teardown() {
	c.stopHeartbeat()
	if c.transport != nil {
		if err := c.transport.Close(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Transport close failed")
		}
		c.transport = nil
	}
	c.epoch++
	c.phase = PhaseIdle
}

func (c *clientImpl) startHeartbeat(interval time.Duration) {
	c.heartbeatGen++
	epoch, gen := c.epoch, c.heartbeatGen
	c.heartbeatAck = true
	log.WithFields(c.guildLogTags(c.guildID)).Debugf("Heartbeat every %s", interval)
	if err := c.heartbeat.Start(interval, func() error {
		return c.tp.Submit(c.runCtxt, heartbeatTick{epoch: epoch, gen: gen})
	}, false); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Failed to start heartbeat timer")
	}
}

func (c *clientImpl) stopHeartbeat() {
	c.heartbeatGen++
	if err := c.heartbeat.Stop(); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Failed to stop heartbeat timer")
	}
}

func (c *clientImpl) scheduleReconnect() {
	c.reconnectGen++
	gen := c.reconnectGen
	if err := c.reconnect.Start(c.params.ReconnectDelay, func() error {
		return c.tp.Submit(c.runCtxt, reconnectFire{gen: gen})
	}, true); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Failed to schedule reconnect")
	}
}

func (c *clientImpl) cancelReconnect() {
	c.reconnectGen++
	if err := c.reconnect.Stop(); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Failed to cancel reconnect")
	}
}

func (c *clientImpl) write(kind string, payload interface{}) (bool, error) {
	if c.phase != PhaseOpen || c.transport == nil {
		return false, nil
	}
	raw, err := EncodeEnvelope(kind, payload)
	if err != nil {
		return false, err
	}
	if err := c.transport.WriteMessage(raw); err != nil {
		return false, err
	}
	return true, nil
}

// publish updates the shared snapshot then notifies the observer
func (c *clientImpl) publish() {
	state := State{
		Connected: c.phase == PhaseOpen,
		Phase:     c.phase,
		GuildID:   c.guildID,
		Guild:     c.guild,
		Member:    c.member,
		LastError: c.lastErr,
	}
	c.snapshotLock.Lock()
	c.snapshot = state
	c.snapshotLock.Unlock()
	if c.params.OnStateChange != nil {
		c.params.OnStateChange(state)
	}
}
