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

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/hiddeout/website/common"
	"github.com/hiddeout/website/gateway"
)

// ProbeArgs parameters of the gateway probe
type ProbeArgs struct {
	GuildID string `validate:"required,numeric"`
	Token   string `validate:"required"`
}

// RunGatewayProbe hold one gateway connection open for a guild, logging every state change
// and application event until the runtime context is cancelled.
func RunGatewayProbe(
	runtimeContext context.Context, config *common.SystemConfig, instance string, args ProbeArgs,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "probe",
		"instance":  instance,
		"guild_id":  args.GuildID,
	}

	client, err := gateway.NewClient(runtimeContext, gateway.ClientParams{
		Name:       fmt.Sprintf("probe-%s", args.GuildID),
		GatewayURL: GatewayBaseURL(config.Backend),
		Dialer: gateway.NewWebsocketDialer(gateway.WebsocketDialerParams{
			HandshakeTimeout: time.Second * time.Duration(config.Gateway.HandshakeTimeout),
			WriteTimeout:     time.Second * time.Duration(config.Gateway.WriteTimeout),
		}),
		ReconnectDelay: time.Millisecond * time.Duration(config.Gateway.ReconnectDelay),
		TaskBuffer:     config.Gateway.TaskBuffer,
		OnEvent: func(kind string, data json.RawMessage) {
			log.WithFields(logTags).Infof("Event %s: %s", kind, data)
		},
		OnStateChange: func(state gateway.State) {
			entry := log.WithFields(logTags)
			if state.LastError != nil {
				entry = entry.WithError(state.LastError)
			}
			if guild, err := state.GuildView(); err == nil && guild != nil {
				entry = entry.WithField("guild_name", guild.Name)
			}
			entry.Infof("Gateway %s (connected=%v)", state.Phase, state.Connected)
		},
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define gateway client")
		return err
	}
	defer func() {
		if err := client.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Gateway client stop failed")
		}
	}()

	if err := client.Connect(runtimeContext, args.GuildID, args.Token); err != nil {
		log.WithError(err).WithFields(logTags).Error("Gateway connect failed")
		return err
	}

	<-runtimeContext.Done()
	return nil
}
