// Copyright 2025 The fleetcore Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package transport adapts an MQTT broker connection to the ingestion
// pipeline. It subscribes the per-component wildcard topics, strips the
// leading componentId segment, and feeds each message to the handler. The
// same connection provides the publish capability the property-set path
// uses.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// subscriptions is the fleet's wildcard topic set, one leading '+' per
// componentId.
var subscriptions = []string{
	"+/system/info",
	"+/system/register/prop",
	"+/system/prop/#",
	"+/system/connections",
	"+/app/info",
	"+/app/register/prop",
	"+/app/prop/#",
}

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	subscribeQoS   = 1
)

// MessageHandler consumes inbound messages with the componentId already
// split off the topic.
type MessageHandler interface {
	OnMessage(ctx context.Context, cid, topic string, payload []byte)
}

// Listener owns the broker connection.
type Listener struct {
	client  mqtt.Client
	handler MessageHandler
	log     *slog.Logger
}

// NewListener creates a Listener for the given broker. An empty clientID
// gets a random suffix so multiple cores can share a broker.
func NewListener(brokerURL, clientID string, handler MessageHandler, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	if clientID == "" {
		clientID = "fleetcore-" + uuid.NewString()
	}
	l := &Listener{handler: handler, log: logger}

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOrderMatters(true)
	opts.OnConnect = func(c mqtt.Client) {
		logger.Info("connected to broker", "broker", brokerURL)
		l.subscribe(c)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("broker connection lost", "error", err)
	}
	l.client = mqtt.NewClient(opts)
	return l
}

// Connect dials the broker and blocks until the connection is up or ctx is
// done.
func (l *Listener) Connect(ctx context.Context) error {
	token := l.client.Connect()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	return nil
}

func (l *Listener) subscribe(c mqtt.Client) {
	filters := make(map[string]byte, len(subscriptions))
	for _, s := range subscriptions {
		filters[s] = subscribeQoS
	}
	token := c.SubscribeMultiple(filters, l.onMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		l.log.Error("subscription failed", "error", err)
	}
}

// onMessage splits the componentId off the topic and delegates. Topics with
// no componentId segment are malformed and dropped.
func (l *Listener) onMessage(_ mqtt.Client, msg mqtt.Message) {
	cid, rest, ok := strings.Cut(msg.Topic(), "/")
	if !ok || cid == "" {
		l.log.Warn("dropping message on malformed topic", "topic", msg.Topic())
		return
	}
	l.handler.OnMessage(context.Background(), cid, rest, msg.Payload())
}

// Publish sends a payload on the outbound channel. It satisfies the
// dispatcher's PublishFunc.
func (l *Listener) Publish(topic string, payload []byte) error {
	token := l.client.Publish(topic, subscribeQoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	return token.Error()
}

// Close disconnects from the broker.
func (l *Listener) Close() {
	l.client.Disconnect(250)
}
