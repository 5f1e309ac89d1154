//go:build !no_mqtt

// Package mqtt mirrors the controller onto an MQTT broker: retained
// per-device state topics, a bridge availability topic, and a /set
// command topic per device.
package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"tuya-go-home/internal/controller"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge connects the device controller to MQTT.
type Bridge struct {
	client pahomqtt.Client
	ctrl   *controller.Controller
	prefix string
	logger *slog.Logger
	unsub  func()
}

// statePayload is the retained per-device state document.
type statePayload struct {
	State   string `json:"state"`
	Command string `json:"command"`
	Pulse   int64  `json:"pulse,omitempty"`
}

// commandPayload is what a /set topic accepts, besides the bare
// strings "on" and "off".
type commandPayload struct {
	State string `json:"state"`
	Pulse int    `json:"pulse"`
	Cause string `json:"cause"`
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(ctrl *controller.Controller, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		ctrl:   ctrl,
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqtt"),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("tuya-go-home").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishDiscovery()
			b.publishAllStates()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to controller events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.ctrl.Bus().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// handleEvent republishes the state of whichever device an event
// concerns. Every event type carries a DeviceEvent payload.
func (b *Bridge) handleEvent(event controller.Event) {
	de, ok := event.Data.(controller.DeviceEvent)
	if !ok || de.Device == "" {
		return
	}
	if event.Type == controller.EventDetected {
		// A point seen for the first time needs announcing before
		// its state means anything to HA.
		for _, dev := range b.ctrl.Status() {
			if dev.Name != de.Device {
				continue
			}
			for _, msg := range buildDiscovery(dev, b.prefix) {
				b.publish(msg.Topic, msg.Payload, true)
			}
		}
	}
	b.publishDeviceState(de.Device)
}

// publishDiscovery announces every control point to Home Assistant.
func (b *Bridge) publishDiscovery() {
	for _, dev := range b.ctrl.Status() {
		for _, msg := range buildDiscovery(dev, b.prefix) {
			b.publish(msg.Topic, msg.Payload, true)
		}
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishAllStates() {
	for _, dev := range b.ctrl.Status() {
		b.publishDeviceState(dev.Name)
	}
}

func (b *Bridge) publishDeviceState(name string) {
	for _, dev := range b.ctrl.Status() {
		if dev.Name != name {
			continue
		}
		payload := statePayload{State: dev.State, Command: dev.Command}
		if !dev.Deadline.IsZero() {
			payload.Pulse = dev.Deadline.Unix()
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		b.publish(b.prefix+"/"+name, data, true)
		return
	}
}

// subscribeCommands listens on <prefix>/<device>/set for everything at
// once; devices appear and disappear as the config changes, so a
// wildcard beats per-device subscriptions.
func (b *Bridge) subscribeCommands() {
	topic := b.prefix + "/+/set"
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		name, ok := deviceFromTopic(b.prefix, msg.Topic())
		if !ok {
			return
		}
		b.handleCommand(name, msg.Payload())
	})
}

func (b *Bridge) handleCommand(name string, payload []byte) {
	point := b.ctrl.PointByName(name)
	if point < 0 {
		b.logger.Warn("command for unknown device", "device", name)
		return
	}
	state, pulse, cause, err := parseCommand(payload)
	if err != nil {
		b.logger.Warn("invalid command payload", "device", name, "err", err)
		return
	}
	b.ctrl.Set(point, state, pulse, cause)
}

// parseCommand accepts "on"/"off" or a JSON command document.
func parseCommand(payload []byte) (state bool, pulse int, cause string, err error) {
	switch strings.TrimSpace(string(payload)) {
	case "on", "ON", "1":
		return true, 0, "mqtt", nil
	case "off", "OFF", "0":
		return false, 0, "mqtt", nil
	}

	var cmd commandPayload
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return false, 0, "", fmt.Errorf("parse command: %w", err)
	}
	switch strings.ToLower(cmd.State) {
	case "on", "1":
		state = true
	case "off", "0":
		state = false
	default:
		return false, 0, "", fmt.Errorf("invalid state %q", cmd.State)
	}
	if cmd.Pulse < 0 {
		return false, 0, "", fmt.Errorf("invalid pulse %d", cmd.Pulse)
	}
	cause = cmd.Cause
	if cause == "" {
		cause = "mqtt"
	}
	return state, cmd.Pulse, cause, nil
}

// deviceFromTopic extracts the device name from <prefix>/<name>/set.
func deviceFromTopic(prefix, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return "", false
	}
	name, ok := strings.CutSuffix(rest, "/set")
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
