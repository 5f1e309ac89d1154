//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"testing"

	"tuya-go-home/internal/controller"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		wantState bool
		wantPulse int
		wantCause string
		wantErr   bool
	}{
		{"bare on", "on", true, 0, "mqtt", false},
		{"bare off", "off", false, 0, "mqtt", false},
		{"bare one", "1", true, 0, "mqtt", false},
		{"uppercase", "OFF", false, 0, "mqtt", false},
		{"json on", `{"state":"on"}`, true, 0, "mqtt", false},
		{"json with pulse", `{"state":"on","pulse":30}`, true, 30, "mqtt", false},
		{"json with cause", `{"state":"off","cause":"scene"}`, false, 0, "scene", false},
		{"bad state", `{"state":"toggle"}`, false, 0, "", true},
		{"negative pulse", `{"state":"on","pulse":-5}`, false, 0, "", true},
		{"garbage", "blorp", false, 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, pulse, cause, err := parseCommand([]byte(tt.payload))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseCommand: %v", err)
			}
			if state != tt.wantState || pulse != tt.wantPulse || cause != tt.wantCause {
				t.Errorf("got (%v, %d, %q), want (%v, %d, %q)",
					state, pulse, cause, tt.wantState, tt.wantPulse, tt.wantCause)
			}
		})
	}
}

func TestDeviceFromTopic(t *testing.T) {
	tests := []struct {
		topic  string
		want   string
		wantOK bool
	}{
		{"tuya/fan/set", "fan", true},
		{"tuya/porch_light/set", "porch_light", true},
		{"tuya/fan", "", false},
		{"tuya/fan/state", "", false},
		{"other/fan/set", "", false},
		{"tuya//set", "", false},
		{"tuya/a/b/set", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			got, ok := deviceFromTopic("tuya", tt.topic)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("deviceFromTopic(%q) = (%q, %v), want (%q, %v)",
					tt.topic, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestBuildDiscoveryLight(t *testing.T) {
	dev := controller.DeviceStatus{Name: "porch", Model: "keyq5bulb", Gear: "light"}

	msgs := buildDiscovery(dev, "tuya")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 discovery message, got %d", len(msgs))
	}
	if msgs[0].Topic != "homeassistant/light/tuya_porch/light/config" {
		t.Errorf("topic = %q", msgs[0].Topic)
	}

	var payload haDiscovery
	if err := json.Unmarshal(msgs[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.UniqueID != "tuya_porch_light" {
		t.Errorf("unique_id = %q", payload.UniqueID)
	}
	if payload.StateTopic != "tuya/porch" {
		t.Errorf("state_topic = %q", payload.StateTopic)
	}
	if payload.CommandTopic != "tuya/porch/set" {
		t.Errorf("command_topic = %q", payload.CommandTopic)
	}
	if payload.AvailabilityTopic != "tuya/bridge/state" {
		t.Errorf("availability_topic = %q", payload.AvailabilityTopic)
	}
	if payload.Device.Model != "keyq5bulb" {
		t.Errorf("device.model = %q", payload.Device.Model)
	}
	if payload.PayloadOn != "on" || payload.PayloadOff != "off" {
		t.Errorf("payloads = %q/%q", payload.PayloadOn, payload.PayloadOff)
	}
}

func TestBuildDiscoverySwitchComponent(t *testing.T) {
	dev := controller.DeviceStatus{Name: "heater", Gear: "switch"}
	msgs := buildDiscovery(dev, "tuya")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 discovery message, got %d", len(msgs))
	}
	if msgs[0].Topic != "homeassistant/switch/tuya_heater/switch/config" {
		t.Errorf("topic = %q", msgs[0].Topic)
	}
}

func TestBuildDiscoveryUnnamed(t *testing.T) {
	if msgs := buildDiscovery(controller.DeviceStatus{}, "tuya"); len(msgs) != 0 {
		t.Errorf("expected no discovery for unnamed point, got %d", len(msgs))
	}
}

func TestRemoveDiscovery(t *testing.T) {
	msgs := buildRemoveDiscovery("porch")
	if len(msgs) != 2 {
		t.Fatalf("expected 2 removal messages, got %d", len(msgs))
	}
	for _, m := range msgs {
		if m.Payload != nil {
			t.Errorf("removal message should have nil payload, got %q for %s", m.Payload, m.Topic)
		}
	}
}

func TestTopicName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Porch Light", "porch_light"},
		{"fan", "fan"},
		{"Büro", "b_ro"},
		{"a-b_c9", "a-b_c9"},
	}
	for _, tt := range tests {
		if got := topicName(tt.in); got != tt.want {
			t.Errorf("topicName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStatePayloadShape(t *testing.T) {
	data, err := json.Marshal(statePayload{State: "on", Command: "on", Pulse: 1717243200})
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got["state"] != "on" || got["command"] != "on" {
		t.Errorf("payload = %v", got)
	}
	if _, ok := got["pulse"]; !ok {
		t.Error("pulse missing")
	}

	data, _ = json.Marshal(statePayload{State: "silent", Command: "off"})
	got = nil
	json.Unmarshal(data, &got)
	if _, ok := got["pulse"]; ok {
		t.Error("zero pulse should be omitted")
	}
}
