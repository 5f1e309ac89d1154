//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	"tuya-go-home/internal/controller"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/switch/tuya_fan/switch/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	Device            haDevice `json:"device"`
}

// deviceIdentifier returns the unique identifier for the HA device
// registry.
func deviceIdentifier(name string) string {
	return "tuya_" + topicName(name)
}

// topicName sanitizes a device name for use in MQTT topics.
func topicName(name string) string {
	name = strings.ToLower(name)
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)
}

// buildDiscovery generates HA discovery messages for one control
// point. Every Tuya point here is an on/off actuator; the gear class
// decides whether HA sees a light or a switch.
func buildDiscovery(dev controller.DeviceStatus, prefix string) []discoveryMsg {
	if dev.Name == "" {
		return nil
	}

	nodeID := deviceIdentifier(dev.Name)
	stateTopic := prefix + "/" + dev.Name
	cmdTopic := prefix + "/" + dev.Name + "/set"
	avail := prefix + "/bridge/state"

	component := "switch"
	if dev.Gear == "light" {
		component = "light"
	}

	payload := haDiscovery{
		Name:              dev.Name,
		UniqueID:          nodeID + "_" + component,
		StateTopic:        stateTopic,
		CommandTopic:      cmdTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ value_json.state }}",
		PayloadOn:         "on",
		PayloadOff:        "off",
		Device: haDevice{
			Identifiers:  []string{nodeID},
			Manufacturer: "Tuya",
			Model:        dev.Model,
			Name:         dev.Name,
		},
	}

	topic := fmt.Sprintf("homeassistant/%s/%s/%s/config", component, nodeID, component)
	return []discoveryMsg{{Topic: topic, Payload: mustJSON(payload)}}
}

// buildRemoveDiscovery generates empty retained messages that remove a
// point from HA. Both component types are cleared; the point may have
// changed gear since it was announced.
func buildRemoveDiscovery(name string) []discoveryMsg {
	nodeID := deviceIdentifier(name)
	var msgs []discoveryMsg
	for _, component := range []string{"light", "switch"} {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", component, nodeID, component),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
