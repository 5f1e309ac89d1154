// Package config reads and writes the device provisioning file, a
// JSON document with a single "tuya" object:
//
//	{"tuya": {
//	    "devices": [{"name":..., "id":..., "model":..., "key":..., "host":..., "description":...}],
//	    "models":  [{"id":..., "name":..., "control":...}]
//	}}
//
// The same document is served and accepted on the /config endpoint,
// so discovered devices round-trip through a user's editor.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"tuya-go-home/internal/model"
)

var ErrNoTuyaSection = errors.New("no tuya section")

// Device is one provisioned or discovered device. Name, ID and Model
// are required for the entry to be usable; Key is required to control
// an encrypted device; Host and Description are optional.
type Device struct {
	Name        string `json:"name"`
	ID          string `json:"id"`
	Model       string `json:"model"`
	Host        string `json:"host,omitempty"`
	Key         string `json:"key,omitempty"`
	Description string `json:"description,omitempty"`
}

// Config is the full provisioning document.
type Config struct {
	Devices []Device      `json:"devices"`
	Models  []model.Model `json:"models"`
}

type envelope struct {
	Tuya *Config `json:"tuya"`
}

// Parse decodes a provisioning document. An input without a tuya
// object is rejected so a stray file cannot silently wipe the tables.
func Parse(data []byte) (*Config, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if env.Tuya == nil {
		return nil, ErrNoTuyaSection
	}
	return env.Tuya, nil
}

// Load reads and parses a provisioning file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Export serializes a provisioning document, indented for humans.
func Export(cfg *Config) ([]byte, error) {
	out, err := json.MarshalIndent(envelope{Tuya: cfg}, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("export config: %w", err)
	}
	return out, nil
}
