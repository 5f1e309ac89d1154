package controller

import (
	"net"
	"time"

	"tuya-go-home/internal/codec"
)

// Device is one entry in the controller's table. Identity fields come
// from the config file or from discovery; the lower block is live
// exchange state, touched only under the controller lock.
type Device struct {
	Name        string
	ID          string
	Model       string
	Host        string
	Key         string
	Version     string
	Description string
	Encrypted   bool

	control int // control data point, resolved from the model registry

	status    bool
	commanded bool
	detected  time.Time
	pending   time.Time
	deadline  time.Time
	lastSense time.Time

	conn net.Conn
	xid  uint64 // exchange generation, invalidates stale connections
}

func (d *Device) secret() *codec.Secret {
	return codec.NewSecret(d.ID, d.Key, d.Version)
}

func onOff(state bool) string {
	if state {
		return "on"
	}
	return "off"
}
