// Package message builds and interprets the JSON payloads that travel
// inside Tuya packets: control and query requests, data-point status
// replies, and the discovery beacons broadcast on the LAN.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"tuya-go-home/internal/codec"
)

var ErrBadBeacon = errors.New("incomplete discovery beacon")

// Control returns the payload that sets one boolean data point. The
// timestamp is a quoted decimal string of Unix seconds; devices reject
// a bare number.
func Control(secret *codec.Secret, dps int, value bool, now time.Time) []byte {
	p := struct {
		DevID string          `json:"devId"`
		UID   string          `json:"uid"`
		T     string          `json:"t"`
		Dps   map[string]bool `json:"dps"`
	}{
		DevID: secret.ID,
		UID:   secret.ID,
		T:     strconv.FormatInt(now.Unix(), 10),
		Dps:   map[string]bool{strconv.Itoa(dps): value},
	}
	out, _ := json.Marshal(p)
	return out
}

// Query returns the payload that requests the full data-point status.
func Query(secret *codec.Secret, now time.Time) []byte {
	p := struct {
		DevID string `json:"devId"`
		UID   string `json:"uid"`
		T     string `json:"t"`
	}{
		DevID: secret.ID,
		UID:   secret.ID,
		T:     strconv.FormatInt(now.Unix(), 10),
	}
	out, _ := json.Marshal(p)
	return out
}

// Dps extracts the boolean data points from a status or query reply.
// Non-boolean points (dimmer levels, counters) are ignored. A payload
// without a dps object yields an empty map, not an error: devices
// send such frames as command acknowledgments.
func Dps(payload []byte) (map[int]bool, error) {
	var reply struct {
		Dps map[string]json.RawMessage `json:"dps"`
	}
	if err := json.Unmarshal(payload, &reply); err != nil {
		return nil, fmt.Errorf("decode dps payload: %w", err)
	}
	points := make(map[int]bool, len(reply.Dps))
	for key, raw := range reply.Dps {
		n, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		var value bool
		if err := json.Unmarshal(raw, &value); err != nil {
			continue
		}
		points[n] = value
	}
	return points, nil
}

// Beacon is a discovery broadcast. Addr is the datagram's source
// address; the ip field inside the payload is advisory only, devices
// behind NAT or with stale DHCP leases report the wrong one.
type Beacon struct {
	ID         string `json:"gwId"`
	ProductKey string `json:"productKey"`
	Version    string `json:"version"`
	IP         string `json:"ip"`
	Encrypted  bool   `json:"encrypt"`

	Addr string `json:"-"`
}

// ParseBeacon decodes a beacon payload. gwId, productKey and version
// are all required; anything else on these ports is noise.
func ParseBeacon(payload []byte, addr string) (*Beacon, error) {
	var b Beacon
	if err := json.Unmarshal(payload, &b); err != nil {
		return nil, fmt.Errorf("decode beacon: %w", err)
	}
	if b.ID == "" || b.ProductKey == "" || b.Version == "" {
		return nil, ErrBadBeacon
	}
	b.Addr = addr
	return &b, nil
}
