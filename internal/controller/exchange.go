package controller

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"tuya-go-home/internal/codec"
	"tuya-go-home/internal/message"
)

// exchangeDeadline bounds a whole exchange. Shorter than the sense
// interval so an unanswered query is gone before the next one starts.
const exchangeDeadline = 30 * time.Second

// prepare checks that a device is reachable and controllable, and
// resolves its control data point from the model registry. Lock held.
func (c *Controller) prepare(dev *Device) bool {
	if dev.Host == "" {
		return false
	}
	if dev.Encrypted && dev.Key == "" {
		return false
	}
	if dev.control <= 0 {
		dev.control = c.models.Control(dev.Model)
		if dev.control <= 0 {
			return false
		}
	}
	return true
}

// sense queries the device's data points. Lock held.
func (c *Controller) sense(dev *Device, now time.Time) {
	if !c.prepare(dev) {
		return
	}
	c.startExchange(dev, codec.Query, message.Query(dev.secret(), now))
}

// command sends an on/off control for the device's control point.
// Lock held.
func (c *Controller) command(dev *Device, state bool, now time.Time) {
	if !c.prepare(dev) {
		return
	}
	c.startExchange(dev, codec.Control, message.Control(dev.secret(), dev.control, state, now))
}

// startExchange encodes one request and hands it to a fresh exchange
// goroutine, closing whatever exchange was running before. Lock held.
func (c *Controller) startExchange(dev *Device, cmd uint32, payload []byte) {
	wireSecret := dev.secret()
	if !dev.Encrypted && dev.Key == "" {
		wireSecret = nil
	}
	var cdc codec.Codec
	frame, err := cdc.Encode(wireSecret, cmd, 0, payload)
	if err != nil {
		c.logger.Error("encode request", "device", dev.Name, "err", err)
		return
	}

	c.closeDevice(dev)
	id := dev.xid
	go c.exchange(dev, id, dev.Host, wireSecret, dev.control, frame)
}

// exchange runs one request/response conversation with a device. It
// owns its connection; results are applied only while the device's
// exchange generation still matches, so an answer arriving after the
// controller moved on is dropped with the stale connection.
func (c *Controller) exchange(dev *Device, id uint64, host string, wireSecret *codec.Secret, control int, frame []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), exchangeDeadline)
	defer cancel()

	conn, err := c.dial(ctx, net.JoinHostPort(host, tcpPort))
	if err != nil {
		c.logger.Debug("dial device", "host", host, "err", err)
		return
	}

	c.mu.Lock()
	if dev.xid != id {
		c.mu.Unlock()
		conn.Close()
		return
	}
	dev.conn = conn
	c.mu.Unlock()

	defer func() {
		conn.Close()
		c.mu.Lock()
		if dev.conn == conn {
			dev.conn = nil
		}
		c.mu.Unlock()
	}()

	conn.SetDeadline(time.Now().Add(exchangeDeadline))
	if _, err := conn.Write(frame); err != nil {
		c.logger.Debug("write device", "host", host, "err", err)
		return
	}

	cdc := codec.Codec{}
	for {
		raw, err := readPacket(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Debug("read device", "host", host, "err", err)
			}
			return
		}
		f, err := cdc.Decode(wireSecret, raw)
		if err != nil {
			c.logger.Debug("decode response", "host", host, "err", err)
			return
		}
		switch f.Cmd {
		case codec.Control:
			// Command acknowledgment; the state change is only
			// trusted once a status frame reports it.
			continue
		case codec.Status, codec.Query:
			if len(f.Payload) == 0 {
				continue
			}
			points, err := message.Dps(f.Payload)
			if err != nil {
				c.logger.Debug("bad status payload", "host", host, "err", err)
				return
			}
			state, ok := points[control]
			if !ok {
				return
			}
			c.mu.Lock()
			var events []Event
			if dev.xid == id {
				events = c.applyStatus(dev, state)
			}
			c.mu.Unlock()
			c.emit(events)
			return
		default:
			return
		}
	}
}

// readPacket reads one complete 55AA packet off the stream: the fixed
// header first, then exactly the advertised remainder.
func readPacket(conn net.Conn) ([]byte, error) {
	header := make([]byte, 16)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[12:16])
	if length > 4096 {
		return nil, fmt.Errorf("oversized packet: %d bytes", length)
	}
	raw := make([]byte, 16+int(length))
	copy(raw, header)
	if _, err := io.ReadFull(conn, raw[16:]); err != nil {
		return nil, err
	}
	return raw, nil
}
