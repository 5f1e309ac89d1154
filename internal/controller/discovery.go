package controller

import (
	"context"
	"fmt"
	"net"
	"time"

	"tuya-go-home/internal/codec"
	"tuya-go-home/internal/message"
)

// Devices announce themselves by broadcasting every few seconds:
// plaintext packets on 6666 (protocol 3.1) and packets encrypted with
// the shared discovery key on 6667 (3.3 and later).
var discoveryPorts = []struct {
	port      int
	encrypted bool
}{
	{6666, false},
	{6667, true},
}

// ListenDiscovery binds both discovery ports and feeds beacons into
// the device table until the context is cancelled.
func (c *Controller) ListenDiscovery(ctx context.Context) error {
	discoverySecret := &codec.Secret{Key: codec.DiscoveryKey(), Version: "3.3"}

	var conns []net.PacketConn
	for _, p := range discoveryPorts {
		conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", p.port))
		if err != nil {
			for _, open := range conns {
				open.Close()
			}
			return fmt.Errorf("listen udp %d: %w", p.port, err)
		}
		conns = append(conns, conn)

		secret := discoverySecret
		if !p.encrypted {
			secret = nil
		}
		go c.readBeacons(conn, secret)
	}

	go func() {
		<-ctx.Done()
		for _, conn := range conns {
			conn.Close()
		}
	}()
	return nil
}

func (c *Controller) readBeacons(conn net.PacketConn, secret *codec.Secret) {
	cdc := codec.Codec{}
	buf := make([]byte, 2048)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			return // socket closed on shutdown
		}
		f, err := cdc.Decode(secret, buf[:n])
		if err != nil {
			c.logger.Debug("discovery decode", "from", addr, "err", err)
			continue
		}
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			continue
		}
		beacon, err := message.ParseBeacon(f.Payload, host)
		if err != nil {
			c.logger.Debug("discovery beacon", "from", addr, "err", err)
			continue
		}
		c.HandleBeacon(beacon)
	}
}

// HandleBeacon folds one discovery announcement into the device table.
// Unknown devices are added under a placeholder name so they show up
// in the exported config for the user to rename. Identity fields the
// device itself reports (model, version, address, encryption) always
// overwrite what the table has.
func (c *Controller) HandleBeacon(b *message.Beacon) {
	c.mu.Lock()
	dev := c.findByID(b.ID)
	if dev == nil {
		name := fmt.Sprintf("new_%d", len(c.devices))
		dev = c.addDevice(name, b.ID, b.ProductKey)
	}
	c.refreshString(&dev.Model, b.ProductKey)
	c.refreshString(&dev.Version, b.Version)
	c.refreshString(&dev.Host, b.Addr)
	dev.Encrypted = b.Encrypted

	var events []Event
	if dev.detected.IsZero() {
		events = append(events, Event{EventDetected,
			DeviceEvent{Device: dev.Name, Host: dev.Host}})
		dev.lastSense = time.Time{} // force a query on the next tick
	}
	dev.detected = c.now()
	c.mu.Unlock()
	c.emit(events)
}
