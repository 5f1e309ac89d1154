// Package controller owns the device table and the polling state
// machine: discovery feeds it addresses, a periodic tick senses each
// device and pushes commands until the device confirms, and the web,
// MQTT and automation layers observe it through the event bus.
package controller

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"tuya-go-home/internal/config"
	"tuya-go-home/internal/model"
)

const (
	tcpPort = "6668"

	// State machine periods. A device is sensed every senseInterval
	// and declared silent after silentAfter without an answer (three
	// missed senses). A command stays pending for commandWindow, a
	// pulse reset for pulseResetWindow.
	tickInterval     = 5 * time.Second
	senseInterval    = 35 * time.Second
	silentAfter      = 100 * time.Second
	commandWindow    = 10 * time.Second
	pulseResetWindow = 5 * time.Second
)

// Dialer opens the TCP connection to a device. Injected for tests.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// Controller drives every known device. All table state is guarded by
// one mutex; exchange goroutines re-acquire it to apply results.
type Controller struct {
	logger *slog.Logger
	bus    *EventBus
	models *model.Registry

	mu        sync.Mutex
	devices   []*Device
	changed   bool
	lastRetry time.Time

	now  func() time.Time
	dial Dialer
}

// Option configures a Controller.
type Option func(*Controller)

// WithDialer replaces how device connections are opened.
func WithDialer(d Dialer) Option {
	return func(c *Controller) { c.dial = d }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates a controller. The registry may be pre-populated; the
// device table starts empty until ApplyConfig or discovery fills it.
func New(logger *slog.Logger, bus *EventBus, models *model.Registry, opts ...Option) *Controller {
	d := net.Dialer{Timeout: 5 * time.Second}
	c := &Controller{
		logger: logger.With("component", "controller"),
		bus:    bus,
		models: models,
		now:    time.Now,
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Bus returns the controller's event bus.
func (c *Controller) Bus() *EventBus { return c.bus }

// Run ticks the state machine until the context is cancelled. The
// ticker fires every second; Tick itself ignores calls less than
// tickInterval apart, so a missed or late tick cannot double-fire.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.closeAll()
			return
		case <-ticker.C:
			c.Tick(c.now())
		}
	}
}

func (c *Controller) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, dev := range c.devices {
		c.closeDevice(dev)
	}
}

// closeDevice drops the device's connection and invalidates any
// exchange still in flight. Lock held.
func (c *Controller) closeDevice(dev *Device) {
	dev.xid++
	if dev.conn != nil {
		dev.conn.Close()
		dev.conn = nil
	}
}

// reset forgets any in-progress command and adopts the given status.
// Lock held.
func (c *Controller) reset(dev *Device, status bool) {
	dev.commanded, dev.status = status, status
	dev.pending = time.Time{}
	dev.deadline = time.Time{}
	c.closeDevice(dev)
}

// Tick advances the state machine: sense idle devices, expire silent
// ones, end pulses, retry or abandon unconfirmed commands. Calls
// closer than tickInterval to the previous run are ignored.
func (c *Controller) Tick(now time.Time) {
	c.mu.Lock()
	if now.Before(c.lastRetry.Add(tickInterval)) {
		c.mu.Unlock()
		return
	}
	c.lastRetry = now

	var events []Event
	for _, dev := range c.devices {
		if !now.Before(dev.lastSense.Add(senseInterval)) {
			if dev.pending.IsZero() && dev.Host != "" {
				c.sense(dev, now)
			}
			dev.lastSense = now
		}

		if !dev.detected.IsZero() && dev.detected.Before(now.Add(-silentAfter)) {
			events = append(events, Event{EventSilent,
				DeviceEvent{Device: dev.Name, Host: dev.Host}})
			c.reset(dev, false)
			dev.detected = time.Time{}
		}

		if !dev.deadline.IsZero() && !now.Before(dev.deadline) {
			events = append(events, Event{EventPulseEnd,
				DeviceEvent{Device: dev.Name, State: "off"}})
			dev.commanded = false
			dev.pending = now.Add(pulseResetWindow)
			dev.deadline = time.Time{}
		}

		if dev.status != dev.commanded {
			if dev.pending.After(now) {
				if !dev.detected.IsZero() {
					events = append(events, Event{EventRetry,
						DeviceEvent{Device: dev.Name, State: onOff(dev.commanded)}})
					c.command(dev, dev.commanded, now)
				}
			} else if !dev.pending.IsZero() {
				events = append(events, Event{EventTimeout,
					DeviceEvent{Device: dev.Name, State: onOff(dev.commanded)}})
				c.reset(dev, dev.status)
			}
		}
	}
	c.mu.Unlock()
	c.emit(events)
}

func (c *Controller) emit(events []Event) {
	for _, e := range events {
		c.bus.Emit(e)
	}
}

// Set commands a device on or off, optionally for a pulse of the
// given number of seconds. It reports whether the point exists; the
// command itself is asynchronous and confirmed (or not) by the state
// machine. A pending command is not interrupted, only retargeted.
func (c *Controller) Set(point int, state bool, pulse int, cause string) bool {
	c.mu.Lock()
	if point < 0 || point >= len(c.devices) {
		c.mu.Unlock()
		return false
	}
	dev := c.devices[point]
	now := c.now()

	ev := DeviceEvent{Device: dev.Name, State: onOff(state), Cause: cause}
	if pulse > 0 {
		dev.deadline = now.Add(time.Duration(pulse) * time.Second)
		ev.Pulse = pulse
	} else {
		dev.deadline = time.Time{}
	}
	dev.commanded = state
	if dev.pending.IsZero() {
		dev.pending = now.Add(commandWindow)
		// Only send a command if the device was seen on the network.
		if !dev.detected.IsZero() {
			c.command(dev, state, now)
		}
	}
	c.mu.Unlock()
	c.bus.Emit(Event{EventSet, ev})
	return true
}

// applyStatus folds an observed control-point value into the table.
// An expected value confirms our command; an unexpected one means the
// device was commanded by someone else, and the observed state is
// adopted as the new target. Lock held; returns events to emit.
func (c *Controller) applyStatus(dev *Device, status bool) []Event {
	var events []Event
	if status != dev.status {
		ev := DeviceEvent{Device: dev.Name, From: onOff(dev.status), State: onOff(status)}
		if !dev.pending.IsZero() && status == dev.commanded {
			events = append(events, Event{EventConfirmed, ev})
			dev.pending = time.Time{}
		} else {
			events = append(events, Event{EventChanged, ev})
			dev.commanded = status
			dev.pending = time.Time{}
		}
		dev.status = status
	}
	dev.detected = c.now()
	return events
}

// Accessors. A point is an index into the device table; the table
// only ever grows, so points stay stable for the life of the process.

func (c *Controller) DeviceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.devices)
}

func (c *Controller) DeviceName(point int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if point < 0 || point >= len(c.devices) {
		return ""
	}
	return c.devices[point].Name
}

// PointByName returns the point for a device name, or -1.
func (c *Controller) PointByName(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, dev := range c.devices {
		if dev.Name == name {
			return i
		}
	}
	return -1
}

// Get returns the last observed state of a point.
func (c *Controller) Get(point int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if point < 0 || point >= len(c.devices) {
		return false
	}
	return c.devices[point].status
}

// Commanded returns the state the point was last commanded to.
func (c *Controller) Commanded(point int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if point < 0 || point >= len(c.devices) {
		return false
	}
	return c.devices[point].commanded
}

// Deadline returns the pulse deadline, zero when no pulse is active.
func (c *Controller) Deadline(point int) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if point < 0 || point >= len(c.devices) {
		return time.Time{}
	}
	return c.devices[point].deadline
}

// Failure returns "silent" when the device has not been heard from,
// "" when it is healthy.
func (c *Controller) Failure(point int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if point < 0 || point >= len(c.devices) {
		return ""
	}
	if c.devices[point].detected.IsZero() {
		return "silent"
	}
	return ""
}

// DeviceStatus is one device's entry in a status snapshot.
type DeviceStatus struct {
	Name     string    `json:"name"`
	State    string    `json:"state"` // "on", "off", or a failure string
	Command  string    `json:"command"`
	Deadline time.Time `json:"deadline"` // zero when no pulse is active
	Gear     string    `json:"gear"`
	Host     string    `json:"host,omitempty"`
	Model    string    `json:"model,omitempty"`
}

// Status returns a snapshot of every device for the web layer.
func (c *Controller) Status() []DeviceStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DeviceStatus, len(c.devices))
	for i, dev := range c.devices {
		state := onOff(dev.status)
		if dev.detected.IsZero() {
			state = "silent"
		}
		out[i] = DeviceStatus{
			Name:     dev.Name,
			State:    state,
			Command:  onOff(dev.commanded),
			Deadline: dev.deadline,
			Gear:     "light",
			Host:     dev.Host,
			Model:    dev.Model,
		}
	}
	return out
}

// refreshString updates a field from config, tracking the change.
// Empty config values leave the field alone (discovery may have
// filled it in). Lock held.
func (c *Controller) refreshString(field *string, value string) {
	if value == "" || *field == value {
		return
	}
	*field = value
	c.changed = true
}

// addDevice appends a device. Lock held.
func (c *Controller) addDevice(name, id, productKey string) *Device {
	dev := &Device{Name: name, ID: id, Model: productKey}
	c.devices = append(c.devices, dev)
	c.changed = true
	return dev
}

func (c *Controller) findByID(id string) *Device {
	for _, dev := range c.devices {
		if dev.ID == id {
			return dev
		}
	}
	return nil
}

// ApplyConfig merges a provisioning document into the live tables.
// Configured name, key and description win over discovered values;
// entries missing a name, id or model are skipped. Devices already in
// the table are refreshed in place and their exchange state reset.
func (c *Controller) ApplyConfig(cfg *config.Config) {
	c.models.Apply(cfg.Models)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range cfg.Devices {
		if d.Name == "" || d.ID == "" || d.Model == "" {
			continue
		}
		dev := c.findByID(d.ID)
		if dev == nil {
			dev = c.addDevice(d.Name, d.ID, d.Model)
		} else {
			c.refreshString(&dev.Name, d.Name)
		}
		c.refreshString(&dev.Key, d.Key)
		c.refreshString(&dev.Description, d.Description)
		c.refreshString(&dev.Host, d.Host)
		if d.Key != "" {
			dev.Encrypted = true
		}
		dev.control = 0 // re-resolve against the refreshed registry
		c.reset(dev, dev.status)
	}
}

// LiveConfig exports the current tables, discovered devices included,
// in the provisioning format.
func (c *Controller) LiveConfig() *config.Config {
	c.mu.Lock()
	devices := make([]config.Device, len(c.devices))
	for i, dev := range c.devices {
		devices[i] = config.Device{
			Name:        dev.Name,
			ID:          dev.ID,
			Model:       dev.Model,
			Host:        dev.Host,
			Key:         dev.Key,
			Description: dev.Description,
		}
	}
	c.mu.Unlock()
	return &config.Config{Devices: devices, Models: c.models.Live()}
}

// Changed reports whether the tables were modified (by discovery or
// config) since the last call, and clears the flag.
func (c *Controller) Changed() bool {
	c.mu.Lock()
	devices := c.changed
	c.changed = false
	c.mu.Unlock()
	return devices || c.models.Changed()
}
