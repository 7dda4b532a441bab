package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"tinygo.org/x/bluetooth"

	"github.com/bigbag/bledfu/internal/channel"
	"github.com/bigbag/bledfu/internal/detect"
	"github.com/bigbag/bledfu/internal/protocol"
)

// slowWrite is how long a write may take before the link is suspected dead.
// BlueZ sometimes drops the connection without failing the write.
const slowWrite = 500 * time.Millisecond

var (
	serviceUUID    = mustParseUUID(protocol.ServiceUUID)
	infoCharUUID   = mustParseUUID(protocol.InfoCharUUID)
	callCharUUID   = mustParseUUID(protocol.CallCharUUID)
	bufferCharUUID = mustParseUUID(protocol.BufferCharUUID)
)

func mustParseUUID(s string) bluetooth.UUID {
	uuid, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(fmt.Sprintf("invalid uuid %q: %v", s, err))
	}
	return uuid
}

// linkWatcher reports link state from outside the adapter.
type linkWatcher interface {
	connected() (bool, error)
	close()
}

// Event reports a change of the link state.
type Event struct {
	Connected bool
	Time      time.Time
}

// Options configures Dial.
type Options struct {
	Address     string
	Name        string
	ScanTimeout time.Duration
	Logger      zerolog.Logger
}

// Client is a connection to the DFU service of one device.
type Client struct {
	adapter *bluetooth.Adapter
	address bluetooth.Address
	name    string
	log     zerolog.Logger

	// mu guards the device handle and characteristics, replaced on reconnect.
	mu        sync.Mutex
	device    bluetooth.Device
	info      bluetooth.DeviceCharacteristic
	call      bluetooth.DeviceCharacteristic
	buffer    bluetooth.DeviceCharacteristic
	hasBuffer bool

	onResponse atomic.Pointer[func([]byte)]
	connected  atomic.Bool
	events     chan Event
	link       linkWatcher
}

// Dial enables the default adapter, finds the device and connects to its DFU
// service. With an address set the device is connected without scanning, so
// a device that is already connected is reachable too.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("failed to enable bluetooth: %w", err)
	}

	result, err := locate(ctx, adapter, opts)
	if err != nil {
		return nil, fmt.Errorf("device detection failed: %w", err)
	}

	c := &Client{
		adapter: adapter,
		address: result.Address,
		name:    result.Name,
		log:     opts.Logger,
		events:  make(chan Event, 16),
	}

	// The tool holds a single connection, so every adapter event is ours.
	adapter.SetConnectHandler(func(_ bluetooth.Device, connected bool) {
		c.setConnected(connected)
	})

	c.log.Info().Str("name", c.name).Str("address", c.address.String()).Msg("connecting")
	if err := c.connect(); err != nil {
		return nil, err
	}

	link, err := watchLink(c.address.String(), c.setConnected)
	if err != nil {
		c.log.Warn().Err(err).Msg("link state monitoring unavailable")
	} else {
		c.link = link
	}
	return c, nil
}

func locate(ctx context.Context, adapter *bluetooth.Adapter, opts Options) (*detect.Result, error) {
	if opts.Address != "" {
		return detect.Direct(opts.Address)
	}
	return detect.Find(ctx, adapter, detect.Options{
		Name:    opts.Name,
		Timeout: opts.ScanTimeout,
		Logger:  opts.Logger,
	})
}

// connect opens the link and resolves the DFU characteristics.
func (c *Client) connect() error {
	device, err := c.adapter.Connect(c.address, bluetooth.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.address.String(), err)
	}

	services, err := device.DiscoverServices([]bluetooth.UUID{serviceUUID})
	if err != nil {
		_ = device.Disconnect()
		return fmt.Errorf("failed to discover services: %w", err)
	}
	if len(services) == 0 {
		_ = device.Disconnect()
		return errors.New("DFU service not found")
	}

	// Discover everything: the buffer characteristic is optional and asking
	// for it explicitly fails on devices without it.
	chars, err := services[0].DiscoverCharacteristics(nil)
	if err != nil {
		_ = device.Disconnect()
		return fmt.Errorf("failed to discover characteristics: %w", err)
	}

	var info, call, buffer bluetooth.DeviceCharacteristic
	var hasInfo, hasCall, hasBuffer bool
	for _, ch := range chars {
		switch ch.UUID() {
		case infoCharUUID:
			info, hasInfo = ch, true
		case callCharUUID:
			call, hasCall = ch, true
		case bufferCharUUID:
			buffer, hasBuffer = ch, true
		}
	}
	if !hasInfo || !hasCall {
		_ = device.Disconnect()
		return fmt.Errorf("DFU service is missing the info or call characteristic")
	}

	if err := call.EnableNotifications(c.notify); err != nil {
		_ = device.Disconnect()
		return fmt.Errorf("failed to enable notifications: %w", err)
	}

	c.mu.Lock()
	c.device = device
	c.info = info
	c.call = call
	c.buffer = buffer
	c.hasBuffer = hasBuffer
	c.mu.Unlock()

	c.setConnected(true)
	return nil
}

func (c *Client) notify(buf []byte) {
	if cb := c.onResponse.Load(); cb != nil {
		(*cb)(buf)
	}
}

func (c *Client) setConnected(connected bool) {
	if c.connected.Swap(connected) == connected {
		return
	}

	if connected {
		c.log.Debug().Msg("link up")
	} else {
		c.log.Warn().Msg("lost connection")
	}

	select {
	case c.events <- Event{Connected: connected, Time: time.Now()}:
	default:
		c.log.Debug().Msg("connection event dropped, nobody is listening")
	}
}

// Name returns the advertised name of the device.
func (c *Client) Name() string {
	return c.name
}

// Address returns the address of the device.
func (c *Client) Address() string {
	return c.address.String()
}

// Connected reports the current link state.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Events returns link state changes.
func (c *Client) Events() <-chan Event {
	return c.events
}

// FastBuffer reports whether the device exposes the buffer characteristic.
func (c *Client) FastBuffer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasBuffer
}

// OnResponse registers the callback for command notifications.
func (c *Client) OnResponse(cb func(p []byte)) {
	c.onResponse.Store(&cb)
}

// ReadMetadata reads the device info characteristic.
func (c *Client) ReadMetadata() ([]byte, error) {
	c.mu.Lock()
	info := c.info
	c.mu.Unlock()

	buf := make([]byte, 64)
	n, err := info.Read(buf)
	if err != nil {
		return nil, c.classify(err)
	}
	return buf[:n], nil
}

// WriteCommand writes a frame to the call characteristic.
func (c *Client) WriteCommand(p []byte) error {
	c.mu.Lock()
	call := c.call
	c.mu.Unlock()

	return c.write(call, p)
}

// WriteBuffer writes page data to the buffer characteristic.
func (c *Client) WriteBuffer(p []byte) error {
	c.mu.Lock()
	buffer, ok := c.buffer, c.hasBuffer
	c.mu.Unlock()

	if !ok {
		return errors.New("device has no buffer characteristic")
	}
	return c.write(buffer, p)
}

func (c *Client) write(ch bluetooth.DeviceCharacteristic, p []byte) error {
	if !c.Connected() {
		return channel.ErrNotConnected
	}

	start := time.Now()
	if _, err := ch.WriteWithoutResponse(p); err != nil {
		return c.classify(err)
	}

	if time.Since(start) > slowWrite {
		c.refreshConnected()
		if !c.Connected() {
			return fmt.Errorf("slow write: %w", channel.ErrNotConnected)
		}
	}
	return nil
}

// refreshConnected polls the link state where a watcher is available.
func (c *Client) refreshConnected() {
	if c.link == nil {
		return
	}
	connected, err := c.link.connected()
	if err != nil {
		c.log.Debug().Err(err).Msg("failed to query link state")
		return
	}
	c.setConnected(connected)
}

// classify maps link-down errors to channel.ErrNotConnected.
func (c *Client) classify(err error) error {
	if isNotConnected(err) {
		c.setConnected(false)
		return fmt.Errorf("%w: %v", channel.ErrNotConnected, err)
	}
	return err
}

// Reconnect re-establishes the link to the same device.
func (c *Client) Reconnect() error {
	c.log.Info().Str("address", c.address.String()).Msg("reconnecting")
	return c.connect()
}

// Disconnect closes the link.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	device := c.device
	c.mu.Unlock()

	if err := device.Disconnect(); err != nil {
		return err
	}
	c.setConnected(false)
	return nil
}

// Close disconnects and stops link state monitoring.
func (c *Client) Close() error {
	err := c.Disconnect()
	if c.link != nil {
		c.link.close()
		c.link = nil
	}
	return err
}

func containsNotConnected(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "not connected")
}
