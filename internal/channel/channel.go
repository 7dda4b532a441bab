package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bigbag/bledfu/internal/protocol"
)

// Transport is the link to the DFU characteristics of a device.
type Transport interface {
	// WriteCommand writes a frame to the command characteristic.
	WriteCommand(p []byte) error
	// WriteBuffer writes raw page bytes to the buffer characteristic.
	WriteBuffer(p []byte) error
	// FastBuffer reports whether the buffer characteristic is present.
	FastBuffer() bool
	// OnResponse registers the callback for command characteristic notifications.
	OnResponse(cb func(p []byte))
	// Reconnect re-establishes a dropped link.
	Reconnect() error
}

// Option configures a Channel.
type Option func(*Channel)

// WithTimeout sets how long a confirmed command waits for its response.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Channel) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Channel) {
		c.log = log
	}
}

// Channel sends DFU commands and matches them with status notifications.
// Only one command is in flight at a time.
type Channel struct {
	transport Transport
	fast      bool
	timeout   time.Duration
	log       zerolog.Logger

	// mu serializes commands.
	mu sync.Mutex

	// state guards pending and fault, which the notification callback also touches.
	state     sync.Mutex
	pending   bool
	fault     error
	responses chan []byte
}

// New creates a Channel on t and registers for its notifications.
// The write mode is fixed by t.FastBuffer at this point.
func New(t Transport, opts ...Option) *Channel {
	c := &Channel{
		transport: t,
		fast:      t.FastBuffer(),
		timeout:   protocol.DefaultResponseTimeout,
		log:       zerolog.Nop(),
		responses: make(chan []byte, 1),
	}
	for _, opt := range opts {
		opt(c)
	}

	t.OnResponse(func(p []byte) {
		if err := c.HandleResponse(p); err != nil {
			c.log.Error().Err(err).Msg("dropping notification")
		}
	})
	return c
}

// Fast reports whether pages are streamed over the buffer characteristic.
func (c *Channel) Fast() bool {
	return c.fast
}

// HandleResponse delivers a status notification to the waiting command.
// A notification with nothing pending is a protocol violation; it is returned
// and also fails every later command.
func (c *Channel) HandleResponse(p []byte) error {
	resp := make([]byte, len(p))
	copy(resp, p)

	c.state.Lock()
	defer c.state.Unlock()

	if !c.pending {
		err := &UnexpectedResponseError{Response: resp}
		if c.fault == nil {
			c.fault = err
		}
		return err
	}

	c.pending = false
	c.responses <- resp
	return nil
}

// Send writes a frame and waits for a status notification if the opcode is
// one the device answers.
func (c *Channel) Send(ctx context.Context, frame []byte) error {
	if len(frame) == 0 {
		return fmt.Errorf("empty command frame")
	}
	return c.Do(ctx, frame, protocol.Confirmed(frame[0]))
}

// Do writes a frame to the command characteristic. When confirm is set it
// waits for the status notification and fails on a non-zero status.
func (c *Channel) Do(ctx context.Context, frame []byte, confirm bool) error {
	if len(frame) == 0 {
		return fmt.Errorf("empty command frame")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cmd := frame[0]
	if err := c.arm(confirm); err != nil {
		return err
	}

	c.log.Debug().Str("cmd", protocol.CommandName(cmd)).Hex("frame", frame).Bool("confirm", confirm).Msg("send")

	if err := c.write(c.transport.WriteCommand, frame); err != nil {
		if confirm {
			c.disarm()
		}
		return fmt.Errorf("%s: %w", protocol.CommandName(cmd), err)
	}

	if !confirm {
		return nil
	}
	return c.await(ctx, cmd)
}

// arm checks for an earlier desync and marks a response as expected.
// The flag is set before writing because the response may arrive before the write returns.
func (c *Channel) arm(confirm bool) error {
	c.state.Lock()
	defer c.state.Unlock()

	if c.fault != nil {
		return c.fault
	}
	if confirm {
		c.pending = true
	}
	return nil
}

// disarm clears the pending flag. It returns a response delivered in the
// meantime, or nil.
func (c *Channel) disarm() []byte {
	c.state.Lock()
	defer c.state.Unlock()

	if c.pending {
		c.pending = false
		return nil
	}
	return <-c.responses
}

func (c *Channel) await(ctx context.Context, cmd byte) error {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	var resp []byte
	select {
	case resp = <-c.responses:
	case <-timer.C:
		if resp = c.disarm(); resp == nil {
			return &TimeoutError{Command: cmd, Timeout: c.timeout}
		}
	case <-ctx.Done():
		if resp = c.disarm(); resp == nil {
			return ctx.Err()
		}
	}

	c.log.Debug().Str("cmd", protocol.CommandName(cmd)).Hex("response", resp).Msg("response")

	if len(resp) == 0 {
		return &UnexpectedResponseError{Response: resp}
	}
	if resp[0] != protocol.StatusOK {
		return &CommandRejectedError{Command: cmd, Status: resp[0]}
	}
	return nil
}

// write performs one write and, if the link is down, reconnects and retries once.
func (c *Channel) write(fn func([]byte) error, p []byte) error {
	err := fn(p)
	if err == nil || !errors.Is(err, ErrNotConnected) {
		return err
	}

	c.log.Info().Msg("link down, reconnecting")
	if rerr := c.transport.Reconnect(); rerr != nil {
		return fmt.Errorf("reconnect failed: %w", rerr)
	}
	return fn(p)
}

// Reset restarts the device. It does not answer.
func (c *Channel) Reset(ctx context.Context) error {
	return c.Send(ctx, protocol.ResetFrame())
}

// Ping checks that the bootloader is responsive.
func (c *Channel) Ping(ctx context.Context) error {
	return c.Send(ctx, protocol.PingFrame())
}

// Start asks the bootloader to jump to the application.
func (c *Channel) Start(ctx context.Context) error {
	return c.Send(ctx, protocol.StartFrame())
}

// ErasePage erases one flash page.
func (c *Channel) ErasePage(ctx context.Context, page uint16) error {
	return c.Send(ctx, protocol.ErasePageFrame(page))
}

// WriteBuffer commits the first length bytes of the device buffer to page.
func (c *Channel) WriteBuffer(ctx context.Context, page uint16, length int) error {
	if length%protocol.WordSize != 0 {
		c.log.Warn().Int("length", length).Uint16("page", page).
			Msg("page length is not a multiple of the word size, trailing bytes are not committed")
	}
	return c.Send(ctx, protocol.WriteBufferFrame(page, length))
}

// AddBuffer appends up to 16 bytes to the device buffer over the command characteristic.
func (c *Channel) AddBuffer(ctx context.Context, chunk []byte) error {
	frame, err := protocol.AddBufferFrame(chunk)
	if err != nil {
		return err
	}
	return c.Send(ctx, frame)
}

// TransferPage fills the device buffer with data using the write mode chosen at construction.
func (c *Channel) TransferPage(ctx context.Context, data []byte) error {
	if !c.fast {
		for offset := 0; offset < len(data); offset += protocol.AddBufferChunkSize {
			end := min(offset+protocol.AddBufferChunkSize, len(data))
			if err := c.AddBuffer(ctx, data[offset:end]); err != nil {
				return err
			}
		}
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.arm(false); err != nil {
		return err
	}
	for offset := 0; offset < len(data); offset += protocol.BufferChunkSize {
		end := min(offset+protocol.BufferChunkSize, len(data))
		if err := c.write(c.transport.WriteBuffer, data[offset:end]); err != nil {
			return fmt.Errorf("buffer write at offset %d: %w", offset, err)
		}
	}
	return nil
}
