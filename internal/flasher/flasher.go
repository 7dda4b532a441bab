package flasher

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/bigbag/bledfu/internal/channel"
	"github.com/bigbag/bledfu/internal/firmware"
	"github.com/bigbag/bledfu/internal/protocol"
)

// Progress describes a page about to be written.
type Progress struct {
	Page         uint32
	Address      uint32
	Size         int
	BytesWritten int
}

// ProgressCallback is called to report flash progress.
type ProgressCallback func(Progress)

// Result summarizes a completed update.
type Result struct {
	Blocks   int
	Pages    int
	Bytes    int
	Duration time.Duration
}

// Throughput returns the transfer rate in bytes per second.
func (r *Result) Throughput() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Bytes) / r.Duration.Seconds()
}

// PageError reports the page being processed when an update failed.
type PageError struct {
	Page    uint32
	Address uint32
	Err     error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("page %d at address 0x%X: %v", e.Page, e.Address, e.Err)
}

func (e *PageError) Unwrap() error {
	return e.Err
}

// Option configures a Flasher.
type Option func(*Flasher)

// WithProgressCallback sets the progress callback function.
func WithProgressCallback(cb ProgressCallback) Option {
	return func(f *Flasher) {
		f.progress = cb
	}
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(f *Flasher) {
		f.log = log
	}
}

// Flasher writes Intel HEX images page by page through a DFU channel.
type Flasher struct {
	ch       *channel.Channel
	info     protocol.DeviceInfo
	progress ProgressCallback
	log      zerolog.Logger
}

// New creates a new Flasher for the given channel and device geometry.
func New(ch *channel.Channel, info protocol.DeviceInfo, opts ...Option) *Flasher {
	f := &Flasher{
		ch:   ch,
		info: info,
		log:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// reportProgress calls the progress callback if set.
func (f *Flasher) reportProgress(p Progress) {
	if f.progress != nil {
		f.progress(p)
	}
}

// Update flashes the Intel HEX image at path.
func (f *Flasher) Update(ctx context.Context, path string) (*Result, error) {
	r, err := firmware.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return f.update(ctx, r)
}

// UpdateReader flashes an Intel HEX image read from r.
func (f *Flasher) UpdateReader(ctx context.Context, r io.Reader) (*Result, error) {
	return f.update(ctx, firmware.NewReader(r))
}

func (f *Flasher) update(ctx context.Context, r *firmware.Reader) (*Result, error) {
	start := time.Now()
	result := &Result{}

	for block, err := range r.Blocks() {
		if err != nil {
			return nil, err
		}
		result.Blocks++

		f.log.Debug().Uint32("address", block.Address).Int("size", block.Len()).Msg("block")

		for page := range block.Pages(int(f.info.PageSize)) {
			// Pages are the only safe points to stop at.
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("cancelled: %w", err)
			}

			number, err := f.writePage(ctx, page, result.Bytes)
			if err != nil {
				return nil, &PageError{Page: number, Address: page.Address, Err: err}
			}

			result.Pages++
			result.Bytes += page.Len()
		}
	}

	result.Duration = time.Since(start)
	f.log.Info().
		Int("bytes", result.Bytes).
		Int("pages", result.Pages).
		Dur("duration", result.Duration).
		Msg("update complete")
	return result, nil
}

// writePage erases, fills and commits a single page. A started page is
// finished even if ctx is cancelled meanwhile.
func (f *Flasher) writePage(ctx context.Context, page firmware.PageUnit, written int) (uint32, error) {
	ctx = context.WithoutCancel(ctx)

	number, err := f.info.PageNumber(page.Address)
	if err != nil {
		return page.Address / max(f.info.PageSize, 1), err
	}
	if number > math.MaxUint16 {
		return number, fmt.Errorf("page number %d out of range", number)
	}

	f.reportProgress(Progress{
		Page:         number,
		Address:      page.Address,
		Size:         page.Len(),
		BytesWritten: written,
	})
	f.log.Info().Uint32("page", number).Str("address", fmt.Sprintf("0x%X", page.Address)).Int("size", page.Len()).Msg("writing page")

	if err := f.ch.ErasePage(ctx, uint16(number)); err != nil {
		return number, fmt.Errorf("erase failed: %w", err)
	}
	if err := f.ch.TransferPage(ctx, page.Data); err != nil {
		return number, fmt.Errorf("buffer fill failed: %w", err)
	}
	if err := f.ch.WriteBuffer(ctx, uint16(number), page.Len()); err != nil {
		return number, fmt.Errorf("write failed: %w", err)
	}
	return number, nil
}

// EraseApp erases the first page of the application so the bootloader
// does not start it on reset.
func (f *Flasher) EraseApp(ctx context.Context) error {
	number, err := f.info.PageNumber(f.info.AppStart)
	if err != nil {
		return err
	}
	if number > math.MaxUint16 {
		return fmt.Errorf("page number %d out of range", number)
	}

	f.log.Info().Uint32("page", number).Msg("erasing first application page")
	if err := f.ch.ErasePage(ctx, uint16(number)); err != nil {
		return &PageError{Page: number, Address: f.info.AppStart, Err: err}
	}
	return nil
}
