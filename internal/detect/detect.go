package detect

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"tinygo.org/x/bluetooth"

	"github.com/bigbag/bledfu/internal/protocol"
)

var serviceUUID = mustParseUUID(protocol.ServiceUUID)

func mustParseUUID(s string) bluetooth.UUID {
	uuid, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(fmt.Sprintf("invalid uuid %q: %v", s, err))
	}
	return uuid
}

// Result represents a device seen while scanning.
type Result struct {
	Address bluetooth.Address
	Name    string
	RSSI    int16
	DFU     bool
}

// Options selects the device to look for. With neither Address nor Name set,
// the first device advertising the DFU service is used.
type Options struct {
	Address string
	Name    string
	Timeout time.Duration
	Logger  zerolog.Logger
}

func (o Options) matches(r Result) bool {
	switch {
	case o.Address != "":
		return strings.EqualFold(r.Address.String(), o.Address)
	case o.Name != "":
		return r.Name == o.Name
	default:
		return r.DFU
	}
}

func (o Options) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return protocol.DefaultScanTimeout
}

// Find scans until a device matching opts shows up.
func Find(ctx context.Context, adapter *bluetooth.Adapter, opts Options) (*Result, error) {
	results, err := scan(ctx, adapter, opts, true)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		if opts.Address != "" {
			return nil, fmt.Errorf("device %s not found", opts.Address)
		}
		return nil, fmt.Errorf("no DFU device found")
	}
	return &results[0], nil
}

// List scans for the whole timeout and returns every DFU device seen.
func List(ctx context.Context, adapter *bluetooth.Adapter, opts Options) ([]Result, error) {
	return scan(ctx, adapter, opts, false)
}

func scan(ctx context.Context, adapter *bluetooth.Adapter, opts Options, first bool) ([]Result, error) {
	scanCtx, cancel := context.WithTimeout(ctx, opts.timeout())
	defer cancel()

	stop := context.AfterFunc(scanCtx, func() {
		_ = adapter.StopScan()
	})
	defer stop()

	log := opts.Logger
	seen := make(map[string]bool)
	var results []Result

	log.Info().Dur("timeout", opts.timeout()).Msg("scanning")
	err := adapter.Scan(func(a *bluetooth.Adapter, sr bluetooth.ScanResult) {
		r := Result{
			Address: sr.Address,
			Name:    sr.LocalName(),
			RSSI:    sr.RSSI,
			DFU:     sr.AdvertisementPayload.HasServiceUUID(serviceUUID),
		}

		key := r.Address.String()
		if seen[key] {
			return
		}
		seen[key] = true
		log.Debug().Str("name", r.Name).Str("address", key).Int16("rssi", r.RSSI).Bool("dfu", r.DFU).Msg("found device")

		if !opts.matches(r) {
			return
		}
		results = append(results, r)
		if first {
			_ = a.StopScan()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	// Scan returns once stopped; a cancelled parent is an error, a timeout is not.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
