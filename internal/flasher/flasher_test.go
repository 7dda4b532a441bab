package flasher

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/bigbag/bledfu/internal/channel"
	"github.com/bigbag/bledfu/internal/firmware"
	"github.com/bigbag/bledfu/internal/protocol"
)

// deviceMock acts as a DFU bootloader that keeps a flash image in memory.
type deviceMock struct {
	mu       sync.Mutex
	fast     bool
	pageSize int
	flash    map[uint16][]byte
	buffer   []byte
	log      []string
	rejectOn byte
	cb       func([]byte)
}

func newDeviceMock(pageSize int, fast bool) *deviceMock {
	return &deviceMock{pageSize: pageSize, fast: fast, flash: map[uint16][]byte{}}
}

func (d *deviceMock) WriteCommand(p []byte) error {
	d.mu.Lock()
	status := byte(protocol.StatusOK)
	if p[0] == d.rejectOn {
		status = 0x01
	}

	switch p[0] {
	case protocol.CmdErasePage:
		page := binary.LittleEndian.Uint16(p[2:4])
		d.flash[page] = nil
		d.log = append(d.log, fmt.Sprintf("erase %d", page))
	case protocol.CmdAddBuffer:
		d.buffer = append(d.buffer, p[4:]...)
	case protocol.CmdWriteBuffer:
		page := binary.LittleEndian.Uint16(p[2:4])
		words := int(binary.LittleEndian.Uint16(p[4:6]))
		d.flash[page] = append([]byte(nil), d.buffer[:words*4]...)
		d.buffer = nil
		d.log = append(d.log, fmt.Sprintf("write %d %d", page, words))
	default:
		d.log = append(d.log, protocol.CommandName(p[0]))
	}
	cb := d.cb
	d.mu.Unlock()

	if protocol.Confirmed(p[0]) {
		go cb([]byte{status})
	}
	return nil
}

func (d *deviceMock) WriteBuffer(p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buffer = append(d.buffer, p...)
	return nil
}

func (d *deviceMock) FastBuffer() bool { return d.fast }

func (d *deviceMock) OnResponse(cb func([]byte)) { d.cb = cb }

func (d *deviceMock) Reconnect() error { return nil }

func record(address uint16, data []byte) string {
	raw := []byte{byte(len(data)), byte(address >> 8), byte(address), 0x00}
	raw = append(raw, data...)
	raw = append(raw, 0x00) // checksum is not verified
	return fmt.Sprintf(":%X", raw)
}

// hexImage encodes data at address as 16-byte records.
func hexImage(address uint16, data []byte) string {
	var lines []string
	for off := 0; off < len(data); off += 16 {
		end := min(off+16, len(data))
		lines = append(lines, record(address+uint16(off), data[off:end]))
	}
	lines = append(lines, ":00000001FF")
	return strings.Join(lines, "\n") + "\n"
}

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func TestUpdate_WritesEveryPage(t *testing.T) {
	for _, fast := range []bool{false, true} {
		dev := newDeviceMock(256, fast)
		ch := channel.New(dev)
		info := protocol.DeviceInfo{Version: 1, PageSize: 256}

		var events []Progress
		f := New(ch, info, WithProgressCallback(func(p Progress) {
			events = append(events, p)
		}))

		data := pattern(600)
		result, err := f.UpdateReader(context.Background(), strings.NewReader(hexImage(0x0400, data)))
		if err != nil {
			t.Fatalf("fast=%v: UpdateReader() error = %v", fast, err)
		}

		if result.Bytes != 600 || result.Pages != 3 || result.Blocks != 1 {
			t.Errorf("fast=%v: result = %+v, want 600 bytes, 3 pages, 1 block", fast, result)
		}

		expectedLog := []string{"erase 4", "write 4 64", "erase 5", "write 5 64", "erase 6", "write 6 22"}
		if strings.Join(dev.log, ",") != strings.Join(expectedLog, ",") {
			t.Errorf("fast=%v: command log = %v, want %v", fast, dev.log, expectedLog)
		}

		for i, page := range []uint16{4, 5} {
			want := data[i*256 : (i+1)*256]
			if string(dev.flash[page]) != string(want) {
				t.Errorf("fast=%v: page %d content mismatch", fast, page)
			}
		}

		expectedEvents := []Progress{
			{Page: 4, Address: 0x400, Size: 256, BytesWritten: 0},
			{Page: 5, Address: 0x500, Size: 256, BytesWritten: 256},
			{Page: 6, Address: 0x600, Size: 88, BytesWritten: 512},
		}
		if len(events) != len(expectedEvents) {
			t.Fatalf("fast=%v: got %d progress events, want %d", fast, len(events), len(expectedEvents))
		}
		for i, e := range expectedEvents {
			if events[i] != e {
				t.Errorf("fast=%v: event %d = %+v, want %+v", fast, i, events[i], e)
			}
		}
	}
}

func TestUpdate_UnalignedBlock(t *testing.T) {
	dev := newDeviceMock(256, true)
	f := New(channel.New(dev), protocol.DeviceInfo{Version: 1, PageSize: 256})

	_, err := f.UpdateReader(context.Background(), strings.NewReader(hexImage(0x0410, pattern(16))))

	var pageErr *PageError
	if !errors.As(err, &pageErr) {
		t.Fatalf("UpdateReader() error = %v, want *PageError", err)
	}
	var alignErr *protocol.AlignmentError
	if !errors.As(err, &alignErr) {
		t.Errorf("UpdateReader() error = %v, want wrapped *AlignmentError", err)
	}
	if pageErr.Address != 0x410 {
		t.Errorf("PageError.Address = 0x%X, want 0x410", pageErr.Address)
	}
	if len(dev.log) != 0 {
		t.Errorf("device saw %v, want no commands", dev.log)
	}
}

func TestUpdate_RejectedCommandAbortsWithPage(t *testing.T) {
	dev := newDeviceMock(256, true)
	dev.rejectOn = protocol.CmdWriteBuffer
	f := New(channel.New(dev), protocol.DeviceInfo{Version: 1, PageSize: 256})

	_, err := f.UpdateReader(context.Background(), strings.NewReader(hexImage(0x0200, pattern(512))))

	var pageErr *PageError
	if !errors.As(err, &pageErr) {
		t.Fatalf("UpdateReader() error = %v, want *PageError", err)
	}
	if pageErr.Page != 2 {
		t.Errorf("PageError.Page = %d, want 2", pageErr.Page)
	}
	var rejected *channel.CommandRejectedError
	if !errors.As(err, &rejected) {
		t.Errorf("UpdateReader() error = %v, want wrapped *CommandRejectedError", err)
	}
	if len(dev.log) != 2 {
		t.Errorf("device saw %v, want erase and write of the first page only", dev.log)
	}
}

func TestUpdate_ParseErrorBeforeDevice(t *testing.T) {
	dev := newDeviceMock(256, true)
	f := New(channel.New(dev), protocol.DeviceInfo{Version: 1, PageSize: 256})

	_, err := f.UpdateReader(context.Background(), strings.NewReader("not a hex file\n"))
	var formatErr *firmware.FormatError
	if !errors.As(err, &formatErr) {
		t.Errorf("UpdateReader() error = %v, want *firmware.FormatError", err)
	}
	if len(dev.log) != 0 {
		t.Errorf("device saw %v, want no commands", dev.log)
	}
}

func TestUpdate_CancelledBetweenPages(t *testing.T) {
	dev := newDeviceMock(256, true)
	ctx, cancel := context.WithCancel(context.Background())

	f := New(channel.New(dev), protocol.DeviceInfo{Version: 1, PageSize: 256},
		WithProgressCallback(func(p Progress) {
			if p.Page == 1 {
				cancel()
			}
		}))

	_, err := f.UpdateReader(ctx, strings.NewReader(hexImage(0x0000, pattern(1024))))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("UpdateReader() error = %v, want context.Canceled", err)
	}
	// Page 1 was already started when cancel was requested, so it completes.
	expected := []string{"erase 0", "write 0 64", "erase 1", "write 1 64"}
	if strings.Join(dev.log, ",") != strings.Join(expected, ",") {
		t.Errorf("command log = %v, want %v", dev.log, expected)
	}
}

func TestUpdate_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.hex")
	if err := os.WriteFile(path, []byte(hexImage(0x0000, pattern(64))), 0o644); err != nil {
		t.Fatal(err)
	}

	dev := newDeviceMock(64, false)
	f := New(channel.New(dev), protocol.DeviceInfo{Version: 1, PageSize: 64})

	result, err := f.Update(context.Background(), path)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if result.Pages != 1 || result.Bytes != 64 {
		t.Errorf("result = %+v, want 1 page of 64 bytes", result)
	}

	if _, err := f.Update(context.Background(), filepath.Join(t.TempDir(), "missing.hex")); err == nil {
		t.Error("Update(missing) expected error, got nil")
	}
}

func TestEraseApp(t *testing.T) {
	dev := newDeviceMock(1024, true)
	info := protocol.DeviceInfo{Version: 1, PageSize: 1024, AppStart: 0x2000}
	f := New(channel.New(dev), info)

	if err := f.EraseApp(context.Background()); err != nil {
		t.Fatalf("EraseApp() error = %v", err)
	}
	if len(dev.log) != 1 || dev.log[0] != "erase 8" {
		t.Errorf("command log = %v, want [erase 8]", dev.log)
	}
}

func TestResult_Throughput(t *testing.T) {
	r := &Result{Bytes: 2048, Duration: 2e9}
	if got := r.Throughput(); got != 1024 {
		t.Errorf("Throughput() = %v, want 1024", got)
	}
	if got := (&Result{Bytes: 10}).Throughput(); got != 0 {
		t.Errorf("Throughput() with zero duration = %v, want 0", got)
	}
}
