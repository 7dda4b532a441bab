package protocol

import (
	"encoding/binary"
	"fmt"
)

// Frame layouts (little-endian):
//
//	reset, ping, start: op
//	erase page:         op, 0, page u16
//	write buffer:       op, 0, page u16, words u16
//	add buffer:         op, 0, offset u16 (always 0), data [16]byte

// ResetFrame returns the frame for the reset command.
func ResetFrame() []byte {
	return []byte{CmdReset}
}

// PingFrame returns the frame for the ping command.
func PingFrame() []byte {
	return []byte{CmdPing}
}

// StartFrame returns the frame for the start application command.
func StartFrame() []byte {
	return []byte{CmdStart}
}

// ErasePageFrame creates the frame for the erase page command.
func ErasePageFrame(page uint16) []byte {
	frame := make([]byte, 4)
	frame[0] = CmdErasePage
	binary.LittleEndian.PutUint16(frame[2:4], page)
	return frame
}

// WriteBufferFrame creates the frame committing the device buffer to a page.
// The length is converted to a word count by truncating division.
func WriteBufferFrame(page uint16, length int) []byte {
	frame := make([]byte, 6)
	frame[0] = CmdWriteBuffer
	binary.LittleEndian.PutUint16(frame[2:4], page)
	binary.LittleEndian.PutUint16(frame[4:6], WordCount(length))
	return frame
}

// AddBufferFrame creates the frame appending up to 16 bytes to the device buffer.
// Shorter chunks are zero padded.
func AddBufferFrame(chunk []byte) ([]byte, error) {
	if len(chunk) > AddBufferChunkSize {
		return nil, fmt.Errorf("add buffer chunk too long: %d bytes (max %d)", len(chunk), AddBufferChunkSize)
	}

	frame := make([]byte, 4+AddBufferChunkSize)
	frame[0] = CmdAddBuffer
	copy(frame[4:], chunk)
	return frame, nil
}

// WordCount returns the write buffer length field for a page of n bytes.
func WordCount(n int) uint16 {
	return uint16(n / WordSize)
}
