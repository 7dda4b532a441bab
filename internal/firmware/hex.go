package firmware

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"
)

// Intel HEX record types
const (
	RecordData                = 0x00
	RecordEOF                 = 0x01
	RecordExtendedSegmentAddr = 0x02
	RecordStartSegmentAddr    = 0x03
)

const (
	recordHeaderSize   = 4
	recordChecksumSize = 1
)

// Block is a contiguous run of firmware bytes.
type Block struct {
	Address uint32
	Data    []byte
}

// End returns the address just past the last byte of the block.
func (b Block) End() uint32 {
	return b.Address + uint32(len(b.Data))
}

// Len returns the number of bytes in the block.
func (b Block) Len() int {
	return len(b.Data)
}

// Reader yields the blocks of an Intel HEX image one at a time.
// Record checksums are not verified.
type Reader struct {
	scanner *bufio.Scanner
	closer  io.Closer
	line    int

	base      uint32
	baseValid bool
	block     *Block
	done      bool
}

// NewReader returns a Reader parsing r.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		scanner:   bufio.NewScanner(r),
		baseValid: true,
	}
}

// Open opens an Intel HEX file. The caller must Close the reader.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}

	r := NewReader(f)
	r.closer = f
	return r, nil
}

// Close closes the underlying file, if any.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// Next returns the next block, or io.EOF once the image is exhausted.
func (r *Reader) Next() (Block, error) {
	for !r.done {
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return Block{}, fmt.Errorf("failed to read image: %w", err)
			}
			r.done = true
			break
		}
		r.line++

		finished, err := r.parseLine(r.scanner.Text())
		if err != nil {
			return Block{}, err
		}
		if finished != nil {
			return *finished, nil
		}
	}

	if r.block != nil {
		b := *r.block
		r.block = nil
		return b, nil
	}
	return Block{}, io.EOF
}

// Blocks returns the remaining blocks as a sequence.
// Iteration stops after the first error.
func (r *Reader) Blocks() iter.Seq2[Block, error] {
	return func(yield func(Block, error) bool) {
		for {
			b, err := r.Next()
			if err == io.EOF {
				return
			}
			if !yield(b, err) || err != nil {
				return
			}
		}
	}
}

// parseLine handles one line and returns a block if the line finished one.
func (r *Reader) parseLine(line string) (*Block, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}
	if line[0] != ':' {
		return nil, &FormatError{Line: r.line, Reason: "line does not start with a colon"}
	}

	raw, err := hex.DecodeString(line[1:])
	if err != nil {
		return nil, &FormatError{Line: r.line, Reason: err.Error()}
	}
	if len(raw) < recordHeaderSize+recordChecksumSize {
		return nil, &MalformedRecordError{Line: r.line, Declared: recordHeaderSize, Actual: len(raw)}
	}
	raw = raw[:len(raw)-recordChecksumSize]

	length := int(raw[0])
	address := uint32(binary.BigEndian.Uint16(raw[1:3]))
	recordType := raw[3]
	data := raw[recordHeaderSize:]

	if len(data) != length {
		return nil, &MalformedRecordError{Line: r.line, Declared: length, Actual: len(data)}
	}

	switch recordType {
	case RecordData:
		if !r.baseValid {
			return nil, &BaseAddressError{Line: r.line}
		}
		start := r.base + address

		if r.block == nil {
			r.block = &Block{Address: start, Data: data}
			return nil, nil
		}
		if r.block.End() == start {
			r.block.Data = append(r.block.Data, data...)
			return nil, nil
		}

		finished := r.block
		r.block = &Block{Address: start, Data: data}
		return finished, nil

	case RecordEOF:
		return nil, nil

	case RecordExtendedSegmentAddr:
		if len(data) != 2 {
			return nil, &MalformedRecordError{Line: r.line, Declared: 2, Actual: len(data)}
		}
		finished := r.block
		r.block = nil
		r.base = uint32(binary.BigEndian.Uint16(data)) * 16
		r.baseValid = true
		return finished, nil

	case RecordStartSegmentAddr:
		// Only meaningful to 8086-era CPUs. Any data after it needs a fresh base.
		r.baseValid = false
		return nil, nil

	default:
		return nil, &UnknownRecordTypeError{Line: r.line, Type: recordType}
	}
}

// Summary describes a parsed image.
type Summary struct {
	Blocks int
	Bytes  int
}

// Scan parses a whole image and reports its size.
func Scan(r io.Reader) (Summary, error) {
	var s Summary
	for b, err := range NewReader(r).Blocks() {
		if err != nil {
			return Summary{}, err
		}
		s.Blocks++
		s.Bytes += b.Len()
	}
	return s, nil
}
