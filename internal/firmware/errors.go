package firmware

import (
	"errors"
	"fmt"
)

// ErrBaseAddressUnknown is matched by BaseAddressError.
var ErrBaseAddressUnknown = errors.New("base address unknown")

// FormatError indicates a line that is not an Intel HEX record.
type FormatError struct {
	Line   int
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("line %d: invalid record: %s", e.Line, e.Reason)
}

// MalformedRecordError indicates a record whose payload does not match its length field.
type MalformedRecordError struct {
	Line     int
	Declared int
	Actual   int
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("line %d: record declares %d data bytes, has %d", e.Line, e.Declared, e.Actual)
}

// UnknownRecordTypeError indicates a record type this parser does not handle.
type UnknownRecordTypeError struct {
	Line int
	Type byte
}

func (e *UnknownRecordTypeError) Error() string {
	return fmt.Sprintf("line %d: unknown record type: %d", e.Line, e.Type)
}

// BaseAddressError indicates a data record following a start segment address
// record without a new extended segment address.
type BaseAddressError struct {
	Line int
}

func (e *BaseAddressError) Error() string {
	return fmt.Sprintf("line %d: data record after start segment address: %v", e.Line, ErrBaseAddressUnknown)
}

func (e *BaseAddressError) Unwrap() error {
	return ErrBaseAddressUnknown
}
