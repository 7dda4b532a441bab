package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// InfoSize is the length of the metadata characteristic value.
const InfoSize = 12

// DeviceInfo describes the bootloader and flash geometry of a device.
type DeviceInfo struct {
	Version   uint8
	PageSize  uint32
	FlashSize uint32
	ChipID    string
	AppStart  uint32
	AppSize   uint32
}

// DecodeError is returned when the metadata value has the wrong shape or
// describes an impossible flash geometry.
type DecodeError struct {
	Length int
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Reason != "" {
		return "device info: " + e.Reason
	}
	return fmt.Sprintf("device info: expected %d bytes, got %d", InfoSize, e.Length)
}

// AlignmentError is returned for an address that does not start a flash page.
type AlignmentError struct {
	Address  uint32
	PageSize uint32
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("address 0x%X is not aligned to page size %d", e.Address, e.PageSize)
}

// UnsupportedVersionError is returned for a bootloader speaking another protocol version.
type UnsupportedVersionError struct {
	Version uint8
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported DFU version %d (want %d)", e.Version, SupportedVersion)
}

// DecodeInfo parses the metadata characteristic.
//
// Layout (multi-byte fields little-endian):
//
//	0:     version
//	1:     page size exponent
//	2-3:   flash size in pages
//	4-7:   chip id (ASCII)
//	8-9:   application start page
//	10-11: application size in pages
func DecodeInfo(data []byte) (DeviceInfo, error) {
	if len(data) != InfoSize {
		return DeviceInfo{}, &DecodeError{Length: len(data)}
	}

	if data[1] >= 32 {
		return DeviceInfo{}, &DecodeError{
			Length: len(data),
			Reason: fmt.Sprintf("page size exponent %d out of range", data[1]),
		}
	}
	pageSize := uint64(1) << data[1]

	// Sizes are in pages and must fit the 32-bit address space once scaled.
	var sizes [3]uint32
	for i, off := range []int{2, 8, 10} {
		v := uint64(binary.LittleEndian.Uint16(data[off:off+2])) * pageSize
		if v > math.MaxUint32 {
			return DeviceInfo{}, &DecodeError{
				Length: len(data),
				Reason: fmt.Sprintf("size at offset %d exceeds 32-bit address space", off),
			}
		}
		sizes[i] = uint32(v)
	}

	return DeviceInfo{
		Version:   data[0],
		PageSize:  uint32(pageSize),
		FlashSize: sizes[0],
		ChipID:    strings.ToValidUTF8(string(data[4:8]), "?"),
		AppStart:  sizes[1],
		AppSize:   sizes[2],
	}, nil
}

// Validate checks that the device speaks a supported protocol version.
func (d DeviceInfo) Validate() error {
	if d.Version != SupportedVersion {
		return &UnsupportedVersionError{Version: d.Version}
	}
	return nil
}

// PageNumber returns the page starting at address.
func (d DeviceInfo) PageNumber(address uint32) (uint32, error) {
	if d.PageSize == 0 || address%d.PageSize != 0 {
		return 0, &AlignmentError{Address: address, PageSize: d.PageSize}
	}
	return address / d.PageSize, nil
}
