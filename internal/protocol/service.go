package protocol

import "time"

// GATT service and characteristics of the DFU bootloader
const (
	ServiceUUID    = "67fc0001-83ae-f58c-f84b-ba72efb822f4"
	InfoCharUUID   = "67fc0002-83ae-f58c-f84b-ba72efb822f4"
	CallCharUUID   = "67fc0003-83ae-f58c-f84b-ba72efb822f4"
	BufferCharUUID = "67fc0004-83ae-f58c-f84b-ba72efb822f4"
)

// Default timeouts
const (
	DefaultResponseTimeout = 5 * time.Second
	DefaultScanTimeout     = 10 * time.Second
)
