package protocol

// DFU bootloader commands
const (
	CmdReset       = 0x01
	CmdErasePage   = 0x02
	CmdWriteBuffer = 0x03
	CmdAddBuffer   = 0x04
	CmdPing        = 0x10
	CmdStart       = 0x11
)

// Transfer parameters
const (
	// BufferChunkSize is the largest raw write accepted by the buffer characteristic.
	BufferChunkSize = 20
	// AddBufferChunkSize is the payload carried by one CmdAddBuffer frame.
	AddBufferChunkSize = 16
	// WordSize is the unit of the CmdWriteBuffer length field.
	WordSize = 4
)

// SupportedVersion is the only DFU protocol version this tool can flash.
const SupportedVersion = 1

// StatusOK is the response status for a successful command.
const StatusOK = 0x00

// CommandName returns human-readable name for an opcode
func CommandName(cmd byte) string {
	switch cmd {
	case CmdReset:
		return "reset"
	case CmdErasePage:
		return "erase page"
	case CmdWriteBuffer:
		return "write buffer"
	case CmdAddBuffer:
		return "add buffer"
	case CmdPing:
		return "ping"
	case CmdStart:
		return "start"
	default:
		return "unknown"
	}
}

// Confirmed reports whether the device answers the command with a status notification.
func Confirmed(cmd byte) bool {
	switch cmd {
	case CmdErasePage, CmdWriteBuffer, CmdPing:
		return true
	default:
		return false
	}
}
