package channel

import (
	"errors"
	"fmt"
	"time"

	"github.com/bigbag/bledfu/internal/protocol"
)

// ErrNotConnected is returned (possibly wrapped) by a Transport whose link is down.
var ErrNotConnected = errors.New("not connected")

// UnexpectedResponseError indicates a notification that does not belong to a
// pending command. The channel is out of sync with the device afterwards.
type UnexpectedResponseError struct {
	Response []byte
}

func (e *UnexpectedResponseError) Error() string {
	if len(e.Response) == 0 {
		return "unexpected empty response"
	}
	return fmt.Sprintf("unexpected response % X with no command pending", e.Response)
}

// CommandRejectedError indicates a non-zero status from the device.
type CommandRejectedError struct {
	Command byte
	Status  byte
}

func (e *CommandRejectedError) Error() string {
	return fmt.Sprintf("%s command returned status 0x%02X", protocol.CommandName(e.Command), e.Status)
}

// TimeoutError indicates that no response arrived in time.
type TimeoutError struct {
	Command byte
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout waiting for %s response after %s", protocol.CommandName(e.Command), e.Timeout)
}
