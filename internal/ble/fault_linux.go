//go:build linux

package ble

import (
	"errors"

	"github.com/godbus/dbus/v5"
)

// isNotConnected reports whether err is BlueZ refusing an operation on a
// dropped link.
func isNotConnected(err error) bool {
	if err == nil {
		return false
	}

	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		return dbusNotConnected(dbusErr)
	}
	var dbusErrPtr *dbus.Error
	if errors.As(err, &dbusErrPtr) && dbusErrPtr != nil {
		return dbusNotConnected(*dbusErrPtr)
	}
	return containsNotConnected(err.Error())
}

func dbusNotConnected(e dbus.Error) bool {
	switch e.Name {
	case "org.bluez.Error.NotConnected":
		return true
	case "org.bluez.Error.Failed":
		for _, b := range e.Body {
			if msg, ok := b.(string); ok && containsNotConnected(msg) {
				return true
			}
		}
	}
	return false
}
