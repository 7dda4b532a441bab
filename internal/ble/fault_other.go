//go:build !linux

package ble

// isNotConnected reports whether err means the link is gone.
func isNotConnected(err error) bool {
	return err != nil && containsNotConnected(err.Error())
}
