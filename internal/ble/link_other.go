//go:build !linux

package ble

// The adapter's connect handler reports link changes on these platforms.
func watchLink(address string, set func(bool)) (linkWatcher, error) {
	return nil, nil
}
