//go:build darwin

package detect

import "tinygo.org/x/bluetooth"

// ParseAddress parses a peripheral UUID, which CoreBluetooth uses in place
// of the MAC address.
func ParseAddress(s string) (bluetooth.Address, error) {
	uuid, err := bluetooth.ParseUUID(s)
	if err != nil {
		return bluetooth.Address{}, &AddressError{Address: s, Err: err}
	}
	return bluetooth.Address{UUID: uuid}, nil
}
