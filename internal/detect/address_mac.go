//go:build !darwin

package detect

import "tinygo.org/x/bluetooth"

// ParseAddress parses a MAC address of the form AA:BB:CC:DD:EE:FF.
func ParseAddress(s string) (bluetooth.Address, error) {
	mac, err := bluetooth.ParseMAC(s)
	if err != nil {
		return bluetooth.Address{}, &AddressError{Address: s, Err: err}
	}
	return bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}, nil
}
