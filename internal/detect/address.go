package detect

import "fmt"

// Direct returns a result for a known address without scanning. A connected
// peripheral usually stops advertising, so it can only be reached this way.
func Direct(address string) (*Result, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	return &Result{Address: addr, Name: addr.String()}, nil
}

// AddressError is returned for an address the platform cannot use.
type AddressError struct {
	Address string
	Err     error
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("invalid device address %q: %v", e.Address, e.Err)
}

func (e *AddressError) Unwrap() error {
	return e.Err
}
