package detect

import (
	"testing"
	"time"

	"github.com/bigbag/bledfu/internal/protocol"
)

func TestOptions_MatchesDFUByDefault(t *testing.T) {
	var opts Options
	if !opts.matches(Result{Name: "boot", DFU: true}) {
		t.Error("matches(DFU device) = false, want true")
	}
	if opts.matches(Result{Name: "boot"}) {
		t.Error("matches(non-DFU device) = true, want false")
	}
}

func TestOptions_MatchesName(t *testing.T) {
	opts := Options{Name: "PineTime"}
	if !opts.matches(Result{Name: "PineTime"}) {
		t.Error("matches(same name) = false, want true")
	}
	if opts.matches(Result{Name: "Other", DFU: true}) {
		t.Error("matches(other name) = true, want false")
	}
}

func TestOptions_AddressTakesPrecedence(t *testing.T) {
	opts := Options{Address: "AA:BB:CC:DD:EE:FF", Name: "boot"}
	if opts.matches(Result{Name: "boot", DFU: true}) {
		t.Error("matches(different address) = true, want false")
	}
}

func TestOptions_Timeout(t *testing.T) {
	if got := (Options{}).timeout(); got != protocol.DefaultScanTimeout {
		t.Errorf("timeout() = %v, want %v", got, protocol.DefaultScanTimeout)
	}
	if got := (Options{Timeout: 3 * time.Second}).timeout(); got != 3*time.Second {
		t.Errorf("timeout() = %v, want 3s", got)
	}
}

func TestServiceUUID(t *testing.T) {
	if serviceUUID.String() != protocol.ServiceUUID {
		t.Errorf("serviceUUID = %s, want %s", serviceUUID.String(), protocol.ServiceUUID)
	}
}
