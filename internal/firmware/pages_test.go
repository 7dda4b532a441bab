package firmware

import (
	"bytes"
	"slices"
	"testing"
)

func TestPages_SplitsIntoPageSizedUnits(t *testing.T) {
	block := Block{Address: 0x8000, Data: seq(0, 2050)}

	units := slices.Collect(block.Pages(1024))
	if len(units) != 3 {
		t.Fatalf("Pages() yielded %d units, want 3", len(units))
	}

	expected := []struct {
		address uint32
		size    int
	}{
		{0x8000, 1024},
		{0x8400, 1024},
		{0x8800, 2},
	}
	for i, e := range expected {
		if units[i].Address != e.address || units[i].Len() != e.size {
			t.Errorf("unit %d = 0x%X/%d, want 0x%X/%d", i, units[i].Address, units[i].Len(), e.address, e.size)
		}
	}
}

func TestPages_SmallBlockUnchanged(t *testing.T) {
	for _, size := range []int{0, 1, 512, 1024} {
		block := Block{Address: 0x400, Data: seq(0, size)}
		units := slices.Collect(block.Pages(1024))
		if len(units) != 1 {
			t.Errorf("Pages(%d bytes) yielded %d units, want 1", size, len(units))
			continue
		}
		if units[0].Address != block.Address || !bytes.Equal(units[0].Data, block.Data) {
			t.Errorf("Pages(%d bytes) = %+v, want the block unchanged", size, units[0])
		}
	}
}

func TestPages_Properties(t *testing.T) {
	for _, pageSize := range []int{1, 3, 4, 16, 256, 1024} {
		for _, n := range []int{1, 2, 15, 16, 17, 255, 1000, 4096, 5000} {
			block := Block{Address: 0x1000, Data: seq(byte(n), n)}

			var joined []byte
			units := slices.Collect(block.Pages(pageSize))
			for i, u := range units {
				if u.Len() > pageSize {
					t.Errorf("P=%d n=%d: unit %d has %d bytes", pageSize, n, i, u.Len())
				}
				if i < len(units)-1 && u.Len() != pageSize {
					t.Errorf("P=%d n=%d: non-final unit %d has %d bytes", pageSize, n, i, u.Len())
				}
				if u.Address != block.Address+uint32(i*pageSize) {
					t.Errorf("P=%d n=%d: unit %d address = 0x%X", pageSize, n, i, u.Address)
				}
				joined = append(joined, u.Data...)
			}
			if !bytes.Equal(joined, block.Data) {
				t.Errorf("P=%d n=%d: concatenated units differ from block", pageSize, n)
			}
		}
	}
}

func TestPages_EarlyBreak(t *testing.T) {
	block := Block{Address: 0, Data: seq(0, 4096)}

	count := 0
	for range block.Pages(1024) {
		count++
		if count == 2 {
			break
		}
	}
	if count != 2 {
		t.Errorf("iterated %d units, want 2", count)
	}
}
