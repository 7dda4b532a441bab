package firmware

import "iter"

// PageUnit is the part of a block written to a single flash page.
type PageUnit struct {
	Address uint32
	Data    []byte
}

// Len returns the number of bytes in the unit.
func (p PageUnit) Len() int {
	return len(p.Data)
}

// Pages splits the block into units of at most pageSize bytes, starting at
// the block address. Alignment to the device page grid is not checked here.
func (b Block) Pages(pageSize int) iter.Seq[PageUnit] {
	return func(yield func(PageUnit) bool) {
		if pageSize <= 0 || len(b.Data) <= pageSize {
			yield(PageUnit{Address: b.Address, Data: b.Data})
			return
		}

		for offset := 0; offset < len(b.Data); offset += pageSize {
			end := min(offset+pageSize, len(b.Data))
			unit := PageUnit{
				Address: b.Address + uint32(offset),
				Data:    b.Data[offset:end],
			}
			if !yield(unit) {
				return
			}
		}
	}
}
