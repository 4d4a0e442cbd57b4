package memory

import (
	"math/bits"

	tpuerr "github.com/tpudrv/tpudrv/internal/tpuerr"
	"github.com/tpudrv/tpudrv/internal/constants"
)

// buddyArena is a classic power-of-two buddy allocator over page-sized
// quanta within a fixed [base, base+totalPages*pageSize) window. It backs
// both the simple and extended page-table regions of BuddyAddressSpace;
// the only difference between the two is their base address and page
// budget.
type buddyArena struct {
	base       uint64
	totalPages int
	maxOrder   int
	// freeLists[order] holds free block start pages, sorted ascending.
	freeLists [][]int
	used      map[int]int // block start page -> order, for free()
}

func newBuddyArena(base uint64, totalPages int) *buddyArena {
	order := bits.Len(uint(totalPages)) - 1
	if 1<<order < totalPages {
		order++
	}
	a := &buddyArena{
		base:       base,
		totalPages: 1 << order,
		maxOrder:   order,
		freeLists:  make([][]int, order+1),
		used:       make(map[int]int),
	}
	a.freeLists[order] = []int{0}
	return a
}

func orderFor(pages int) int {
	order := bits.Len(uint(pages)) - 1
	if 1<<order < pages {
		order++
	}
	return order
}

func (a *buddyArena) canFit(pages int) bool {
	order := orderFor(pages)
	if order > a.maxOrder {
		return false
	}
	for o := order; o <= a.maxOrder; o++ {
		if len(a.freeLists[o]) > 0 {
			return true
		}
	}
	return false
}

// allocate reserves `pages` contiguous page-aligned quanta and returns the
// resulting device-virtual address.
func (a *buddyArena) allocate(pages int) (uint64, error) {
	order := orderFor(pages)
	if order > a.maxOrder {
		return 0, tpuerr.NewError("buddy.allocate", tpuerr.CodeResourceExhausted, "requested range exceeds arena capacity")
	}

	// Find the smallest available order >= requested, splitting down.
	splitFrom := -1
	for o := order; o <= a.maxOrder; o++ {
		if len(a.freeLists[o]) > 0 {
			splitFrom = o
			break
		}
	}
	if splitFrom == -1 {
		return 0, tpuerr.NewError("buddy.allocate", tpuerr.CodeResourceExhausted, "arena exhausted")
	}

	block := a.popFreeList(splitFrom)
	for o := splitFrom; o > order; o-- {
		half := 1 << (o - 1)
		buddy := block + half
		a.pushFreeList(o-1, buddy)
	}
	a.used[block] = order

	return a.base + uint64(block)*constants.HostPageSizeBytes, nil
}

func (a *buddyArena) free(devAddr uint64, pages int) error {
	if devAddr < a.base {
		return tpuerr.NewError("buddy.free", tpuerr.CodeInvalidArgument, "address below arena base")
	}
	block := int((devAddr - a.base) / constants.HostPageSizeBytes)
	order, ok := a.used[block]
	if !ok {
		return tpuerr.NewError("buddy.free", tpuerr.CodeNotFound, "no outstanding allocation at that address")
	}
	delete(a.used, block)

	// Coalesce with the buddy at each level while it is free.
	for order < a.maxOrder {
		buddy := block ^ (1 << order)
		if !a.removeFromFreeList(order, buddy) {
			break
		}
		if buddy < block {
			block = buddy
		}
		order++
	}
	a.pushFreeList(order, block)
	return nil
}

func (a *buddyArena) popFreeList(order int) int {
	list := a.freeLists[order]
	block := list[len(list)-1]
	a.freeLists[order] = list[:len(list)-1]
	return block
}

func (a *buddyArena) pushFreeList(order, block int) {
	a.freeLists[order] = append(a.freeLists[order], block)
}

func (a *buddyArena) removeFromFreeList(order, block int) bool {
	list := a.freeLists[order]
	for i, b := range list {
		if b == block {
			a.freeLists[order] = append(list[:i], list[i+1:]...)
			return true
		}
	}
	return false
}
