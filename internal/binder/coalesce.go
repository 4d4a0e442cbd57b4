// Package binder implements C4, the per-request binder: for one
// sub-request it maps inputs/outputs/scratch/instructions into the
// device address space, coalescing page-adjacent host buffers into a
// minimal number of mapping calls, and patches the instruction bitstream
// with the resolved device addresses (spec.md §4.4).
package binder

import (
	"sort"

	"github.com/tpudrv/tpudrv/internal/buffer"
	"github.com/tpudrv/tpudrv/internal/constants"
)

// entry is one host-pointer-backed buffer participating in coalescing.
type entry struct {
	hostAddr uintptr
	size     int
	isInput  bool
	isOutput bool
	index    int // position in the caller's flat buffer list
}

// endpoint is one boundary of an entry's page-aligned range, per spec.md
// §4.4 step 1-2; isEnd marks the "end" sentinel.
type endpoint struct {
	addr  uintptr
	isEnd bool
	entryIdx int
}

func pageAlignDown(addr uintptr) uintptr {
	return addr &^ (constants.HostPageSizeBytes - 1)
}

func pageAlignUp(addr uintptr) uintptr {
	return (addr + constants.HostPageSizeBytes - 1) &^ (constants.HostPageSizeBytes - 1)
}

// mergedInterval is one coalesced, page-aligned device mapping.
type mergedInterval struct {
	hostStart, hostEnd uintptr
	hasInput, hasOutput bool
	device buffer.DeviceBuffer
}

// coalesce implements the four-step algorithm in spec.md §4.4: page-align
// every entry's range, sort the sentinel-tagged endpoints (ties order
// starts before ends), sweep with a depth counter to find merge points,
// and return the merged intervals in host-address order (required for the
// binary search in resolveAddress).
func coalesce(entries []entry) []mergedInterval {
	if len(entries) == 0 {
		return nil
	}

	endpoints := make([]endpoint, 0, len(entries)*2)
	for i, e := range entries {
		start := pageAlignDown(e.hostAddr)
		end := pageAlignUp(e.hostAddr + uintptr(e.size))
		endpoints = append(endpoints,
			endpoint{addr: start, isEnd: false, entryIdx: i},
			endpoint{addr: end, isEnd: true, entryIdx: i},
		)
	}

	sort.Slice(endpoints, func(i, j int) bool {
		if endpoints[i].addr != endpoints[j].addr {
			return endpoints[i].addr < endpoints[j].addr
		}
		// Ties order starts before ends.
		return !endpoints[i].isEnd && endpoints[j].isEnd
	})

	var merged []mergedInterval
	depth := 0
	var cur mergedInterval
	for _, ep := range endpoints {
		e := entries[ep.entryIdx]
		if !ep.isEnd {
			if depth == 0 {
				cur = mergedInterval{hostStart: ep.addr}
			}
			depth++
			cur.hasInput = cur.hasInput || e.isInput
			cur.hasOutput = cur.hasOutput || e.isOutput
		} else {
			depth--
			if depth == 0 {
				cur.hostEnd = ep.addr
				merged = append(merged, cur)
			}
		}
	}
	return merged
}

// resolveAddress binary-searches merged for the interval containing
// hostAddr and returns the corresponding device address (spec.md §4.4
// step 4).
func resolveAddress(merged []mergedInterval, hostAddr uintptr) (uint64, bool) {
	i := sort.Search(len(merged), func(i int) bool {
		return merged[i].hostEnd > hostAddr
	})
	if i == len(merged) || merged[i].hostStart > hostAddr {
		return 0, false
	}
	m := merged[i]
	return m.device.DeviceAddress + uint64(hostAddr-m.hostStart), true
}
