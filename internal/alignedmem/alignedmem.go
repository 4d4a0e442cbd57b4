// Package alignedmem provides page-aligned host allocations for parameter
// copies and instruction buffers. The real aligned allocator is an
// external collaborator (spec.md §1); this package is the thin layer the
// core actually calls, generalizing the teacher's fixed-size
// IOBufferSizePerTag sync.Pool bucketing (internal/queue/pool.go) to a set
// of page-multiple buckets so callers of various sizes share pools
// instead of each allocating bespoke aligned blocks.
package alignedmem

import (
	"sync"
	"unsafe"

	"github.com/tpudrv/tpudrv/internal/constants"
)

// AlignmentBytes is the alignment every allocation from this package
// satisfies; it matches the host page size since that is also the device
// MMU's mapping granularity.
const AlignmentBytes = constants.HostPageSizeBytes

var bucketPools = newBucketPools(constants.AlignedAllocBucketsBytes)

type bucketPool struct {
	size int
	pool sync.Pool
}

func newBucketPools(sizes []int) []*bucketPool {
	pools := make([]*bucketPool, len(sizes))
	for i, size := range sizes {
		size := size
		pools[i] = &bucketPool{size: size}
		pools[i].pool.New = func() any { return newAligned(size) }
	}
	return pools
}

// Block is an aligned host allocation. Free returns it to its bucket pool
// (or lets the GC reclaim it, for oversized allocations that bypass the
// pool).
type Block struct {
	Ptr   unsafe.Pointer
	Bytes []byte
	bucket *bucketPool
}

// Free releases the block. Safe to call multiple times; subsequent calls
// are no-ops.
func (b *Block) Free() {
	if b.bucket == nil || b.Bytes == nil {
		return
	}
	bucket, bytes := b.bucket, b.Bytes
	b.bucket, b.Bytes, b.Ptr = nil, nil, nil
	bucket.pool.Put(bytes)
}

// Alloc returns a zeroed, page-aligned block of at least `size` bytes.
func Alloc(size int) *Block {
	for _, bucket := range bucketPools {
		if size <= bucket.size {
			buf := bucket.pool.Get().([]byte)
			for i := range buf[:size] {
				buf[i] = 0
			}
			return &Block{Ptr: unsafe.Pointer(&buf[0]), Bytes: buf[:size], bucket: bucket}
		}
	}
	buf := newAligned(size)
	return &Block{Ptr: unsafe.Pointer(&buf[0]), Bytes: buf[:size]}
}

// newAligned allocates a slice whose backing array starts on an
// AlignmentBytes boundary by over-allocating and trimming the head.
func newAligned(size int) []byte {
	raw := make([]byte, size+AlignmentBytes)
	base := uintptr(unsafe.Pointer(&raw[0]))
	pad := (AlignmentBytes - int(base%AlignmentBytes)) % AlignmentBytes
	return raw[pad : pad+size : pad+size]
}

// CopyAligned returns a new aligned Block containing a copy of src.
func CopyAligned(src []byte) *Block {
	b := Alloc(len(src))
	copy(b.Bytes, src)
	return b
}
