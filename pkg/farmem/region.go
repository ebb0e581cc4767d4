// Copyright The Far Memory Runtime Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package farmem

// Region is a fixed-size slab from which objects are bump-allocated.
//
// Local slab format:
//
//	|ref_cnt(4B)|Nt(1B)|objects|
//
//	ref_cnt: the region can only be recycled when the ref_cnt is 0.
//	     Nt: is this region non-temporal?
//	objects: objects stored within the region.
//
// Far regions have no local bytes; their 5-byte header lives in a separate
// bookkeeping arena and object "addresses" are IDs in a virtual far space.
type Region struct {
	idx              int32
	base             uint64
	hdrAddr          uint64
	firstFreeByteIdx uint32
	numBoundaries    uint8
	local            bool
	boundaries       [GCParallelism]uint32
}

const (
	regionRefCntPos = 0
	regionNtPos     = 4
	// RegionHeaderSize is the region header size; objects start past it.
	RegionHeaderSize = 5

	// RegionShift is the log2 of the region size.
	RegionShift = 20
	// RegionSize is the fixed region size. Power of two, so a region base is
	// derived from any local object address by masking.
	RegionSize = uint64(1) << RegionShift

	// GCParallelism is the number of GC sub-ranges recorded per region.
	GCParallelism = 2

	regionInvalidIdx = int32(-1)
)

func newLocalRegion(idx int32, bufAddr uint64) Region {
	return Region{
		idx:              idx,
		base:             bufAddr,
		hdrAddr:          bufAddr,
		firstFreeByteIdx: RegionHeaderSize,
		local:            true,
	}
}

func newFarRegion(idx int32, hdrAddr uint64) Region {
	return Region{
		idx:              idx,
		base:             uint64(idx) * RegionSize,
		hdrAddr:          hdrAddr,
		firstFreeByteIdx: RegionHeaderSize,
		local:            false,
	}
}

// IsValid reports whether this region slot holds a region.
func (r *Region) IsValid() bool {
	return r != nil && r.idx != regionInvalidIdx
}

// IsLocal reports whether the region has local cache bytes.
func (r *Region) IsLocal() bool {
	return r.local
}

// AllocateObject bumps the allocation cursor by objectSize and returns the
// object address. The region refcount is incremented atomically with the
// allocation; the publisher decrements it once the object is reachable.
func (r *Region) AllocateObject(objectSize uint16) (uint64, bool) {
	if uint64(r.firstFreeByteIdx)+uint64(objectSize) > RegionSize {
		return 0, false
	}
	addr := r.base + uint64(r.firstFreeByteIdx)
	r.firstFreeByteIdx += uint32(objectSize)
	r.updateBoundaries(false)
	r.AtomicIncRefCnt(1)
	return addr, true
}

// updateBoundaries closes a GC sub-range when the cursor crosses the next
// per-range watermark, or unconditionally when forced (region sealed).
func (r *Region) updateBoundaries(force bool) {
	if r.numBoundaries >= GCParallelism {
		return
	}
	if force || uint64(r.firstFreeByteIdx) > RegionSize/GCParallelism*uint64(r.numBoundaries+1) {
		if r.numBoundaries > 0 && r.boundaries[r.numBoundaries-1] == r.firstFreeByteIdx {
			return
		}
		r.boundaries[r.numBoundaries] = r.firstFreeByteIdx
		r.numBoundaries++
	}
}

// seal closes the final GC sub-range before the region is parked in the used
// pool.
func (r *Region) seal() {
	r.updateBoundaries(true)
}

// NumBoundaries returns the number of recorded GC sub-ranges.
func (r *Region) NumBoundaries() uint8 {
	return r.numBoundaries
}

// Boundary returns the address interval [lo, hi) of GC sub-range i.
func (r *Region) Boundary(i uint8) (uint64, uint64) {
	lo := uint32(RegionHeaderSize)
	if i > 0 {
		lo = r.boundaries[i-1]
	}
	hi := r.boundaries[i]
	return r.base + uint64(lo), r.base + uint64(hi)
}

// Reset zeroes the allocation cursor, the boundaries and the nt flag. The
// refcount is cleared only by the GC writer once all live objects have been
// evacuated.
func (r *Region) Reset() {
	r.firstFreeByteIdx = RegionHeaderSize
	r.numBoundaries = 0
	r.ClearNt()
}

// RefCnt returns the current reference count.
func (r *Region) RefCnt() int32 {
	return atomicLoadInt32At(r.hdrAddr + regionRefCntPos)
}

// ClearRefCnt zeroes the reference count.
func (r *Region) ClearRefCnt() {
	atomicStoreInt32At(r.hdrAddr+regionRefCntPos, 0)
}

// AtomicIncRefCnt adjusts the reference count. Sequentially consistent.
func (r *Region) AtomicIncRefCnt(delta int32) {
	atomicAddInt32At(r.hdrAddr+regionRefCntPos, delta)
}

// IsGCable reports whether the region can be recycled.
func (r *Region) IsGCable() bool {
	return r.RefCnt() == 0
}

// IsNt reports the non-temporal flag.
func (r *Region) IsNt() bool {
	return load8(r.hdrAddr+regionNtPos) != 0
}

// SetNt marks the region non-temporal.
func (r *Region) SetNt() {
	store8(r.hdrAddr+regionNtPos, 1)
}

// ClearNt clears the non-temporal flag.
func (r *Region) ClearNt() {
	store8(r.hdrAddr+regionNtPos, 0)
}

// regionBase derives the region base from a local object address.
func regionBase(objectAddr uint64) uint64 {
	return objectAddr &^ (RegionSize - 1)
}

// regionIsNt reads the nt flag of the region based at bufAddr.
func regionIsNt(bufAddr uint64) bool {
	return load8(bufAddr+regionNtPos) != 0
}

// regionAtomicIncRefCnt adjusts the refcount of the region holding the local
// object at objectAddr. The base is derived by masking, so this works from
// any code that only has the object address.
func regionAtomicIncRefCnt(objectAddr uint64, delta int32) {
	atomicAddInt32At(regionBase(objectAddr)+regionRefCntPos, delta)
}
