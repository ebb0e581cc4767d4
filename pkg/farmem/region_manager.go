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

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	logger "github.com/intel/farmem-runtime/pkg/log"
)

// regionManager owns one pool of regions: the in-memory free and used FIFOs
// plus two cached free regions per worker (one normal, one nt). Reading a
// worker's cached slot is owner-only and lock-free; refilling it and every
// transfer between the pools go through the manager lock.
//
// Two managers exist side by side: one for the local cache (slabs mmap'd in
// one arena) and one for far regions (bookkeeping only, the bytes live on the
// device side).
type regionManager struct {
	log logger.Logger

	mu     sync.Mutex
	free   []*Region
	used   []*Region
	ntUsed []*Region

	regions    []Region
	numRegions uint32
	local      bool

	// worker slot i holds [2]*Region: index 0 normal, 1 nt.
	workerFree [][2]*Region

	arena    []byte // local: mmap'd slab arena
	hdrArena []byte // far: region header bookkeeping
}

const (
	slotNormal = 0
	slotNt     = 1
)

func alignUp(addr, align uint64) uint64 {
	return (addr + align - 1) &^ (align - 1)
}

// newRegionManager creates a pool of numRegions regions for numWorkers
// workers. Local managers mmap one arena and carve region slabs out of it so
// that every slab is RegionSize-aligned and the base of any object address
// can be recovered by masking.
func newRegionManager(numRegions uint32, numWorkers int, local bool) (*regionManager, error) {
	m := &regionManager{
		log:        logger.Get("region-manager"),
		numRegions: numRegions,
		local:      local,
		regions:    make([]Region, numRegions),
		free:       make([]*Region, 0, numRegions),
		workerFree: make([][2]*Region, numWorkers),
	}

	if local {
		size := int(uint64(numRegions)*RegionSize + RegionSize)
		arena, err := unix.Mmap(-1, 0, size,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			return nil, errors.Wrap(err, "failed to mmap region arena")
		}
		m.arena = arena
		base := alignUp(uint64(uintptr(unsafe.Pointer(&arena[0]))), RegionSize)
		for i := uint32(0); i < numRegions; i++ {
			m.regions[i] = newLocalRegion(int32(i), base+uint64(i)*RegionSize)
		}
	} else {
		m.hdrArena = make([]byte, uint64(numRegions)*8)
		base := uint64(uintptr(unsafe.Pointer(&m.hdrArena[0])))
		for i := uint32(0); i < numRegions; i++ {
			m.regions[i] = newFarRegion(int32(i), base+uint64(i)*8)
		}
	}

	for i := range m.regions {
		m.free = append(m.free, &m.regions[i])
	}

	m.log.Debug("created %s region pool: %d regions of %d bytes",
		map[bool]string{true: "local", false: "far"}[local], numRegions, RegionSize)

	return m, nil
}

func (m *regionManager) close() {
	if m.arena != nil {
		if err := unix.Munmap(m.arena); err != nil {
			m.log.Error("failed to munmap region arena: %v", err)
		}
		m.arena = nil
	}
}

// pushFreeRegion resets the region and returns it to the free pool.
func (m *regionManager) pushFreeRegion(r *Region) {
	r.Reset()
	m.mu.Lock()
	m.free = append(m.free, r)
	m.mu.Unlock()
}

// popUsedRegion pops a region from the used pools, preferring nt regions
// since their contents are the least likely to be re-referenced.
func (m *regionManager) popUsedRegion() *Region {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.ntUsed) > 0 {
		r := m.ntUsed[0]
		m.ntUsed = m.ntUsed[1:]
		return r
	}
	if len(m.used) > 0 {
		r := m.used[0]
		m.used = m.used[1:]
		return r
	}
	return nil
}

// workerFreeRegion returns worker w's cached free region for the given
// allocation kind. Owner-only.
func (m *regionManager) workerFreeRegion(w *Worker, nt bool) *Region {
	if nt {
		return m.workerFree[w.id][slotNt]
	}
	return m.workerFree[w.id][slotNormal]
}

// tryRefillWorkerFreeRegion parks the worker's full region in the used pool
// and installs a fresh free region in its place. Returns false if the free
// pool is empty.
func (m *regionManager) tryRefillWorkerFreeRegion(w *Worker, nt bool) bool {
	slot := slotNormal
	if nt {
		slot = slotNt
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if full := m.workerFree[w.id][slot]; full.IsValid() {
		full.seal()
		if nt {
			m.ntUsed = append(m.ntUsed, full)
		} else {
			m.used = append(m.used, full)
		}
		m.workerFree[w.id][slot] = nil
	}

	if len(m.free) == 0 {
		return false
	}
	r := m.free[0]
	m.free = m.free[1:]
	if nt {
		r.SetNt()
	}
	m.workerFree[w.id][slot] = r
	return true
}

// releaseWorkerRegions parks all worker-held regions in the used pools.
// Called from Manager.Close when draining the pool for teardown.
func (m *regionManager) releaseWorkerRegions() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.workerFree {
		for slot, r := range m.workerFree[i] {
			if !r.IsValid() {
				continue
			}
			r.seal()
			if slot == slotNt {
				m.ntUsed = append(m.ntUsed, r)
			} else {
				m.used = append(m.used, r)
			}
			m.workerFree[i][slot] = nil
		}
	}
}

// hasUsedRegions reports whether any region waits in the used pools.
func (m *regionManager) hasUsedRegions() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.used) > 0 || len(m.ntUsed) > 0
}

// freeRegionRatio returns the fraction of the pool in the free FIFO.
func (m *regionManager) freeRegionRatio() float64 {
	m.mu.Lock()
	n := len(m.free)
	m.mu.Unlock()
	return float64(n) / float64(m.numRegions)
}

// numFreeRegions returns the size of the free FIFO.
func (m *regionManager) numFreeRegions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.free)
}

// totalRegions returns the pool capacity.
func (m *regionManager) totalRegions() uint32 {
	return m.numRegions
}
