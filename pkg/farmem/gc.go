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
	"runtime"
)

// The GC reclaims cache regions in rounds: pick from-regions from the used
// pools, mark every live object in them for evacuation, flip the scope phase
// and drain the prior one, write the survivors back to the device, then
// recycle the regions. Mutators cooperate: a deref that observes the
// evacuation bit migrates the object out itself.

// launchGCMaster starts the GC master unless one is already running. Requests
// arriving while a master is active are deduplicated.
func (m *Manager) launchGCMaster() {
	if m.pendingGCs.Add(1) > 1 {
		return
	}
	go m.gcMaster()
}

func (m *Manager) gcMaster() {
	m.gcMu.Lock()
	defer m.gcMu.Unlock()

	if m.closed.Load() {
		m.pendingGCs.Store(0)
		return
	}

	m.gcMasterActive.Store(true)
	defer m.gcMasterActive.Store(false)

	m.Debug("GC master up, free ratio %.3f", m.FreeMemRatio())

	for {
		m.gcCache()
		if m.isFreeCacheHigh() {
			break
		}
		if !m.cacheMgr.hasUsedRegions() {
			// Nothing left to evacuate; the remaining regions are cached by
			// workers or pinned by in-flight operations.
			break
		}
		m.Debug("free ratio %.3f still low, next GC round", m.FreeMemRatio())
	}
	m.pendingGCs.Store(0)

	// Wake throttled mutators even if no round ran; they re-check the
	// almost-empty condition and re-request GC as needed.
	m.condMu.Lock()
	if !m.isFreeCacheAlmostEmpty() {
		m.almostEmpty.Store(false)
	}
	m.cacheCond.Broadcast()
	m.condMu.Unlock()

	m.Debug("GC master done, free ratio %.3f", m.FreeMemRatio())
}

// gcCache runs one GC round over the cache pool.
func (m *Manager) gcCache() {
	m.pickFromRegions()
	if len(m.fromRegions) == 0 {
		return
	}

	m.markFromRegions()

	prior := m.expectedStatus()
	m.expected.Store(uint32(flipStatus(prior)))
	m.waitMutatorsObservation(prior)

	m.writeBackRegions()
	m.recycleFromRegions()

	m.stats.gcRounds.Add(1)
}

// pickFromRegions pops used regions into the round's from-set until the
// round quota is met.
func (m *Manager) pickFromRegions() {
	total := int(m.cacheMgr.totalRegions())
	quota := int(m.cfg.MaxRatioRegionsPerGCRound * float64(total))
	if quota > m.cfg.MaxRegionsPerGCRound {
		quota = m.cfg.MaxRegionsPerGCRound
	}
	if floor := int(m.cfg.MinRatioRegionsPerGCRound * float64(total)); quota < floor {
		quota = floor
	}
	if quota < 1 {
		quota = 1
	}

	m.fromRegions = m.fromRegions[:0]
	for len(m.fromRegions) < quota {
		r := m.cacheMgr.popUsedRegion()
		if r == nil {
			break
		}
		m.fromRegions = append(m.fromRegions, r)
	}

	m.Debug("GC round: picked %d/%d from-regions", len(m.fromRegions), quota)
}

// enqueueFromRegionTasks feeds every from-region's GC sub-ranges to a
// parallelizer.
func (m *Manager) enqueueFromRegionTasks(p *parallelizer) {
	for _, r := range m.fromRegions {
		for i := uint8(0); i < r.NumBoundaries(); i++ {
			lo, hi := r.Boundary(i)
			p.enqueue(gcTask{lo: lo, hi: hi})
		}
	}
}

// markFromRegions runs the parallel marker over the from-set.
func (m *Manager) markFromRegions() {
	m.marker.execute(func() {
		m.enqueueFromRegionTasks(m.marker)
	})
}

// gcMarkTask scans one region sub-range and sets the evacuation bit of every
// live object's metadata word.
func (m *Manager) gcMarkTask(_ int, t gcTask) {
	for addr := t.lo; addr < t.hi; {
		obj := NewObject(addr)
		size := obj.Size()

		if !obj.IsFreed() {
			m.markObject(obj)
		}
		addr += uint64(size)
	}
}

// markObject publishes the evacuation bit on the object's metadata word. The
// compare-and-swap guards against racing with a concurrent free nullifying
// the word: the bit lands only on a word still pointing at this object.
func (m *Manager) markObject(obj Object) {
	meta := metaAt(obj.PtrAddr())
	for {
		word := meta.load()
		if word&metaPresentClear != 0 {
			// Swapped out or freed since the object was stored here.
			return
		}
		if word>>metaDataAddrBitPos != obj.DataAddr() {
			// The pointer moved on; these bytes are a stale copy.
			return
		}
		if meta.cas(word, word|metaEvacuationSet) {
			return
		}
	}
}

// waitMutatorsObservation drains the workers still in the prior phase. After
// this every open scope was entered under the new phase and cannot have
// missed the evacuation bits.
func (m *Manager) waitMutatorsObservation(prior Status) {
	for m.numWorkersOnStatus(prior) != 0 {
		runtime.Gosched()
	}
}

// writeBackRegions runs the parallel writer over the from-set.
func (m *Manager) writeBackRegions() {
	m.writeBacker.execute(func() {
		m.enqueueFromRegionTasks(m.writeBacker)
	})
}

// gcWriteBackTask walks one region sub-range and swaps every remaining live
// object out to the device. Objects already migrated by mutators, freed, or
// swapped in flight are skipped.
func (m *Manager) gcWriteBackTask(_ int, t gcTask) {
	for addr := t.lo; addr < t.hi; {
		obj := NewObject(addr)
		size := obj.Size()

		if !obj.IsFreed() {
			m.writeBackObject(obj)
		}
		addr += uint64(size)
	}
}

func (m *Manager) writeBackObject(obj Object) {
	meta := metaAt(obj.PtrAddr())
	word := meta.load()
	if word&metaPresentClear != 0 || word>>metaDataAddrBitPos != obj.DataAddr() {
		return
	}

	frag := objIDFragment(obj.ID())
	m.locker.lock(frag)
	defer m.locker.remove(frag)

	// Re-check under the lock; a mutator may have migrated or freed the
	// object while we waited.
	if obj.IsFreed() {
		return
	}
	word = meta.load()
	if word&metaPresentClear != 0 || word>>metaDataAddrBitPos != obj.DataAddr() {
		return
	}

	if meta.Object().PtrAddr() != obj.PtrAddr() {
		m.Fatal("GC write-back: object %#x back-pointer mismatch", obj.Addr())
	}

	m.swapOut(meta, obj)
}

// recycleFromRegions waits out the last transient references, resets the
// from-regions and returns them to the free pool, then unblocks any mutators
// throttled on the almost-empty condition.
func (m *Manager) recycleFromRegions() {
	for _, r := range m.fromRegions {
		for !r.IsGCable() {
			runtime.Gosched()
		}
		r.ClearRefCnt()
		m.cacheMgr.pushFreeRegion(r)
		m.stats.regionsReclaimed.Add(1)
	}
	m.fromRegions = m.fromRegions[:0]

	m.condMu.Lock()
	if !m.isFreeCacheAlmostEmpty() {
		m.almostEmpty.Store(false)
	}
	m.cacheCond.Broadcast()
	m.condMu.Unlock()
}
