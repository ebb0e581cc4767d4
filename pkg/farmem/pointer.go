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

// noCopy flags FarPtr against copying; object back-pointers hold the address
// of the embedded metadata word.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// FarPtr is a far pointer: its metadata word refers to an object that may be
// in the local cache (addressable raw memory) or remote (addressable only by
// id). A FarPtr must stay where it was allocated; use Move to transfer
// ownership between slots.
type FarPtr struct {
	_    noCopy
	meta FarPtrMeta
	mgr  *Manager
}

// IsNull reports whether the pointer refers to no object.
func (p *FarPtr) IsNull() bool {
	return p.meta.IsNull()
}

// Meta exposes the metadata word. Intended for container layers and tests.
func (p *FarPtr) Meta() *FarPtrMeta {
	return &p.meta
}

// Release drops the reference without freeing the object.
func (p *FarPtr) Release() {
	p.meta.Nullify()
}

// deref is the dereference engine. The fast path is a single 8-byte load, a
// combined-mask test and a shift. The slow path swaps the object in, migrates
// it out of an evacuating region, or refreshes the hot/dirty state.
func (p *FarPtr) deref(w *Worker, mut bool) uint64 {
	exceptions := metaHotClear | metaPresentClear | metaEvacuationSet
	if mut {
		exceptions |= metaDirtyClear
	}
	for {
		word := p.meta.load()
		if word&exceptions == 0 {
			return word >> metaDataAddrBitPos
		}

		if word&(metaPresentClear|metaEvacuationSet) != 0 {
			if word&metaPresentClear != 0 {
				if p.meta.IsNull() {
					return 0
				}
				p.mgr.swapIn(w, false, &p.meta)
			} else {
				if !p.mutatorMigrateObject(w) {
					// GC or another thread won the race and may still be
					// migrating the object. Yield instead of busy retrying.
					runtime.Gosched()
				}
			}
			continue
		}

		if mut {
			// Set present and dirty with one byte store.
			*p.meta.byteAt(metaPresentBytePos) = 0
		}
		// Count down towards hot.
		*p.meta.byteAt(metaHotBytePos)--

		return word >> metaDataAddrBitPos
	}
}

// Deref returns a read-only view of the object data. The view is valid for
// the duration of the scope. Returns nil for a null pointer.
func (p *FarPtr) Deref(s *DerefScope) []byte {
	addr := p.deref(s.w, false)
	if addr == 0 {
		return nil
	}
	return byteSlice(addr, int(load16(addr-ObjectHeaderSize+objDataLenPos)))
}

// DerefMut returns a mutable view of the object data and marks the object
// dirty. The view is valid for the duration of the scope.
func (p *FarPtr) DerefMut(s *DerefScope) []byte {
	addr := p.deref(s.w, true)
	if addr == 0 {
		return nil
	}
	return byteSlice(addr, int(load16(addr-ObjectHeaderSize+objDataLenPos)))
}

// Read copies the object data out under a private scope.
func (p *FarPtr) Read(w *Worker) []byte {
	s, entered := p.pin(w)
	defer s.exitIf(entered)

	data := p.Deref(s)
	if data == nil {
		return nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

// Write copies data into the object under a private scope. The data length
// must equal the object data length.
func (p *FarPtr) Write(w *Worker, data []byte) {
	s, entered := p.pin(w)
	defer s.exitIf(entered)

	dst := p.DerefMut(s)
	if len(dst) != len(data) {
		log.Panic("write of %d bytes into object of %d bytes", len(data), len(dst))
	}
	copy(dst, data)
}

// pin makes sure the worker is in a scope, entering one if necessary.
func (p *FarPtr) pin(w *Worker) (*DerefScope, bool) {
	if w.InScope() {
		return &w.scope, false
	}
	return w.EnterScope(), true
}

func (s *DerefScope) exitIf(entered bool) {
	if entered {
		s.Exit()
	}
}

// Free stamps the object freed and nullifies the pointer. The object's bytes
// are reclaimed when the GC recycles its region.
func (p *FarPtr) Free(w *Worker) {
	s, entered := p.pin(w)
	defer s.exitIf(entered)

	if p.deref(s.w, false) == 0 {
		return
	}
	p.freeObject()
}

// freeObject performs the locked free of a present object.
func (p *FarPtr) freeObject() {
	obj := p.meta.Object()
	frag := objIDFragment(obj.ID())
	p.mgr.locker.lock(frag)
	defer p.mgr.locker.remove(frag)

	obj.Free()
	p.meta.Nullify()
	p.mgr.stats.frees.Add(1)
}

// mutatorMigrateObject copies the object out of its evacuating region on
// behalf of the mutator. Returns false if the race was lost or no region is
// immediately available; the caller retries.
func (p *FarPtr) mutatorMigrateObject(w *Worker) bool {
	m := p.mgr

	obj := p.meta.Object()
	if !p.meta.IsPresent() {
		return false
	}

	frag := objIDFragment(obj.ID())
	if !m.locker.tryInsert(frag) {
		return false
	}
	defer m.locker.remove(frag)

	if !p.meta.IsPresent() || !p.meta.IsEvacuation() {
		return false
	}

	nt := p.meta.IsNt()
	size := obj.Size()

	newAddr, ok := m.allocateLocalObjectNB(w, nt, size)
	if !ok {
		return false
	}
	copy(byteSlice(newAddr, int(size)), byteSlice(obj.Addr(), int(size)))
	regionAtomicIncRefCnt(newAddr, -1)
	p.meta.MutatorCopy(newAddr)
	m.stats.migrations.Add(1)
	return true
}

// Move transfers the object reference from other into p, leaving other null.
// p must be null or released; the object's back-pointer is repointed at p.
func (p *FarPtr) Move(other *FarPtr) {
	m := other.mgr
	p.mgr = m

	for {
		otherPresent := other.meta.IsPresent()
		var (
			frag uint64
			obj  Object
		)
		if otherPresent {
			obj = other.meta.Object()
			frag = objIDFragment(obj.ID())
		} else {
			frag = other.meta.ObjectID()
		}
		m.locker.lock(frag)

		if other.meta.IsPresent() != otherPresent {
			m.locker.remove(frag)
			continue
		}

		p.meta.store(other.meta.load())
		if otherPresent {
			obj.SetPtrAddr(p.meta.addr())
		}
		other.meta.Nullify()
		m.locker.remove(frag)
		return
	}
}
