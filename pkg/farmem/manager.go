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
	"encoding/binary"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	logger "github.com/intel/farmem-runtime/pkg/log"
)

var log = logger.Get("farmem")

// VanillaDSID is the data structure id of plain far pointers whose object id
// is a far-space address.
const VanillaDSID = 0

// MaxNumDSIDs is the size of the data structure id space.
const MaxNumDSIDs = 256

// Notifier is a per-data-structure callback invoked with an object view when
// the core swaps the object out, so the owning remote container can update
// its in-cache indices.
type Notifier func(Object)

// Errors surfaced to callers.
var (
	// ErrOutOfFarMemory is returned when the far region pool is exhausted.
	ErrOutOfFarMemory = errors.New("farmem: out of far memory")
	// ErrObjectTooLarge is returned for objects above MaxObjectDataSize.
	ErrObjectTooLarge = errors.New("farmem: object too large")
	// ErrInvalidObjectID is returned for object ids the runtime cannot
	// swap out (longer than 8 bytes or above the encodable id range).
	ErrInvalidObjectID = errors.New("farmem: invalid object id")
	// ErrNoFreeDSID is returned when the ds id space is exhausted.
	ErrNoFreeDSID = errors.New("farmem: no free ds id")
	// ErrNotEnoughSpace is returned by non-blocking allocation on transient
	// contention; the caller yields and retries.
	ErrNotEnoughSpace = errors.New("farmem: not enough space")
)

// Manager orchestrates the local cache: allocation, the dereference-scope
// barrier, swap-in/swap-out, and the concurrent GC.
type Manager struct {
	logger.Logger
	cfg    Config
	device Device

	cacheMgr *regionManager
	farMgr   *regionManager
	locker   *objLocker
	workers  []*Worker

	expected       atomic.Uint32
	gcMasterActive atomic.Bool
	almostEmpty    atomic.Bool
	closed         atomic.Bool

	condMu    sync.Mutex
	cacheCond *sync.Cond
	farMu     sync.Mutex

	gcMu        sync.Mutex
	pendingGCs  atomic.Int32
	marker      *parallelizer
	writeBacker *parallelizer
	fromRegions []*Region

	dsMu      sync.Mutex
	freeDSIDs []uint8
	notifiers [MaxNumDSIDs]Notifier

	stats statsCounters
}

// NewManager builds a manager over the given device.
func NewManager(cfg Config, device Device) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		Logger: logger.Get("farmem"),
		cfg:    cfg,
		device: device,
	}
	m.cacheCond = sync.NewCond(&m.condMu)
	m.expected.Store(uint32(StatusInV0))
	m.locker = newObjLocker(NumLockerShards)

	var err error
	if m.cacheMgr, err = newRegionManager(cfg.CacheRegions, cfg.NumWorkers, true); err != nil {
		return nil, errors.Wrap(err, "cache pool")
	}
	if m.farMgr, err = newRegionManager(cfg.FarRegions, cfg.NumWorkers, false); err != nil {
		m.cacheMgr.close()
		return nil, errors.Wrap(err, "far pool")
	}

	m.workers = make([]*Worker, cfg.NumWorkers)
	for i := range m.workers {
		w := &Worker{id: i, mgr: m}
		w.scope.w = w
		m.workers[i] = w
	}

	m.marker = newParallelizer(cfg.NumGCThreads, cfg.GCTaskQueueDepth, m.gcMarkTask)
	m.writeBacker = newParallelizer(cfg.NumGCThreads, cfg.GCTaskQueueDepth, m.gcWriteBackTask)
	m.fromRegions = make([]*Region, 0, cfg.MaxRegionsPerGCRound)

	// ds id 0 is reserved for vanilla pointers.
	m.freeDSIDs = make([]uint8, 0, MaxNumDSIDs-1)
	for id := MaxNumDSIDs - 1; id >= 1; id-- {
		m.freeDSIDs = append(m.freeDSIDs, uint8(id))
	}

	if cfg.EnableMetrics {
		if err := registerStatsCollector(m); err != nil {
			m.Warn("stats collector registration failed: %v", err)
		}
	}

	m.Info("manager up: %d cache regions, %d far regions, %d workers, %d GC threads",
		cfg.CacheRegions, cfg.FarRegions, cfg.NumWorkers, cfg.NumGCThreads)

	return m, nil
}

// Close waits out any active GC round, drains the worker-held regions back
// into the pools and unmaps the cache arena. All far pointers become invalid.
func (m *Manager) Close() {
	m.gcMu.Lock()
	defer m.gcMu.Unlock()
	m.closed.Store(true)
	m.cacheMgr.releaseWorkerRegions()
	m.farMgr.releaseWorkerRegions()
	m.cacheMgr.close()
}

// Device returns the device the manager swaps against.
func (m *Manager) Device() Device {
	return m.device
}

// Worker returns worker context i.
func (m *Manager) Worker(i int) *Worker {
	return m.workers[i]
}

// NumWorkers returns the size of the worker set.
func (m *Manager) NumWorkers() int {
	return len(m.workers)
}

// FreeMemRatio returns the cache pool free ratio.
func (m *Manager) FreeMemRatio() float64 {
	return m.cacheMgr.freeRegionRatio()
}

func (m *Manager) isFreeCacheLow() bool {
	return m.FreeMemRatio() <= m.cfg.FreeCacheLow
}

func (m *Manager) isFreeCacheAlmostEmpty() bool {
	return m.FreeMemRatio() <= m.cfg.FreeCacheAlmostEmpty
}

func (m *Manager) isFreeCacheHigh() bool {
	return m.FreeMemRatio() >= m.cfg.FreeCacheHigh
}

// AllocateDSID reserves a data structure id.
func (m *Manager) AllocateDSID() (uint8, error) {
	m.dsMu.Lock()
	defer m.dsMu.Unlock()
	if len(m.freeDSIDs) == 0 {
		return 0, ErrNoFreeDSID
	}
	id := m.freeDSIDs[len(m.freeDSIDs)-1]
	m.freeDSIDs = m.freeDSIDs[:len(m.freeDSIDs)-1]
	return id, nil
}

// FreeDSID returns a data structure id to the pool and drops its notifier.
func (m *Manager) FreeDSID(id uint8) {
	m.dsMu.Lock()
	defer m.dsMu.Unlock()
	m.notifiers[id] = nil
	m.freeDSIDs = append(m.freeDSIDs, id)
}

// RegisterNotifier installs the swap-out notifier for a ds id.
func (m *Manager) RegisterNotifier(dsID uint8, fn Notifier) {
	m.dsMu.Lock()
	m.notifiers[dsID] = fn
	m.dsMu.Unlock()
}

func (m *Manager) notifier(dsID uint8) Notifier {
	m.dsMu.Lock()
	defer m.dsMu.Unlock()
	return m.notifiers[dsID]
}

// LockObject takes the identity lock for the given object id.
func (m *Manager) LockObject(objID []byte) {
	m.locker.lock(objIDFragment(objID))
}

// UnlockObject releases the identity lock for the given object id.
func (m *Manager) UnlockObject(objID []byte) {
	m.locker.remove(objIDFragment(objID))
}

// Construct establishes a remote container of the given type under dsID.
func (m *Manager) Construct(dsType, dsID uint8, params []byte) error {
	return m.device.Construct(dsType, dsID, params)
}

// Deconstruct tears down the remote container under dsID.
func (m *Manager) Deconstruct(dsID uint8) error {
	m.FreeDSID(dsID)
	return m.device.Deconstruct(dsID)
}

// ReadObject reads an object's payload straight from the device.
func (m *Manager) ReadObject(dsID uint8, objID, dataBuf []byte) (uint16, error) {
	return m.device.ReadObject(dsID, objID, dataBuf)
}

// RemoveObject removes an object on the device.
func (m *Manager) RemoveObject(dsID uint8, objID []byte) (bool, error) {
	return m.device.RemoveObject(dsID, objID)
}

// Compute passes an opaque computation through to the remote container.
func (m *Manager) Compute(dsID, opcode uint8, input []byte) ([]byte, error) {
	return m.device.Compute(dsID, opcode, input)
}

// AllocateFarPtr allocates a far pointer to a fresh local object of itemSize
// data bytes. With a nil id the object is keyed by a freshly allocated
// far-space address; an explicit id must be at most 8 bytes and encodable in
// the absent metadata form, and is stored zero-extended to 8 bytes so that
// swap-out and swap-in key the device identically. The new object is present
// and dirty.
func (m *Manager) AllocateFarPtr(w *Worker, dsID uint8, itemSize uint16, objID []byte) (*FarPtr, error) {
	p := &FarPtr{mgr: m}
	if err := m.allocateInto(w, p, dsID, itemSize, objID, true); err != nil {
		return nil, err
	}
	return p, nil
}

// AllocateFarPtrNB is the non-blocking variant; it fails with
// ErrNotEnoughSpace instead of waiting out a GC round.
func (m *Manager) AllocateFarPtrNB(w *Worker, dsID uint8, itemSize uint16, objID []byte) (*FarPtr, error) {
	p := &FarPtr{mgr: m}
	if err := m.allocateInto(w, p, dsID, itemSize, objID, false); err != nil {
		return nil, err
	}
	return p, nil
}

func (m *Manager) allocateInto(w *Worker, p *FarPtr, dsID uint8, itemSize uint16, objID []byte, blocking bool) error {
	if uint32(itemSize) > MaxObjectDataSize {
		return ErrObjectTooLarge
	}

	var idBuf [8]byte
	if objID == nil {
		objectSize := ObjectHeaderSize + itemSize + 8
		remoteAddr, err := m.allocateRemoteObject(false, objectSize)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(idBuf[:], remoteAddr)
		objID = idBuf[:]
	} else {
		if len(objID) > 8 || objIDFragment(objID) > MaxObjectID {
			return ErrInvalidObjectID
		}
		// Normalize to the 8-byte fragment: the absent form only retains the
		// fragment, and swap-in reconstructs the device key from it.
		binary.LittleEndian.PutUint64(idBuf[:], objIDFragment(objID))
		objID = idBuf[:]
	}

	objectSize := ObjectHeaderSize + itemSize + uint16(len(objID))

	var (
		addr uint64
		ok   bool
	)
	if blocking {
		addr = m.allocateLocalObject(w, false, objectSize)
	} else {
		if addr, ok = m.allocateLocalObjectNB(w, false, objectSize); !ok {
			return ErrNotEnoughSpace
		}
	}

	obj := NewObject(addr)
	obj.Init(dsID, itemSize, objID)
	p.meta.InitPresent(addr)
	regionAtomicIncRefCnt(addr, -1)
	m.stats.allocations.Add(1)
	return nil
}

// allocateLocalObject bump-allocates from the worker's cached cache region,
// refilling from the free pool and cooperating with the GC until space turns
// up.
func (m *Manager) allocateLocalObject(w *Worker, nt bool, objectSize uint16) uint64 {
	for {
		if addr, ok := m.allocateLocalObjectNB(w, nt, objectSize); ok {
			return addr
		}
		m.stats.allocRetries.Add(1)
		m.gcCheck()
		runtime.Gosched()
	}
}

// allocateLocalObjectNB is the non-blocking variant, used by mutator
// migration to avoid deadlocking against an active GC round.
func (m *Manager) allocateLocalObjectNB(w *Worker, nt bool, objectSize uint16) (uint64, bool) {
	if r := m.cacheMgr.workerFreeRegion(w, nt); r.IsValid() {
		if addr, ok := r.AllocateObject(objectSize); ok {
			return addr, true
		}
	}
	if !m.cacheMgr.tryRefillWorkerFreeRegion(w, nt) {
		return 0, false
	}
	// The refill shrank the free pool; see if that pushed us under the GC
	// threshold.
	m.gcCheck()
	if addr, ok := m.cacheMgr.workerFreeRegion(w, nt).AllocateObject(objectSize); ok {
		return addr, true
	}
	return 0, false
}

// allocateRemoteObject reserves objectSize bytes of far space and returns its
// far address, which doubles as the object id.
func (m *Manager) allocateRemoteObject(nt bool, objectSize uint16) (uint64, error) {
	m.farMu.Lock()
	defer m.farMu.Unlock()

	// Far allocation runs under one lock: far space is not on the wire-speed
	// path and has no per-worker churn worth caching for.
	if r := m.farMgr.workerFreeRegion(m.workers[0], nt); r.IsValid() {
		if addr, ok := r.AllocateObject(objectSize); ok {
			r.AtomicIncRefCnt(-1)
			return addr, nil
		}
	}
	if !m.farMgr.tryRefillWorkerFreeRegion(m.workers[0], nt) {
		return 0, ErrOutOfFarMemory
	}
	addr, ok := m.farMgr.workerFreeRegion(m.workers[0], nt).AllocateObject(objectSize)
	if !ok {
		return 0, ErrOutOfFarMemory
	}
	m.farMgr.workerFreeRegion(m.workers[0], nt).AtomicIncRefCnt(-1)
	return addr, nil
}

// swapIn brings an absent object back into the local cache. Runs under the
// object's identity lock; on return the metadata word is present, clean, and
// its hot countdown is reset.
func (m *Manager) swapIn(w *Worker, nt bool, meta *FarPtrMeta) {
	frag := meta.ObjectID()
	m.locker.lock(frag)
	defer m.locker.remove(frag)

	if meta.IsPresent() {
		// Someone else swapped it in while we waited for the lock.
		return
	}

	absent := decodeAbsent(meta.load())
	var idBuf [8]byte
	binary.LittleEndian.PutUint64(idBuf[:], absent.ObjectID)

	addr := m.allocateLocalObject(w, nt, absent.Size)
	obj := NewObject(addr)

	dataCap := int(absent.Size) - ObjectHeaderSize - len(idBuf)
	dataLen, err := m.device.ReadObject(absent.DSID, idBuf[:], byteSlice(obj.DataAddr(), dataCap))
	if err != nil {
		m.Fatal("swap-in read of ds %d object %#x failed: %v",
			absent.DSID, absent.ObjectID, err)
	}

	obj.Init(absent.DSID, dataLen, idBuf[:])
	meta.SetPresent(addr)
	regionAtomicIncRefCnt(addr, -1)
	m.stats.swapIns.Add(1)
}

// swapOut writes a present object back to the device and stamps the metadata
// word absent. Caller holds the object's identity lock.
func (m *Manager) swapOut(meta *FarPtrMeta, obj Object) {
	dsID := obj.DSID()
	objID := obj.ID()

	if fn := m.notifier(dsID); fn != nil {
		fn(obj)
	}

	id := objIDFragment(objID)
	if id > MaxObjectID {
		m.Fatal("swap-out of ds %d: object id %#x exceeds the encodable range", dsID, id)
	}

	if meta.IsDirty() {
		if err := m.device.WriteObject(dsID, objID, obj.Data()); err != nil {
			m.Fatal("swap-out write of ds %d object %#x failed: %v", dsID, id, err)
		}
	}
	meta.GCWriteBack(dsID, obj.Size(), id)
	m.stats.swapOuts.Add(1)
}

// mutatorWaitForGCCache blocks the caller until the GC reports progress on
// the cache pool.
func (m *Manager) mutatorWaitForGCCache() {
	m.condMu.Lock()
	for m.almostEmpty.Load() {
		m.launchGCMaster()
		m.stats.scopeWaits.Add(1)
		m.cacheCond.Wait()
	}
	m.condMu.Unlock()
}

// gcCheck launches the GC master when the cache free ratio has dropped below
// the low threshold.
func (m *Manager) gcCheck() {
	if m.isFreeCacheLow() {
		m.almostEmpty.Store(m.isFreeCacheAlmostEmpty())
		m.launchGCMaster()
	}
}
