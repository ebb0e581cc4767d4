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
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	waitTimeout  = 30 * time.Second
	pollInterval = time.Millisecond
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CacheRegions = 16
	cfg.FarRegions = 256
	cfg.NumWorkers = 4
	cfg.NumGCThreads = 2
	return cfg
}

func newTestManager(t *testing.T, mod func(*Config)) (*Manager, *FakeDevice) {
	t.Helper()
	cfg := testConfig()
	if mod != nil {
		mod(&cfg)
	}
	dev := NewFakeDevice(0)
	m, err := NewManager(cfg, dev)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, dev
}

func TestAllocateReadWriteFree(t *testing.T) {
	m, _ := newTestManager(t, nil)
	w := m.Worker(0)

	p, err := m.AllocateFarPtr(w, VanillaDSID, 64, nil)
	require.NoError(t, err)
	require.False(t, p.IsNull())

	payload := bytes.Repeat([]byte{0xAA}, 64)
	p.Write(w, payload)
	require.Equal(t, payload, p.Read(w))

	p.Free(w)
	require.True(t, p.IsNull())

	s := w.EnterScope()
	require.Nil(t, p.Deref(s), "deref of a freed pointer must return nil")
	s.Exit()
}

func TestAllocateSizeLimits(t *testing.T) {
	m, _ := newTestManager(t, nil)
	w := m.Worker(0)

	p, err := m.AllocateFarPtr(w, VanillaDSID, MaxObjectDataSize, nil)
	require.NoError(t, err)
	p.Free(w)

	_, err = m.AllocateFarPtr(w, VanillaDSID, MaxObjectDataSize+1, nil)
	require.ErrorIs(t, err, ErrObjectTooLarge)
}

func TestAllocateExplicitID(t *testing.T) {
	m, _ := newTestManager(t, nil)
	w := m.Worker(0)

	dsID, err := m.AllocateDSID()
	require.NoError(t, err)

	id := binary.LittleEndian.AppendUint64(nil, 12345)
	p, err := m.AllocateFarPtr(w, dsID, 32, id)
	require.NoError(t, err)

	s := w.EnterScope()
	obj := p.Meta().Object()
	require.Equal(t, dsID, obj.DSID())
	require.Equal(t, id, obj.ID())
	s.Exit()

	badID := binary.LittleEndian.AppendUint64(nil, MaxObjectID+1)
	_, err = m.AllocateFarPtr(w, dsID, 32, badID)
	require.ErrorIs(t, err, ErrInvalidObjectID)

	_, err = m.AllocateFarPtr(w, dsID, 32, bytes.Repeat([]byte{1}, 9))
	require.ErrorIs(t, err, ErrInvalidObjectID)

	// Short ids are stored zero-extended to the 8-byte fragment.
	short, err := m.AllocateFarPtr(w, dsID, 32, []byte{0xA1, 0xB2})
	require.NoError(t, err)
	s = w.EnterScope()
	require.Equal(t, []byte{0xA1, 0xB2, 0, 0, 0, 0, 0, 0}, short.Meta().Object().ID())
	s.Exit()
}

// An object allocated with a short explicit id survives a swap-out/swap-in
// round trip: both sides of the swap key the device by the same 8-byte
// fragment.
func TestShortIDSwapRoundTrip(t *testing.T) {
	m, dev := newTestManager(t, nil)
	w := m.Worker(0)

	dsID, err := m.AllocateDSID()
	require.NoError(t, err)

	p, err := m.AllocateFarPtr(w, dsID, 512, []byte{0x42})
	require.NoError(t, err)
	payload := bytes.Repeat([]byte{0x42}, 512)
	p.Write(w, payload)

	// Seal the pointer's region into the used pool and evacuate it.
	for i := 0; i < int(RegionSize)/530+2; i++ {
		q, err := m.AllocateFarPtr(w, VanillaDSID, 512, nil)
		require.NoError(t, err)
		q.Write(w, bytes.Repeat([]byte{byte(i)}, 512))
	}
	m.gcCache()

	require.Equal(t, MetaAbsent, p.Meta().Kind())
	normalized := []byte{0x42, 0, 0, 0, 0, 0, 0, 0}
	require.Equal(t, uint64(1), dev.WriteCount(dsID, normalized))
	require.Equal(t, payload, p.Read(w))
}

func TestReleaseDropsReference(t *testing.T) {
	m, _ := newTestManager(t, nil)
	w := m.Worker(0)

	p, err := m.AllocateFarPtr(w, VanillaDSID, 64, nil)
	require.NoError(t, err)
	p.Write(w, bytes.Repeat([]byte{0x33}, 64))

	p.Release()
	require.True(t, p.IsNull())
	require.Nil(t, p.Read(w), "a released pointer dereferences to nil")
	require.Zero(t, m.Stats().Frees, "release must not free the object")
}

func TestScopeDiscipline(t *testing.T) {
	m, _ := newTestManager(t, nil)
	w := m.Worker(0)

	require.False(t, w.InScope())
	s := w.EnterScope()
	require.True(t, w.InScope())
	require.Panics(t, func() { w.EnterScope() }, "nested scopes must panic")
	s.Exit()
	require.False(t, w.InScope())
	require.Panics(t, func() { s.Exit() }, "double exit must panic")
}

func TestScopeStatusCounts(t *testing.T) {
	m, _ := newTestManager(t, nil)

	expected := m.expectedStatus()
	s0 := m.Worker(0).EnterScope()
	s1 := m.Worker(1).EnterScope()
	require.Equal(t, int32(2), m.numWorkersOnStatus(expected))

	// Flip the phase: new entries land on the new status, the prior count
	// drains as scopes exit.
	m.expected.Store(uint32(flipStatus(expected)))
	s2 := m.Worker(2).EnterScope()
	require.Equal(t, int32(2), m.numWorkersOnStatus(expected))
	require.Equal(t, int32(1), m.numWorkersOnStatus(flipStatus(expected)))

	s0.Exit()
	s1.Exit()
	require.Equal(t, int32(0), m.numWorkersOnStatus(expected))
	s2.Exit()
	require.Equal(t, int32(0), m.numWorkersOnStatus(flipStatus(expected)))
}

// Hot-loop: a million mutations of one 64-byte object under per-iteration
// scopes, with no region leakage.
func TestHotLoop(t *testing.T) {
	m, _ := newTestManager(t, nil)
	w := m.Worker(0)

	before := m.FreeMemRatio()

	p, err := m.AllocateFarPtr(w, VanillaDSID, 64, nil)
	require.NoError(t, err)
	p.Write(w, bytes.Repeat([]byte{0xAA}, 64))

	const iterations = 1 << 20
	for i := 0; i < iterations; i++ {
		s := w.EnterScope()
		data := p.DerefMut(s)
		for j := range data {
			data[j] ^= 0x55
		}
		s.Exit()
	}

	// An even number of XORs lands back on the original pattern.
	require.Equal(t, bytes.Repeat([]byte{0xAA}, 64), p.Read(w))
	require.InDelta(t, before, m.FreeMemRatio(), 0.01+1.0/float64(m.cfg.CacheRegions),
		"hot loop must not leak regions")
}

// Overcommit the cache and verify every object survives the GC rounds, per
// swap-out/swap-in round trips.
func TestGCRoundPreservesObjects(t *testing.T) {
	m, dev := newTestManager(t, func(cfg *Config) {
		cfg.CacheRegions = 64
		cfg.FarRegions = 128
	})
	w := m.Worker(0)

	// ~70 regions' worth of 4 KiB objects against a 64-region cache.
	const (
		payloadSize = 4096
		numObjects  = 70 * int(RegionSize) / (payloadSize + ObjectHeaderSize + 8)
	)

	ptrs := make([]*FarPtr, numObjects)
	for i := range ptrs {
		p, err := m.AllocateFarPtr(w, VanillaDSID, payloadSize, nil)
		require.NoError(t, err)
		payload := make([]byte, payloadSize)
		binary.LittleEndian.PutUint64(payload, uint64(i))
		p.Write(w, payload)
		ptrs[i] = p
	}

	stats := m.Stats()
	require.NotZero(t, stats.GCRounds, "the allocation burst must trigger GC")
	require.NotZero(t, stats.SwapOuts)
	require.NotZero(t, dev.DistinctWrites())

	// Touch every other object to mix swapped-in and still-absent pointers.
	for i := 0; i < numObjects; i += 2 {
		_ = ptrs[i].Read(w)
	}

	for i, p := range ptrs {
		data := p.Read(w)
		require.Equal(t, uint64(i), binary.LittleEndian.Uint64(data),
			"object %d corrupted across swap-out/swap-in", i)
	}

	// Every pointer is present or absent; GC never leaves a third state.
	for _, p := range ptrs {
		kind := p.Meta().Kind()
		require.Contains(t, []MetaKind{MetaPresent, MetaAbsent}, kind)
	}
}

// Two workers dereference a pointer whose evacuation bit is set; exactly one
// migration happens and both observe identical bytes.
func TestConcurrentMigrationRace(t *testing.T) {
	m, _ := newTestManager(t, nil)
	w0, w1 := m.Worker(0), m.Worker(1)

	p, err := m.AllocateFarPtr(w0, VanillaDSID, 64, nil)
	require.NoError(t, err)
	payload := bytes.Repeat([]byte{0x5A}, 64)
	p.Write(w0, payload)

	for round := 0; round < 100; round++ {
		p.Meta().SetEvacuation()

		var (
			wg   sync.WaitGroup
			got  [2][]byte
			ws   = [2]*Worker{w0, w1}
			errs [2]error
		)
		wg.Add(2)
		for i := 0; i < 2; i++ {
			go func(i int) {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						errs[i] = fmt.Errorf("panic: %v", r)
					}
				}()
				got[i] = p.Read(ws[i])
			}(i)
		}
		wg.Wait()

		require.NoError(t, errs[0])
		require.NoError(t, errs[1])
		require.Equal(t, payload, got[0])
		require.Equal(t, payload, got[1])
		require.True(t, p.Meta().IsPresent())
		require.False(t, p.Meta().IsEvacuation())
	}
	require.Equal(t, uint64(100), m.Stats().Migrations,
		"each round must migrate exactly once")
}

// A freed object in an evacuating region must not be written back; the
// region still drains to refcount zero and recycles.
func TestFreeDuringEvacuation(t *testing.T) {
	m, dev := newTestManager(t, nil)
	w := m.Worker(0)

	victim, err := m.AllocateFarPtr(w, VanillaDSID, 1024, nil)
	require.NoError(t, err)
	victim.Write(w, bytes.Repeat([]byte{0xEE}, 1024))

	s := w.EnterScope()
	victimID := append([]byte(nil), victim.Meta().Object().ID()...)
	s.Exit()

	// Fill past the victim's region so it lands in the used pool.
	var survivors []*FarPtr
	for i := 0; i < int(RegionSize)/1042+2; i++ {
		p, err := m.AllocateFarPtr(w, VanillaDSID, 1024, nil)
		require.NoError(t, err)
		p.Write(w, bytes.Repeat([]byte{byte(i)}, 1024))
		survivors = append(survivors, p)
	}

	victim.Free(w)

	baseWrites := dev.WriteCount(VanillaDSID, victimID)
	reclaimedBefore := m.Stats().RegionsReclaimed
	m.gcCache()

	require.Equal(t, baseWrites, dev.WriteCount(VanillaDSID, victimID),
		"the GC writer must skip freed objects")
	require.Greater(t, m.Stats().RegionsReclaimed, reclaimedBefore)

	for i, p := range survivors {
		require.Equal(t, byte(i), p.Read(w)[0])
	}
}

// put(id, v); get(id) == v across any interleaving of swap-in/out.
func TestPutGetAcrossSwaps(t *testing.T) {
	m, _ := newTestManager(t, func(cfg *Config) {
		cfg.CacheRegions = 64
		cfg.FarRegions = 128
		// Wider margins than the defaults: four workers swap in concurrently,
		// and entry throttling must leave them room to finish their scopes.
		cfg.FreeCacheAlmostEmpty = 0.12
		cfg.FreeCacheLow = 0.25
		cfg.FreeCacheHigh = 0.4
	})

	// Four workers write ~94 MiB of objects through a 64 MiB cache, so every
	// worker's set crosses swap-out and swap-in at least once.
	const perWorker = 6000
	var wg sync.WaitGroup
	wg.Add(m.NumWorkers())
	for wi := 0; wi < m.NumWorkers(); wi++ {
		go func(wi int) {
			defer wg.Done()
			w := m.Worker(wi)
			ptrs := make([]*FarPtr, perWorker)
			for i := range ptrs {
				p, err := m.AllocateFarPtr(w, VanillaDSID, 4096, nil)
				if err != nil {
					panic(err)
				}
				payload := bytes.Repeat([]byte{byte(wi*31 + i)}, 4096)
				p.Write(w, payload)
				ptrs[i] = p
			}
			for i, p := range ptrs {
				want := byte(wi*31 + i)
				data := p.Read(w)
				for _, b := range data {
					if b != want {
						panic(fmt.Sprintf("worker %d object %d: got %#x want %#x",
							wi, i, b, want))
					}
				}
			}
		}(wi)
	}
	wg.Wait()
}

// Filling the cache to the almost-empty threshold blocks fresh scope
// openings until the GC frees regions.
func TestAlmostEmptyThrottling(t *testing.T) {
	m, _ := newTestManager(t, func(cfg *Config) {
		cfg.CacheRegions = 32
		cfg.FarRegions = 128
	})
	w0, w1, w2 := m.Worker(0), m.Worker(1), m.Worker(2)

	// Worker 0 parks in a scope, stalling the GC's phase flip.
	pin, err := m.AllocateFarPtr(w0, VanillaDSID, 64, nil)
	require.NoError(t, err)
	s := w0.EnterScope()
	_ = pin.Deref(s)

	// Worker 1 burns through the free pool; with the GC stalled the cache
	// goes almost-empty and its allocation loop parks.
	allocDone := make(chan struct{})
	go func() {
		defer close(allocDone)
		w := w1
		for i := 0; i < 40*int(RegionSize)/1042; i++ {
			if _, err := m.AllocateFarPtr(w, VanillaDSID, 1024, nil); err != nil {
				return
			}
		}
	}()

	require.Eventually(t, func() bool { return m.almostEmpty.Load() },
		waitTimeout, pollInterval, "the cache should go almost-empty")

	// A fresh scope opening must block.
	entered := make(chan struct{})
	go func() {
		s2 := w2.EnterScope()
		close(entered)
		s2.Exit()
	}()

	select {
	case <-entered:
		t.Fatal("scope opening must block while the cache is almost empty")
	case <-time.After(100 * time.Millisecond):
	}

	// Releasing the pinned scope lets the GC finish a round and unblock
	// both the allocator and the scope opening.
	s.Exit()

	select {
	case <-entered:
	case <-time.After(waitTimeout):
		t.Fatal("scope opening did not resume after GC progress")
	}
	select {
	case <-allocDone:
	case <-time.After(waitTimeout):
		t.Fatal("allocation did not resume after GC progress")
	}
	require.NotZero(t, m.Stats().ScopeWaits)
}

func TestMoveTransfersObject(t *testing.T) {
	m, _ := newTestManager(t, nil)
	w := m.Worker(0)

	p, err := m.AllocateFarPtr(w, VanillaDSID, 32, nil)
	require.NoError(t, err)
	payload := bytes.Repeat([]byte{0x77}, 32)
	p.Write(w, payload)

	var q FarPtr
	q.Move(p)

	require.True(t, p.IsNull())
	require.Equal(t, payload, q.Read(w))

	// The object's back-pointer now refers to q; a GC mark of the old slot
	// would not find it.
	s := w.EnterScope()
	require.Equal(t, q.Meta().addr(), q.Meta().Object().PtrAddr())
	s.Exit()

	q.Free(w)
}

func TestDSIDPool(t *testing.T) {
	m, _ := newTestManager(t, nil)

	seen := map[uint8]bool{VanillaDSID: true}
	ids := []uint8{}
	for i := 0; i < MaxNumDSIDs-1; i++ {
		id, err := m.AllocateDSID()
		require.NoError(t, err)
		require.False(t, seen[id], "ds id %d handed out twice", id)
		seen[id] = true
		ids = append(ids, id)
	}
	_, err := m.AllocateDSID()
	require.ErrorIs(t, err, ErrNoFreeDSID)

	m.FreeDSID(ids[0])
	id, err := m.AllocateDSID()
	require.NoError(t, err)
	require.Equal(t, ids[0], id)
}

func TestNotifierInvokedOnSwapOut(t *testing.T) {
	m, _ := newTestManager(t, nil)
	w := m.Worker(0)

	dsID, err := m.AllocateDSID()
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		notified [][]byte
	)
	m.RegisterNotifier(dsID, func(obj Object) {
		mu.Lock()
		notified = append(notified, append([]byte(nil), obj.ID()...))
		mu.Unlock()
	})

	id := binary.LittleEndian.AppendUint64(nil, 99)
	p, err := m.AllocateFarPtr(w, dsID, 256, id)
	require.NoError(t, err)
	p.Write(w, bytes.Repeat([]byte{1}, 256))

	// Seal the pointer's region into the used pool and run a GC round.
	for i := 0; i < int(RegionSize)/274+2; i++ {
		q, err := m.AllocateFarPtr(w, VanillaDSID, 256, nil)
		require.NoError(t, err)
		q.Write(w, []byte(bytes.Repeat([]byte{2}, 256)))
	}
	m.gcCache()

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, notified, id, "the notifier must see the swapped-out object")
}
