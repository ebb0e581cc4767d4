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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDataFrameVectorBasics(t *testing.T) {
	m, _ := newTestManager(t, nil)
	w := m.Worker(0)

	v, err := NewDataFrameVector[int64](m)
	require.NoError(t, err)
	require.NotEqual(t, uint8(VanillaDSID), v.DSID())

	const n = 10000
	for i := int64(0); i < n; i++ {
		require.NoError(t, v.Push(w, i))
	}
	require.Equal(t, uint64(n), v.Size())

	for i := int64(0); i < n; i++ {
		got, err := v.At(w, uint64(i))
		require.NoError(t, err)
		require.Equal(t, i, got)
	}

	_, err = v.At(w, n)
	require.ErrorIs(t, err, ErrIndexOutOfRange)

	require.NoError(t, v.Set(w, 42, -1))
	got, err := v.At(w, 42)
	require.NoError(t, err)
	require.Equal(t, int64(-1), got)

	require.NoError(t, v.Destroy(w))
}

func TestDataFrameVectorPopToEmpty(t *testing.T) {
	m, _ := newTestManager(t, nil)
	w := m.Worker(0)

	v, err := NewDataFrameVector[int64](m)
	require.NoError(t, err)

	const n = 2000
	for i := int64(0); i < n; i++ {
		require.NoError(t, v.Push(w, i))
	}
	for i := int64(n - 1); i >= 0; i-- {
		got, err := v.Pop(w)
		require.NoError(t, err)
		require.Equal(t, i, got)
	}
	require.Zero(t, v.Size())
	require.Zero(t, v.NumChunks())

	_, err = v.Pop(w)
	require.ErrorIs(t, err, ErrIndexOutOfRange)
}

// Container smoke: push a working set much larger than the cache, verify
// at(i) == i, and account for the chunk writes the device received.
func TestDataFrameVectorLargerThanCache(t *testing.T) {
	m, dev := newTestManager(t, func(cfg *Config) {
		cfg.CacheRegions = 16
		cfg.FarRegions = 128
		// Wider margins: chunk swap-ins allocate inside scopes, so entry
		// throttling has to kick in while regions are still free.
		cfg.FreeCacheAlmostEmpty = 0.15
		cfg.FreeCacheLow = 0.3
		cfg.FreeCacheHigh = 0.5
	})
	w := m.Worker(0)

	v, err := NewDataFrameVector[int64](m)
	require.NoError(t, err)

	// ~24 MiB of elements against a 16 MiB cache.
	const n = 3 * 1 << 20
	for i := int64(0); i < n; i++ {
		require.NoError(t, v.Push(w, i))
	}

	for i := int64(0); i < n; i += 997 {
		got, err := v.At(w, uint64(i))
		require.NoError(t, err)
		require.Equal(t, i, got)
	}

	totalChunks := v.NumChunks()
	require.Equal(t, (n*8+dfVectorChunkSize-1)/dfVectorChunkSize, totalChunks)

	// Every chunk that left the cache produced exactly one distinct key on
	// the device; chunks still resident at the end may never have been
	// written.
	distinct := dev.DistinctWritesForDS(v.DSID())
	require.LessOrEqual(t, distinct, totalChunks)
	residentCap := int(uint64(m.cfg.CacheRegions) * RegionSize / dfVectorChunkSize)
	require.GreaterOrEqual(t, distinct, totalChunks-residentCap,
		"all chunks beyond cache capacity must have been written out")

	require.NotZero(t, m.Stats().SwapIns)
	require.NotZero(t, m.Stats().SwapOuts)
}
