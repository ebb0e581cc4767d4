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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestObjLockerTryInsert(t *testing.T) {
	l := newObjLocker(NumLockerShards)

	require.True(t, l.tryInsert(42))
	require.False(t, l.tryInsert(42))
	require.True(t, l.tryInsert(43))

	l.remove(42)
	require.True(t, l.tryInsert(42))
}

// Two distinct object ids sharing the same first 8 bytes contend on the same
// entry: false contention is permitted, lost serialisation is not.
func TestObjLockerIDFragmentCollision(t *testing.T) {
	l := newObjLocker(NumLockerShards)

	id1 := []byte("ABCDEFGHIJ")
	id2 := []byte("ABCDEFGHKL")
	require.Equal(t, objIDFragment(id1), objIDFragment(id2))

	require.True(t, l.tryInsert(objIDFragment(id1)))
	require.False(t, l.tryInsert(objIDFragment(id2)))
	l.remove(objIDFragment(id1))
	require.True(t, l.tryInsert(objIDFragment(id2)))
	l.remove(objIDFragment(id2))
}

func TestObjLockerMutualExclusion(t *testing.T) {
	l := newObjLocker(NumLockerShards)

	const (
		workers = 8
		rounds  = 1000
	)
	var (
		wg      sync.WaitGroup
		counter int // protected by the id lock
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				l.lock(7)
				counter++
				l.remove(7)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, workers*rounds, counter)
}

func TestObjLockerIndependentIDs(t *testing.T) {
	l := newObjLocker(NumLockerShards)

	// Locks on distinct fragments never interfere.
	for id := uint64(0); id < 100; id++ {
		require.True(t, l.tryInsert(id))
	}
	for id := uint64(0); id < 100; id++ {
		l.remove(id)
	}
}
