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
	"sync"
)

// objLocker serialises per-object identity operations (swap-in, migration,
// free, move). It is a sharded keyed-lock table: each shard maps a 64-bit
// object-id fragment to a lock entry under a short per-shard lock. Read-only
// derefs never come here.
type objLocker struct {
	shards []objLockerShard
}

type objLockerShard struct {
	mu      sync.Mutex
	entries map[uint64]struct{}
}

// NumLockerShards is the number of shards in the object lock table.
const NumLockerShards = 1024

func newObjLocker(numShards int) *objLocker {
	l := &objLocker{
		shards: make([]objLockerShard, numShards),
	}
	for i := range l.shards {
		l.shards[i].entries = make(map[uint64]struct{})
	}
	return l
}

func (l *objLocker) shard(idFragment uint64) *objLockerShard {
	// Spread the fragment bits before reducing to a shard index; dense ids
	// would otherwise pile into neighbouring shards.
	h := idFragment
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	return &l.shards[h%uint64(len(l.shards))]
}

// tryInsert attempts to take the lock for idFragment. Returns false if some
// other holder has it.
func (l *objLocker) tryInsert(idFragment uint64) bool {
	s := l.shard(idFragment)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[idFragment]; ok {
		return false
	}
	s.entries[idFragment] = struct{}{}
	return true
}

// remove releases the lock for idFragment.
func (l *objLocker) remove(idFragment uint64) {
	s := l.shard(idFragment)
	s.mu.Lock()
	delete(s.entries, idFragment)
	s.mu.Unlock()
}

// lock busy-loops tryInsert, yielding between retries.
func (l *objLocker) lock(idFragment uint64) {
	for !l.tryInsert(idFragment) {
		runtime.Gosched()
	}
}
