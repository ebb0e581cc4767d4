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
	"sync/atomic"
)

// taskRing is a bounded lock-free MPMC queue, sequence-per-slot style.
// Capacity must be a power of two.
type taskRing[T any] struct {
	capacity uint64
	mask     uint64

	_pad0 [48]byte
	head  atomic.Uint64
	_pad1 [48]byte
	tail  atomic.Uint64
	_pad2 [48]byte

	slots []taskSlot[T]
}

type taskSlot[T any] struct {
	sequence atomic.Uint64
	value    T
}

func newTaskRing[T any](capacity uint64) *taskRing[T] {
	if capacity < 2 || capacity&(capacity-1) != 0 {
		log.Panic("task ring capacity %d is not a power of two", capacity)
	}
	slots := make([]taskSlot[T], capacity)
	for i := uint64(0); i < capacity; i++ {
		slots[i].sequence.Store(i)
	}
	return &taskRing[T]{
		capacity: capacity,
		mask:     capacity - 1,
		slots:    slots,
	}
}

// push enqueues value. Returns false if the ring is full.
func (q *taskRing[T]) push(value T) bool {
	for {
		pos := q.tail.Load()
		slot := &q.slots[pos&q.mask]
		seq := slot.sequence.Load()
		delta := int64(seq) - int64(pos)

		switch {
		case delta == 0:
			if q.tail.CompareAndSwap(pos, pos+1) {
				slot.value = value
				slot.sequence.Store(pos + 1)
				return true
			}
		case delta < 0:
			return false
		default:
			runtime.Gosched()
		}
	}
}

// pop dequeues a value. Returns false if the ring is empty.
func (q *taskRing[T]) pop(value *T) bool {
	for {
		pos := q.head.Load()
		slot := &q.slots[pos&q.mask]
		seq := slot.sequence.Load()
		delta := int64(seq) - int64(pos+1)

		switch {
		case delta == 0:
			if q.head.CompareAndSwap(pos, pos+1) {
				*value = slot.value
				slot.sequence.Store(pos + q.capacity)
				return true
			}
		case delta < 0:
			return false
		default:
			runtime.Gosched()
		}
	}
}

// size is a racy estimate of the number of queued values.
func (q *taskRing[T]) size() uint64 {
	tail := q.tail.Load()
	head := q.head.Load()
	if tail < head {
		return 0
	}
	return tail - head
}

// workSteal moves up to half of the victim's queue into q. Returns true if
// anything was stolen.
func (q *taskRing[T]) workSteal(victim *taskRing[T]) bool {
	n := (victim.size() + 1) / 2
	stole := false
	var v T
	for i := uint64(0); i < n; i++ {
		if !victim.pop(&v) {
			break
		}
		if !q.push(v) {
			// No room left; hand the task back.
			victim.push(v)
			break
		}
		stole = true
	}
	return stole
}

// gcTask is an address interval of a to-be-collected region.
type gcTask struct {
	lo uint64
	hi uint64
}

// parallelizer fans gcTasks out to a fixed set of slaves. The master is the
// sole producer and round-robins tasks into per-slave bounded queues; an idle
// slave steals half of a peer's queue. There is no completion condvar:
// a slave exits once the master is done and every queue it can see is empty.
type parallelizer struct {
	queues     []*taskRing[gcTask]
	masterDone atomic.Bool
	masterUp   atomic.Bool
	numSlaves  int
	enqueueIdx int
	slaveFn    func(slave int, t gcTask)
}

func newParallelizer(numSlaves int, queueDepth uint64, slaveFn func(slave int, t gcTask)) *parallelizer {
	if numSlaves <= 0 || queueDepth == 0 {
		log.Panic("invalid parallelizer arguments: %d slaves, queue depth %d",
			numSlaves, queueDepth)
	}
	p := &parallelizer{
		queues:    make([]*taskRing[gcTask], numSlaves),
		numSlaves: numSlaves,
		slaveFn:   slaveFn,
	}
	for i := range p.queues {
		p.queues[i] = newTaskRing[gcTask](queueDepth)
	}
	return p
}

// enqueue hands a task to the next slave in round-robin order, spinning while
// every queue is full.
func (p *parallelizer) enqueue(t gcTask) {
	for {
		if p.queues[p.enqueueIdx].push(t) {
			p.enqueueIdx++
			if p.enqueueIdx == p.numSlaves {
				p.enqueueIdx = 0
			}
			return
		}
		p.enqueueIdx++
		if p.enqueueIdx == p.numSlaves {
			p.enqueueIdx = 0
		}
		runtime.Gosched()
	}
}

func (p *parallelizer) slave(id int) {
	var t gcTask
	for {
		if p.queues[id].pop(&t) {
			p.slaveFn(id, t)
			continue
		}
		if !p.masterUp.Load() {
			runtime.Gosched()
			continue
		}
		stole := false
		for i := 0; i < p.numSlaves; i++ {
			if i == id {
				continue
			}
			if p.queues[id].workSteal(p.queues[i]) {
				stole = true
				break
			}
		}
		if stole {
			continue
		}
		if p.masterDone.Load() && p.queues[id].size() == 0 {
			return
		}
		runtime.Gosched()
	}
}

// execute runs masterFn to produce tasks and blocks until the slaves have
// drained every queue.
func (p *parallelizer) execute(masterFn func()) {
	var wg sync.WaitGroup
	wg.Add(p.numSlaves)
	for i := 0; i < p.numSlaves; i++ {
		go func(id int) {
			defer wg.Done()
			p.slave(id)
		}(i)
	}

	p.masterUp.Store(true)
	masterFn()
	p.masterDone.Store(true)
	wg.Wait()

	p.masterUp.Store(false)
	p.masterDone.Store(false)
}
