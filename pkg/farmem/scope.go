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
	"sync/atomic"
)

// Status is the observable state of a worker.
type Status uint32

const (
	// StatusOut marks a worker outside any dereference scope.
	StatusOut Status = iota
	// StatusInV0 marks a worker in a scope opened in phase V0.
	StatusInV0
	// StatusInV1 marks a worker in a scope opened in phase V1.
	StatusInV1
	// StatusGC marks a GC thread. Not counted by the barrier.
	StatusGC
)

func flipStatus(s Status) Status {
	if s == StatusInV0 {
		return StatusInV1
	}
	return StatusInV0
}

// Worker is a mutator context with a stable id. Workers are goroutine-affine:
// all scope and allocation operations on a Worker must come from the single
// goroutine that owns it, while the status and counts are observable from the
// GC master.
type Worker struct {
	id     int
	mgr    *Manager
	status atomic.Uint32

	// Per-worker counts per status; only InV0/InV1 are ever non-zero.
	statusCounts [4]atomic.Int32

	scope DerefScope
}

// ID returns the worker's stable id.
func (w *Worker) ID() int {
	return w.id
}

// Status returns the worker's current status.
func (w *Worker) Status() Status {
	return Status(w.status.Load())
}

// InScope reports whether the worker currently holds an open scope.
func (w *Worker) InScope() bool {
	return w.Status() != StatusOut
}

// DerefScope is a bounded interval during which the worker's pinned pointers
// are guaranteed present in local memory. It is a scoped acquisition: obtain
// one with Worker.EnterScope and release it with Exit. Scopes must not be
// copied and must not nest.
type DerefScope struct {
	w *Worker
}

// EnterScope opens a dereference scope on the worker. Nested scopes panic.
//
// If the cache free ratio has fallen under the almost-empty threshold the
// call blocks until the GC makes progress.
func (w *Worker) EnterScope() *DerefScope {
	if w.InScope() {
		panic("farmem: nested dereference scope")
	}
	m := w.mgr
	if m.almostEmpty.Load() {
		m.mutatorWaitForGCCache()
	}
	snapshot := m.expectedStatus()
	w.status.Store(uint32(snapshot))
	w.statusCounts[snapshot].Add(1)
	return &w.scope
}

// Exit closes the scope. If the worker was the last holdout of the prior
// phase while the GC master is active, it yields so the GC can progress.
func (s *DerefScope) Exit() {
	w := s.w
	m := w.mgr

	old := w.Status()
	if old == StatusOut {
		panic("farmem: scope exit outside dereference scope")
	}
	w.statusCounts[old].Add(-1)
	w.status.Store(uint32(StatusOut))
	if old != m.expectedStatus() && m.gcMasterActive.Load() {
		runtime.Gosched()
	}
}

// Worker returns the worker the scope belongs to.
func (s *DerefScope) Worker() *Worker {
	return s.w
}

// numWorkersOnStatus sums the per-worker counts for the given status. The GC
// master polls this to drain the prior phase after a flip.
func (m *Manager) numWorkersOnStatus(status Status) int32 {
	var sum int32
	for _, w := range m.workers {
		sum += w.statusCounts[status].Load()
	}
	return sum
}

// expectedStatus returns the current InScope phase.
func (m *Manager) expectedStatus() Status {
	return Status(m.expected.Load())
}
