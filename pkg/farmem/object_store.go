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
	"sync"

	"github.com/pkg/errors"
)

// objectStore is the server-side object storage shared by the fake device
// and the TCP device server. Objects are keyed by (dsID, objID).
type objectStore struct {
	mu       sync.RWMutex
	ds       [MaxNumDSIDs]*dsEntry
	capacity uint64
	used     uint64
}

type dsEntry struct {
	typ     uint8
	objects map[string][]byte
}

var errStoreFull = errors.New("farmem: remote store capacity exceeded")

func newObjectStore(capacity uint64) *objectStore {
	s := &objectStore{capacity: capacity}
	// ds id 0 always exists: it backs vanilla far pointers.
	s.ds[VanillaDSID] = &dsEntry{typ: DSTypeGeneric, objects: make(map[string][]byte)}
	return s
}

func (s *objectStore) entry(dsID uint8) *dsEntry {
	if e := s.ds[dsID]; e != nil {
		return e
	}
	// Containers may start storing before an explicit construct; treat the
	// ds as a generic container in that case.
	e := &dsEntry{typ: DSTypeGeneric, objects: make(map[string][]byte)}
	s.ds[dsID] = e
	return e
}

func (s *objectStore) readObject(dsID uint8, objID, dataBuf []byte) (uint16, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e := s.ds[dsID]
	if e == nil {
		return 0, errors.Errorf("farmem: read from unknown ds %d", dsID)
	}
	data, ok := e.objects[string(objID)]
	if !ok {
		return 0, errors.Errorf("farmem: ds %d has no object %x", dsID, objID)
	}
	if len(data) > len(dataBuf) {
		return 0, errors.Errorf("farmem: object %x of %d bytes exceeds read buffer",
			objID, len(data))
	}
	copy(dataBuf, data)
	return uint16(len(data)), nil
}

func (s *objectStore) writeObject(dsID uint8, objID, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(dsID)
	key := string(objID)
	old := uint64(len(e.objects[key]))
	next := s.used - old + uint64(len(data))
	if s.capacity != 0 && next > s.capacity {
		return errStoreFull
	}
	s.used = next
	e.objects[key] = append([]byte(nil), data...)
	return nil
}

func (s *objectStore) removeObject(dsID uint8, objID []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.ds[dsID]
	if e == nil {
		return false, nil
	}
	key := string(objID)
	data, ok := e.objects[key]
	if !ok {
		return false, nil
	}
	s.used -= uint64(len(data))
	delete(e.objects, key)
	return true, nil
}

func (s *objectStore) construct(dsType, dsID uint8, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ds[dsID] != nil && dsID != VanillaDSID {
		return errors.Errorf("farmem: ds %d already constructed", dsID)
	}
	s.ds[dsID] = &dsEntry{typ: dsType, objects: make(map[string][]byte)}
	return nil
}

func (s *objectStore) deconstruct(dsID uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.ds[dsID]
	if e == nil {
		return errors.Errorf("farmem: deconstruct of unknown ds %d", dsID)
	}
	for _, data := range e.objects {
		s.used -= uint64(len(data))
	}
	s.ds[dsID] = nil
	return nil
}

func (s *objectStore) compute(dsID, opcode uint8, _ []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e := s.ds[dsID]
	if e == nil {
		return nil, errors.Errorf("farmem: compute on unknown ds %d", dsID)
	}
	switch opcode {
	case computeOpNumObjects:
		out := make([]byte, 8)
		binary.LittleEndian.PutUint64(out, uint64(len(e.objects)))
		return out, nil
	default:
		return nil, errors.Errorf("farmem: ds %d does not implement opcode %d",
			dsID, opcode)
	}
}

// computeOpNumObjects returns the number of stored objects of a ds.
const computeOpNumObjects uint8 = 0
