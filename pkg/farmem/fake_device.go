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
)

// FakeDevice is an in-process device backed by the object store. It is the
// default device for tests and local experiments, and additionally counts
// writes per key so workloads can assert on the swap traffic they generate.
type FakeDevice struct {
	store *objectStore

	mu          sync.Mutex
	writeTotals map[string]uint64
}

const fakeDevicePrefetchWin = RegionSize

// NewFakeDevice creates a fake device with the given far-memory capacity in
// bytes; 0 means unbounded.
func NewFakeDevice(capacity uint64) *FakeDevice {
	return &FakeDevice{
		store:       newObjectStore(capacity),
		writeTotals: make(map[string]uint64),
	}
}

// ReadObject implements Device.
func (d *FakeDevice) ReadObject(dsID uint8, objID, dataBuf []byte) (uint16, error) {
	return d.store.readObject(dsID, objID, dataBuf)
}

// WriteObject implements Device.
func (d *FakeDevice) WriteObject(dsID uint8, objID, data []byte) error {
	if err := d.store.writeObject(dsID, objID, data); err != nil {
		return err
	}
	d.mu.Lock()
	d.writeTotals[deviceKey(dsID, objID)]++
	d.mu.Unlock()
	return nil
}

// RemoveObject implements Device.
func (d *FakeDevice) RemoveObject(dsID uint8, objID []byte) (bool, error) {
	return d.store.removeObject(dsID, objID)
}

// Construct implements Device.
func (d *FakeDevice) Construct(dsType, dsID uint8, params []byte) error {
	return d.store.construct(dsType, dsID, params)
}

// Deconstruct implements Device.
func (d *FakeDevice) Deconstruct(dsID uint8) error {
	return d.store.deconstruct(dsID)
}

// Compute implements Device.
func (d *FakeDevice) Compute(dsID, opcode uint8, input []byte) ([]byte, error) {
	return d.store.compute(dsID, opcode, input)
}

// PrefetchWinSize implements Device.
func (d *FakeDevice) PrefetchWinSize() uint64 {
	return fakeDevicePrefetchWin
}

// Close implements Device.
func (d *FakeDevice) Close() error {
	return nil
}

// WriteCount returns how many times the given object was written.
func (d *FakeDevice) WriteCount(dsID uint8, objID []byte) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeTotals[deviceKey(dsID, objID)]
}

// DistinctWrites returns the number of distinct (dsID, objID) keys written.
func (d *FakeDevice) DistinctWrites() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.writeTotals)
}

// DistinctWritesForDS returns the number of distinct objIDs written under one
// ds id.
func (d *FakeDevice) DistinctWritesForDS(dsID uint8) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	prefix := string([]byte{dsID})
	for k := range d.writeTotals {
		if len(k) > 0 && k[:1] == prefix {
			n++
		}
	}
	return n
}

func deviceKey(dsID uint8, objID []byte) string {
	key := make([]byte, 0, 1+len(objID))
	key = append(key, dsID)
	key = append(key, objID...)
	return string(key)
}
