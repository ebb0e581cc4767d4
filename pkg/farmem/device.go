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

// Device is the remote-storage transport the core swaps against. Objects are
// keyed by (dsID, objID); an objID is unique only within its dsID.
type Device interface {
	// ReadObject reads the payload of an object into dataBuf and returns its
	// length.
	ReadObject(dsID uint8, objID, dataBuf []byte) (uint16, error)
	// WriteObject stores the payload of an object.
	WriteObject(dsID uint8, objID, data []byte) error
	// RemoveObject removes an object; reports whether it existed.
	RemoveObject(dsID uint8, objID []byte) (bool, error)
	// Construct establishes a remote container of dsType under dsID.
	Construct(dsType, dsID uint8, params []byte) error
	// Deconstruct tears down the remote container under dsID.
	Deconstruct(dsID uint8) error
	// Compute runs an opaque opcode against the remote container.
	Compute(dsID, opcode uint8, input []byte) ([]byte, error)
	// PrefetchWinSize returns the device's preferred prefetch window in
	// bytes.
	PrefetchWinSize() uint64
	// Close releases the transport.
	Close() error
}

// Remote container types understood by the object store.
const (
	// DSTypeGeneric is a plain keyed object container.
	DSTypeGeneric uint8 = iota
	// DSTypeDataFrameVector is the chunked vector container.
	DSTypeDataFrameVector
)
