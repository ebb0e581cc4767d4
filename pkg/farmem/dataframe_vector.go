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
	"unsafe"

	"github.com/pkg/errors"
)

// DataFrameVector is a growable far-memory vector of fixed-size elements.
// Elements live in fixed-size chunks, each behind its own far pointer keyed
// by a dense chunk id, so cold chunks swap out to the device and swap back in
// on access. T must be a fixed-size value type without pointers.
type DataFrameVector[T any] struct {
	mgr      *Manager
	dsID     uint8
	elemSize int
	perChunk uint64
	chunks   []*FarPtr
	length   uint64
}

// dfVectorChunkSize is the data size of one vector chunk in bytes.
const dfVectorChunkSize = 4096

// ErrIndexOutOfRange is returned for element accesses past the vector end.
var ErrIndexOutOfRange = errors.New("farmem: vector index out of range")

// NewDataFrameVector allocates a ds id and constructs the remote container
// backing the vector.
func NewDataFrameVector[T any](m *Manager) (*DataFrameVector[T], error) {
	var zero T
	elemSize := int(unsafe.Sizeof(zero))
	if elemSize == 0 || elemSize > dfVectorChunkSize {
		return nil, errors.Errorf("farmem: unsupported vector element size %d", elemSize)
	}

	dsID, err := m.AllocateDSID()
	if err != nil {
		return nil, err
	}
	if err := m.Construct(DSTypeDataFrameVector, dsID, nil); err != nil {
		m.FreeDSID(dsID)
		return nil, err
	}

	return &DataFrameVector[T]{
		mgr:      m,
		dsID:     dsID,
		elemSize: elemSize,
		perChunk: uint64(dfVectorChunkSize / elemSize),
	}, nil
}

// DSID returns the vector's data structure id.
func (v *DataFrameVector[T]) DSID() uint8 {
	return v.dsID
}

// Size returns the number of elements.
func (v *DataFrameVector[T]) Size() uint64 {
	return v.length
}

// NumChunks returns the number of allocated chunks.
func (v *DataFrameVector[T]) NumChunks() int {
	return len(v.chunks)
}

func (v *DataFrameVector[T]) chunkID(idx uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, idx)
}

func (v *DataFrameVector[T]) chunkDataSize() uint16 {
	return uint16(v.perChunk) * uint16(v.elemSize)
}

// Push appends an element, growing the vector by a chunk when the last one
// is full.
func (v *DataFrameVector[T]) Push(w *Worker, val T) error {
	chunk := v.length / v.perChunk
	off := v.length % v.perChunk

	if off == 0 {
		p, err := v.mgr.AllocateFarPtr(w, v.dsID, v.chunkDataSize(), v.chunkID(chunk))
		if err != nil {
			return err
		}
		v.chunks = append(v.chunks, p)
	}

	s := w.EnterScope()
	defer s.Exit()
	data := v.chunks[chunk].DerefMut(s)
	copy(data[off*uint64(v.elemSize):], unsafe.Slice((*byte)(unsafe.Pointer(&val)), v.elemSize))
	v.length++
	return nil
}

// At returns element i.
func (v *DataFrameVector[T]) At(w *Worker, i uint64) (T, error) {
	var val T
	if i >= v.length {
		return val, ErrIndexOutOfRange
	}
	chunk := i / v.perChunk
	off := i % v.perChunk

	s := w.EnterScope()
	defer s.Exit()
	data := v.chunks[chunk].Deref(s)
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&val)), v.elemSize),
		data[off*uint64(v.elemSize):])
	return val, nil
}

// Set overwrites element i.
func (v *DataFrameVector[T]) Set(w *Worker, i uint64, val T) error {
	if i >= v.length {
		return ErrIndexOutOfRange
	}
	chunk := i / v.perChunk
	off := i % v.perChunk

	s := w.EnterScope()
	defer s.Exit()
	data := v.chunks[chunk].DerefMut(s)
	copy(data[off*uint64(v.elemSize):], unsafe.Slice((*byte)(unsafe.Pointer(&val)), v.elemSize))
	return nil
}

// Pop removes and returns the last element, releasing the trailing chunk
// once it empties.
func (v *DataFrameVector[T]) Pop(w *Worker) (T, error) {
	var val T
	if v.length == 0 {
		return val, ErrIndexOutOfRange
	}
	val, err := v.At(w, v.length-1)
	if err != nil {
		return val, err
	}
	v.length--

	if v.length%v.perChunk == 0 {
		last := len(v.chunks) - 1
		v.chunks[last].Free(w)
		v.chunks = v.chunks[:last]
		if _, err := v.mgr.RemoveObject(v.dsID, v.chunkID(uint64(last))); err != nil {
			return val, err
		}
	}
	return val, nil
}

// Destroy frees all chunks and tears down the remote container.
func (v *DataFrameVector[T]) Destroy(w *Worker) error {
	for _, p := range v.chunks {
		p.Free(w)
	}
	v.chunks = nil
	v.length = 0
	return v.mgr.Deconstruct(v.dsID)
}
