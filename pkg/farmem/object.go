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
	"math"
)

// Object is a view over an object stored in a region buffer.
//
// Format:
// |<------------------ header ------------------>|
// |ptr_addr(6B)|data_len(2B)|ds_id(1B)|id_len(1B)|data|object_ID|
//
//	ptr_addr: address of the far-pointer metadata word referring to this
//	          object. During GC the marker uses it to jump from a region to
//	          the far pointer.
//	data_len: length of the object data.
//	   ds_id: data structure ID.
//	  id_len: length of the object ID.
//	    data: object data.
//	object_ID: unique object ID, used by the remote side to locate the
//	           object during swap-in and swap-out.
type Object struct {
	addr uint64
}

const (
	objPtrAddrPos  = 0
	objPtrAddrSize = 6
	objDataLenPos  = 6
	objDSIDPos     = 8
	objIDLenPos    = 9

	// ObjectHeaderSize is the size of the object header in bytes.
	ObjectHeaderSize = objPtrAddrSize + 2 + 1 + 1
	// MaxObjectSize is the maximum total size of an object.
	MaxObjectSize = math.MaxUint16
	// MaxObjectIDSize is the maximum length of an object ID.
	MaxObjectIDSize = math.MaxUint8
	// MaxObjectDataSize is the maximum length of object data.
	MaxObjectDataSize = MaxObjectSize - ObjectHeaderSize - MaxObjectIDSize

	// The last back-pointer byte is stamped with this to mark the object
	// freed.
	objFreedSentinel = 0xFF
)

// NewObject returns a view of the object at addr.
func NewObject(addr uint64) Object {
	return Object{addr: addr}
}

// Init stamps the header fields and the object ID. The back-pointer field is
// written separately by whoever publishes the object into a far-pointer slot.
func (o Object) Init(dsID uint8, dataLen uint16, id []byte) {
	o.SetDSID(dsID)
	o.SetDataLen(dataLen)
	o.SetIDLen(uint8(len(id)))
	copy(byteSlice(o.addr+ObjectHeaderSize+uint64(dataLen), len(id)), id)
}

// Addr returns the object's starting address.
func (o Object) Addr() uint64 {
	return o.addr
}

// DataAddr returns the address of the object data.
func (o Object) DataAddr() uint64 {
	return o.addr + ObjectHeaderSize
}

// Data returns the object data bytes.
func (o Object) Data() []byte {
	return byteSlice(o.DataAddr(), int(o.DataLen()))
}

// DataLen returns the length of the object data.
func (o Object) DataLen() uint16 {
	return load16(o.addr + objDataLenPos)
}

// SetDataLen sets the length of the object data.
func (o Object) SetDataLen(dataLen uint16) {
	store16(o.addr+objDataLenPos, dataLen)
}

// DSID returns the object's data structure ID.
func (o Object) DSID() uint8 {
	return load8(o.addr + objDSIDPos)
}

// SetDSID sets the object's data structure ID.
func (o Object) SetDSID(dsID uint8) {
	store8(o.addr+objDSIDPos, dsID)
}

// IDLen returns the length of the object ID.
func (o Object) IDLen() uint8 {
	return load8(o.addr + objIDLenPos)
}

// SetIDLen sets the length of the object ID.
func (o Object) SetIDLen(idLen uint8) {
	store8(o.addr+objIDLenPos, idLen)
}

// ID returns the object ID bytes.
func (o Object) ID() []byte {
	return byteSlice(o.addr+ObjectHeaderSize+uint64(o.DataLen()), int(o.IDLen()))
}

// PtrAddr returns the address of the far-pointer metadata word referring to
// this object.
func (o Object) PtrAddr() uint64 {
	return load48(o.addr + objPtrAddrPos)
}

// SetPtrAddr sets the back-pointer field.
func (o Object) SetPtrAddr(addr uint64) {
	store48(o.addr+objPtrAddrPos, addr)
}

// Size returns the total size of the object, header included.
func (o Object) Size() uint16 {
	return ObjectHeaderSize + o.DataLen() + uint16(o.IDLen())
}

// IsFreed checks the freed sentinel. Safe to call from the GC marker given
// only the object's starting address.
func (o Object) IsFreed() bool {
	return load8(o.addr+objPtrAddrPos+objPtrAddrSize-1) == objFreedSentinel
}

// Free stamps the freed sentinel into the back-pointer field.
func (o Object) Free() {
	store8(o.addr+objPtrAddrPos+objPtrAddrSize-1, objFreedSentinel)
}
