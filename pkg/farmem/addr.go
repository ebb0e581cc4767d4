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
	"sync/atomic"
	"unsafe"
)

// Raw-address accessors for object headers and region slabs. All slab
// addresses handed out by the region managers stay valid until the owning
// arena is unmapped, so converting them back to pointers is safe here.

func bytePtr(addr uint64) *byte {
	return (*byte)(unsafe.Pointer(uintptr(addr)))
}

func byteSlice(addr uint64, n int) []byte {
	return unsafe.Slice(bytePtr(addr), n)
}

func load8(addr uint64) uint8 {
	return *bytePtr(addr)
}

func store8(addr uint64, v uint8) {
	*bytePtr(addr) = v
}

func load16(addr uint64) uint16 {
	return *(*uint16)(unsafe.Pointer(uintptr(addr)))
}

func store16(addr uint64, v uint16) {
	*(*uint16)(unsafe.Pointer(uintptr(addr))) = v
}

// load48 reads a 6-byte little-endian value.
func load48(addr uint64) uint64 {
	b := byteSlice(addr, 6)
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 |
		uint64(b[3])<<24 | uint64(b[4])<<32 | uint64(b[5])<<40
}

// store48 writes the low 6 bytes of v little-endian.
func store48(addr uint64, v uint64) {
	b := byteSlice(addr, 6)
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
}

func atomicInt32At(addr uint64) *int32 {
	return (*int32)(unsafe.Pointer(uintptr(addr)))
}

func atomicAddInt32At(addr uint64, delta int32) int32 {
	return atomic.AddInt32(atomicInt32At(addr), delta)
}

func atomicLoadInt32At(addr uint64) int32 {
	return atomic.LoadInt32(atomicInt32At(addr))
}

func atomicStoreInt32At(addr uint64, v int32) {
	atomic.StoreInt32(atomicInt32At(addr), v)
}
