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
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// objectBuffer returns a raw buffer and its address. The slice is returned
// alongside so the backing array stays reachable for the test's duration.
func objectBuffer(size int) ([]byte, uint64) {
	buf := make([]byte, size)
	return buf, uint64(uintptr(unsafe.Pointer(&buf[0])))
}

func TestObjectLayout(t *testing.T) {
	buf, addr := objectBuffer(1024)
	defer runtime.KeepAlive(buf)

	id := []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}
	obj := NewObject(addr)
	obj.Init(7, 100, id)

	require.Equal(t, uint8(7), obj.DSID())
	require.Equal(t, uint16(100), obj.DataLen())
	require.Equal(t, uint8(8), obj.IDLen())
	require.Equal(t, id, obj.ID())
	require.Equal(t, uint16(ObjectHeaderSize+100+8), obj.Size())
	require.Equal(t, addr+ObjectHeaderSize, obj.DataAddr())
	require.False(t, obj.IsFreed())
}

func TestObjectPtrAddrRoundTrip(t *testing.T) {
	buf, addr := objectBuffer(64)
	defer runtime.KeepAlive(buf)
	obj := NewObject(addr)

	tcs := []uint64{0, 1, 0x1234, 0x7FFFFFFFFFFF}
	for _, ptrAddr := range tcs {
		obj.SetPtrAddr(ptrAddr)
		require.Equal(t, ptrAddr, obj.PtrAddr())
	}
}

func TestObjectFreedSentinel(t *testing.T) {
	buf, addr := objectBuffer(64)
	defer runtime.KeepAlive(buf)
	obj := NewObject(addr)
	obj.Init(1, 16, []byte{0xAB})

	// The sentinel must not disturb the rest of the header; the GC walks
	// freed objects by size.
	obj.SetPtrAddr(0x1234)
	obj.Free()
	require.True(t, obj.IsFreed())
	require.Equal(t, uint16(16), obj.DataLen())
	require.Equal(t, uint8(1), obj.IDLen())
	require.Equal(t, uint16(ObjectHeaderSize+16+1), obj.Size())
}

func TestObjectSizeLimits(t *testing.T) {
	require.Equal(t, 10, ObjectHeaderSize)
	require.Equal(t, 65535, MaxObjectSize)
	require.Equal(t, 255, MaxObjectIDSize)
	require.Equal(t, MaxObjectSize-ObjectHeaderSize-MaxObjectIDSize, MaxObjectDataSize)
}
