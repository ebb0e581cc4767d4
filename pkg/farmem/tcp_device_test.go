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
	"bytes"
	"encoding/binary"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) (*DeviceServer, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewDeviceServer(0)
	go func() {
		_ = srv.Serve(ln)
	}()
	t.Cleanup(func() { srv.Close() })
	return srv, ln.Addr().String()
}

func newTestTCPDevice(t *testing.T, conns int) *TCPDevice {
	t.Helper()
	_, addr := startTestServer(t)
	dev, err := NewTCPDevice(addr, conns)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return dev
}

func TestTCPDeviceObjectRoundTrip(t *testing.T) {
	dev := newTestTCPDevice(t, 2)

	id := binary.LittleEndian.AppendUint64(nil, 77)
	payload := bytes.Repeat([]byte{0xAB}, 500)
	require.NoError(t, dev.WriteObject(VanillaDSID, id, payload))

	buf := make([]byte, 1024)
	n, err := dev.ReadObject(VanillaDSID, id, buf)
	require.NoError(t, err)
	require.Equal(t, payload, buf[:n])

	found, err := dev.RemoveObject(VanillaDSID, id)
	require.NoError(t, err)
	require.True(t, found)

	found, err = dev.RemoveObject(VanillaDSID, id)
	require.NoError(t, err)
	require.False(t, found)

	_, err = dev.ReadObject(VanillaDSID, id, buf)
	require.Error(t, err, "reading a removed object must fail")
}

func TestTCPDeviceConstructCompute(t *testing.T) {
	dev := newTestTCPDevice(t, 1)

	require.NoError(t, dev.Construct(DSTypeDataFrameVector, 9, nil))
	require.Error(t, dev.Construct(DSTypeDataFrameVector, 9, nil),
		"double construct must fail")

	require.NoError(t, dev.WriteObject(9, []byte{1}, []byte{0xCC}))
	require.NoError(t, dev.WriteObject(9, []byte{2}, []byte{0xDD}))

	out, err := dev.Compute(9, computeOpNumObjects, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(2), binary.LittleEndian.Uint64(out))

	require.NoError(t, dev.Deconstruct(9))
	_, err = dev.Compute(9, computeOpNumObjects, nil)
	require.Error(t, err)
}

func TestTCPDevicePrefetchWinSize(t *testing.T) {
	dev := newTestTCPDevice(t, 1)
	require.Equal(t, uint64(fakeDevicePrefetchWin), dev.PrefetchWinSize())
}

func TestTCPDeviceConcurrentClients(t *testing.T) {
	dev := newTestTCPDevice(t, 4)

	const (
		workers = 8
		objects = 100
	)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			buf := make([]byte, 64)
			for j := 0; j < objects; j++ {
				id := binary.LittleEndian.AppendUint64(nil, uint64(i*objects+j))
				payload := bytes.Repeat([]byte{byte(i), byte(j)}, 32)
				if err := dev.WriteObject(VanillaDSID, id, payload); err != nil {
					panic(err)
				}
				n, err := dev.ReadObject(VanillaDSID, id, buf)
				if err != nil {
					panic(err)
				}
				if !bytes.Equal(payload, buf[:n]) {
					panic("payload mismatch")
				}
			}
		}(i)
	}
	wg.Wait()
}

// The runtime must behave identically over the TCP transport.
func TestManagerOverTCPDevice(t *testing.T) {
	_, addr := startTestServer(t)
	dev, err := NewTCPDevice(addr, 4)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	cfg := testConfig()
	cfg.CacheRegions = 8
	m, err := NewManager(cfg, dev)
	require.NoError(t, err)
	t.Cleanup(m.Close)

	w := m.Worker(0)
	ptrs := make([]*FarPtr, 0, 10*int(RegionSize)/1042)
	for i := 0; i < cap(ptrs); i++ {
		p, err := m.AllocateFarPtr(w, VanillaDSID, 1024, nil)
		require.NoError(t, err)
		p.Write(w, bytes.Repeat([]byte{byte(i)}, 1024))
		ptrs = append(ptrs, p)
	}
	for i, p := range ptrs {
		require.Equal(t, byte(i), p.Read(w)[0])
	}
	require.NotZero(t, m.Stats().SwapOuts)
}
