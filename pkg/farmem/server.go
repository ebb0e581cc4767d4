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
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"

	logger "github.com/intel/farmem-runtime/pkg/log"
)

// Wire opcodes of the device protocol. Every frame starts with one opcode
// byte; all integers are little-endian.
const (
	opReadObject uint8 = iota + 1
	opWriteObject
	opRemoveObject
	opConstruct
	opDeconstruct
	opCompute
	opPrefetchWinSize
)

// Wire status bytes.
const (
	statusOK uint8 = iota
	statusError
)

// DeviceServer serves the object store over TCP for TCPDevice clients.
type DeviceServer struct {
	log      logger.Logger
	store    *objectStore
	listener net.Listener

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

// NewDeviceServer creates a device server with the given far-memory capacity
// in bytes; 0 means unbounded.
func NewDeviceServer(capacity uint64) *DeviceServer {
	return &DeviceServer{
		log:   logger.Get("device-server"),
		store: newObjectStore(capacity),
		conns: make(map[net.Conn]struct{}),
	}
}

// ListenAndServe listens on addr and serves until Close.
func (s *DeviceServer) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Close.
func (s *DeviceServer) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("device server is closed")
	}
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("serving device protocol on %s", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return errors.Wrap(err, "accept failed")
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.serveConn(conn)
	}
}

// Addr returns the listen address, once serving.
func (s *DeviceServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops the listener and tears down all connections.
func (s *DeviceServer) Close() error {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	return err
}

func (s *DeviceServer) serveConn(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	for {
		if err := s.serveRequest(r, w); err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("connection from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *DeviceServer) serveRequest(r *bufio.Reader, w *bufio.Writer) error {
	op, err := r.ReadByte()
	if err != nil {
		return err
	}

	switch op {
	case opReadObject:
		dsID, objID, err := readIDRequest(r)
		if err != nil {
			return err
		}
		buf := make([]byte, MaxObjectDataSize)
		n, err := s.store.readObject(dsID, objID, buf)
		if err != nil {
			return writeError(w, err)
		}
		w.WriteByte(statusOK)
		writeBytes16(w, buf[:n])
		return nil

	case opWriteObject:
		dsID, objID, err := readIDRequest(r)
		if err != nil {
			return err
		}
		data, err := readBytes16(r)
		if err != nil {
			return err
		}
		if err := s.store.writeObject(dsID, objID, data); err != nil {
			return writeError(w, err)
		}
		return w.WriteByte(statusOK)

	case opRemoveObject:
		dsID, objID, err := readIDRequest(r)
		if err != nil {
			return err
		}
		found, err := s.store.removeObject(dsID, objID)
		if err != nil {
			return writeError(w, err)
		}
		w.WriteByte(statusOK)
		if found {
			return w.WriteByte(1)
		}
		return w.WriteByte(0)

	case opConstruct:
		var hdr [2]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return err
		}
		params, err := readBytes16(r)
		if err != nil {
			return err
		}
		if err := s.store.construct(hdr[0], hdr[1], params); err != nil {
			return writeError(w, err)
		}
		return w.WriteByte(statusOK)

	case opDeconstruct:
		dsID, err := r.ReadByte()
		if err != nil {
			return err
		}
		if err := s.store.deconstruct(dsID); err != nil {
			return writeError(w, err)
		}
		return w.WriteByte(statusOK)

	case opCompute:
		var hdr [2]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return err
		}
		input, err := readBytes16(r)
		if err != nil {
			return err
		}
		out, err := s.store.compute(hdr[0], hdr[1], input)
		if err != nil {
			return writeError(w, err)
		}
		w.WriteByte(statusOK)
		writeBytes16(w, out)
		return nil

	case opPrefetchWinSize:
		w.WriteByte(statusOK)
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], fakeDevicePrefetchWin)
		_, err := w.Write(buf[:])
		return err

	default:
		return errors.Errorf("unknown opcode %d", op)
	}
}

func readIDRequest(r *bufio.Reader) (uint8, []byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	objID := make([]byte, hdr[1])
	if _, err := io.ReadFull(r, objID); err != nil {
		return 0, nil, err
	}
	return hdr[0], objID, nil
}

func readBytes16(r *bufio.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	buf := make([]byte, binary.LittleEndian.Uint16(lenBuf[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeBytes16(w *bufio.Writer, data []byte) {
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(data)))
	w.Write(lenBuf[:])
	w.Write(data)
}

func writeError(w *bufio.Writer, err error) error {
	w.WriteByte(statusError)
	msg := err.Error()
	if len(msg) > int(^uint16(0)) {
		msg = msg[:^uint16(0)]
	}
	writeBytes16(w, []byte(msg))
	return nil
}
