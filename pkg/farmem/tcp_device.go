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

	"github.com/pkg/errors"
)

// TCPDevice is a Device talking the wire protocol of DeviceServer. It keeps
// a fixed pool of connections; concurrent callers each borrow one for a full
// request/response exchange.
type TCPDevice struct {
	addr string
	pool chan *deviceConn
}

type deviceConn struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

// NewTCPDevice connects numConns connections to the device server at addr.
func NewTCPDevice(addr string, numConns int) (*TCPDevice, error) {
	if numConns <= 0 {
		return nil, errors.Errorf("invalid connection count %d", numConns)
	}
	d := &TCPDevice{
		addr: addr,
		pool: make(chan *deviceConn, numConns),
	}
	for i := 0; i < numConns; i++ {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			d.Close()
			return nil, errors.Wrapf(err, "failed to connect to device at %s", addr)
		}
		d.pool <- &deviceConn{
			conn: conn,
			r:    bufio.NewReader(conn),
			w:    bufio.NewWriter(conn),
		}
	}
	return d, nil
}

// Close tears down the connection pool.
func (d *TCPDevice) Close() error {
	var err error
	for {
		select {
		case c := <-d.pool:
			if cerr := c.conn.Close(); cerr != nil && err == nil {
				err = cerr
			}
		default:
			return err
		}
	}
}

func (d *TCPDevice) exchange(fn func(c *deviceConn) error) error {
	c := <-d.pool
	err := fn(c)
	d.pool <- c
	return err
}

func (c *deviceConn) sendIDRequest(op, dsID uint8, objID []byte) {
	c.w.WriteByte(op)
	c.w.WriteByte(dsID)
	c.w.WriteByte(uint8(len(objID)))
	c.w.Write(objID)
}

func (c *deviceConn) readStatus() error {
	status, err := c.r.ReadByte()
	if err != nil {
		return err
	}
	if status == statusOK {
		return nil
	}
	msg, err := readBytes16(c.r)
	if err != nil {
		return err
	}
	return errors.Errorf("device: %s", msg)
}

// ReadObject implements Device.
func (d *TCPDevice) ReadObject(dsID uint8, objID, dataBuf []byte) (uint16, error) {
	var n uint16
	err := d.exchange(func(c *deviceConn) error {
		c.sendIDRequest(opReadObject, dsID, objID)
		if err := c.w.Flush(); err != nil {
			return err
		}
		if err := c.readStatus(); err != nil {
			return err
		}
		var lenBuf [2]byte
		if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
			return err
		}
		n = binary.LittleEndian.Uint16(lenBuf[:])
		if int(n) > len(dataBuf) {
			return errors.Errorf("object of %d bytes exceeds read buffer", n)
		}
		_, err := io.ReadFull(c.r, dataBuf[:n])
		return err
	})
	return n, errors.Wrap(err, "read object")
}

// WriteObject implements Device.
func (d *TCPDevice) WriteObject(dsID uint8, objID, data []byte) error {
	err := d.exchange(func(c *deviceConn) error {
		c.sendIDRequest(opWriteObject, dsID, objID)
		writeBytes16(c.w, data)
		if err := c.w.Flush(); err != nil {
			return err
		}
		return c.readStatus()
	})
	return errors.Wrap(err, "write object")
}

// RemoveObject implements Device.
func (d *TCPDevice) RemoveObject(dsID uint8, objID []byte) (bool, error) {
	var found bool
	err := d.exchange(func(c *deviceConn) error {
		c.sendIDRequest(opRemoveObject, dsID, objID)
		if err := c.w.Flush(); err != nil {
			return err
		}
		if err := c.readStatus(); err != nil {
			return err
		}
		b, err := c.r.ReadByte()
		if err != nil {
			return err
		}
		found = b != 0
		return nil
	})
	return found, errors.Wrap(err, "remove object")
}

// Construct implements Device.
func (d *TCPDevice) Construct(dsType, dsID uint8, params []byte) error {
	err := d.exchange(func(c *deviceConn) error {
		c.w.WriteByte(opConstruct)
		c.w.WriteByte(dsType)
		c.w.WriteByte(dsID)
		writeBytes16(c.w, params)
		if err := c.w.Flush(); err != nil {
			return err
		}
		return c.readStatus()
	})
	return errors.Wrap(err, "construct")
}

// Deconstruct implements Device.
func (d *TCPDevice) Deconstruct(dsID uint8) error {
	err := d.exchange(func(c *deviceConn) error {
		c.w.WriteByte(opDeconstruct)
		c.w.WriteByte(dsID)
		if err := c.w.Flush(); err != nil {
			return err
		}
		return c.readStatus()
	})
	return errors.Wrap(err, "deconstruct")
}

// Compute implements Device.
func (d *TCPDevice) Compute(dsID, opcode uint8, input []byte) ([]byte, error) {
	var out []byte
	err := d.exchange(func(c *deviceConn) error {
		c.w.WriteByte(opCompute)
		c.w.WriteByte(dsID)
		c.w.WriteByte(opcode)
		writeBytes16(c.w, input)
		if err := c.w.Flush(); err != nil {
			return err
		}
		if err := c.readStatus(); err != nil {
			return err
		}
		var err error
		out, err = readBytes16(c.r)
		return err
	})
	return out, errors.Wrap(err, "compute")
}

// PrefetchWinSize implements Device.
func (d *TCPDevice) PrefetchWinSize() uint64 {
	var win uint64
	err := d.exchange(func(c *deviceConn) error {
		c.w.WriteByte(opPrefetchWinSize)
		if err := c.w.Flush(); err != nil {
			return err
		}
		if err := c.readStatus(); err != nil {
			return err
		}
		var buf [8]byte
		if _, err := io.ReadFull(c.r, buf[:]); err != nil {
			return err
		}
		win = binary.LittleEndian.Uint64(buf[:])
		return nil
	})
	if err != nil {
		log.Error("prefetch window query failed: %v", err)
		return fakeDevicePrefetchWin
	}
	return win
}
