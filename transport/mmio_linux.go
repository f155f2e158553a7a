// Copyright (c) 2024, the go-tpmupd authors. All rights reserved.
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

package transport

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// TIS register window. Each locality occupies a 4 KiB page starting at the
// platform-fixed base address.
const (
	tisBase         = 0xFED40000
	tisLocalitySize = 0x1000
	tisWindowSize   = 0x5000

	regAccess   = 0x00
	regSts      = 0x18
	regBurst    = 0x19 // burst count, 16 bit little-endian at STS+1
	regDataFIFO = 0x24
	regDidVid   = 0xF00
)

// TPM_ACCESS bits.
const (
	accessValid          = 0x80
	accessActiveLocality = 0x20
	accessRequestUse     = 0x02
)

// TPM_STS bits.
const (
	stsValid        = 0x80
	stsCommandReady = 0x40
	stsGo           = 0x20
	stsDataAvail    = 0x10
	stsExpect       = 0x08
)

// MMIOBackend drives the TIS FIFO interface through a memory-mapped
// register window. It is the "memory based access" mode of the tool and the
// only backend with register-level capability.
type MMIOBackend struct {
	locality uint8
	mem      []byte
	f        *os.File
}

// NewMMIO returns a memory-mapped backend operating at the given locality
// (normally 0).
func NewMMIO(locality uint8) *MMIOBackend {
	return &MMIOBackend{locality: locality}
}

// Connect maps the TIS register window and checks that a device answers at
// the configured locality.
func (m *MMIOBackend) Connect() error {
	if m.mem != nil {
		return ErrAlreadyConnected
	}
	f, err := os.OpenFile("/dev/mem", os.O_RDWR|unix.O_SYNC, 0600)
	if err != nil {
		return fmt.Errorf("transport: open /dev/mem: %w", err)
	}
	mem, err := unix.Mmap(int(f.Fd()), tisBase, tisWindowSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return fmt.Errorf("transport: mmap TIS window: %w", err)
	}
	m.f, m.mem = f, mem

	access, err := m.ReadRegister(regAccess)
	if err == nil && access&accessValid == 0 {
		err = fmt.Errorf("transport: no TPM present at locality %d (access %#x)", m.locality, access)
	}
	if err == nil {
		err = m.requestLocality()
	}
	if err != nil {
		m.unmap()
		return err
	}
	return nil
}

// Disconnect releases the register mapping.
func (m *MMIOBackend) Disconnect() error {
	if m.mem == nil {
		return ErrNotConnected
	}
	m.unmap()
	return nil
}

func (m *MMIOBackend) unmap() {
	if m.mem != nil {
		unix.Munmap(m.mem)
		m.mem = nil
	}
	if m.f != nil {
		m.f.Close()
		m.f = nil
	}
}

// ReadRegister reads one byte from the locality's register page.
func (m *MMIOBackend) ReadRegister(off uint32) (uint8, error) {
	if m.mem == nil {
		return 0, ErrNotConnected
	}
	idx := uint32(m.locality)*tisLocalitySize + off
	if int(idx) >= len(m.mem) {
		return 0, fmt.Errorf("transport: register offset %#x out of window", off)
	}
	return m.mem[idx], nil
}

// WriteRegister writes one byte to the locality's register page.
func (m *MMIOBackend) WriteRegister(off uint32, val uint8) error {
	if m.mem == nil {
		return ErrNotConnected
	}
	idx := uint32(m.locality)*tisLocalitySize + off
	if int(idx) >= len(m.mem) {
		return fmt.Errorf("transport: register offset %#x out of window", off)
	}
	m.mem[idx] = val
	return nil
}

func (m *MMIOBackend) requestLocality() error {
	if err := m.WriteRegister(regAccess, accessRequestUse); err != nil {
		return err
	}
	return m.waitRegister(regAccess, accessActiveLocality, accessActiveLocality, 2*time.Second)
}

// Transmit feeds the command through the FIFO, raises GO, and drains the
// response FIFO once data is available.
func (m *MMIOBackend) Transmit(cmd []byte, timeout time.Duration) ([]byte, error) {
	if m.mem == nil {
		return nil, ErrNotConnected
	}
	deadline := time.Now().Add(timeout)

	if err := m.WriteRegister(regSts, stsCommandReady); err != nil {
		return nil, err
	}
	if err := m.waitRegister(regSts, stsCommandReady, stsCommandReady, time.Until(deadline)); err != nil {
		return nil, err
	}

	for i := 0; i < len(cmd); {
		burst, err := m.burstCount()
		if err != nil {
			return nil, err
		}
		for ; burst > 0 && i < len(cmd); burst-- {
			if err := m.WriteRegister(regDataFIFO, cmd[i]); err != nil {
				return nil, err
			}
			i++
		}
	}
	// The chip must not be expecting more bytes once the full command is in.
	if sts, _ := m.ReadRegister(regSts); sts&stsExpect != 0 {
		return nil, fmt.Errorf("transport: device expects more data after a complete command")
	}

	if err := m.WriteRegister(regSts, stsGo); err != nil {
		return nil, err
	}
	if err := m.waitRegister(regSts, stsValid|stsDataAvail, stsValid|stsDataAvail, time.Until(deadline)); err != nil {
		return nil, err
	}

	// Read the 10-byte header first to learn the total response size.
	hdr, err := m.readFIFO(10, deadline)
	if err != nil {
		return nil, err
	}
	total := int(binary.BigEndian.Uint32(hdr[2:6]))
	if total < len(hdr) || total > maxResponse {
		return nil, fmt.Errorf("transport: implausible response size %d", total)
	}
	rest, err := m.readFIFO(total-len(hdr), deadline)
	if err != nil {
		return nil, err
	}

	// Return the interface to idle.
	if err := m.WriteRegister(regSts, stsCommandReady); err != nil {
		return nil, err
	}
	return append(hdr, rest...), nil
}

func (m *MMIOBackend) readFIFO(n int, deadline time.Time) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		if err := m.waitRegister(regSts, stsDataAvail, stsDataAvail, time.Until(deadline)); err != nil {
			return nil, err
		}
		b, err := m.ReadRegister(regDataFIFO)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (m *MMIOBackend) burstCount() (int, error) {
	lo, err := m.ReadRegister(regBurst)
	if err != nil {
		return 0, err
	}
	hi, err := m.ReadRegister(regBurst + 1)
	if err != nil {
		return 0, err
	}
	burst := int(lo) | int(hi)<<8
	if burst == 0 {
		burst = 1
	}
	return burst, nil
}

// waitRegister spins (with a short sleep) until reg&mask == want or the
// timeout elapses.
func (m *MMIOBackend) waitRegister(off uint32, mask, want uint8, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		v, err := m.ReadRegister(off)
		if err != nil {
			return err
		}
		if v&mask == want {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: register %#x stuck at %#x", ErrTimeout, off, v)
		}
		time.Sleep(500 * time.Microsecond)
	}
}
