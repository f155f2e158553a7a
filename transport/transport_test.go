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

//go:build linux

package transport

import (
	"errors"
	"testing"
	"time"
)

func TestDriverRegisterAccessUnsupported(t *testing.T) {
	d := NewDriver("")
	if _, err := d.ReadRegister(0); !errors.Is(err, ErrUnsupportedOperation) {
		t.Errorf("ReadRegister: got %v, want ErrUnsupportedOperation", err)
	}
	if err := d.WriteRegister(0, 1); !errors.Is(err, ErrUnsupportedOperation) {
		t.Errorf("WriteRegister: got %v, want ErrUnsupportedOperation", err)
	}
}

func TestDriverUseBeforeConnect(t *testing.T) {
	d := NewDriver("")
	if _, err := d.Transmit([]byte{1}, time.Second); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Transmit: got %v, want ErrNotConnected", err)
	}
	if err := d.Disconnect(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Disconnect: got %v, want ErrNotConnected", err)
	}
}

func TestDriverRejectsRegularFiles(t *testing.T) {
	// A regular file is not a TPM device node and must be refused before
	// any bytes are written to it.
	d := NewDriver(t.TempDir() + "/not-a-device")
	if err := d.Connect(); err == nil {
		t.Fatal("Connect accepted a missing path")
	}
}

func TestMMIOUseBeforeConnect(t *testing.T) {
	m := NewMMIO(0)
	if _, err := m.Transmit([]byte{1}, time.Second); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Transmit: got %v, want ErrNotConnected", err)
	}
	if _, err := m.ReadRegister(regAccess); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ReadRegister: got %v, want ErrNotConnected", err)
	}
}
