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

package update

import (
	"os"
	"path/filepath"
	"strings"
)

// ResumeFileName is the name of the breadcrumb file written before a
// destructive firmware write begins. Its presence means an update was
// interrupted; its single line is the absolute path of the image in use.
const ResumeFileName = "tpmupd_rundata.txt"

// A ResumeStore persists the in-flight firmware image path. It is written
// right before the device switches into the boot loader and cleared only
// after the update completed, so a later run can pick up where an
// interrupted one stopped.
type ResumeStore struct {
	path string
}

// NewResumeStore places the breadcrumb file in dir.
func NewResumeStore(dir string) *ResumeStore {
	return &ResumeStore{path: filepath.Join(dir, ResumeFileName)}
}

// Path returns the breadcrumb file path.
func (s *ResumeStore) Path() string {
	return s.path
}

// Write records the image path. The path is made absolute first; the
// resuming run may start from a different working directory.
func (s *ResumeStore) Write(imagePath string) error {
	abs, err := filepath.Abs(imagePath)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, []byte(abs+"\n"), 0o644)
}

// Read returns the recorded image path. A missing breadcrumb surfaces as
// ErrResumeDataNotFound; with the device in boot-loader mode there is no
// other way to recover which image was in flight.
func (s *ResumeStore) Read() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", wrapError(ErrResumeDataNotFound, err)
		}
		return "", err
	}

	line, _, _ := strings.Cut(string(data), "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return "", ErrResumeDataNotFound
	}
	return line, nil
}

// Clear removes the breadcrumb. Clearing an already-absent breadcrumb is
// not an error.
func (s *ResumeStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
