// Copyright 2026 The rpi4os Authors.
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

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoadConfigDefaults(t *testing.T) {
	got, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig(\"\"): %v", err)
	}
	if diff := cmp.Diff(defaultConfig(), got); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.toml")
	if err := os.WriteFile(path, []byte(
		"ram_mb = 256\ntick_ms = 10\ntime_scale = 50\nlog_path = \"/tmp/rpi4os.log\"\n",
	), 0644); err != nil {
		t.Fatal(err)
	}
	got, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	want := config{RAMMB: 256, TickMS: 10, TimeScale: 50, LogPath: "/tmp/rpi4os.log"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.toml")
	if err := os.WriteFile(path, []byte("tick_ms = 20\n"), 0644); err != nil {
		t.Fatal(err)
	}
	got, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if got.TickMS != 20 || got.RAMMB != 128 {
		t.Errorf("partial config = %+v", got)
	}
}

func TestLoadConfigRejectsZeroes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.toml")
	if err := os.WriteFile(path, []byte("ram_mb = 0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(path); err == nil {
		t.Error("zero ram_mb accepted")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("missing file accepted")
	}
}
