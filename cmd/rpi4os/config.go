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
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// config is the optional machine configuration, loaded from a TOML file.
// Flag values override anything set here.
type config struct {
	// RAMMB is the backed DRAM window in megabytes.
	RAMMB uint64 `toml:"ram_mb"`

	// TickMS is the scheduling quantum in milliseconds.
	TickMS uint64 `toml:"tick_ms"`

	// TimeScale speeds the emulated counter up by this factor.
	TimeScale uint64 `toml:"time_scale"`

	// LogPath receives host-side diagnostics instead of stderr.
	LogPath string `toml:"log_path"`
}

func defaultConfig() config {
	return config{
		RAMMB:     128,
		TickMS:    100,
		TimeScale: 1,
	}
}

// loadConfig reads path over the defaults. A missing file with an empty
// path is not an error.
func loadConfig(path string) (config, error) {
	c := defaultConfig()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("reading config %q: %w", path, err)
	}
	if err := toml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parsing config %q: %w", path, err)
	}
	if c.RAMMB == 0 || c.TickMS == 0 {
		return c, fmt.Errorf("config %q: ram_mb and tick_ms must be positive", path)
	}
	return c, nil
}
