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

package shell

import (
	"rpi4os.dev/rpi4os/pkg/hw"
)

// counterTask counts to five at one-second intervals. Spawned by the
// spawn command to demonstrate preemption; output interleaves with the
// shell and the spinner.
func (sh *Shell) counterTask(c *hw.Core) {
	con := sh.k.Console
	for i := uint64(1); i <= 5; i++ {
		con.Puts(c, "[counter] ")
		con.PutDec(c, i)
		con.Puts(c, "/5\n")
		sh.k.Sched.Sleep(c, 1000)
	}
	con.Puts(c, "[counter] finished\n")
}

// spinnerTask cycles a spinner glyph every half second, two full turns.
func (sh *Shell) spinnerTask(c *hw.Core) {
	con := sh.k.Console
	glyphs := []string{"|", "/", "-", "\\"}
	for i := 0; i < 8; i++ {
		con.Puts(c, "[spinner] ")
		con.Puts(c, glyphs[i%len(glyphs)])
		con.Puts(c, "\n")
		sh.k.Sched.Sleep(c, 500)
	}
	con.Puts(c, "[spinner] done\n")
}
