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

package log

import (
	"fmt"
	"time"
)

// TextEmitter is a simple human-readable emitter.
type TextEmitter struct {
	*Writer
}

// pad pads the given value with zeros to the given width.
func pad(b []byte, v, pow int) []byte {
	for p := pow; p > 0; p /= 10 {
		b = append(b, byte('0'+(v/p)%10))
	}
	return b
}

// Emit implements Emitter.Emit.
func (t TextEmitter) Emit(level Level, timestamp time.Time, format string, args ...any) {
	var prefix byte
	switch level {
	case Warning:
		prefix = 'W'
	case Info:
		prefix = 'I'
	case Debug:
		prefix = 'D'
	}

	_, month, day := timestamp.Date()
	hour, minute, second := timestamp.Clock()
	micros := timestamp.Nanosecond() / 1000

	b := make([]byte, 0, 32)
	b = append(b, prefix)
	b = pad(b, int(month), 10)
	b = pad(b, day, 10)
	b = append(b, ' ')
	b = pad(b, hour, 10)
	b = append(b, ':')
	b = pad(b, minute, 10)
	b = append(b, ':')
	b = pad(b, second, 10)
	b = append(b, '.')
	b = pad(b, micros, 100000)
	b = append(b, "] "...)

	message := fmt.Sprintf(format, args...)
	b = append(b, message...)
	if len(message) == 0 || message[len(message)-1] != '\n' {
		b = append(b, '\n')
	}
	t.Writer.Write(b)
}
