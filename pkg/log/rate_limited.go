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
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedLogger suppresses statements beyond its rate. Interrupt and
// allocator paths use it for once-per-source diagnostics: a flood (a
// stuck interrupt line, a double-free loop) costs one line per interval.
// Suppressed statements are counted and acknowledged on the next line
// through, the same way Writer accounts for dropped messages.
type rateLimitedLogger struct {
	logger     Logger
	limit      *rate.Limiter
	suppressed atomic.Uint64
}

// logf funnels every level through the limiter.
func (rl *rateLimitedLogger) logf(emit func(format string, v ...any), format string, v ...any) {
	if !rl.limit.Allow() {
		rl.suppressed.Add(1)
		return
	}
	if n := rl.suppressed.Swap(0); n > 0 {
		emit("%s (%d similar suppressed)", fmt.Sprintf(format, v...), n)
		return
	}
	emit(format, v...)
}

// Debugf implements Logger.Debugf.
func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	rl.logf(rl.logger.Debugf, format, v...)
}

// Infof implements Logger.Infof.
func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	rl.logf(rl.logger.Infof, format, v...)
}

// Warningf implements Logger.Warningf.
func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	rl.logf(rl.logger.Warningf, format, v...)
}

// IsLogging implements Logger.IsLogging.
func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// BasicRateLimitedLogger returns a Logger that logs to the global logger
// no more than once per the provided duration.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimitedLogger(Log(), every)
}

// RateLimitedLogger returns a Logger that logs to the provided logger no
// more than once per the provided duration.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}
