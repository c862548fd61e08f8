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
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestTextEmitter(t *testing.T) {
	var buf bytes.Buffer
	l := &BasicLogger{Level: Info, Emitter: TextEmitter{&Writer{Next: &buf}}}
	l.Infof("hello %d", 42)
	out := buf.String()
	if !strings.HasPrefix(out, "I") {
		t.Errorf("info line starts with %q, want 'I'", out[:1])
	}
	if !strings.Contains(out, "hello 42") {
		t.Errorf("output %q missing message", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Errorf("output %q missing trailing newline", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := &BasicLogger{Level: Warning, Emitter: TextEmitter{&Writer{Next: &buf}}}
	l.Debugf("quiet")
	l.Infof("quiet too")
	if buf.Len() != 0 {
		t.Errorf("suppressed levels produced output: %q", buf.String())
	}
	l.Warningf("loud")
	if !strings.Contains(buf.String(), "loud") {
		t.Errorf("warning suppressed: %q", buf.String())
	}

	if l.IsLogging(Debug) {
		t.Error("IsLogging(Debug) true at Warning level")
	}
	l.SetLevel(Debug)
	if !l.IsLogging(Debug) {
		t.Error("IsLogging(Debug) false after SetLevel")
	}
}

func TestJSONEmitter(t *testing.T) {
	var buf bytes.Buffer
	l := &BasicLogger{Level: Info, Emitter: JSONEmitter{&Writer{Next: &buf}}}
	l.Infof("structured %s", "message")
	var got jsonLog
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("emitted line is not JSON: %v (%q)", err, buf.String())
	}
	if got.Msg != "structured message" || got.Level != Info {
		t.Errorf("decoded %+v", got)
	}
}

func TestRateLimitedLogger(t *testing.T) {
	var buf bytes.Buffer
	base := &BasicLogger{Level: Info, Emitter: TextEmitter{&Writer{Next: &buf}}}
	rl := RateLimitedLogger(base, time.Hour)
	for i := 0; i < 10; i++ {
		rl.Warningf("spam %d", i)
	}
	if got := strings.Count(buf.String(), "spam"); got != 1 {
		t.Errorf("rate limiter let %d lines through, want 1", got)
	}
}

func TestRateLimitedLoggerAcknowledgesSuppressed(t *testing.T) {
	var buf bytes.Buffer
	base := &BasicLogger{Level: Info, Emitter: TextEmitter{&Writer{Next: &buf}}}
	rl := RateLimitedLogger(base, 50*time.Millisecond)

	rl.Warningf("first")
	for i := 0; i < 3; i++ {
		rl.Warningf("flood %d", i)
	}
	time.Sleep(120 * time.Millisecond)
	rl.Warningf("after")

	out := buf.String()
	if strings.Contains(out, "flood") {
		t.Errorf("suppressed line was emitted:\n%s", out)
	}
	if !strings.Contains(out, "after (3 similar suppressed)") {
		t.Errorf("suppression not acknowledged:\n%s", out)
	}
}
