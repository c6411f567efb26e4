// Copyright 2024 The iommufd Authors.
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
	"errors"
	"strings"
	"testing"
	"time"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, errors.New("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatal("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatal("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if want := "*** Dropped 2 log messages ***"; !strings.Contains(strings.Join(tw.lines, ""), want) {
		t.Errorf("output %q does not contain %q", tw.lines, want)
	}
}

func TestLevels(t *testing.T) {
	tw := &testWriter{}
	l := BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}

	l.Debugf("debug")
	if len(tw.lines) != 0 {
		t.Errorf("debug line emitted at info level: %q", tw.lines)
	}
	l.Infof("info")
	l.Warningf("warning")
	if len(tw.lines) != 2 {
		t.Fatalf("emitted %d lines, want 2", len(tw.lines))
	}
	if !strings.Contains(tw.lines[0], "info") || !strings.Contains(tw.lines[1], "warning") {
		t.Errorf("unexpected output: %q", tw.lines)
	}

	if !l.IsLogging(Warning) || l.IsLogging(Debug) {
		t.Error("IsLogging inconsistent with level")
	}
}

func TestWriterEmitFormatting(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	w.Emit(0, Info, ts, "mapped %d pages", 4)
	if len(tw.lines) != 1 {
		t.Fatalf("emitted %d lines, want 1", len(tw.lines))
	}
	if want := "mapped 4 pages"; !strings.Contains(tw.lines[0], want) {
		t.Errorf("line %q does not contain %q", tw.lines[0], want)
	}
	if !strings.Contains(tw.lines[0], "2024-03-01T12:00:00Z") {
		t.Errorf("line %q missing timestamp", tw.lines[0])
	}
}

func TestRateLimitedLogger(t *testing.T) {
	tw := &testWriter{}
	rl := RateLimitedLogger(&BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}, time.Hour)

	rl.Infof("first")
	rl.Infof("second")
	rl.Warningf("third")
	if len(tw.lines) != 1 {
		t.Fatalf("emitted %d lines, want 1", len(tw.lines))
	}
	if !strings.Contains(tw.lines[0], "first") {
		t.Errorf("unexpected output: %q", tw.lines)
	}

	// Level checks pass through to the wrapped logger.
	if !rl.IsLogging(Warning) || rl.IsLogging(Debug) {
		t.Error("IsLogging inconsistent with wrapped level")
	}
}
