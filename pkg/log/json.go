// Copyright 2018 The gVisor Authors.
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
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// levelNames are the json names of each Level, indexed by level.
var levelNames = [...]string{
	Warning: "warning",
	Info:    "info",
	Debug:   "debug",
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	if int(l) >= len(levelNames) {
		return nil, fmt.Errorf("unknown level %d", l)
	}
	return []byte(levelNames[l]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. It accepts the names
// produced by MarshalText and their numeric values.
func (l *Level) UnmarshalText(b []byte) error {
	s := string(b)
	for i, name := range levelNames {
		if s == name || s == fmt.Sprint(i) {
			*l = Level(i)
			return nil
		}
	}
	return fmt.Errorf("unknown level %q", s)
}

// jsonEntry is one line of JSONEmitter output.
type jsonEntry struct {
	Time      time.Time `json:"time"`
	Level     Level     `json:"level"`
	Source    string    `json:"source,omitempty"`
	Component string    `json:"component,omitempty"`
	Msg       string    `json:"msg"`
}

// component splits a "pagetables: installed ..." style message into its
// prefix and the rest. Messages without a single-word prefix are returned
// unchanged.
func component(msg string) (string, string) {
	prefix, rest, ok := strings.Cut(msg, ": ")
	if !ok || prefix == "" || strings.ContainsAny(prefix, " \t") {
		return "", msg
	}
	return prefix, rest
}

// JSONEmitter writes one json object per line. The caller's file and line
// go in "source" and a leading "name: " in the message goes in "component",
// so table dumps from ttctl can be filtered per package.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	entry := jsonEntry{
		Time:  timestamp,
		Level: level,
	}
	entry.Component, entry.Msg = component(fmt.Sprintf(format, v...))
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
			file = file[slash+1:]
		}
		entry.Source = fmt.Sprintf("%s:%d", file, line)
	}
	b, err := json.Marshal(entry)
	if err != nil {
		// Only an out of range Level can fail; emit it numerically.
		b = fmt.Appendf(nil, `{"time":%q,"level":%d,"msg":%q}`, timestamp.Format(time.RFC3339Nano), uint32(level), entry.Msg)
	}
	e.Writer.Write(append(b, '\n'))
}
