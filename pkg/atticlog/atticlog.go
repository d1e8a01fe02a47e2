// Copyright 2024 The atticd Authors
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

// Package atticlog provides the engine's package-scoped zerolog loggers.
package atticlog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.CallerSkipFrameCount = 3
}

// Out is the log output writer. Tests may swap it for a buffer.
var Out io.Writer = os.Stderr

// Mode is "dev" (console-formatted) or "prod" (JSON). Defaults to "dev".
var Mode = "dev"

var registry = map[string]*zerolog.Logger{}

// New returns the package-scoped logger for pkg, creating it on first use.
func New(pkg string) *zerolog.Logger {
	if l, ok := registry[pkg]; ok {
		return l
	}
	l := build(pkg)
	registry[pkg] = l
	return l
}

func build(pkg string) *zerolog.Logger {
	var w io.Writer = Out
	if Mode == "dev" {
		w = zerolog.ConsoleWriter{Out: Out, TimeFormat: "15:04:05"}
	}
	l := zerolog.New(w).With().Timestamp().Str("pkg", pkg).Int("pid", os.Getpid()).Logger()
	return &l
}
