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

// Package config reads the atticd TOML configuration file into a bare
// section map, grounded on the donor's cmd/revad/internal/config.Read:
// defer per-section typed decoding to each consumer (core, log, atticapi,
// gc) rather than parsing into one monolithic struct up front.
package config

import (
	"io"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Read parses TOML from r into a generic section map.
func Read(r io.Reader) (map[string]interface{}, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "config: error reading from reader")
	}

	v := map[string]interface{}{}
	if err := toml.Unmarshal(data, &v); err != nil {
		return nil, errors.Wrap(err, "config: error decoding toml data")
	}
	return v, nil
}
