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

// Package global is a small service registry, grounded on the donor's
// rhttp plugin pattern (internal/http/services/owncloud/ocapi registers
// itself with global.Register). A named constructor decodes its own
// configuration section and returns a mountable Service; cmd/atticd
// mounts every registered, enabled service under its configured prefix.
package global

import "net/http"

// Service is an HTTP service mountable at a URL prefix.
type Service interface {
	Handler() http.Handler
	Prefix() string
	Close() error
}

// NewFunc constructs a Service from its configuration section.
type NewFunc func(conf map[string]interface{}) (Service, error)

var registry = map[string]NewFunc{}

// Register adds a named service constructor. Called from package init
// functions, mirroring the donor's internal/http/services/*/*.go files.
func Register(name string, f NewFunc) {
	registry[name] = f
}

// New looks up and invokes a registered constructor.
func New(name string, conf map[string]interface{}) (Service, error) {
	f, ok := registry[name]
	if !ok {
		return nil, errUnknownService(name)
	}
	return f(conf)
}

type errUnknownService string

func (e errUnknownService) Error() string { return "global: unknown service \"" + string(e) + "\"" }
