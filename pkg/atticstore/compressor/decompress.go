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

package compressor

import (
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/cs3org/atticd/pkg/atticmodel"
)

// Decompress wraps r (the raw bytes as stored in the backend) in the
// decoder matching kind, for the read path's chunk reassembly.
func Decompress(r io.Reader, kind atticmodel.CompressionKind) (io.Reader, error) {
	switch kind {
	case atticmodel.CompressionNone, "":
		return r, nil
	case atticmodel.CompressionBrotli:
		return brotli.NewReader(r), nil
	case atticmodel.CompressionZstd:
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	case atticmodel.CompressionXz:
		return xz.NewReader(r)
	default:
		return nil, fmt.Errorf("compressor: unsupported compression kind %q", kind)
	}
}
