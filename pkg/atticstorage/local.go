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

package atticstorage

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/cs3org/atticd/pkg/atticlog"
)

// LocalBackend stores objects as files under a root directory. Grounded
// on the donor's ocis blobstore: a flat key space, the key always
// cleaned to a single path element before joining with the root so a
// crafted key (e.g. "../../etc/passwd") can never escape it.
type LocalBackend struct {
	root string
}

// NewLocal creates the root directory if missing and returns a backend
// rooted there.
func NewLocal(root string) (*LocalBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &LocalBackend{root: root}, nil
}

func (b *LocalBackend) path(key string) string {
	clean := filepath.Base(filepath.Clean("/" + key))
	return filepath.Join(b.root, clean)
}

// MakeReference implements Backend.
func (b *LocalBackend) MakeReference(_ context.Context, key string) (Reference, error) {
	return Reference{Backend: "local", Key: key}, nil
}

// Upload implements Backend.
func (b *LocalBackend) Upload(_ context.Context, ref Reference, r io.Reader) error {
	dst := b.path(ref.Key)
	tmp := dst + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// Download implements Backend.
func (b *LocalBackend) Download(_ context.Context, ref Reference, headOnly bool) (DownloadResult, error) {
	path := b.path(ref.Key)
	if headOnly {
		if _, err := os.Stat(path); err != nil {
			return DownloadResult{}, err
		}
		return DownloadResult{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return DownloadResult{}, err
	}
	return DownloadResult{Body: f}, nil
}

// Delete implements Backend. Deleting a missing file is not an error.
func (b *LocalBackend) Delete(_ context.Context, ref Reference) error {
	err := os.Remove(b.path(ref.Key))
	if err != nil && !os.IsNotExist(err) {
		atticlog.New("atticstorage").Warn().Err(err).Str("key", ref.Key).Msg("failed to delete local object")
		return err
	}
	return nil
}
