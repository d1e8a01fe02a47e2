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

package atticapi

import (
	"fmt"

	"github.com/cs3org/atticd/pkg/atticstorage"
	"github.com/cs3org/atticd/pkg/atticstore/compressor"
)

func newBackend(c *config) (atticstorage.Backend, error) {
	switch c.StorageBackend {
	case "local", "":
		root := c.StorageLocalRoot
		if root == "" {
			root = "./atticd-storage"
		}
		return atticstorage.NewLocal(root)
	case "s3":
		return atticstorage.NewS3(atticstorage.S3Config{
			Endpoint:        c.StorageS3Endpoint,
			Bucket:          c.StorageS3Bucket,
			Region:          c.StorageS3Region,
			AccessKeyID:     c.StorageS3AccessKeyID,
			SecretAccessKey: c.StorageS3SecretKey,
			UseSSL:          true,
		})
	default:
		return nil, fmt.Errorf("atticapi: unknown storage_backend %q", c.StorageBackend)
	}
}

func compressorLevel(v int) compressor.Level {
	return compressor.Level(v)
}
