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

import "github.com/mitchellh/mapstructure"

// config is decoded from the service's TOML section, following the
// donor's internal/http/services/thumbnails/handler.go pattern: a
// mapstructure-tagged struct plus an init() defaulting pass.
type config struct {
	Prefix              string `mapstructure:"prefix"`
	MaxPreambleBytes     int64  `mapstructure:"max_preamble_bytes"`
	JWTSecret            string `mapstructure:"jwt_secret"`
	DatabaseDriver       string `mapstructure:"database_driver"`
	DatabaseDSN          string `mapstructure:"database_dsn"`
	StorageBackend       string `mapstructure:"storage_backend"` // "local" or "s3"
	StorageLocalRoot     string `mapstructure:"storage_local_root"`
	StorageS3Endpoint    string `mapstructure:"storage_s3_endpoint"`
	StorageS3Bucket      string `mapstructure:"storage_s3_bucket"`
	StorageS3Region      string `mapstructure:"storage_s3_region"`
	StorageS3AccessKeyID string `mapstructure:"storage_s3_access_key_id"`
	StorageS3SecretKey   string `mapstructure:"storage_s3_secret_key"`
	ChunkingThresholdBytes int64 `mapstructure:"chunking_threshold_bytes"`
	Compression          string `mapstructure:"compression"`
	CompressionLevel     int    `mapstructure:"compression_level"`
	ChunkUploadConcurrency int64 `mapstructure:"chunk_upload_concurrency"`
	DefaultRetentionSeconds int64 `mapstructure:"default_retention_seconds"`
}

func (c *config) init() {
	if c.Prefix == "" {
		c.Prefix = "/"
	}
	if c.MaxPreambleBytes == 0 {
		c.MaxPreambleBytes = 64 << 10
	}
	if c.DatabaseDriver == "" {
		c.DatabaseDriver = "sqlite3"
	}
	if c.StorageBackend == "" {
		c.StorageBackend = "local"
	}
	if c.ChunkingThresholdBytes == 0 {
		c.ChunkingThresholdBytes = 128 << 10
	}
	if c.Compression == "" {
		c.Compression = "zstd"
	}
	if c.CompressionLevel == 0 {
		c.CompressionLevel = 3
	}
	if c.ChunkUploadConcurrency == 0 {
		c.ChunkUploadConcurrency = 10
	}
}

func parseConfig(m map[string]interface{}) (*config, error) {
	c := &config{}
	if err := mapstructure.Decode(m, c); err != nil {
		return nil, err
	}
	c.init()
	return c, nil
}
