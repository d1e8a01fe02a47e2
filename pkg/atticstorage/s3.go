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
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config configures the S3-compatible backend.
type S3Config struct {
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	// PresignedURLExpiry, when non-zero, makes Download return a
	// presigned redirect URL instead of proxying bytes.
	PresignedURLExpiry time.Duration
}

// S3Backend stores objects in an S3-compatible bucket via minio-go, the
// client already present in the donor's dependency graph (used by its
// s3ng storage family).
type S3Backend struct {
	client *minio.Client
	bucket string
	expiry time.Duration
}

// NewS3 dials the configured endpoint and returns a backend bound to one
// bucket.
func NewS3(cfg S3Config) (*S3Backend, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}
	return &S3Backend{client: client, bucket: cfg.Bucket, expiry: cfg.PresignedURLExpiry}, nil
}

// MakeReference implements Backend.
func (b *S3Backend) MakeReference(_ context.Context, key string) (Reference, error) {
	return Reference{Backend: "s3", Key: key}, nil
}

// Upload implements Backend.
func (b *S3Backend) Upload(ctx context.Context, ref Reference, r io.Reader) error {
	_, err := b.client.PutObject(ctx, b.bucket, ref.Key, r, -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return err
}

// Download implements Backend.
func (b *S3Backend) Download(ctx context.Context, ref Reference, headOnly bool) (DownloadResult, error) {
	if headOnly {
		if _, err := b.client.StatObject(ctx, b.bucket, ref.Key, minio.StatObjectOptions{}); err != nil {
			return DownloadResult{}, err
		}
		return DownloadResult{}, nil
	}

	if b.expiry > 0 {
		u, err := b.client.PresignedGetObject(ctx, b.bucket, ref.Key, b.expiry, nil)
		if err != nil {
			return DownloadResult{}, err
		}
		return DownloadResult{RedirectURL: u.String()}, nil
	}

	obj, err := b.client.GetObject(ctx, b.bucket, ref.Key, minio.GetObjectOptions{})
	if err != nil {
		return DownloadResult{}, err
	}
	return DownloadResult{Body: obj}, nil
}

// Delete implements Backend. Deleting a missing object is not an error
// under S3 semantics (minio-go's RemoveObject already treats it as such).
func (b *S3Backend) Delete(ctx context.Context, ref Reference) error {
	return b.client.RemoveObject(ctx, b.bucket, ref.Key, minio.RemoveObjectOptions{})
}
