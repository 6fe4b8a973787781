// Copyright 2026 The Darkroom Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Backend stores blobs in an S3-compatible object store (MinIO,
// AWS S3, Ceph RGW). Object keys are the blob references, sharded by
// prefix the same way as the filesystem backend so bucket listings
// stay balanced. S3 PUT is atomic per object, which gives Put the
// required all-or-nothing visibility for free.
type S3Backend struct {
	client *minio.Client
	bucket string
}

var _ Backend = (*S3Backend)(nil)

// S3Config holds the parameters for connecting to an S3-compatible
// endpoint.
type S3Config struct {
	// Endpoint is the host:port of the S3 API, without scheme.
	Endpoint string

	// AccessKey and SecretKey authenticate the client.
	AccessKey string
	SecretKey string

	// Bucket is the bucket blobs are stored in. Created on open if it
	// does not exist.
	Bucket string

	// UseTLS enables HTTPS.
	UseTLS bool
}

// NewS3Backend connects to the endpoint and ensures the bucket
// exists.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("creating s3 client for %s: %w", cfg.Endpoint, err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &S3Backend{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads data under ref.
func (b *S3Backend) Put(ctx context.Context, ref string, data []byte) error {
	_, err := b.client.PutObject(ctx, b.bucket, objectKey(ref), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("uploading blob %s: %w", ref, err)
	}
	return nil
}

// Get downloads the blob stored under ref.
func (b *S3Backend) Get(ctx context.Context, ref string) ([]byte, error) {
	object, err := b.client.GetObject(ctx, b.bucket, objectKey(ref), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("requesting blob %s: %w", ref, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("downloading blob %s: %w", ref, err)
	}
	return data, nil
}

// Exists checks for the blob with a StatObject call.
func (b *S3Backend) Exists(ctx context.Context, ref string) (bool, error) {
	_, err := b.client.StatObject(ctx, b.bucket, objectKey(ref), minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking blob %s: %w", ref, err)
	}
	return true, nil
}

// Delete removes the blob under ref. S3 DELETE succeeds silently for
// missing keys, so a StatObject first distinguishes ErrBlobNotFound.
func (b *S3Backend) Delete(ctx context.Context, ref string) error {
	if _, err := b.client.StatObject(ctx, b.bucket, objectKey(ref), minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return ErrBlobNotFound
		}
		return fmt.Errorf("checking blob %s: %w", ref, err)
	}
	if err := b.client.RemoveObject(ctx, b.bucket, objectKey(ref), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("removing blob %s: %w", ref, err)
	}
	return nil
}

// List returns every stored reference by walking the bucket.
func (b *S3Backend) List(ctx context.Context) ([]string, error) {
	var refs []string
	for object := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Recursive: true}) {
		if object.Err != nil {
			return nil, fmt.Errorf("listing blobs: %w", object.Err)
		}
		// Strip the shard prefix: aa/bb/<ref>.
		key := object.Key
		if len(key) > 6 {
			key = key[6:]
		}
		refs = append(refs, key)
	}
	return refs, nil
}

// Ping performs a BucketExists round-trip.
func (b *S3Backend) Ping(ctx context.Context) error {
	exists, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return fmt.Errorf("pinging bucket %s: %w", b.bucket, err)
	}
	if !exists {
		return fmt.Errorf("bucket %s no longer exists", b.bucket)
	}
	return nil
}

// objectKey shards a reference two levels deep, matching the
// filesystem backend layout.
func objectKey(ref string) string {
	return ref[:2] + "/" + ref[2:4] + "/" + ref
}

// isNoSuchKey reports whether err is the S3 "no such key" error.
func isNoSuchKey(err error) bool {
	response := minio.ToErrorResponse(err)
	return response.Code == "NoSuchKey" || response.StatusCode == 404
}
