// Package s3 provides an object store backed by S3-compatible storage.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/quarrysearch/quarry-agent/internal/crawl"
)

// Config captures the parameters required to connect to the bucket.
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	// Compress enables gzip for payloads larger than CompressMinSize bytes.
	Compress        bool
	CompressMinSize int
}

// objectAPI is the subset of the MinIO client the store uses, with GetObject
// narrowed to an io.ReadCloser so tests can fake it.
type objectAPI interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (io.ReadCloser, error)
}

type minioAPI struct {
	client *minio.Client
}

func (m *minioAPI) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return m.client.PutObject(ctx, bucket, key, r, size, opts)
}

func (m *minioAPI) GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, bucket, key, opts)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// Store implements crawl.ObjectStore over an S3-compatible bucket. Keys are
// time-ordered (UUIDv7) and carry a suffix recording the compression
// decision, so retrieval is a single deterministic fetch.
type Store struct {
	api             objectAPI
	bucket          string
	compress        bool
	compressMinSize int
	idGen           crawl.IDGenerator
}

// New connects to the configured bucket and returns a Store.
func New(ctx context.Context, cfg Config, idGen crawl.IDGenerator) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("storage.endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage.bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %s does not exist", cfg.Bucket)
	}
	return newStore(&minioAPI{client: client}, cfg, idGen)
}

// NewWithAPI constructs a Store from an existing client (primarily for
// testing).
func NewWithAPI(api objectAPI, cfg Config, idGen crawl.IDGenerator) (*Store, error) {
	return newStore(api, cfg, idGen)
}

func newStore(api objectAPI, cfg Config, idGen crawl.IDGenerator) (*Store, error) {
	if api == nil {
		return nil, fmt.Errorf("object api is required")
	}
	if idGen == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	minSize := cfg.CompressMinSize
	if minSize <= 0 {
		minSize = 1024
	}
	return &Store{
		api:             api,
		bucket:          cfg.Bucket,
		compress:        cfg.Compress,
		compressMinSize: minSize,
		idGen:           idGen,
	}, nil
}

// objectKey builds the bucket key for a reference within a tenant scope.
func objectKey(scope crawl.Scope, ref crawl.StorageRef) string {
	suffix := "html"
	if ref.Compressed {
		suffix = "html.gz"
	}
	return fmt.Sprintf("%s%s.%s", scope.ObjectPrefix, ref.ID, suffix)
}

// Put uploads a payload and returns its reference. The compression decision
// is made here, recorded in the reference, and reflected in the key suffix.
// A failed upload propagates as a hard error; the caller must abort its
// pipeline for this item.
func (s *Store) Put(ctx context.Context, scope crawl.Scope, data []byte) (crawl.StorageRef, error) {
	id, err := s.idGen.NewID()
	if err != nil {
		return crawl.StorageRef{}, fmt.Errorf("generate storage id: %w", err)
	}

	payload := data
	contentType := "text/html"
	ref := crawl.StorageRef{ID: id}
	if s.compress && len(data) > s.compressMinSize {
		compressed, err := gzipBytes(data)
		if err != nil {
			return crawl.StorageRef{}, fmt.Errorf("compress payload: %w", err)
		}
		payload = compressed
		contentType = "application/gzip"
		ref.Compressed = true
	}

	key := objectKey(scope, ref)
	_, err = s.api.PutObject(ctx, s.bucket, key, bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return crawl.StorageRef{}, fmt.Errorf("put object %s: %w", key, err)
	}
	return ref, nil
}

// Get fetches the payload for a reference, decompressing transparently when
// the reference says so. The stored compression flag decides the key; no
// probing of alternate keys happens.
func (s *Store) Get(ctx context.Context, scope crawl.Scope, ref crawl.StorageRef) ([]byte, error) {
	key := objectKey(scope, ref)
	obj, err := s.api.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	if !ref.Compressed {
		return data, nil
	}
	return gunzipBytes(data)
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open gzip reader: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	return out, nil
}
