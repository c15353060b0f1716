package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrObjectMissing is returned by ObjectStore.Get for absent keys.
var ErrObjectMissing = errors.New("manifest: object missing")

// ObjectStore is the slice of an S3-compatible client the object backend
// needs.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// ObjectBackend lays manifests out as objects:
// <prefix>/<job>/manifest.json and <prefix>/<job>/versions/<n>.json.
type ObjectBackend struct {
	objects ObjectStore
	prefix  string
}

// NewObjectBackend wraps an ObjectStore.
func NewObjectBackend(objects ObjectStore, prefix string) (*ObjectBackend, error) {
	if objects == nil {
		return nil, fmt.Errorf("manifest: object store is required")
	}
	return &ObjectBackend{objects: objects, prefix: strings.Trim(prefix, "/")}, nil
}

func (b *ObjectBackend) key(parts ...string) string {
	if b.prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{b.prefix}, parts...)...)
}

func (b *ObjectBackend) Load(ctx context.Context, jobID string) (Manifest, error) {
	return b.read(ctx, b.key(jobID, manifestFile), jobID)
}

func (b *ObjectBackend) Save(ctx context.Context, m Manifest) error {
	if m.Job.ID == "" || strings.Contains(m.Job.ID, "/") {
		return fmt.Errorf("manifest: invalid job id %q", m.Job.ID)
	}
	encoded, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: encode job %s: %w", m.Job.ID, err)
	}
	if err := b.objects.Put(ctx, b.key(m.Job.ID, versionsDir, versionFileName(m.Version)), encoded); err != nil {
		return storageError("put version", err)
	}
	if err := b.objects.Put(ctx, b.key(m.Job.ID, manifestFile), encoded); err != nil {
		return storageError("put manifest", err)
	}
	return nil
}

func (b *ObjectBackend) LoadVersion(ctx context.Context, jobID string, version int64) (Manifest, error) {
	return b.read(ctx, b.key(jobID, versionsDir, versionFileName(version)), fmt.Sprintf("%s version %d", jobID, version))
}

func (b *ObjectBackend) ListVersions(ctx context.Context, jobID string) ([]int64, error) {
	prefix := b.key(jobID, versionsDir) + "/"
	keys, err := b.objects.List(ctx, prefix)
	if err != nil {
		return nil, storageError("list versions", err)
	}
	var versions []int64
	for _, key := range keys {
		name := strings.TrimSuffix(strings.TrimPrefix(key, prefix), ".json")
		n, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			continue
		}
		versions = append(versions, n)
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

func (b *ObjectBackend) ListJobs(ctx context.Context) ([]string, error) {
	prefix := ""
	if b.prefix != "" {
		prefix = b.prefix + "/"
	}
	keys, err := b.objects.List(ctx, prefix)
	if err != nil {
		return nil, storageError("list jobs", err)
	}
	var ids []string
	for _, key := range keys {
		rest := strings.TrimPrefix(key, prefix)
		id, file, ok := strings.Cut(rest, "/")
		if ok && file == manifestFile {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (b *ObjectBackend) read(ctx context.Context, key, label string) (Manifest, error) {
	data, err := b.objects.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrObjectMissing) {
			return Manifest{}, fmt.Errorf("%w: job %s", ErrNotFound, label)
		}
		return Manifest{}, storageError("get "+label, err)
	}
	return decodeManifest(data)
}

// MinIOConfig addresses the bucket holding manifests.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// DefaultBucket is used when MinIOConfig.Bucket is empty.
const DefaultBucket = "reelflow-manifests"

// NewMinIOBackend connects to MinIO (or any S3-compatible endpoint), creates
// the bucket when missing and returns an ObjectBackend on top of it.
func NewMinIOBackend(ctx context.Context, cfg MinIOConfig) (*ObjectBackend, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("manifest: minio endpoint is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, storageError("connect minio", err)
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = DefaultBucket
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, storageError("check bucket", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, storageError("create bucket", err)
		}
	}
	return NewObjectBackend(&minioObjects{client: client, bucket: bucket}, cfg.Prefix)
}

type minioObjects struct {
	client *minio.Client
	bucket string
}

func (o *minioObjects) Put(ctx context.Context, key string, data []byte) error {
	_, err := o.client.PutObject(ctx, o.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

func (o *minioObjects) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := o.client.GetObject(ctx, o.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translateMinIOError(err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, translateMinIOError(err)
	}
	return data, nil
}

func (o *minioObjects) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for info := range o.client.ListObjects(ctx, o.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, info.Err
		}
		keys = append(keys, info.Key)
	}
	return keys, nil
}

func translateMinIOError(err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return ErrObjectMissing
	}
	return err
}
