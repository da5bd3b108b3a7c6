package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const maxObjectBytes int64 = 10 * 1024 * 1024

// RemoveStatus reports the outcome of a best-effort object removal.
type RemoveStatus int

const (
	// RemoveDone means the object was deleted (or already gone).
	RemoveDone RemoveStatus = iota
	// RemoveSkipped means the path was empty or storage is not configured.
	RemoveSkipped
	// RemoveFailed means the delete call errored; callers log and move on.
	RemoveFailed
)

// ProgressFunc receives upload progress as a 0-100 percentage.
type ProgressFunc func(percent int)

// ObjectStorage provides helpers for storing image binaries in MinIO/S3.
type ObjectStorage struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// NewObjectStorageFromEnv initialises ObjectStorage using MINIO_* environment variables.
// Returns (nil, nil) when the variables are absent so callers can treat storage
// as optional during local development.
func NewObjectStorageFromEnv() (*ObjectStorage, error) {
	endpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	accessKey := strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY"))
	bucket := strings.TrimSpace(os.Getenv("MINIO_BUCKET"))
	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return nil, nil
	}

	useSSL := strings.EqualFold(strings.TrimSpace(os.Getenv("MINIO_USE_SSL")), "true")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("storage: create bucket: %w", err)
		}
	}

	publicURL := strings.TrimSpace(os.Getenv("MINIO_PUBLIC_URL"))
	if publicURL == "" {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	return &ObjectStorage{
		client:    client,
		bucket:    bucket,
		publicURL: strings.TrimSuffix(publicURL, "/"),
	}, nil
}

// Upload stores the provided image bytes beneath the given path segments.
// The final object key is <segments...>/<uuid><ext>, so repeated uploads never
// collide. progress may be nil.
func (s *ObjectStorage) Upload(ctx context.Context, data []byte, contentType string, progress ProgressFunc, pathSegments ...string) (string, string, error) {
	if s == nil || s.client == nil {
		return "", "", errors.New("storage: object storage not configured")
	}
	if len(data) == 0 {
		return "", "", errors.New("storage: no image data provided")
	}
	if int64(len(data)) > maxObjectBytes {
		return "", "", fmt.Errorf("storage: image size exceeds %d bytes", maxObjectBytes)
	}

	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if !isAllowedImageContent(contentType) {
		return "", "", fmt.Errorf("storage: unsupported image content type %q", contentType)
	}

	segments := make([]string, 0, len(pathSegments))
	for _, segment := range pathSegments {
		trimmed := strings.Trim(segment, "/")
		if trimmed != "" {
			segments = append(segments, trimmed)
		}
	}
	objectName := path.Join(segments...)
	objectName = path.Join(objectName, fmt.Sprintf("%s%s", uuid.NewString(), imageExtension(contentType)))

	uploadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var reader io.Reader = bytes.NewReader(data)
	if progress != nil {
		reader = &progressReader{inner: reader, total: int64(len(data)), report: progress}
	}

	_, err := s.client.PutObject(uploadCtx, s.bucket, objectName, reader, int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "public, max-age=604800",
	})
	if err != nil {
		return "", "", fmt.Errorf("storage: upload object: %w", err)
	}
	if progress != nil {
		progress(100)
	}

	return s.buildPublicURL(objectName), objectName, nil
}

// UploadDataURI decodes a base64 data URI (the shape returned by the image
// generation adapter) and stores it like Upload.
func (s *ObjectStorage) UploadDataURI(ctx context.Context, dataURI string, progress ProgressFunc, pathSegments ...string) (string, string, error) {
	contentType, data, err := DecodeDataURI(dataURI)
	if err != nil {
		return "", "", err
	}
	return s.Upload(ctx, data, contentType, progress, pathSegments...)
}

// Fetch downloads the object stored at the given key.
func (s *ObjectStorage) Fetch(ctx context.Context, objectPath string) ([]byte, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("storage: object storage not configured")
	}
	trimmed := strings.Trim(strings.TrimSpace(objectPath), "/")
	if trimmed == "" {
		return nil, errors.New("storage: object path is empty")
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	object, err := s.client.GetObject(fetchCtx, s.bucket, trimmed, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("storage: fetch object %s: %w", trimmed, err)
	}
	defer object.Close()

	data, err := io.ReadAll(io.LimitReader(object, maxObjectBytes+1))
	if err != nil {
		return nil, fmt.Errorf("storage: read object %s: %w", trimmed, err)
	}
	if int64(len(data)) > maxObjectBytes {
		return nil, fmt.Errorf("storage: object %s exceeds %d bytes", trimmed, maxObjectBytes)
	}
	return data, nil
}

// TryRemove deletes the object at the given key, best-effort. The returned
// status is for logging only; no error escapes this method.
func (s *ObjectStorage) TryRemove(ctx context.Context, objectPath string) RemoveStatus {
	if s == nil || s.client == nil {
		return RemoveSkipped
	}
	trimmed := strings.Trim(strings.TrimSpace(objectPath), "/")
	if trimmed == "" {
		return RemoveSkipped
	}

	removeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.client.RemoveObject(removeCtx, s.bucket, trimmed, minio.RemoveObjectOptions{}); err != nil {
		return RemoveFailed
	}
	return RemoveDone
}

// PresignedURL returns a temporary URL for accessing the stored object.
func (s *ObjectStorage) PresignedURL(ctx context.Context, raw string, expiry time.Duration) (string, error) {
	if s == nil || s.client == nil {
		return strings.TrimSpace(raw), nil
	}

	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", nil
	}

	if expiry <= 0 {
		expiry = 15 * time.Minute
	}

	objectName, ok := s.objectNameFromURL(trimmed)
	if !ok {
		if !strings.Contains(trimmed, "://") {
			objectName = strings.TrimPrefix(trimmed, "/")
			objectName = strings.TrimPrefix(objectName, s.bucket+"/")
		}
	}
	if objectName == "" {
		return trimmed, nil
	}

	presignCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	signed, err := s.client.PresignedGetObject(presignCtx, s.bucket, objectName, expiry, nil)
	if err != nil {
		return "", err
	}

	return signed.String(), nil
}

func (s *ObjectStorage) buildPublicURL(objectName string) string {
	base := strings.TrimSuffix(s.publicURL, "/")
	object := strings.TrimPrefix(objectName, "/")
	return fmt.Sprintf("%s/%s/%s", base, s.bucket, object)
}

func (s *ObjectStorage) objectNameFromURL(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}

	base := strings.TrimSuffix(s.publicURL, "/")
	if base != "" && strings.HasPrefix(trimmed, base) {
		candidate := strings.TrimPrefix(trimmed, base)
		candidate = strings.TrimPrefix(candidate, "/")
		candidate = strings.TrimPrefix(candidate, s.bucket+"/")
		candidate = strings.TrimPrefix(candidate, "/")
		if candidate != "" {
			return candidate, true
		}
	}

	target, err := url.Parse(trimmed)
	if err != nil {
		return "", false
	}
	baseURL, err := url.Parse(base)
	if err == nil && baseURL.Host != "" && baseURL.Host == target.Host {
		candidate := strings.TrimPrefix(target.Path, "/")
		candidate = strings.TrimPrefix(candidate, s.bucket+"/")
		candidate = strings.TrimPrefix(candidate, "/")
		if candidate != "" {
			return candidate, true
		}
	}

	if !strings.Contains(trimmed, "://") {
		candidate := strings.TrimPrefix(trimmed, "/")
		candidate = strings.TrimPrefix(candidate, s.bucket+"/")
		candidate = strings.TrimPrefix(candidate, "/")
		if candidate != "" {
			return candidate, true
		}
	}

	return "", false
}

// DecodeDataURI splits a "data:<mime>;base64,<payload>" string into its
// content type and raw bytes.
func DecodeDataURI(dataURI string) (string, []byte, error) {
	trimmed := strings.TrimSpace(dataURI)
	if !strings.HasPrefix(trimmed, "data:") {
		return "", nil, errors.New("storage: not a data URI")
	}
	meta, payload, found := strings.Cut(trimmed[len("data:"):], ",")
	if !found {
		return "", nil, errors.New("storage: malformed data URI")
	}
	if !strings.HasSuffix(meta, ";base64") {
		return "", nil, errors.New("storage: data URI is not base64 encoded")
	}
	contentType := strings.TrimSuffix(meta, ";base64")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("storage: decode data URI payload: %w", err)
	}
	if len(data) == 0 {
		return "", nil, errors.New("storage: data URI payload is empty")
	}
	return contentType, data, nil
}

type progressReader struct {
	inner  io.Reader
	total  int64
	read   int64
	last   int
	report ProgressFunc
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.inner.Read(p)
	if n > 0 && r.total > 0 {
		r.read += int64(n)
		percent := int(r.read * 100 / r.total)
		if percent > 100 {
			percent = 100
		}
		if percent != r.last {
			r.last = percent
			r.report(percent)
		}
	}
	return n, err
}

func isAllowedImageContent(contentType string) bool {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "image/png", "image/x-png":
		return true
	case "image/jpeg", "image/pjpeg":
		return true
	case "image/webp":
		return true
	case "image/gif":
		return true
	default:
		return false
	}
}

func imageExtension(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "image/png", "image/x-png":
		return ".png"
	case "image/jpeg", "image/pjpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".bin"
	}
}
