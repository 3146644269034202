package images

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/openfield/fieldsync/internal/config"
	"github.com/openfield/fieldsync/internal/remote"
	"github.com/openfield/fieldsync/internal/types"
)

// BlobClient moves attachment bytes between the device and remote blob
// storage. Entities reference stored objects by public URL only.
type BlobClient interface {
	// Upload stores the file at localPath for the given entity and returns
	// the public URL to record in the entity's images field.
	Upload(ctx context.Context, entityType types.EntityType, entityID, localPath string) (string, error)

	// Download opens the object behind a public URL. The caller closes it.
	Download(ctx context.Context, publicURL string) (io.ReadCloser, error)

	// Delete removes the object behind a public URL.
	Delete(ctx context.Context, publicURL string) error
}

// Signer is the slice of the remote client the signed-URL flow needs.
type Signer interface {
	SignUpload(ctx context.Context, entityType types.EntityType, entityID, filename string) (*remote.SignedUpload, error)
	DeleteObject(ctx context.Context, publicURL string) error
}

// SignedURLClient is the default blob client: every upload is granted by
// the backend through a signed PUT URL, so the device never holds bucket
// credentials.
type SignedURLClient struct {
	signer     Signer
	httpClient *http.Client
}

// NewSignedURLClient creates the signed-URL blob client.
func NewSignedURLClient(signer Signer) *SignedURLClient {
	return &SignedURLClient{signer: signer, httpClient: &http.Client{}}
}

// Upload requests a signed URL for the file and PUTs the bytes directly.
func (c *SignedURLClient) Upload(ctx context.Context, entityType types.EntityType, entityID, localPath string) (string, error) {
	signed, err := c.signer.SignUpload(ctx, entityType, entityID, filepath.Base(localPath))
	if err != nil {
		return "", fmt.Errorf("sign upload: %w", err)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open image file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat image file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, signed.UploadURL, f)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", contentTypeFor(localPath))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("upload image: status %d", resp.StatusCode)
	}
	return signed.PublicURL, nil
}

// Download fetches the object at its public URL.
func (c *SignedURLClient) Download(ctx context.Context, publicURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, publicURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download image: status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// Delete removes the object through the backend proxy.
func (c *SignedURLClient) Delete(ctx context.Context, publicURL string) error {
	if err := c.signer.DeleteObject(ctx, publicURL); err != nil {
		return fmt.Errorf("delete image: %w", err)
	}
	return nil
}

// s3API is the minimal minio.Client surface the S3 client uses. The
// interface exists so tests can substitute a fake.
type s3API interface {
	FPutObject(ctx context.Context, bucket, key, filePath, contentType string) error
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	RemoveObject(ctx context.Context, bucket, key string) error
}

// minioWrapper adapts *minio.Client to s3API; the concrete option types
// on minio methods keep it from satisfying the interface directly.
type minioWrapper struct {
	client *minio.Client
}

func (w *minioWrapper) FPutObject(ctx context.Context, bucket, key, filePath, contentType string) error {
	_, err := w.client.FPutObject(ctx, bucket, key, filePath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

func (w *minioWrapper) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	return w.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
}

func (w *minioWrapper) RemoveObject(ctx context.Context, bucket, key string) error {
	return w.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
}

// S3Client talks to an S3-compatible bucket directly. Self-hosted mode
// only; the default deployment goes through the signed-URL proxy.
type S3Client struct {
	api       s3API
	bucket    string
	publicURL string
}

// Upload stores the file under {entityType}/{entityID}/{filename}.
func (c *S3Client) Upload(ctx context.Context, entityType types.EntityType, entityID, localPath string) (string, error) {
	key := objectKey(entityType, entityID, filepath.Base(localPath))
	if err := c.api.FPutObject(ctx, c.bucket, key, localPath, contentTypeFor(localPath)); err != nil {
		return "", fmt.Errorf("upload image to bucket: %w", err)
	}
	return c.publicURL + "/" + key, nil
}

// Download opens the object behind a public URL minted by this client.
func (c *S3Client) Download(ctx context.Context, publicURL string) (io.ReadCloser, error) {
	key, err := c.keyFromURL(publicURL)
	if err != nil {
		return nil, err
	}
	obj, err := c.api.GetObject(ctx, c.bucket, key)
	if err != nil {
		return nil, fmt.Errorf("download image from bucket: %w", err)
	}
	return obj, nil
}

// Delete removes the object behind a public URL minted by this client.
func (c *S3Client) Delete(ctx context.Context, publicURL string) error {
	key, err := c.keyFromURL(publicURL)
	if err != nil {
		return err
	}
	if err := c.api.RemoveObject(ctx, c.bucket, key); err != nil {
		return fmt.Errorf("delete image from bucket: %w", err)
	}
	return nil
}

func (c *S3Client) keyFromURL(publicURL string) (string, error) {
	key, ok := strings.CutPrefix(publicURL, c.publicURL+"/")
	if !ok || key == "" {
		return "", fmt.Errorf("image url %q does not belong to bucket %s", publicURL, c.bucket)
	}
	return key, nil
}

func objectKey(entityType types.EntityType, entityID, filename string) string {
	return string(entityType) + "/" + entityID + "/" + filename
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".heic":
		return "image/heic"
	default:
		return "application/octet-stream"
	}
}

// NewBlobClient selects the blob transport from configuration: direct S3
// when a bucket is configured, the signed-URL proxy otherwise.
func NewBlobClient(cfg config.S3Config, signer Signer) (BlobClient, error) {
	if cfg.Bucket == "" {
		return NewSignedURLClient(signer), nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	scheme := "https"
	if !useSSL {
		scheme = "http"
	}
	public := (&url.URL{Scheme: scheme, Host: cfg.Endpoint, Path: "/" + cfg.Bucket}).String()

	return &S3Client{
		api:       &minioWrapper{client: client},
		bucket:    cfg.Bucket,
		publicURL: public,
	}, nil
}
