package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig describes an S3-compatible bucket for storing backups
type MinioConfig struct {
	Access   string
	Secret   string
	Bucket   string
	Endpoint string
	Region   string
	// use http instead of https e.g. for local minio server
	Insecure     bool
	RequestTrace io.Writer
}

func (c *MinioConfig) validate() error {
	if c == nil {
		return errors.New("must provide config")
	}
	if c.Access == "" || c.Secret == "" || c.Bucket == "" || c.Endpoint == "" {
		return errors.New("must provide Access, Secret, Bucket and Endpoint in config")
	}
	return nil
}

// Minio uploads and downloads backups
type Minio struct {
	Client *minio.Client
	Bucket string
}

// NewMinio connects to the bucket and checks that it exists
func NewMinio(ctx context.Context, config *MinioConfig) (*Minio, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	c := config
	mc, err := minio.New(c.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.Access, c.Secret, ""),
		Region: c.Region,
		Secure: !c.Insecure,
	})
	if err != nil {
		return nil, err
	}
	if c.RequestTrace != nil {
		mc.TraceOn(c.RequestTrace)
	}
	found, err := mc.BucketExists(ctx, c.Bucket)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("bucket '%s' doesn't exist", c.Bucket)
	}
	return &Minio{
		Client: mc,
		Bucket: c.Bucket,
	}, nil
}

func contentType(c Codec) string {
	switch c {
	case Zstd:
		return "application/zstd"
	case Brotli:
		return "application/x-brotli"
	}
	return "application/zip"
}

func (m *Minio) Exists(ctx context.Context, remotePath string) bool {
	_, err := m.Client.StatObject(ctx, m.Bucket, remotePath, minio.StatObjectOptions{})
	return err == nil
}

// UploadFile uploads a backup file. Codec is guessed from remotePath.
func (m *Minio) UploadFile(ctx context.Context, remotePath string, path string) (minio.UploadInfo, error) {
	opts := minio.PutObjectOptions{
		ContentType: contentType(CodecFromPath(remotePath)),
	}
	return m.Client.FPutObject(ctx, m.Bucket, remotePath, path, opts)
}

// Upload writes b as a backup compressed with c and uploads it
func (m *Minio) Upload(ctx context.Context, remotePath string, c Codec, b *Bundle) (minio.UploadInfo, error) {
	var buf bytes.Buffer
	if err := Write(&buf, c, b); err != nil {
		return minio.UploadInfo{}, err
	}
	opts := minio.PutObjectOptions{
		ContentType: contentType(c),
	}
	return m.Client.PutObject(ctx, m.Bucket, remotePath, &buf, int64(buf.Len()), opts)
}

// DownloadFile downloads remotePath to dstPath. dstPath is only
// created if the whole download succeeds.
func (m *Minio) DownloadFile(ctx context.Context, dstPath string, remotePath string) (err error) {
	obj, err := m.Client.GetObject(ctx, m.Bucket, remotePath, minio.GetObjectOptions{})
	if err != nil {
		return err
	}
	defer obj.Close()

	dir := filepath.Dir(dstPath)
	if err = os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, filepath.Base(dstPath)+".tmp*")
	if err != nil {
		return err
	}
	tmpPath := f.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()
	_, err = io.Copy(f, obj)
	errClose := f.Close()
	if err = getErr(err, errClose); err != nil {
		return err
	}
	return os.Rename(tmpPath, dstPath)
}

func (m *Minio) Remove(ctx context.Context, remotePath string) error {
	return m.Client.RemoveObject(ctx, m.Bucket, remotePath, minio.RemoveObjectOptions{})
}
