package archive

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type ObjectConfig struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

type objectPutter interface {
	FPutObject(ctx context.Context, bucket, key, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ObjectArchiver uploads files to <bucket>/<device>/<file> and removes the
// local copy once the upload succeeded.
type ObjectArchiver struct {
	client objectPutter
	bucket string
}

func NewObjectArchiver(cfg ObjectConfig) (*ObjectArchiver, error) {
	cl, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	return &ObjectArchiver{client: cl, bucket: cfg.Bucket}, nil
}

func (a *ObjectArchiver) Archive(ctx context.Context, device, filePath string) error {
	if err := checkDevice(device); err != nil {
		return err
	}
	key := path.Join(device, filepath.Base(filePath))
	_, err := a.client.FPutObject(ctx, a.bucket, key, filePath, minio.PutObjectOptions{
		UserMetadata: map[string]string{"device": device},
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return os.Remove(filePath)
}
