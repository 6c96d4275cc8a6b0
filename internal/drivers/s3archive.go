package drivers

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/carevault/durability/internal/config"
	"github.com/carevault/durability/internal/fault"
)

// Archiver copies a local backup artifact to offsite storage. The sweep
// calls it before an expired artifact is physically deleted, so every
// removed backup has an offsite copy first.
type Archiver interface {
	Upload(ctx context.Context, localPath string) (remoteKey string, err error)
}

// S3Archive ships artifacts to an S3-compatible bucket. Works against
// AWS as well as MinIO-style endpoints.
type S3Archive struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
	logger   *zap.Logger
}

// NewS3Archive builds an archive target from config. Static credentials
// only; the control plane does not assume instance roles.
func NewS3Archive(cfg config.ArchiveConfig, logger *zap.Logger) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket required")
	}

	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.TODO(),
		awsconfig.WithCredentialsProvider(creds),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("load archive config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // MinIO-style endpoints need path addressing
		}
	})

	return &S3Archive{
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		logger:   logger,
	}, nil
}

// Upload streams the artifact to the bucket and returns its object key.
func (a *S3Archive) Upload(ctx context.Context, localPath string) (string, error) {
	file, err := os.Open(localPath) // #nosec G304
	if err != nil {
		return "", fault.Transient("drivers.s3archive.upload", err)
	}
	defer func() { _ = file.Close() }()

	key := path.Join(a.prefix, filepath.Base(localPath))
	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   file,
	})
	if err != nil {
		return "", fault.Transient("drivers.s3archive.upload",
			fmt.Errorf("upload %s to s3://%s/%s: %w", localPath, a.bucket, key, err))
	}

	a.logger.Info("artifact archived offsite",
		zap.String("local_path", localPath),
		zap.String("bucket", a.bucket),
		zap.String("key", key))

	return key, nil
}
