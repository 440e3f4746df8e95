package storage

import (
	"context"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gantry-labs/strata/internal/util"
	"github.com/gantry-labs/strata/pkg/logger"
)

// S3Uploader pushes run artifacts to an S3-compatible bucket. Credentials
// and endpoint come from the environment; the uploader is only constructed
// when a run opts into uploading.
type S3Uploader struct {
	client *s3.Client
	bucket string
}

// NewS3Uploader builds a client from AWS_REGION, AWS_ENDPOINT,
// AWS_ACCESS_KEY, AWS_SECRET_KEY and AWS_BUCKET. Any missing variable is an
// error; a run configured to upload must not finish without doing so.
func NewS3Uploader(ctx context.Context) (*S3Uploader, error) {
	region, err := util.RequireEnv("AWS_REGION")
	if err != nil {
		return nil, err
	}
	endpoint, err := util.RequireEnv("AWS_ENDPOINT")
	if err != nil {
		return nil, err
	}
	accessKey, err := util.RequireEnv("AWS_ACCESS_KEY")
	if err != nil {
		return nil, err
	}
	secretKey, err := util.RequireEnv("AWS_SECRET_KEY")
	if err != nil {
		return nil, err
	}
	bucket, err := util.RequireEnv("AWS_BUCKET")
	if err != nil {
		return nil, err
	}

	cfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithBaseEndpoint(endpoint),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey,
			secretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 configuration: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
	return &S3Uploader{client: client, bucket: bucket}, nil
}

// UploadFile puts a single local file under key.
func (u *S3Uploader) UploadFile(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s for upload: %w", localPath, err)
	}
	defer f.Close()

	contentType := mime.TypeByExtension(filepath.Ext(localPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if _, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
	}); err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// UploadDir mirrors a local run directory under remotePrefix, preserving
// relative paths.
func (u *S3Uploader) UploadDir(ctx context.Context, localDir, remotePrefix string) error {
	uploaded := 0
	err := filepath.WalkDir(localDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(localDir, path)
		if err != nil {
			return fmt.Errorf("failed to resolve relative path for %s: %w", path, err)
		}
		key := strings.TrimSuffix(remotePrefix, "/") + "/" + filepath.ToSlash(rel)
		if err := u.UploadFile(ctx, path, key); err != nil {
			return err
		}
		uploaded++
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to upload run directory %s: %w", localDir, err)
	}
	logger.Info("[Storage] Uploaded run artifacts", "files", uploaded, "prefix", remotePrefix)
	return nil
}
