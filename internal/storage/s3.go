// Package storage uploads flow sources to the storage block of a deployment.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"

	"github.com/schaermu/deploysync/internal/prefect"
)

// BlockTypeS3 is the block type slug of S3 storage blocks
const BlockTypeS3 = "s3"

// ErrInvalidBlock indicates a storage block without a usable bucket
var ErrInvalidBlock = errors.New("invalid s3 storage block")

// S3Block is the data of an s3 storage block document
type S3Block struct {
	BucketPath      string // "<bucket>[/<prefix>]"
	AccessKeyID     string
	SecretAccessKey string
}

// ParseS3Block decodes the data of an s3 block document. Obfuscated secrets
// are treated as unset so the default AWS credential chain applies.
func ParseS3Block(doc *prefect.BlockDocument) (*S3Block, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: no block document", ErrInvalidBlock)
	}

	block := &S3Block{
		BucketPath:      dataString(doc.Data, "bucket_path"),
		AccessKeyID:     dataString(doc.Data, "aws_access_key_id"),
		SecretAccessKey: dataString(doc.Data, "aws_secret_access_key"),
	}
	block.BucketPath = strings.Trim(strings.TrimPrefix(block.BucketPath, "s3://"), "/")
	if block.BucketPath == "" {
		return nil, fmt.Errorf("%w: %s has no bucket_path", ErrInvalidBlock, doc.Name)
	}
	if obfuscated(block.AccessKeyID) || obfuscated(block.SecretAccessKey) {
		block.AccessKeyID, block.SecretAccessKey = "", ""
	}
	return block, nil
}

// Location returns the bucket and key prefix for files stored under subPath
func (b *S3Block) Location(subPath string) (bucket, prefix string) {
	bucket, base, _ := strings.Cut(b.BucketPath, "/")
	return bucket, strings.TrimPrefix(path.Join(base, subPath), "/")
}

// S3Uploader copies a local directory into an s3 storage block
type S3Uploader struct {
	region      string
	endpoint    string
	ignoreFile  string
	logger      *slog.Logger
	newUploader func(cfg *aws.Config) (s3manageriface.UploaderAPI, error)
}

// NewS3Uploader creates an uploader. endpoint is optional and selects an
// S3-compatible service with path-style addressing.
func NewS3Uploader(region, endpoint, ignoreFile string, logger *slog.Logger) *S3Uploader {
	return &S3Uploader{
		region:      region,
		endpoint:    endpoint,
		ignoreFile:  ignoreFile,
		logger:      logger,
		newUploader: defaultUploader,
	}
}

// Upload copies every file under localDir not excluded by the ignore file to
// the block's bucket path joined with subPath, returning the file count.
func (u *S3Uploader) Upload(ctx context.Context, doc *prefect.BlockDocument, localDir, subPath string) (int, error) {
	block, err := ParseS3Block(doc)
	if err != nil {
		return 0, err
	}

	files, err := CollectFiles(localDir, u.ignoreFile)
	if err != nil {
		return 0, fmt.Errorf("failed to collect flow sources: %w", err)
	}

	uploader, err := u.newUploader(u.awsConfig(block))
	if err != nil {
		return 0, err
	}

	bucket, prefix := block.Location(subPath)
	u.logger.Info("uploading flow sources", "dir", localDir, "bucket", bucket, "prefix", prefix, "files", len(files))

	for i, rel := range files {
		key := path.Join(prefix, rel)
		if err := uploadFile(ctx, uploader, bucket, key, filepath.Join(localDir, filepath.FromSlash(rel))); err != nil {
			return i, fmt.Errorf("failed to upload %s to s3://%s/%s: %w", rel, bucket, key, err)
		}
		u.logger.Debug("uploaded file", "key", key)
	}

	return len(files), nil
}

func (u *S3Uploader) awsConfig(block *S3Block) *aws.Config {
	cfg := aws.NewConfig().WithRegion(u.region)
	if u.endpoint != "" {
		cfg = cfg.WithEndpoint(u.endpoint).WithS3ForcePathStyle(true)
	}
	if block.AccessKeyID != "" {
		cfg = cfg.WithCredentials(credentials.NewStaticCredentials(block.AccessKeyID, block.SecretAccessKey, ""))
	}
	return cfg
}

func defaultUploader(cfg *aws.Config) (s3manageriface.UploaderAPI, error) {
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create aws session: %w", err)
	}
	return s3manager.NewUploader(sess), nil
}

func uploadFile(ctx context.Context, uploader s3manageriface.UploaderAPI, bucket, key, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	_, err = uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	return err
}

func dataString(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func obfuscated(s string) bool {
	return s != "" && strings.Trim(s, "*") == ""
}
