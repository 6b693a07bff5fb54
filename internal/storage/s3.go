package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/edvin/dbvault/internal/protocol"
)

const (
	// PartSize and UploadConcurrency bound the memory a streaming upload
	// holds: at most PartSize * UploadConcurrency bytes are buffered.
	PartSize          = 5 * 1024 * 1024
	UploadConcurrency = 4
)

// S3 stores artifacts in an S3 compatible bucket under
// [<path>/]<folder>/<file>.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
	logger zerolog.Logger
}

func NewS3(d protocol.Storage, logger zerolog.Logger) (*S3, error) {
	if d.Bucket == "" {
		return nil, errors.New("s3 storage: bucket is required")
	}
	region := d.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := s3.Options{Region: region}
	if d.AccessKeyID != "" && d.SecretAccessKey != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(d.AccessKeyID, d.SecretAccessKey, "")
	}
	if d.Endpoint != "" {
		opts.BaseEndpoint = aws.String(d.Endpoint)
		opts.UsePathStyle = true
	}
	return &S3{
		client: s3.New(opts),
		bucket: d.Bucket,
		prefix: strings.Trim(d.Path, "/"),
		logger: logger.With().Str("component", "s3-store").Str("bucket", d.Bucket).Logger(),
	}, nil
}

func (s *S3) Type() string { return protocol.StorageS3 }

// Key returns the object key for a file of folder.
func (s *S3) Key(folder, file string) string {
	if s.prefix == "" {
		return path.Join(folder, file)
	}
	return path.Join(s.prefix, folder, file)
}

// Upload streams r as a multipart upload. r does not need to be seekable:
// the uploader reads it part by part, so a slow upload applies backpressure.
func (s *S3) Upload(ctx context.Context, folder, file string, r io.Reader) (Object, error) {
	key := s.Key(folder, file)
	body := &countingReader{r: r}

	uploader := manager.NewUploader(s.client, func(u *manager.Uploader) {
		u.PartSize = PartSize
		u.Concurrency = UploadConcurrency
	})
	out, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return Object{}, fmt.Errorf("upload s3://%s/%s: %w", s.bucket, key, err)
	}

	s.logger.Info().Str("key", key).Int64("bytes", body.n).Msg("uploaded backup")
	return Object{Key: key, URL: out.Location, Size: body.n}, nil
}

func (s *S3) Download(ctx context.Context, key string, w io.Writer) error {
	key = s.objectKey(key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return fmt.Errorf("download s3://%s/%s: %w", s.bucket, key, ErrNotFound)
		}
		return fmt.Errorf("download s3://%s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("download s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	key = s.objectKey(key)
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("head s3://%s/%s: %w", s.bucket, key, err)
	}
	return true, nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	key = s.objectKey(key)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("delete s3://%s/%s: %w", s.bucket, key, err)
	}
	s.logger.Info().Str("key", key).Msg("deleted backup")
	return nil
}

// objectKey accepts either an object key or an object URL as recorded by
// older agents, and returns the key. Both virtual-hosted and path-style URLs
// are understood.
func (s *S3) objectKey(key string) string {
	if !strings.HasPrefix(key, "http://") && !strings.HasPrefix(key, "https://") {
		return key
	}
	u, err := url.Parse(key)
	if err != nil {
		return key
	}
	p := strings.TrimPrefix(u.Path, "/")
	if !strings.HasPrefix(u.Host, s.bucket+".") {
		p = strings.TrimPrefix(p, s.bucket+"/")
	}
	return p
}

// isS3NotFound matches GetObject's NoSuchKey and HeadObject's bodiless 404.
func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	var respErr *awshttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound
}
