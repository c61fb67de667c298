package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"quotadrive/internal/config"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultChunkSize = 5 * 1024 * 1024 // 5MB
)

// S3Storage stores blobs in an S3-compatible bucket.
type S3Storage struct {
	client *s3.Client
	bucket string
}

// NewS3Storage creates the client and checks that the bucket is reachable.
func NewS3Storage(ctx context.Context, conf config.S3Config) (*S3Storage, error) {
	if conf.AccessKeyID == "" || conf.SecretAccessKey == "" || conf.Bucket == "" {
		return nil, fmt.Errorf("missing required configuration: accessKeyID, secretAccessKey, and bucket are required")
	}

	creds := aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
		conf.AccessKeyID,
		conf.SecretAccessKey,
		"",
	))

	opts := s3.Options{
		Region:           conf.Region,
		Credentials:      creds,
		RetryMode:        aws.RetryModeAdaptive,
		RetryMaxAttempts: 3,
		UsePathStyle:     conf.UsePathStyle,
	}
	if conf.Endpoint != "" {
		opts.BaseEndpoint = aws.String(conf.Endpoint)
	}

	storage := &S3Storage{
		client: s3.New(opts),
		bucket: conf.Bucket,
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err := storage.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(conf.Bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("unable to access bucket %s: %w", conf.Bucket, err)
	}

	return storage, nil
}

// Put buffers the body so the request carries an exact Content-Length and the
// byte count is known before the object becomes visible.
func (h *S3Storage) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}

	buf := bytes.NewBuffer(make([]byte, 0, defaultChunkSize))
	n, err := io.Copy(buf, readerWithContext(ctx, r))
	if err != nil {
		return n, fmt.Errorf("failed to read file: %w", err)
	}

	_, err = h.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(h.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentLength: aws.Int64(n),
	})
	if err != nil {
		return n, fmt.Errorf("failed to upload file to S3: %w", err)
	}

	return n, nil
}

func (h *S3Storage) Get(ctx context.Context, key string) (Object, error) {
	result, err := h.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}

	return &object{
		ReadCloser:    result.Body,
		contentLength: aws.ToInt64(result.ContentLength),
	}, nil
}

// Delete relies on DeleteObject succeeding for missing keys.
func (h *S3Storage) Delete(ctx context.Context, key string) error {
	_, err := h.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object from S3: %w", err)
	}
	return nil
}

func (h *S3Storage) List(ctx context.Context, prefix string, fn func(ObjectInfo) error) error {
	paginator := s3.NewListObjectsV2Paginator(h.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(h.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list objects: %w", err)
		}

		for _, obj := range page.Contents {
			info := ObjectInfo{
				Key:     aws.ToString(obj.Key),
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			}
			if err := fn(info); err != nil {
				return err
			}
		}
	}

	return nil
}
