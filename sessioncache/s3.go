package sessioncache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const numS3Retries = 3

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3StoreParams ...
type S3StoreParams struct {
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Store keeps session records as small JSON objects in an S3 bucket. It lets
// ephemeral CI machines resume uploads started by a previous machine.
type S3Store struct {
	client    S3API
	uploader  *manager.Uploader
	bucket    string
	prefix    string
	retryWait time.Duration
	logger    log.Logger
}

// NewS3Store loads AWS credentials and returns a store backed by params.Bucket.
func NewS3Store(ctx context.Context, params S3StoreParams, logger log.Logger) (*S3Store, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return NewS3StoreWithClient(s3.NewFromConfig(*cfg), params.Bucket, params.Prefix, logger), nil
}

// NewS3StoreWithClient wraps an already configured client.
func NewS3StoreWithClient(client S3API, bucket, prefix string, logger log.Logger) *S3Store {
	return &S3Store{
		client:    client,
		uploader:  manager.NewUploader(client),
		bucket:    bucket,
		prefix:    prefix,
		retryWait: 2 * time.Second,
		logger:    logger,
	}
}

func (s *S3Store) objectKey(key string) string {
	return path.Join(s.prefix, key) + ".json"
}

func (s *S3Store) Get(ctx context.Context, key string) (Record, error) {
	var record Record
	objectKey := s.objectKey(key)
	err := retry.Times(numS3Retries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectKey),
		})
		if err != nil {
			if isS3NotFound(err) {
				return ErrNotFound, true
			}
			s.logger.Debugf("get session object %s (attempt %d): %s", objectKey, attempt+1, err)
			return fmt.Errorf("get object: %w", err), false
		}
		defer result.Body.Close() //nolint:errcheck

		body, err := io.ReadAll(result.Body)
		if err != nil {
			return fmt.Errorf("read object content: %w", err), false
		}
		if err := json.Unmarshal(body, &record); err != nil {
			return fmt.Errorf("decode session record: %w", err), true
		}
		return nil, true
	})
	if err != nil {
		return Record{}, err
	}
	return record, nil
}

func (s *S3Store) Set(ctx context.Context, key string, record Record) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode session record: %w", err)
	}

	objectKey := s.objectKey(key)
	return retry.Times(numS3Retries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
			Body:        bytes.NewReader(body),
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(objectKey),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			s.logger.Debugf("put session object %s (attempt %d): %s", objectKey, attempt+1, err)
			return fmt.Errorf("put session object: %w", err), false
		}
		return nil, true
	})
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	objectKey := s.objectKey(key)
	return retry.Times(numS3Retries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectKey),
		})
		if err != nil {
			if isS3NotFound(err) {
				return nil, true
			}
			return fmt.Errorf("delete session object: %w", err), false
		}
		return nil, true
	})
}

func isS3NotFound(err error) bool {
	var apiError smithy.APIError
	if !errors.As(err, &apiError) {
		return false
	}
	switch apiError.(type) {
	case *types.NoSuchKey, *types.NotFound:
		return true
	}
	return apiError.ErrorCode() == "NoSuchKey"
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
