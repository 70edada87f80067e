// Package storage holds chat attachments and sync drop files in an
// S3-compatible bucket (AWS or MinIO).
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/drivelinehq/driveline/common"
	"github.com/drivelinehq/driveline/config"
	"github.com/drivelinehq/driveline/errs"
)

// S3API is the slice of the S3 client the store uses; the mock in
// storage_mock.go implements it for tests.
type S3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// ObjectStore is the bucket-scoped object service.
type ObjectStore struct {
	client   S3API
	uploader *manager.Uploader
	bucket   string
	logger   *common.ContextLogger
}

// NewObjectStore builds the store from configuration. Static
// credentials and a custom endpoint make it work against MinIO as
// well as AWS.
func NewObjectStore(cfg config.StorageConfig) (*ObjectStore, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					SigningRegion:     region,
					HostnameImmutable: true, // important for MinIO
				}, nil
			})))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, errs.Configuration("failed to load storage configuration: " + err.Error())
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &ObjectStore{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		logger:   common.ServiceLogger("storage"),
	}, nil
}

// NewObjectStoreWithClient wires an existing client, used by tests.
func NewObjectStoreWithClient(client S3API, bucket string) *ObjectStore {
	return &ObjectStore{
		client: client,
		bucket: bucket,
		logger: common.ServiceLogger("storage"),
	}
}

// Name identifies this service in the registry.
func (s *ObjectStore) Name() string { return "storage" }

// Initialize verifies the bucket, creating it when absent.
func (s *ObjectStore) Initialize(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	if _, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return errs.Network("failed to create bucket "+s.bucket, err)
	}
	s.logger.WithField("bucket", s.bucket).Info("Created storage bucket")
	return nil
}

// Shutdown is a no-op; the SDK client holds no long-lived resources.
func (s *ObjectStore) Shutdown(_ context.Context) error { return nil }

// Put streams an object into the bucket.
func (s *ObjectStore) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   r,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	var err error
	if s.uploader != nil {
		_, err = s.uploader.Upload(ctx, input)
	} else {
		_, err = s.client.PutObject(ctx, input)
	}
	if err != nil {
		return errs.Network("failed to store object "+key, err)
	}
	return nil
}

// Get returns the object body; the caller closes it.
func (s *ObjectStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errs.Network("failed to load object "+key, err)
	}
	return out.Body, nil
}

// Delete removes an object; deleting a missing key is not an error.
func (s *ObjectStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return errs.Network("failed to delete object "+key, err)
	}
	return nil
}

// List returns the keys under a prefix.
func (s *ObjectStore) List(ctx context.Context, prefix string) ([]string, error) {
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return nil, errs.Network("failed to list prefix "+prefix, err)
	}
	keys := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		keys = append(keys, aws.ToString(obj.Key))
	}
	return keys, nil
}

// Fetch reads an object from an arbitrary bucket. The file connector
// uses this for s3:// drop files, which may live outside the
// attachment bucket.
func (s *ObjectStore) Fetch(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errs.Network(fmt.Sprintf("failed to fetch s3://%s/%s", bucket, key), err)
	}
	return out.Body, nil
}

// ParseS3URL splits s3://bucket/key into its parts.
func ParseS3URL(raw string) (bucket, key string, err error) {
	const scheme = "s3://"
	if !strings.HasPrefix(raw, scheme) {
		return "", "", errs.Validation("not an s3 URL: "+raw, nil)
	}
	rest := strings.TrimPrefix(raw, scheme)
	slash := strings.Index(rest, "/")
	if slash <= 0 || slash == len(rest)-1 {
		return "", "", errs.Validation("s3 URL needs bucket and key: "+raw, nil)
	}
	return rest[:slash], rest[slash+1:], nil
}
