package storage

import (
	"context"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// MockS3 is an in-memory S3API for tests. Keys are bucket/key.
type MockS3 struct {
	Objects map[string][]byte
	Buckets map[string]bool
	Err     error

	PutCalled    bool
	GetCalled    bool
	DeleteCalled bool
	LastBucket   string
	LastKey      string
	LastType     string
}

// NewMockS3 builds an empty mock.
func NewMockS3() *MockS3 {
	return &MockS3{
		Objects: make(map[string][]byte),
		Buckets: make(map[string]bool),
	}
}

func (m *MockS3) path(bucket, key *string) string {
	m.LastBucket = aws.ToString(bucket)
	m.LastKey = aws.ToString(key)
	return m.LastBucket + "/" + m.LastKey
}

func (m *MockS3) HeadBucket(_ context.Context, params *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if !m.Buckets[aws.ToString(params.Bucket)] {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (m *MockS3) CreateBucket(_ context.Context, params *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.Buckets[aws.ToString(params.Bucket)] = true
	return &s3.CreateBucketOutput{}, nil
}

func (m *MockS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.PutCalled = true
	m.LastType = aws.ToString(params.ContentType)
	if m.Err != nil {
		return nil, m.Err
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.Objects[m.path(params.Bucket, params.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func (m *MockS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.GetCalled = true
	if m.Err != nil {
		return nil, m.Err
	}
	body, ok := m.Objects[m.path(params.Bucket, params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(strings.NewReader(string(body))),
		ContentLength: aws.Int64(int64(len(body))),
	}, nil
}

func (m *MockS3) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.DeleteCalled = true
	if m.Err != nil {
		return nil, m.Err
	}
	delete(m.Objects, m.path(params.Bucket, params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (m *MockS3) ListObjectsV2(_ context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	bucket := aws.ToString(params.Bucket)
	prefix := aws.ToString(params.Prefix)

	var contents []types.Object
	for path, body := range m.Objects {
		if !strings.HasPrefix(path, bucket+"/") {
			continue
		}
		key := strings.TrimPrefix(path, bucket+"/")
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		contents = append(contents, types.Object{
			Key:  aws.String(key),
			Size: aws.Int64(int64(len(body))),
		})
	}
	return &s3.ListObjectsV2Output{
		Contents: contents,
		KeyCount: aws.Int32(int32(len(contents))),
	}, nil
}
