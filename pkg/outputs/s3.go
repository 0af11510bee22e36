package outputs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of the S3 client used by S3ArtifactStore.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3ArtifactStore keeps artifacts as JSON objects in the artifact bucket.
type S3ArtifactStore struct {
	client   S3API
	bucket   string
	prefix   string
	kmsKeyID string
}

// NewS3ArtifactStore creates a store writing under bucket/prefix. When
// kmsKeyID is set objects are encrypted with that key.
func NewS3ArtifactStore(client S3API, bucket, prefix, kmsKeyID string) *S3ArtifactStore {
	return &S3ArtifactStore{
		client:   client,
		bucket:   bucket,
		prefix:   prefix,
		kmsKeyID: kmsKeyID,
	}
}

func (s *S3ArtifactStore) key(name string) string {
	return path.Join(s.prefix, name)
}

// Read downloads an artifact object.
func (s *S3ArtifactStore) Read(ctx context.Context, name string) (map[string]string, bool, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to download artifact %s: %w", name, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read artifact %s: %w", name, err)
	}

	var values map[string]string
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, false, fmt.Errorf("failed to decode artifact %s: %w", name, err)
	}
	return values, true, nil
}

// Write uploads an artifact object.
func (s *S3ArtifactStore) Write(ctx context.Context, name string, values map[string]string) error {
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to encode artifact %s: %w", name, err)
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(name)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}
	if s.kmsKeyID != "" {
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		input.SSEKMSKeyId = aws.String(s.kmsKeyID)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload artifact %s: %w", name, err)
	}
	return nil
}
