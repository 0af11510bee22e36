package outputs

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    []*s3.PutObjectInput
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func TestS3ArtifactStore(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	store := NewS3ArtifactStore(client, "framework-artifacts", "outputs/run-1", "alias/framework")

	_, found, err := store.Read(ctx, "transit-init-us-gov-west-1.output")
	require.NoError(t, err)
	assert.False(t, found)

	r := NewRegistry(testRegions, WithArtifactStore(store))
	require.NoError(t, r.Record(ctx, "transit-init", "us-gov-west-1", "oTransitGatewayId", "tgw-1"))

	_, ok := client.objects["framework-artifacts/outputs/run-1/transit-init-us-gov-west-1.output"]
	assert.True(t, ok, "expected object under the prefix")
	require.Len(t, client.puts, 1)
	assert.Equal(t, types.ServerSideEncryptionAwsKms, client.puts[0].ServerSideEncryption)

	v, err := r.Resolve(ctx, "oTransitGatewayId", "us-gov-west-1", "transit-init")
	require.NoError(t, err)
	assert.Equal(t, "tgw-1", v)
}
