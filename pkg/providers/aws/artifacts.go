package aws

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/openfroyo/govframe/pkg/engine"
)

// DefaultBranch is used when a copy does not name a branch.
const DefaultBranch = "main"

// copySource replaces the artifact bucket prefix of every repository with
// the branch contents held in the source bucket, encrypted with the
// artifact key.
func (p *Provider) copySource(ctx context.Context, inv engine.Invocation) (*engine.CapabilityResult, error) {
	bucket := inv.StringParam("bucketName")
	kmsKey := inv.StringParam("kmsKeyId")
	if bucket == "" {
		return nil, engine.NewConfigurationError("bucketName is required", nil)
	}
	if p.cfg.SourceBucket == "" {
		return nil, engine.NewConfigurationError("no source bucket configured", nil)
	}
	branch := inv.StringParam("branchName")
	if branch == "" {
		branch = DefaultBranch
	}

	c, err := p.clients(ctx, inv.Account, inv.Region)
	if err != nil {
		return nil, err
	}

	copied := 0
	for _, repo := range inv.StringSliceParam("repositoryNames") {
		if err := deletePrefix(ctx, c.S3, bucket, repo+"/"); err != nil {
			return nil, err
		}

		sourcePrefix := fmt.Sprintf("%s/%s/", repo, branch)
		keys, err := listKeys(ctx, c.S3, p.cfg.SourceBucket, sourcePrefix)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			dest := repo + "/" + strings.TrimPrefix(key, sourcePrefix)
			input := &s3.CopyObjectInput{
				Bucket:     aws.String(bucket),
				Key:        aws.String(dest),
				CopySource: aws.String(p.cfg.SourceBucket + "/" + key),
			}
			if kmsKey != "" {
				input.ServerSideEncryption = s3types.ServerSideEncryptionAwsKms
				input.SSEKMSKeyId = aws.String(kmsKey)
			}
			if _, err := c.S3.CopyObject(ctx, input); err != nil {
				return nil, wrapAWSError(err, "failed to copy source object").WithResource(key)
			}
			copied++
		}
		p.logger.Info().Str("repository", repo).Str("branch", branch).Int("objects", len(keys)).Msg("Source copied")
	}

	return &engine.CapabilityResult{
		Data: map[string]interface{}{"objects": copied},
	}, nil
}

func listKeys(ctx context.Context, client S3API, bucket, prefix string) ([]string, error) {
	var keys []string
	input := &s3.ListObjectsV2Input{Bucket: aws.String(bucket), Prefix: aws.String(prefix)}
	for {
		out, err := client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, wrapAWSError(err, "failed to list objects").WithResource(bucket + "/" + prefix)
		}
		for _, o := range out.Contents {
			keys = append(keys, aws.ToString(o.Key))
		}
		if out.NextContinuationToken == nil {
			return keys, nil
		}
		input.ContinuationToken = out.NextContinuationToken
	}
}

func deletePrefix(ctx context.Context, client S3API, bucket, prefix string) error {
	keys, err := listKeys(ctx, client, bucket, prefix)
	if err != nil {
		return err
	}
	for start := 0; start < len(keys); start += 1000 {
		end := start + 1000
		if end > len(keys) {
			end = len(keys)
		}
		objects := make([]s3types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			objects = append(objects, s3types.ObjectIdentifier{Key: aws.String(k)})
		}
		if _, err := client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		}); err != nil {
			return wrapAWSError(err, "failed to delete objects").WithResource(bucket + "/" + prefix)
		}
	}
	return nil
}

// updateArtifactACL rewrites an output artifact so the bucket owner gets full
// control of it. An empty artifact name is a no-op.
func (p *Provider) updateArtifactACL(ctx context.Context, inv engine.Invocation) (*engine.CapabilityResult, error) {
	artifact := inv.StringParam("artifact")
	if artifact == "" {
		p.logger.Info().Str("task_id", inv.TaskID).Msg("No artifact to update")
		return &engine.CapabilityResult{}, nil
	}
	bucket := inv.StringParam("bucketName")
	kmsKey := inv.StringParam("kmsKeyId")

	c, err := p.clients(ctx, inv.Account, inv.Region)
	if err != nil {
		return nil, err
	}

	key := artifact
	if p.cfg.ArtifactPrefix != "" {
		key = strings.TrimSuffix(p.cfg.ArtifactPrefix, "/") + "/" + artifact
	}

	obj, err := c.S3.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, wrapAWSError(err, "failed to read artifact").WithResource(key)
	}
	defer obj.Body.Close()

	input := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          obj.Body,
		ContentLength: obj.ContentLength,
		ACL:           s3types.ObjectCannedACLBucketOwnerFullControl,
	}
	if kmsKey != "" {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAwsKms
		input.SSEKMSKeyId = aws.String(kmsKey)
	}
	if _, err := c.S3.PutObject(ctx, input); err != nil {
		return nil, wrapAWSError(err, "failed to rewrite artifact").WithResource(key)
	}

	return &engine.CapabilityResult{Outputs: map[string]string{"artifactKey": key}}, nil
}

// startDeployment hands a deployment document to the external pipeline by
// writing it to the deployment bucket.
func (p *Provider) startDeployment(ctx context.Context, inv engine.Invocation) (*engine.CapabilityResult, error) {
	bucket := inv.StringParam("bucketName")
	key := inv.StringParam("key")
	if bucket == "" || key == "" {
		return nil, engine.NewConfigurationError("bucketName and key are required", nil)
	}

	c, err := p.clients(ctx, inv.Account, inv.Region)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	input := &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(inv.StringParam("document")),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"deployment-id": id,
			"requested-at":  time.Now().UTC().Format(time.RFC3339),
		},
	}
	if kmsKey := inv.StringParam("kmsKeyId"); kmsKey != "" {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAwsKms
		input.SSEKMSKeyId = aws.String(kmsKey)
	}
	if _, err := c.S3.PutObject(ctx, input); err != nil {
		return nil, wrapAWSError(err, "failed to start deployment").WithResource(bucket + "/" + key)
	}

	p.logger.Info().Str("deployment_id", id).Str("key", key).Msg("Deployment started")
	return &engine.CapabilityResult{Outputs: map[string]string{"deploymentId": id}}, nil
}
