package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/pawciobiel/smtpingress/internal/mimemsg"
	"github.com/pawciobiel/smtpingress/internal/session"
)

// s3API is the subset of *s3.Client Save needs, narrowed so tests can
// substitute a fake without pulling in the real SDK client.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 persists artifacts under the key prefix <ulid>/... inside one
// bucket using the AWS SDK v2 client.
type S3 struct {
	client s3API
	bucket string
}

// NewS3 builds an S3-backed Storage, optionally pointed at an
// S3-compatible endpoint (e.g. MinIO) instead of real AWS.
func NewS3(ctx context.Context, bucket, endpointOverride string) (*S3, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var opts []func(*s3.Options)
	if endpointOverride != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpointOverride
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(cfg, opts...)
	return &S3{client: client, bucket: bucket}, nil
}

// Save writes metadata.json, body.html and attachments/<name> under a
// fresh ULID key prefix: two objects plus one per attachment.
func (s *S3) Save(ctx context.Context, metadata *session.Metadata, msg *mimemsg.Message) error {
	id := NewArtifactID()

	metadataJSON, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := s.putObject(ctx, id+"/metadata.json", metadataJSON); err != nil {
		return err
	}

	body := msg.BodyHTML
	if body == nil {
		body = mimemsg.PlaceholderBody()
	}
	if err := s.putObject(ctx, id+"/body.html", body); err != nil {
		return err
	}

	used := make(map[string]struct{}, len(msg.Attachments))
	for _, att := range msg.Attachments {
		name := deriveAttachmentFilename(att, used)
		key := fmt.Sprintf("%s/attachments/%s", id, name)
		if err := s.putObject(ctx, key, att.Data); err != nil {
			return err
		}
	}

	return nil
}

func (s *S3) putObject(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}
