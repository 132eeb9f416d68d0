// Package archive stores raw enrichment payloads in S3.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// PutObjectAPI is the part of the S3 client the archive uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive writes one object per killmail.
type S3Archive struct {
	client PutObjectAPI
	bucket string
	prefix string
}

// NewS3Archive creates an archive using the default AWS credential chain, or
// the named shared profile when one is given.
func NewS3Archive(ctx context.Context, bucket, region, profile, prefix string) (*S3Archive, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewS3ArchiveWithClient(s3.NewFromConfig(cfg), bucket, prefix), nil
}

// NewS3ArchiveWithClient creates an archive on an existing client.
func NewS3ArchiveWithClient(client PutObjectAPI, bucket, prefix string) *S3Archive {
	return &S3Archive{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Key is the object key of a killmail payload, partitioned by the UTC day
// the killmail happened.
func (a *S3Archive) Key(killmailID int64, occurredAt time.Time) string {
	key := fmt.Sprintf("%s/%d.json", occurredAt.UTC().Format("2006/01/02"), killmailID)
	if a.prefix == "" {
		return key
	}
	return a.prefix + "/" + key
}

// Put stores the payload, replacing any earlier copy.
func (a *S3Archive) Put(ctx context.Context, killmailID int64, occurredAt time.Time, payload []byte) error {
	key := a.Key(killmailID, occurredAt)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("S3 PutObject %s/%s: %w", a.bucket, key, err)
	}
	return nil
}
