// Package s3mirror is an optional cold-storage mirror for ObjectStore
// segments. It is never read from on the hot path: FetchSegment always
// serves from the local per-hash sub-store first, falling back to the
// mirror only when a segment has been evicted locally, so its object
// key layout mirrors the sub-store's own sharding.
package s3mirror

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"chronoshare/internal/core"
)

// Config parameterizes a Mirror.
type Config struct {
	Bucket string
	Prefix string
	Region string

	// AccessKeyID/SecretAccessKey are optional static credentials; when
	// empty the SDK's default credential chain (env vars, shared config,
	// instance role) is used instead.
	AccessKeyID     string
	SecretAccessKey string
}

// Mirror pushes segment blobs to S3 as a cold-storage backup and can
// retrieve them back when a local sub-store has evicted a segment ahead
// of a peer fetching it.
type Mirror struct {
	client   *s3.Client
	uploader *manager.Uploader
	prefix   string
	bucket   string
}

// New builds a Mirror from cfg.
func New(ctx context.Context, cfg Config) (*Mirror, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)
	return &Mirror{
		client:   client,
		uploader: manager.NewUploader(client),
		prefix:   cfg.Prefix,
		bucket:   cfg.Bucket,
	}, nil
}

// Put uploads a segment's signed blob under a key derived from its
// (hash, device, segment) triple, matching the local sub-store's
// sharding by first two hex nibbles.
func (m *Mirror) Put(ctx context.Context, hash core.Hash, device core.DeviceName, segment uint64, blob []byte) error {
	key := m.key(hash, device, segment)
	_, err := m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(blob),
	})
	if err != nil {
		return fmt.Errorf("uploading segment %s to s3://%s/%s: %w", hash.String(), m.bucket, key, err)
	}
	return nil
}

// Get downloads a previously mirrored segment blob.
func (m *Mirror) Get(ctx context.Context, hash core.Hash, device core.DeviceName, segment uint64) ([]byte, error) {
	key := m.key(hash, device, segment)
	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: fetching s3://%s/%s: %v", core.ErrNotFound, m.bucket, key, err)
	}
	defer out.Body.Close()

	blob, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading mirrored segment body: %w", err)
	}
	return blob, nil
}

func (m *Mirror) key(hash core.Hash, device core.DeviceName, segment uint64) string {
	shard := hash.ShardPrefix()
	return fmt.Sprintf("%s%s/%s/%s/%d", m.prefix, shard, hash.String(), device.String(), segment)
}
