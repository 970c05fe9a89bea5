package hsm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang/snappy"
	"github.com/google/uuid"
)

// Escrow stores wrapped key bundles for disaster recovery. Bundles are
// already encrypted under the gateway master key; the escrow never sees
// plaintext material.
type Escrow interface {
	Store(ctx context.Context, keyID uuid.UUID, bundle []byte) error
	Load(ctx context.Context, keyID uuid.UUID) ([]byte, error)
}

// s3Client is the subset of the S3 API the escrow uses.
// *s3.Client satisfies it; tests supply a fake.
type s3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Escrow keeps snappy-compressed wrapped key bundles in an S3 bucket
type S3Escrow struct {
	client s3Client
	bucket string
	prefix string
}

// NewS3Escrow creates an escrow backed by the given bucket using the
// default AWS credential chain.
func NewS3Escrow(ctx context.Context, bucket, prefix string) (*S3Escrow, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &S3Escrow{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// NewS3EscrowWithClient creates an escrow with an explicit client
func NewS3EscrowWithClient(client s3Client, bucket, prefix string) *S3Escrow {
	return &S3Escrow{client: client, bucket: bucket, prefix: prefix}
}

// Store uploads a compressed wrapped-key bundle
func (e *S3Escrow) Store(ctx context.Context, keyID uuid.UUID, bundle []byte) error {
	compressed := snappy.Encode(nil, bundle)

	_, err := e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(e.objectKey(keyID)),
		Body:   bytes.NewReader(compressed),
	})
	if err != nil {
		return fmt.Errorf("%w: escrow upload for key %s failed: %v", ErrUnavailable, keyID, err)
	}

	return nil
}

// Load downloads and decompresses a wrapped-key bundle
func (e *S3Escrow) Load(ctx context.Context, keyID uuid.UUID) ([]byte, error) {
	out, err := e.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(e.objectKey(keyID)),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: escrow download for key %s failed: %v", ErrUnavailable, keyID, err)
	}
	defer out.Body.Close()

	compressed, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read escrow bundle: %w", err)
	}

	bundle, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress escrow bundle: %w", err)
	}

	return bundle, nil
}

func (e *S3Escrow) objectKey(keyID uuid.UUID) string {
	return path.Join(e.prefix, fmt.Sprintf("wrapped_%s.bundle", keyID))
}
