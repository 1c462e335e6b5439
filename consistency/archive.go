package consistency

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/knowton/cdcsync/cfg"
)

// objectPutter is the part of the S3 client the archive uses
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive uploads each validation run as one JSON document
type S3Archive struct {
	client objectPutter
	bucket string
	prefix string
}

// NewS3Archive creates an archive from the configuration. A non-empty
// endpoint enables path-style addressing (for MinIO and similar).
func NewS3Archive(ctx context.Context, c cfg.ArchiveConfiguration) (*S3Archive, error) {
	if c.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var opts []func(*s3.Options)
	if c.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(c.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Archive{
		client: s3.NewFromConfig(awsCfg, opts...),
		bucket: c.Bucket,
		prefix: c.Prefix,
	}, nil
}

// ObjectKey returns "<prefix>/<yyyy>/<mm>/<dd>/<run_id>.json"
func (a *S3Archive) ObjectKey(runID string, checkedAt time.Time) string {
	return path.Join(a.prefix, checkedAt.UTC().Format("2006/01/02"), runID+".json")
}

// Archive uploads the run
func (a *S3Archive) Archive(ctx context.Context, runID string, checkedAt time.Time, reports []Report) error {
	data, err := json.Marshal(reports)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.ObjectKey(runID, checkedAt)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}
