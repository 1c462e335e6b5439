package consistency

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/knowton/cdcsync/cfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
}

func (f *fakePutter) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = params
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	return &s3.PutObjectOutput{}, nil
}

func TestS3Archive_ObjectKeyAndBody(t *testing.T) {
	putter := &fakePutter{}
	archive := &S3Archive{client: putter, bucket: "audit", prefix: "consistency"}

	checkedAt := time.Date(2026, 7, 4, 23, 30, 0, 0, time.UTC)
	count := int64(5)
	reports := []Report{{RunID: "run-1", Table: "Content", PrimarySourceCount: &count, CheckedAt: checkedAt}}

	require.NoError(t, archive.Archive(context.Background(), "run-1", checkedAt, reports))

	assert.Equal(t, "audit", aws.ToString(putter.input.Bucket))
	assert.Equal(t, "consistency/2026/07/04/run-1.json", aws.ToString(putter.input.Key))
	assert.Equal(t, "application/json", aws.ToString(putter.input.ContentType))

	var decoded []Report
	require.NoError(t, json.Unmarshal(putter.body, &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, int64(5), *decoded[0].PrimarySourceCount)
}

func TestNewS3Archive_RequiresBucket(t *testing.T) {
	_, err := NewS3Archive(context.Background(), cfg.ArchiveConfiguration{Region: "us-east-1"})
	assert.Error(t, err)
}

func TestNewS3Archive_CustomEndpoint(t *testing.T) {
	archive, err := NewS3Archive(context.Background(), cfg.ArchiveConfiguration{
		Bucket:   "audit",
		Prefix:   "reports",
		Region:   "us-east-1",
		Endpoint: "http://127.0.0.1:9000",
	})
	require.NoError(t, err)
	assert.Equal(t, "reports/2026/01/02/r.json", archive.ObjectKey("r", time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)))
}
