package events

import (
	"bytes"
	"context"
	"encoding/json"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// S3Putter is the subset of *s3.Client the archive needs
type S3Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive writes every event as one JSON object, partitioned by day
type S3Archive struct {
	client  S3Putter
	bucket  string
	prefix  string
	timeout time.Duration
	logger  *zap.Logger
}

func NewS3Archive(client S3Putter, bucket, prefix string, logger *zap.Logger) *S3Archive {
	return &S3Archive{
		client:  client,
		bucket:  bucket,
		prefix:  prefix,
		timeout: 10 * time.Second,
		logger:  logger.Named("archive"),
	}
}

// Key returns the object key for e: <prefix>/YYYY/MM/DD/<type>/<id>.json
func (a *S3Archive) Key(e Event) string {
	return path.Join(a.prefix, e.OccurredAt.UTC().Format("2006/01/02"), string(e.Type), e.ID.String()+".json")
}

func (a *S3Archive) Emit(ctx context.Context, e Event) {
	body, err := json.Marshal(e)
	if err != nil {
		a.logger.Error("Failed to encode event", zap.String("event_id", e.ID.String()), zap.Error(err))
		return
	}

	putCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	defer cancel()

	key := a.Key(e)
	_, err = a.client.PutObject(putCtx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		a.logger.Warn("Failed to archive event",
			zap.String("event_id", e.ID.String()),
			zap.String("key", key),
			zap.Error(err))
	}
}
