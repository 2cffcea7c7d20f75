// Package archive stores raw message bodies in S3-compatible object
// storage when they are too large for the replica contents column.
package archive

import (
	"bytes"
	"context"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"

	"aaronromeo.com/mailclerk/internal/config"
)

// objectPutter is the slice of the S3 API the archiver uses.
type objectPutter interface {
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
}

// S3Archiver uploads raw EML blobs under a key prefix.
type S3Archiver struct {
	api    objectPutter
	bucket string
	prefix string
	logger *slog.Logger
}

type Option func(*S3Archiver) error

// WithAPI substitutes the S3 client, for tests.
func WithAPI(api objectPutter) Option {
	return func(a *S3Archiver) error {
		a.api = api
		return nil
	}
}

func WithPrefix(prefix string) Option {
	return func(a *S3Archiver) error {
		a.prefix = prefix
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *S3Archiver) error {
		a.logger = logger
		return nil
	}
}

// WithEnv builds the S3 client from the environment settings.
func WithEnv(env config.S3Env) Option {
	return func(a *S3Archiver) error {
		sess, err := session.NewSession(&aws.Config{
			Endpoint:    aws.String(env.Endpoint),
			Region:      aws.String(env.Region),
			Credentials: credentials.NewStaticCredentials(env.Key, env.Secret, ""),
		})
		if err != nil {
			return errors.Wrap(err, "create archive session")
		}
		a.api = s3.New(sess)
		a.bucket = env.Bucket
		return nil
	}
}

func WithBucket(bucket string) Option {
	return func(a *S3Archiver) error {
		a.bucket = bucket
		return nil
	}
}

func New(opts ...Option) (*S3Archiver, error) {
	var a S3Archiver
	for _, opt := range opts {
		if err := opt(&a); err != nil {
			return nil, err
		}
	}

	if a.api == nil {
		return nil, errors.New("requires s3 client")
	}

	if a.bucket == "" {
		return nil, errors.New("requires bucket")
	}

	if a.logger == nil {
		return nil, errors.New("requires slogger")
	}

	return &a, nil
}

// Store uploads one raw message under prefix/key.
func (a *S3Archiver) Store(ctx context.Context, key string, body []byte) error {
	fullKey := path.Join(a.prefix, key)
	_, err := a.api.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(fullKey),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("message/rfc822"),
	})
	if err != nil {
		return errors.Wrapf(err, "archive %s", fullKey)
	}
	a.logger.DebugContext(ctx, "raw message archived",
		slog.String("key", fullKey), slog.Int("bytes", len(body)))
	return nil
}
