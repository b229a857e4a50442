package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/3leaps/jobkernel/pkg/artifacts"
)

// Sentinel errors for S3 artifact writes.
var (
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrThrottled          = errors.New("request throttled")
	ErrUnavailable        = errors.New("object store unavailable")
)

// StoreError wraps an S3 failure with the operation context.
type StoreError struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("s3 %s: %s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
	}
	return fmt.Sprintf("s3 %s: %s: %v", e.Op, e.Bucket, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// putObjectAPI is the subset of *s3.Client used by Store.
type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Store implements artifacts.Store on top of S3.
type Store struct {
	client putObjectAPI
	bucket string
	prefix string
}

var _ artifacts.Store = (*Store)(nil)

// New creates an S3-backed artifact store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &StoreError{Op: "New", Bucket: cfg.Bucket, Err: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return newWithClient(client, cfg), nil
}

func newWithClient(client putObjectAPI, cfg Config) *Store {
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// ObjectKey returns the full key of file for jobID.
func (s *Store) ObjectKey(jobID, file string) (string, error) {
	key, err := artifacts.Key(jobID, file)
	if err != nil {
		return "", err
	}
	if s.prefix == "" {
		return key, nil
	}
	return path.Join(s.prefix, key), nil
}

// URI returns the s3:// URI of file for jobID.
func (s *Store) URI(jobID, file string) (string, error) {
	key, err := s.ObjectKey(jobID, file)
	if err != nil {
		return "", err
	}
	return "s3://" + s.bucket + "/" + key, nil
}

func (s *Store) SaveInput(ctx context.Context, jobID string, in artifacts.Input) error {
	files, err := artifacts.EncodeInput(in)
	if err != nil {
		return err
	}
	return s.putAll(ctx, jobID, files)
}

func (s *Store) SaveResults(ctx context.Context, jobID string, res artifacts.Results) error {
	files, err := artifacts.EncodeResults(res)
	if err != nil {
		return err
	}
	return s.putAll(ctx, jobID, files)
}

// SaveError uploads error.json and returns its s3:// URI.
func (s *Store) SaveError(ctx context.Context, jobID string, det artifacts.ErrorDetails) (string, error) {
	f, err := artifacts.EncodeError(det)
	if err != nil {
		return "", err
	}
	if err := s.putAll(ctx, jobID, []artifacts.File{f}); err != nil {
		return "", err
	}
	return s.URI(jobID, artifacts.ErrorFile)
}

func (s *Store) putAll(ctx context.Context, jobID string, files []artifacts.File) error {
	for _, f := range files {
		key, err := s.ObjectKey(jobID, f.Name)
		if err != nil {
			return err
		}
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(f.Data),
			ContentLength: aws.Int64(int64(len(f.Data))),
			ContentType:   aws.String(f.ContentType),
		})
		if err != nil {
			return s.wrapError("PutObject", key, err)
		}
	}
	return nil
}

func (s *Store) wrapError(op, key string, err error) error {
	wrapped := &StoreError{Op: op, Bucket: s.bucket, Key: key, Err: err}

	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		wrapped.Err = ErrBucketNotFound
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket":
			wrapped.Err = ErrBucketNotFound
		case "AccessDenied", "Forbidden":
			wrapped.Err = ErrAccessDenied
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = ErrInvalidCredentials
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			wrapped.Err = ErrThrottled
		case "ServiceUnavailable", "InternalError":
			wrapped.Err = ErrUnavailable
		}
	}
	return wrapped
}
