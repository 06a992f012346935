package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dmitrijs2005/gophdrop/internal/common"
	"github.com/dmitrijs2005/gophdrop/internal/server/erasure"
)

// S3API is the subset of *s3.Client used by S3Store.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Settings locate an S3-compatible bucket (AWS or MinIO).
type S3Settings struct {
	User         string
	Password     string
	Bucket       string
	Region       string
	BaseEndpoint string
}

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) S3API {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// S3Store keeps blobs at <fsid>/<name> in one bucket.
type S3Store struct {
	client S3API
	bucket string
}

var (
	_ Store          = (*S3Store)(nil)
	_ erasure.Eraser = (*S3Store)(nil)
)

// NewS3Store builds a client with static credentials and a path-style
// endpoint override, as MinIO requires.
func NewS3Store(ctx context.Context, s S3Settings) (*S3Store, error) {
	cfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(s.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(s.User, s.Password, "")))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if s.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(s.BaseEndpoint)
		}
		o.UsePathStyle = true
	})
	return NewS3StoreWithClient(client, s.Bucket), nil
}

func NewS3StoreWithClient(client S3API, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

// Path returns the key prefix of fsid; it is also the Erase target.
func (s *S3Store) Path(fsid string) string {
	return fsid + "/"
}

// BlobPath returns the object key of a single blob.
func (s *S3Store) BlobPath(fsid, name string) string {
	return s.Path(fsid) + name
}

func (s *S3Store) Open(ctx context.Context, fsid, name string) (io.ReadCloser, error) {
	if err := checkNames(fsid, name); err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.Path(fsid) + name),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("%w: get %s/%s: %v", common.ErrIOFailure, fsid, name, err)
	}
	return out.Body, nil
}

// Put buffers r so the SDK can sign a seekable body with a known length.
func (s *S3Store) Put(ctx context.Context, fsid, name string, r io.Reader) (int64, error) {
	if err := checkNames(fsid, name); err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	n, err := io.Copy(&buf, r)
	if err != nil {
		return n, fmt.Errorf("%w: read %s/%s: %v", common.ErrIOFailure, fsid, name, err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.Path(fsid) + name),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentLength: aws.Int64(n),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: put %s/%s: %v", common.ErrIOFailure, fsid, name, err)
	}
	return n, nil
}

const deleteBatch = 1000

// Erase deletes every object under prefix, or the single object when
// prefix is a "<fsid>/<name>" key. Objects cannot be overwritten in place,
// so this is removal only; a missing target is success.
func (s *S3Store) Erase(ctx context.Context, prefix string) error {
	fsid, name, ok := strings.Cut(prefix, "/")
	if !ok || !common.IsPathSafe(fsid) || (name != "" && !common.IsPathSafe(name)) {
		return fmt.Errorf("%w: %q", ErrUnsafeName, prefix)
	}
	if name != "" {
		// exact key; a prefix listing would also catch "<name>.bak"
		return s.deleteObjects(ctx, []types.ObjectIdentifier{{Key: aws.String(prefix)}})
	}

	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var batch []types.ObjectIdentifier
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("%w: list %s: %v", common.ErrIOFailure, prefix, err)
		}
		for _, obj := range page.Contents {
			batch = append(batch, types.ObjectIdentifier{Key: obj.Key})
			if len(batch) == deleteBatch {
				if err := s.deleteObjects(ctx, batch); err != nil {
					return err
				}
				batch = batch[:0]
			}
		}
	}
	if len(batch) > 0 {
		return s.deleteObjects(ctx, batch)
	}
	return nil
}

func (s *S3Store) deleteObjects(ctx context.Context, ids []types.ObjectIdentifier) error {
	out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return fmt.Errorf("%w: delete objects: %v", common.ErrIOFailure, err)
	}
	if len(out.Errors) > 0 {
		e := out.Errors[0]
		return fmt.Errorf("%w: delete %s: %s", common.ErrIOFailure, aws.ToString(e.Key), aws.ToString(e.Message))
	}
	return nil
}
