package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dmitrijs2005/gophdrop/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 is an in-memory bucket with a tiny page size so pagination runs.
type fakeS3 struct {
	mu        sync.Mutex
	objects   map[string][]byte
	pageSize  int
	deleteErr error
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}, pageSize: 2} }

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = b
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) && k > aws.ToString(in.ContinuationToken) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if len(keys) > f.pageSize {
		keys = keys[:f.pageSize]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[len(keys)-1])
	}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range in.Delete.Objects {
		delete(f.objects, aws.ToString(o.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func TestS3Store_PutOpen(t *testing.T) {
	fake := newFakeS3()
	st := NewS3StoreWithClient(fake, "vault")
	ctx := context.Background()

	n, err := st.Put(ctx, "fs1", "1-doc.gz.age", strings.NewReader("cipher"))
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
	assert.Contains(t, fake.objects, "fs1/1-doc.gz.age")

	rc, err := st.Open(ctx, "fs1", "1-doc.gz.age")
	require.NoError(t, err)
	b, _ := io.ReadAll(rc)
	assert.Equal(t, "cipher", string(b))

	_, err = st.Open(ctx, "fs1", "nope")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestS3Store_ErasePrefix(t *testing.T) {
	fake := newFakeS3()
	st := NewS3StoreWithClient(fake, "vault")
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c", "d", "e"} {
		_, err := st.Put(ctx, "fs1", name, strings.NewReader(name))
		require.NoError(t, err)
	}
	_, err := st.Put(ctx, "fs10", "keep", strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, st.Erase(ctx, st.Path("fs1")))
	assert.Len(t, fake.objects, 1)
	assert.Contains(t, fake.objects, "fs10/keep")

	// already gone
	require.NoError(t, st.Erase(ctx, st.Path("fs1")))
}

func TestS3Store_EraseErrors(t *testing.T) {
	fake := newFakeS3()
	st := NewS3StoreWithClient(fake, "vault")
	ctx := context.Background()

	assert.ErrorIs(t, st.Erase(ctx, ""), ErrUnsafeName)
	assert.ErrorIs(t, st.Erase(ctx, "fs1"), ErrUnsafeName)

	_, err := st.Put(ctx, "fs1", "a", strings.NewReader("a"))
	require.NoError(t, err)
	fake.deleteErr = errors.New("503")
	assert.ErrorIs(t, st.Erase(ctx, "fs1/"), common.ErrIOFailure)
}

func TestNewS3Store_UsesSeams(t *testing.T) {
	origLoad, origNew := loadDefaultAWSConfig, newS3ClientFromConfig
	defer func() { loadDefaultAWSConfig, newS3ClientFromConfig = origLoad, origNew }()

	fake := newFakeS3()
	var opts s3.Options
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) S3API {
		for _, fn := range optFns {
			fn(&opts)
		}
		return fake
	}

	st, err := NewS3Store(context.Background(), S3Settings{
		User: "u", Password: "p", Bucket: "vault", Region: "us-east-1", BaseEndpoint: "http://minio:9000",
	})
	require.NoError(t, err)
	assert.Equal(t, "http://minio:9000", aws.ToString(opts.BaseEndpoint))
	assert.True(t, opts.UsePathStyle)
	assert.Same(t, fake, st.client)
}

func TestS3Store_EraseSingleBlob(t *testing.T) {
	fake := newFakeS3()
	st := NewS3StoreWithClient(fake, "vault")
	ctx := context.Background()

	for _, name := range []string{"1-doc", "1-doc.bak", "2-doc"} {
		_, err := st.Put(ctx, "fs1", name, strings.NewReader(name))
		require.NoError(t, err)
	}

	assert.Equal(t, "fs1/1-doc", st.BlobPath("fs1", "1-doc"))
	require.NoError(t, st.Erase(ctx, st.BlobPath("fs1", "1-doc")))
	assert.NotContains(t, fake.objects, "fs1/1-doc")
	assert.Contains(t, fake.objects, "fs1/1-doc.bak")
	assert.Contains(t, fake.objects, "fs1/2-doc")

	// already gone
	require.NoError(t, st.Erase(ctx, st.BlobPath("fs1", "1-doc")))

	assert.ErrorIs(t, st.Erase(ctx, "fs1/../fs2"), ErrUnsafeName)
}
