package storage

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awsmiddleware "github.com/aws/smithy-go/middleware"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObjects struct {
	key  string
	body []byte
	err  error
}

func (f *fakeObjects) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.key = aws.ToString(in.Key)
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

type fakePresign struct {
	expires time.Duration
}

func (f *fakePresign) PresignGetObject(_ context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*aws.PresignedHTTPRequest, error) {
	var opts s3.PresignOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	f.expires = opts.Expires
	return &aws.PresignedHTTPRequest{URL: "https://s3.test/" + aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)}, nil
}

func TestPutUploadsAndPresigns(t *testing.T) {
	objects := &fakeObjects{}
	presign := &fakePresign{}
	store := newStore(objects, presign, "exports", 5*time.Minute, zerolog.Nop())

	url, err := store.Put(context.Background(), "u1/bibliography.docx", "application/octet-stream", []byte("docx"))

	require.NoError(t, err)
	assert.Equal(t, "https://s3.test/exports/u1/bibliography.docx", url)
	assert.Equal(t, "u1/bibliography.docx", objects.key)
	assert.Equal(t, []byte("docx"), objects.body)
	assert.Equal(t, 5*time.Minute, presign.expires)
}

func TestPutReturnsUploadError(t *testing.T) {
	store := newStore(&fakeObjects{err: errors.New("access denied")}, &fakePresign{}, "exports", 0, zerolog.Nop())

	_, err := store.Put(context.Background(), "k", "text/plain", nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestRemoveDisableGzipIsNoopWhenAbsent(t *testing.T) {
	stack := awsmiddleware.NewStack("test", nil)
	assert.NoError(t, removeDisableGzip()(stack))
}
