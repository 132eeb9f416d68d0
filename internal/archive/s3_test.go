package archive

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.input = params
	f.body, _ = io.ReadAll(params.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Archive_Put(t *testing.T) {
	client := &fakeS3{}
	a := NewS3ArchiveWithClient(client, "battlescope-archive", "/killmails/")
	occurred := time.Date(2026, 5, 1, 23, 30, 0, 0, time.FixedZone("x", -2*3600))

	require.NoError(t, a.Put(context.Background(), 123, occurred, []byte(`{"killmail_id":123}`)))
	assert.Equal(t, "battlescope-archive", aws.ToString(client.input.Bucket))
	assert.Equal(t, "killmails/2026/05/02/123.json", aws.ToString(client.input.Key))
	assert.Equal(t, "application/json", aws.ToString(client.input.ContentType))
	assert.Equal(t, `{"killmail_id":123}`, string(client.body))
}

func TestS3Archive_KeyWithoutPrefix(t *testing.T) {
	a := NewS3ArchiveWithClient(&fakeS3{}, "b", "")
	assert.Equal(t, "2026/05/01/7.json", a.Key(7, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)))
}

func TestS3Archive_PutError(t *testing.T) {
	a := NewS3ArchiveWithClient(&fakeS3{err: errors.New("AccessDenied")}, "b", "p")
	err := a.Put(context.Background(), 1, time.Now(), []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "p/")
}
