package attachment

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = body
		f.types[r.URL.Path] = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		body, ok := f.objects[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `<?xml version="1.0"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		w.Write(body)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestStorage(t *testing.T, maxBytes int64) (*S3Storage, *fakeS3) {
	fake := &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	client := s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(server.URL),
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider("AKID", "SECRET", ""),

		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	})
	return newS3Storage(client, S3Config{Bucket: "arena", PresignTTL: 5 * time.Minute, MaxObjectBytes: maxBytes}, zap.NewNop()), fake
}

func TestS3Storage_PutGet(t *testing.T) {
	s, fake := newTestStorage(t, 0)
	ctx := context.Background()

	key, err := s.Put(ctx, "/tts/s1/m1.mp3", []byte("ID3"), "audio/mpeg")
	require.NoError(t, err)
	assert.Equal(t, "tts/s1/m1.mp3", key)
	assert.Equal(t, "audio/mpeg", fake.types["/arena/tts/s1/m1.mp3"])

	data, err := s.Get(ctx, "s3://arena/tts/s1/m1.mp3")
	require.NoError(t, err)
	assert.Equal(t, []byte("ID3"), data)

	_, err = s.Get(ctx, "missing.txt")
	assert.Error(t, err)
}

func TestS3Storage_GetRejectsOversized(t *testing.T) {
	s, fake := newTestStorage(t, 4)
	fake.objects["/arena/big.bin"] = []byte("0123456789")
	_, err := s.Get(context.Background(), "big.bin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestS3Storage_SignURL(t *testing.T) {
	s, _ := newTestStorage(t, 0)
	url, err := s.SignURL(context.Background(), "img/cat.png")
	require.NoError(t, err)
	assert.True(t, strings.Contains(url, "/arena/img/cat.png"))
	assert.Contains(t, url, "X-Amz-Signature=")
	assert.Contains(t, url, "X-Amz-Expires=300")
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "a/b.png", objectKey("/a/b.png"))
	assert.Equal(t, "a/b.png", objectKey("s3://bucket/a/b.png"))
	assert.Equal(t, "a/b.png", objectKey("a/b.png"))
}
