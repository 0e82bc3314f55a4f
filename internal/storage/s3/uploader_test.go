package s3

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachmentKey(t *testing.T) {
	now := time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)
	key := AttachmentKey("c1", "../../etc/photo.png", now)

	assert.True(t, strings.HasPrefix(key, "conversations/c1/2024/03/09/"))
	assert.True(t, strings.HasSuffix(key, "-photo.png"))
	assert.NotContains(t, key, "..")

	assert.True(t, strings.HasSuffix(AttachmentKey("c1", "", now), "-file"))
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{Bucket: "b"}, nil)
	assert.Error(t, err)

	_, err = NewClient(Config{Endpoint: "http://localhost:9000"}, nil)
	assert.Error(t, err)

	c, err := NewClient(Config{Endpoint: "http://localhost:9000", Bucket: "b"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000", c.publicBaseURL)
}

func TestNoopUploader(t *testing.T) {
	_, err := NoopUploader{}.Upload(context.Background(), "k", strings.NewReader("x"), 1, "text/plain")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "minio:9000", hostOf("http://minio:9000"))
	assert.Equal(t, "minio:9000", hostOf("minio:9000"))
}
