package gcs

import (
	"context"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func TestNewValidatesArguments(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = New(client, Config{Bucket: "  "})
	require.Error(t, err)

	store, err := New(client, Config{Bucket: "search-results"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "/", "application/json", strings.NewReader("{}"))
	require.Error(t, err)
	_, err = store.PutObject(context.Background(), "../outside.json", "application/json", strings.NewReader("{}"))
	require.Error(t, err)
}

func TestObjectName(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"results/2025/03/14/req_1-abc.json": "results/2025/03/14/req_1-abc.json",
		"/results//2025/req_1.json":         "results/2025/req_1.json",
		"results/./2025/../2025/req_1.json": "results/2025/req_1.json",
	}
	for in, want := range tests {
		got, err := objectName(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, "gs://bucket/a/b.json", URI("bucket", "a/b.json"))
}
