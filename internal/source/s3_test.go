package source

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGetter struct {
	objects map[string]string
	err     error
	calls   []string
}

func (g *fakeGetter) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	g.calls = append(g.calls, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	if g.err != nil {
		return nil, g.err
	}
	body, ok := g.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseS3URI(t *testing.T) {
	tests := []struct {
		uri     string
		bucket  string
		key     string
		wantErr bool
	}{
		{"s3://evidence/case1/host.plaso", "evidence", "case1/host.plaso", false},
		{"s3://b/k.csv", "b", "k.csv", false},
		{"gs://b/k.csv", "", "", true},
		{"s3://bucket-only", "", "", true},
		{"s3://bucket/dir/", "", "", true},
		{"/local/path.csv", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			bucket, key, err := ParseS3URI(tt.uri)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidURI)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.bucket, bucket)
			assert.Equal(t, tt.key, key)
		})
	}
}

func TestFetch(t *testing.T) {
	g := &fakeGetter{objects: map[string]string{"evidence/case1/host.plaso": "PLASO"}}
	f := NewS3FetcherWithClient(g, quietLogger())
	dir := t.TempDir()

	local, err := f.Fetch(context.Background(), "s3://evidence/case1/host.plaso", dir)
	require.NoError(t, err)
	assert.Equal(t, "host.plaso", filepath.Base(local))
	assert.Equal(t, dir, filepath.Dir(filepath.Dir(local)))

	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "PLASO", string(data))
	assert.Equal(t, []string{"evidence/case1/host.plaso"}, g.calls)
}

func TestFetchNotFound(t *testing.T) {
	f := NewS3FetcherWithClient(&fakeGetter{}, quietLogger())

	_, err := f.Fetch(context.Background(), "s3://evidence/missing.csv", t.TempDir())
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestFetchFailure(t *testing.T) {
	f := NewS3FetcherWithClient(&fakeGetter{err: errors.New("access denied")}, quietLogger())

	_, err := f.Fetch(context.Background(), "s3://evidence/x.csv", t.TempDir())
	assert.ErrorIs(t, err, ErrDownloadFailed)
	assert.Contains(t, err.Error(), "access denied")
}

func TestFetchInvalidURI(t *testing.T) {
	g := &fakeGetter{}
	f := NewS3FetcherWithClient(g, quietLogger())

	_, err := f.Fetch(context.Background(), "https://example.com/x.csv", t.TempDir())
	assert.ErrorIs(t, err, ErrInvalidURI)
	assert.Empty(t, g.calls)
}

func TestFetchSameBaseName(t *testing.T) {
	g := &fakeGetter{objects: map[string]string{
		"ev/hostA/auth.csv": "from host A",
		"ev/hostB/auth.csv": "from host B",
	}}
	f := NewS3FetcherWithClient(g, quietLogger())
	dir := t.TempDir()

	a, err := f.Fetch(context.Background(), "s3://ev/hostA/auth.csv", dir)
	require.NoError(t, err)
	b, err := f.Fetch(context.Background(), "s3://ev/hostB/auth.csv", dir)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Equal(t, "auth.csv", filepath.Base(a))
	assert.Equal(t, "auth.csv", filepath.Base(b))

	dataA, err := os.ReadFile(a)
	require.NoError(t, err)
	dataB, err := os.ReadFile(b)
	require.NoError(t, err)
	assert.Equal(t, "from host A", string(dataA))
	assert.Equal(t, "from host B", string(dataB))
}

func TestFetchFailureLeavesNoDirectory(t *testing.T) {
	f := NewS3FetcherWithClient(&fakeGetter{err: errors.New("access denied")}, quietLogger())
	dir := t.TempDir()

	_, err := f.Fetch(context.Background(), "s3://evidence/x.csv", dir)
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
