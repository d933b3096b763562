package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bitrise-io/go-resumable-upload/internal/gcstest"
	"github.com/bitrise-io/go-resumable-upload/sessioncache"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomasbasham/cli-runtime/iooption"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	streams := iooption.IOStreams{In: strings.NewReader(""), Out: out, ErrOut: &bytes.Buffer{}}

	cmd := NewRootCommandWithArgs(NewRootOptions(streams, env.NewRepository()))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func serverArgs(srv *gcstest.Server, cache string) []string {
	return []string{"--bucket", "artifacts", "--endpoint", srv.URL, "--anonymous", "--cache", cache}
}

func TestUploadCommand_Patterns(t *testing.T) {
	srv := gcstest.NewServer()
	defer srv.Close()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "out", "a.xml"), []byte("<a/>"))
	writeFile(t, filepath.Join(dir, "out", "nested", "b.xml"), []byte("<b/>"))
	writeFile(t, filepath.Join(dir, "out", "nested", "c.txt"), []byte("ignored"))
	writeFile(t, filepath.Join(dir, "build.log"), bytes.Repeat([]byte("log line\n"), 1000))

	args := append([]string{"upload"}, serverArgs(srv, filepath.Join(dir, "sessions.db"))...)
	args = append(args, "--prefix", "ci/", "--parallel", "2",
		filepath.Join(dir, "out", "**", "*.xml"),
		filepath.Join(dir, "build.log"))
	_, err := runCommand(t, args...)
	require.NoError(t, err)

	for object, want := range map[string]string{
		"ci/a.xml":        "<a/>",
		"ci/nested/b.xml": "<b/>",
	} {
		got, ok := srv.Object("artifacts", object)
		require.True(t, ok, object)
		assert.Equal(t, want, string(got))
	}
	got, ok := srv.Object("artifacts", "ci/build.log")
	require.True(t, ok)
	assert.Len(t, got, 9000)
	_, ok = srv.Object("artifacts", "ci/nested/c.txt")
	assert.False(t, ok)

	for _, r := range srv.Requests() {
		if r.Method == "POST" && r.Query.Get("name") == "ci/build.log" {
			assert.Equal(t, "9000", r.Header.Get("X-Upload-Content-Length"))
		}
	}
}

func TestUploadCommand_Zstd(t *testing.T) {
	srv := gcstest.NewServer()
	defer srv.Close()

	dir := t.TempDir()
	data := bytes.Repeat([]byte("compressible "), 4096)
	writeFile(t, filepath.Join(dir, "report.txt"), data)

	args := append([]string{"upload"}, serverArgs(srv, "memory")...)
	args = append(args, "--zstd", filepath.Join(dir, "report.txt"))
	_, err := runCommand(t, args...)
	require.NoError(t, err)

	compressed, ok := srv.Object("artifacts", "report.txt.zst")
	require.True(t, ok)
	assert.Less(t, len(compressed), len(data))

	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	got, err := dec.DecodeAll(compressed, nil)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestUploadCommand_EnvFallback(t *testing.T) {
	srv := gcstest.NewServer()
	defer srv.Close()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.bin"), []byte("payload from env settings"))

	t.Setenv(bucketEnvKey, "env-bucket")
	t.Setenv(endpointEnvKey, srv.URL)
	t.Setenv(cacheEnvKey, memoryCache)
	t.Setenv(userProjectEnvKey, "billing")

	_, err := runCommand(t, "upload", "--anonymous", filepath.Join(dir, "a.bin"))
	require.NoError(t, err)

	_, ok := srv.Object("env-bucket", "a.bin")
	require.True(t, ok)
	assert.Equal(t, "billing", srv.Requests()[0].Query.Get("userProject"))
}

func TestUploadCommand_Validation(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a", "x.txt"), []byte("x"))
	writeFile(t, filepath.Join(dir, "b", "x.txt"), []byte("x"))

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "no paths", args: []string{"upload", "--bucket", "b"}, wantErr: "at least one path"},
		{name: "no bucket", args: []string{"upload", filepath.Join(dir, "a", "x.txt")}, wantErr: "bucket is required"},
		{name: "missing file", args: []string{"upload", "--bucket", "b", filepath.Join(dir, "missing")}, wantErr: "no such file"},
		{name: "directory", args: []string{"upload", "--bucket", "b", dir}, wantErr: "is a directory"},
		{name: "no match", args: []string{"upload", "--bucket", "b", filepath.Join(dir, "*.none")}, wantErr: "no files match"},
		{name: "duplicate objects", args: []string{"upload", "--bucket", "b", filepath.Join(dir, "a", "x.txt"), filepath.Join(dir, "b", "x.txt")}, wantErr: "would both be uploaded"},
		{name: "parallel", args: []string{"upload", "--bucket", "b", "--parallel", "0", filepath.Join(dir, "a", "x.txt")}, wantErr: "--parallel"},
		{name: "max replay", args: []string{"upload", "--bucket", "b", "--max-replay", "lots", filepath.Join(dir, "a", "x.txt")}, wantErr: "--max-replay"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(bucketEnvKey, "")
			_, err := runCommand(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCreateURICommand(t *testing.T) {
	srv := gcstest.NewServer()
	defer srv.Close()

	cache := filepath.Join(t.TempDir(), "sessions.db")
	args := append([]string{"create-uri"}, serverArgs(srv, cache)...)
	args = append(args, "--size", "1024", "--content-type", "image/jpeg", "--origin", "https://example.com", "--save", "uploads/photo.jpg")
	out, err := runCommand(t, args...)
	require.NoError(t, err)

	uri := strings.TrimSpace(out)
	assert.True(t, strings.HasPrefix(uri, srv.URL), uri)
	assert.Contains(t, uri, "upload_id=")

	open := srv.Requests()[0]
	assert.Equal(t, "1024", open.Header.Get("X-Upload-Content-Length"))
	assert.Equal(t, "image/jpeg", open.Header.Get("X-Upload-Content-Type"))
	assert.Equal(t, "https://example.com", open.Header.Get("Origin"))

	store, err := sessioncache.NewSQLiteStore(cache)
	require.NoError(t, err)
	defer store.Close() //nolint:errcheck
	record, err := store.Get(context.Background(), "artifacts/uploads/photo.jpg")
	require.NoError(t, err)
	assert.Equal(t, uri, record.SessionURI)
}

func TestForgetCommand(t *testing.T) {
	srv := gcstest.NewServer()
	defer srv.Close()

	cache := filepath.Join(t.TempDir(), "sessions.db")
	args := append([]string{"create-uri"}, serverArgs(srv, cache)...)
	out, err := runCommand(t, append(args, "--save", "logs/build.log")...)
	require.NoError(t, err)
	uri := strings.TrimSpace(out)

	args = append([]string{"forget"}, serverArgs(srv, cache)...)
	out, err = runCommand(t, append(args, "--cancel", "logs/build.log", "logs/other.log")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Forgot artifacts/logs/build.log")
	assert.Contains(t, out, "Forgot artifacts/logs/other.log")

	store, err := sessioncache.NewSQLiteStore(cache)
	require.NoError(t, err)
	defer store.Close() //nolint:errcheck
	_, err = store.Get(context.Background(), "artifacts/logs/build.log")
	assert.ErrorIs(t, err, sessioncache.ErrNotFound)

	var cancelled bool
	for _, r := range srv.Requests() {
		if r.Method == "DELETE" && r.Query.Get("upload_id") != "" && strings.Contains(uri, r.Query.Get("upload_id")) {
			cancelled = true
		}
	}
	assert.True(t, cancelled)
}

func TestUploadCommand_ResumesAfterFailure(t *testing.T) {
	srv := gcstest.NewServer()
	defer srv.Close()

	dir := t.TempDir()
	data := bytes.Repeat([]byte("0123456789"), 1000)
	writeFile(t, filepath.Join(dir, "big.bin"), data)
	cache := filepath.Join(dir, "sessions.db")

	// The service keeps part of the bytes and then fails the only retry.
	srv.FailNextPuts(
		gcstest.Fault{Status: 503, Persist: 4000, Drain: true},
		gcstest.Fault{Status: 503, Drain: true},
	)

	args := append([]string{"upload"}, serverArgs(srv, cache)...)
	args = append(args, "--retry-limit", "1", filepath.Join(dir, "big.bin"))
	_, err := runCommand(t, args...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry limit exceeded")

	_, err = runCommand(t, args...)
	require.NoError(t, err)

	got, ok := srv.Object("artifacts", "big.bin")
	require.True(t, ok)
	assert.Equal(t, data, got)
	assert.Equal(t, 1, srv.SessionCount())

	puts := srv.DataPuts()
	assert.Equal(t, "bytes 4000-*/10000", puts[len(puts)-1].ContentRange)
}
