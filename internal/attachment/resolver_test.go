package attachment

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softwell/mailproxy-core/internal/domain"
)

func TestResolve_Base64DecodesInline(t *testing.T) {
	r := New(t.TempDir())
	encoded := base64.StdEncoding.EncodeToString([]byte("hello world"))

	data, err := r.Resolve(context.Background(), domain.Attachment{
		Filename: "a.txt", FetchMode: FetchModeBase64, StoragePath: encoded,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestResolve_FilesystemReadsAndCaches(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.bin")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))

	r := New(t.TempDir())
	data, err := r.Resolve(context.Background(), domain.Attachment{
		Filename: "file.bin", FetchMode: FetchModeFilesystem, StoragePath: path,
	})
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	// second read should hit the cache even if the file is removed
	require.NoError(t, os.Remove(path))
	data2, err := r.Resolve(context.Background(), domain.Attachment{
		Filename: "file.bin", FetchMode: FetchModeFilesystem, StoragePath: path,
	})
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data2))
}

func TestResolve_HTTPURLFetchesAndValidatesMD5(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("remote-bytes"))
	}))
	defer srv.Close()

	r := New(t.TempDir())
	att := domain.Attachment{
		Filename: "remote.bin", FetchMode: FetchModeHTTPURL, StoragePath: srv.URL,
		ContentMD5: "wrongmd5",
	}
	_, err := r.Resolve(context.Background(), att)
	assert.Error(t, err)

	att.ContentMD5 = ""
	data, err := r.Resolve(context.Background(), att)
	require.NoError(t, err)
	assert.Equal(t, "remote-bytes", string(data))
}

func TestResolve_UnknownFetchModeErrors(t *testing.T) {
	r := New(t.TempDir())
	_, err := r.Resolve(context.Background(), domain.Attachment{Filename: "x", FetchMode: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestTwoTierCache_EvictsToDiskUnderMemoryPressure(t *testing.T) {
	dir := t.TempDir()
	c := newTwoTierCache(10, dir)

	c.put("a", []byte("0123456789"))
	c.put("b", []byte("abcdefghij"))

	data, ok := c.get("a")
	require.True(t, ok)
	assert.Equal(t, "0123456789", string(data))
}
