package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hackchat/internal/directory"
	"hackchat/internal/storage"
)

func uploadRequest(t *testing.T, env *testEnv, fields map[string]string, filename string, content []byte) *http.Response {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for key, value := range fields {
		require.NoError(t, writer.WriteField(key, value))
	}
	if filename != "" {
		part, err := writer.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = io.Copy(part, bytes.NewReader(content))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	req, err := http.NewRequest(http.MethodPost, env.http.URL+"/send_file", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := env.http.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestSendFileStoresBlobAndMarker(t *testing.T) {
	env := newTestEnv(t, directory.ModePassword)
	alice := env.register(t, "alice", "pw")
	bob := env.register(t, "bob", "pw")
	content := []byte("Hello, this is a test file!")

	resp := uploadRequest(t, env, map[string]string{"sender": alice.UserID, "recipient": bob.UserID}, "notes.txt", content)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	name, _ := out["filename"].(string)
	assert.Equal(t, "ok", out["status"])
	assert.True(t, strings.HasSuffix(name, "-notes.txt"))
	assert.Equal(t, "/files/"+name, out["url"])

	onDisk, err := os.ReadFile(filepath.Join(env.server.uploads.Dir(), name))
	require.NoError(t, err)
	assert.Equal(t, content, onDisk)

	dialog, err := env.store.FetchDialog(context.Background(), alice.UserID, bob.UserID, 10)
	require.NoError(t, err)
	require.Len(t, dialog, 1)
	assert.True(t, dialog[0].IsFile())
	assert.Equal(t, name, dialog[0].FileName())
	assert.Equal(t, storage.FileBody(name), dialog[0].Text)

	download := env.do(t, http.MethodGet, "/files/"+name, nil)
	require.Equal(t, http.StatusOK, download.StatusCode)
	assert.Contains(t, download.Header.Get("Content-Disposition"), `filename="notes.txt"`)
	got, err := io.ReadAll(download.Body)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestSendFileValidation(t *testing.T) {
	env := newTestEnv(t, directory.ModePassword)
	alice := env.register(t, "alice", "pw")

	resp := uploadRequest(t, env, map[string]string{"sender": alice.UserID}, "a.txt", []byte("x"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = uploadRequest(t, env, map[string]string{"sender": alice.UserID, "recipient": "all"}, "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	entries, _ := os.ReadDir(env.server.uploads.Dir())
	assert.Empty(t, entries)
}

func TestSendFileSizeLimit(t *testing.T) {
	env := newTestEnv(t, directory.ModePassword, func(c *Config) { c.MaxFileSize = 100 })
	alice := env.register(t, "alice", "pw")

	resp := uploadRequest(t, env, map[string]string{"sender": alice.UserID, "recipient": "all"}, "large.txt", bytes.Repeat([]byte("a"), 200))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	messages, err := env.store.FetchBroadcast(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestFileDownloadRejectsTraversalAndMissing(t *testing.T) {
	env := newTestEnv(t, directory.ModePassword)

	resp := env.do(t, http.MethodGet, "/files/..", nil)
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/files/missing.txt", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFileStoreSaveAndClear(t *testing.T) {
	files := NewFileStore(filepath.Join(t.TempDir(), "uploads"), 16)

	stored, err := files.Save("../../etc/passwd", strings.NewReader("root"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(stored.Name, "-passwd"))
	assert.EqualValues(t, 4, stored.SizeBytes)
	assert.Len(t, stored.SHA256, 64)
	assert.Equal(t, "passwd", originalName(stored.Name))

	_, err = files.Save("big.bin", bytes.NewReader(make([]byte, 17)))
	assert.ErrorIs(t, err, errFileTooLarge)

	_, err = files.Save("exact.bin", bytes.NewReader(make([]byte, 16)))
	require.NoError(t, err)

	entries, err := os.ReadDir(files.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	require.NoError(t, files.Clear())
	entries, err = os.ReadDir(files.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAdminResetClearsUploads(t *testing.T) {
	env := newTestEnv(t, directory.ModePassword)
	alice := env.register(t, "alice", "pw")
	resp := uploadRequest(t, env, map[string]string{"sender": alice.UserID, "recipient": "all"}, "a.txt", []byte("x"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/admin/reset", map[string]string{"password": "secret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	entries, err := os.ReadDir(env.server.uploads.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}
