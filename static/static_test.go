package static

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()

	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))

	return p
}

func TestResolveServesFileWithETag(t *testing.T) {
	dir := t.TempDir()
	writeTemp(t, dir, "style.css", "body{color:red}")

	m := NewMount("/static", dir, DefaultOptions())

	res, err := m.Resolve("/static/style.css", "", "", "")
	require.NoError(t, err)
	require.Equal(t, Handled, res.Outcome)
	assert.Equal(t, 200, res.Status)
	assert.NotEmpty(t, res.Headers["ETag"])
	assert.Equal(t, "body{color:red}", string(res.Body))
}

func TestResolveConditionalNotModified(t *testing.T) {
	dir := t.TempDir()
	writeTemp(t, dir, "style.css", "body{color:red}")

	m := NewMount("/static", dir, DefaultOptions())

	first, err := m.Resolve("/static/style.css", "", "", "")
	require.NoError(t, err)

	second, err := m.Resolve("/static/style.css", "", first.Headers["ETag"], "")
	require.NoError(t, err)
	assert.Equal(t, 304, second.Status)
	assert.Empty(t, second.Body)
}

func TestResolvePassOnMiss(t *testing.T) {
	dir := t.TempDir()

	m := NewMount("/static", dir, DefaultOptions())

	res, err := m.Resolve("/static/missing.css", "", "", "")
	require.NoError(t, err)
	assert.Equal(t, Pass, res.Outcome)
}

func TestResolveRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	writeTemp(t, dir, "style.css", "body{}")

	m := NewMount("/static", dir, DefaultOptions())

	_, err := m.Resolve("/static/../secret.txt", "", "", "")
	require.Error(t, err)
	assert.True(t, IsSecurityReject(err))
}

func TestResolveRejectsHiddenFile(t *testing.T) {
	dir := t.TempDir()
	writeTemp(t, dir, ".env", "SECRET=1")

	m := NewMount("/static", dir, DefaultOptions())

	_, err := m.Resolve("/static/.env", "", "", "")
	require.Error(t, err)
	assert.True(t, IsSecurityReject(err))
}

func TestFlushClearsCache(t *testing.T) {
	dir := t.TempDir()
	writeTemp(t, dir, "a.txt", "hello")

	m := NewMount("/static", dir, DefaultOptions())

	first, err := m.Resolve("/static/a.txt", "", "", "")
	require.NoError(t, err)

	m.Flush()

	_, cached := m.records.Load("a.txt")
	assert.False(t, cached)

	second, err := m.Resolve("/static/a.txt", "", "", "")
	require.NoError(t, err)
	assert.Equal(t, 200, second.Status)
	assert.Equal(t, first.Headers["ETag"], second.Headers["ETag"])
}

func TestChooseEncodingPrefersBrotli(t *testing.T) {
	enc, body := chooseEncoding("gzip, br", []byte("raw"), []byte("gz"), []byte("br"))
	assert.Equal(t, "br", enc)
	assert.Equal(t, []byte("br"), body)
}

func TestChooseEncodingFallsBackToIdentity(t *testing.T) {
	enc, body := chooseEncoding("identity", []byte("raw"), []byte("gz"), []byte("br"))
	assert.Equal(t, "", enc)
	assert.Equal(t, []byte("raw"), body)
}
