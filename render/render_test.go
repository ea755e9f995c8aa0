package render

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemplate(t *testing.T, dir, name, content string) {
	t.Helper()

	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestRenderByName(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "index.html", "Hello, {{.Name}}!")

	e := New(DefaultOptions())
	require.NoError(t, e.Init(dir))

	res := e.Render("index.html", Context{"Name": "World"})
	require.True(t, res.OK)
	assert.Equal(t, "Hello, World!", res.Content)
}

func TestRenderMissingTemplate(t *testing.T) {
	dir := t.TempDir()

	e := New(DefaultOptions())
	require.NoError(t, e.Init(dir))

	res := e.Render("nope.html", nil)
	assert.False(t, res.OK)
	assert.NotEmpty(t, res.Error)
}

func TestRenderNestedDirectory(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "parts/header.html", "HEADER")

	e := New(DefaultOptions())
	require.NoError(t, e.Init(dir))

	res := e.Render("parts/header.html", nil)
	require.True(t, res.OK)
	assert.Equal(t, "HEADER", res.Content)
}

func TestInitToleratesMissingRoot(t *testing.T) {
	e := New(DefaultOptions())
	require.NoError(t, e.Init(filepath.Join(t.TempDir(), "does-not-exist")))

	res := e.Render("anything.html", nil)
	assert.False(t, res.OK)
}
