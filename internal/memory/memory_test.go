package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteThenRead(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	msg, err := s.Write("notes/today.md", "hello world")
	require.NoError(t, err)
	assert.Equal(t, "Written to memory/notes/today.md", msg)

	content, err := s.Read("notes/today.md")
	require.NoError(t, err)
	assert.Equal(t, "hello world", content)
}

func TestPathEscapeRejected(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.Read("../../etc/passwd")
	assert.ErrorIs(t, err, ErrPathEscape)

	_, err = s.Write("../outside.md", "x")
	assert.ErrorIs(t, err, ErrPathEscape)
}

func TestListFilesOnlyMarkdown(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.Write("a.md", "one")
	require.NoError(t, err)
	_, err = s.Write("b.txt", "two")
	require.NoError(t, err)
	_, err = s.Write("sub/c.md", "three")
	require.NoError(t, err)

	files, err := s.ListFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md", "sub/c.md"}, files)
}

func TestSearchFindsMatchingLines(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.Write("core.md", "line one\nThe API key rotated\nline three")
	require.NoError(t, err)

	results, err := s.Search("api key")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "core.md", results[0].File)
	assert.Contains(t, results[0].Matches[0], "API key rotated")
}

func TestSearchNoMatch(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.Write("core.md", "nothing relevant here")
	require.NoError(t, err)

	results, err := s.Search("needle")
	require.NoError(t, err)
	assert.Empty(t, results)
}
