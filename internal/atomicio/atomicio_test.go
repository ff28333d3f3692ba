package atomicio

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteJSONSortsKeysAndTrailsNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "doc.json")

	type doc struct {
		Zebra string `json:"zebra"`
		Alpha string `json:"alpha"`
	}
	require.NoError(t, WriteJSON(path, doc{Zebra: "z", Alpha: "a"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(string(data), "\n"))
	require.Less(t, strings.Index(string(data), "alpha"), strings.Index(string(data), "zebra"))
	require.True(t, IsValidJSON(data))
}

func TestWriteJSONNeverLeavesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, WriteJSON(path, map[string]int{"a": 1}))

	dir := filepath.Dir(path)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, strings.HasPrefix(e.Name(), ".tmp-"), "temp file leaked: %s", e.Name())
	}
}

func TestReadJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	type doc struct {
		Value int `json:"value"`
	}
	require.NoError(t, WriteJSON(path, doc{Value: 7}))

	var got doc
	require.NoError(t, ReadJSON(path, &got))
	require.Equal(t, 7, got.Value)
}

func TestReadJSONMissingFile(t *testing.T) {
	var got map[string]any
	err := ReadJSON(filepath.Join(t.TempDir(), "missing.json"), &got)
	require.Error(t, err)
	require.True(t, os.IsNotExist(err))
}

func TestAppendJSONLAppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, AppendJSONL(path, map[string]string{"event": "one"}))
	require.NoError(t, AppendJSONL(path, map[string]string{"event": "two"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 2)
	for _, l := range lines {
		require.True(t, IsValidJSON([]byte(l)))
	}
}

func TestAppendTextNormalizesLineEndings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.txt")
	require.NoError(t, AppendText(path, "line one\r\nline two\r\n"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "\r")
}

func TestSHA256FileMatchesBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	content := []byte("hello world")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	got, err := SHA256File(path)
	require.NoError(t, err)
	require.Equal(t, SHA256Bytes(content), got)
}
