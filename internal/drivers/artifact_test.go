package drivers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountCSVRowsHandlesQuotedNewlines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "medical_records.csv")
	data := "id,record_body\n" +
		"1,\"first line\nsecond line of the same note\"\n" +
		"2,single line note\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o640))

	count, err := countCSVRows(path)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestCountCSVRowsEmptyAndHeaderOnly(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.csv")
	require.NoError(t, os.WriteFile(empty, nil, 0o640))
	count, err := countCSVRows(empty)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	headerOnly := filepath.Join(dir, "header.csv")
	require.NoError(t, os.WriteFile(headerOnly, []byte("id,name\n"), 0o640))
	count, err = countCSVRows(headerOnly)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}
