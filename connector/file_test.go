package connector

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestFileConnectorCSV(t *testing.T) {
	path := writeTemp(t, "items.csv", "PART_NO,DESC,QTY\nAB-123, Brake Pad ,4\nCD-456,Rotor,9\n")

	c := NewFileConnector(path, FileOptions{})
	require.NoError(t, c.Connect(context.Background()))

	records, err := c.Extract(context.Background(), "", 0, nil)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "AB-123", records[0]["PART_NO"])
	assert.Equal(t, "Brake Pad ", records[0]["DESC"], "leading space trimmed by the reader, trailing kept for the processor")
	assert.Equal(t, "4", records[0]["QTY"])
}

func TestFileConnectorCSVDialect(t *testing.T) {
	path := writeTemp(t, "items.txt", "AB-123|4\nCD-456|9\n")

	c := NewFileConnector(path, FileOptions{Delimiter: '|', NoHeader: true})
	records, err := c.Extract(context.Background(), "", 0, nil)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "AB-123", records[0]["col_0"])
	assert.Equal(t, "9", records[1]["col_1"])
}

func TestFileConnectorJSON(t *testing.T) {
	path := writeTemp(t, "items.json", `{"export":{"rows":[{"PART_NO":"AB-123","QTY":4},{"PART_NO":"CD-456","QTY":9}]}}`)

	c := NewFileConnector(path, FileOptions{RecordsPath: "export.rows"})
	records, err := c.Extract(context.Background(), "", 0, nil)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "AB-123", records[0]["PART_NO"])
	assert.Equal(t, float64(4), records[0]["QTY"])
}

func TestFileConnectorJSONTopLevelArray(t *testing.T) {
	path := writeTemp(t, "items.json", `[{"PART_NO":"AB-123"}]`)

	c := NewFileConnector(path, FileOptions{})
	records, err := c.Extract(context.Background(), "", 0, nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestFileConnectorLimit(t *testing.T) {
	path := writeTemp(t, "items.csv", "PART_NO\nA\nB\nC\n")

	c := NewFileConnector(path, FileOptions{})
	records, err := c.Extract(context.Background(), "", 2, nil)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestFileConnectorMissingFile(t *testing.T) {
	c := NewFileConnector(filepath.Join(t.TempDir(), "absent.csv"), FileOptions{})
	require.Error(t, c.Connect(context.Background()))
}

func TestSplitS3Path(t *testing.T) {
	bucket, key, err := SplitS3Path("s3://drops/2026/items.csv")
	require.NoError(t, err)
	assert.Equal(t, "drops", bucket)
	assert.Equal(t, "2026/items.csv", key)

	_, _, err = SplitS3Path("s3://bucketonly")
	require.Error(t, err)
}
