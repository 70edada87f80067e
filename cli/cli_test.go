package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivelinehq/driveline/config"
	"github.com/drivelinehq/driveline/importer"
	"github.com/drivelinehq/driveline/pipeline"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("a,b\n1,2\n"), 0o644))
}

func TestDetectAutocareSetsSubdirectories(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "vcdb", "vehicles.csv"))
	touch(t, filepath.Join(dir, "vcdb", "makes.csv"))
	touch(t, filepath.Join(dir, "pcdb", "parts.json"))
	touch(t, filepath.Join(dir, "vcdb", "notes.txt"))

	sets, err := detectAutocareSets(dir, "auto")
	require.NoError(t, err)

	assert.Len(t, sets, 2)
	assert.Equal(t, []string{
		filepath.Join(dir, "vcdb", "makes.csv"),
		filepath.Join(dir, "vcdb", "vehicles.csv"),
	}, sets["vcdb"])
	assert.Equal(t, []string{filepath.Join(dir, "pcdb", "parts.json")}, sets["pcdb"])
}

func TestDetectAutocareSetsPrefixedFiles(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "vcdb_20260801.csv"))
	touch(t, filepath.Join(dir, "qdb.json"))
	touch(t, filepath.Join(dir, "readme.md"))

	sets, err := detectAutocareSets(dir, "auto")
	require.NoError(t, err)

	assert.Len(t, sets, 2)
	assert.Contains(t, sets, "vcdb")
	assert.Contains(t, sets, "qdb")
}

func TestDetectAutocareSetsFormatFilter(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "vcdb", "vehicles.csv"))
	touch(t, filepath.Join(dir, "vcdb", "vehicles.json"))

	sets, err := detectAutocareSets(dir, "json")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "vcdb", "vehicles.json")}, sets["vcdb"])
}

func TestDetectAutocareSetsMissingDir(t *testing.T) {
	_, err := detectAutocareSets(filepath.Join(t.TempDir(), "nope"), "auto")
	assert.Error(t, err)
}

func TestEveryAutocareSubdbHasAKeyField(t *testing.T) {
	for _, subdb := range importer.AutoCareSubdbs {
		assert.NotEmpty(t, autocareKeyFields[subdb], subdb)
	}
}

func TestEntityList(t *testing.T) {
	all, err := entityList(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"products", "measurements", "stock", "pricing"}, all)

	subset, err := entityList([]string{" Stock ", "products"})
	require.NoError(t, err)
	// Default run order is preserved regardless of flag order.
	assert.Equal(t, []string{"products", "stock"}, subset)

	_, err = entityList([]string{"vehicles"})
	assert.Error(t, err)
}

func TestFileFormat(t *testing.T) {
	assert.Equal(t, "csv", fileFormat("CSV"))
	assert.Equal(t, "json", fileFormat("json"))
	assert.Equal(t, "", fileFormat("auto"))
	assert.Equal(t, "", fileFormat(""))
}

func TestLoadConnectorOverridesMerges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conn.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"as400": {"dsn": "DSN=PROD", "query_timeout": "2m"},
		"filemaker": {"url": "https://fm.example.com"}
	}`), 0o644))

	sync := config.SyncConfig{
		ChunkSize: 250,
		AS400:     config.AS400Config{Driver: "odbc", DSN: "DSN=DEV"},
	}
	require.NoError(t, loadConnectorOverrides(path, &sync))

	assert.Equal(t, "DSN=PROD", sync.AS400.DSN)
	assert.Equal(t, 2*time.Minute, sync.AS400.QueryTimeout)
	assert.Equal(t, "https://fm.example.com", sync.FileMaker.URL)
	// Keys absent from the file keep their configured values.
	assert.Equal(t, "odbc", sync.AS400.Driver)
	assert.Equal(t, 250, sync.ChunkSize)
}

func TestLoadConnectorOverridesBadFile(t *testing.T) {
	err := loadConnectorOverrides(filepath.Join(t.TempDir(), "missing.json"), &config.SyncConfig{})
	assert.Error(t, err)
}

func TestMergeResultAccumulates(t *testing.T) {
	total := &pipeline.Result{Entity: "autocare.vcdb"}
	mergeResult(total, &pipeline.Result{
		Success:  true,
		Counters: pipeline.ResultCounters{Processed: 10, Created: 7, Updated: 3},
	})
	mergeResult(total, &pipeline.Result{
		Counters: pipeline.ResultCounters{Processed: 5, Failed: 5},
		Error:    "boom",
	})

	assert.Equal(t, 15, total.Counters.Processed)
	assert.Equal(t, 7, total.Counters.Created)
	assert.Equal(t, 3, total.Counters.Updated)
	assert.Equal(t, 5, total.Counters.Failed)
	assert.Equal(t, "boom", total.Error)
}

func TestWriteResults(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	out := &pipeline.ParallelResult{Results: map[string]*pipeline.Result{
		"products":      {Entity: "products", Success: true},
		"autocare.vcdb": {Entity: "autocare.vcdb", Success: true},
	}}

	require.NoError(t, writeResults(dir, out))

	for _, name := range []string{"products.json", "autocare_vcdb.json"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Contains(t, string(data), `"entity"`)
	}
}

func TestVersionCommandOutput(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	defer versionCmd.SetOut(nil)

	versionCmd.Run(versionCmd, nil)
	assert.Contains(t, buf.String(), "driveline")
	assert.Contains(t, buf.String(), "go:")
}

func TestRootCommandTree(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range RootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["import"])
	assert.True(t, names["version"])

	sub := make(map[string]bool)
	for _, c := range importCmd.Commands() {
		sub[c.Name()] = true
	}
	assert.True(t, sub["all"])
	assert.True(t, sub["autocare"])
}
