package commands

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"novelfetch/lib/configutil"
	"novelfetch/services/download"

	"github.com/stretchr/testify/require"
)

func TestConfigDefaultsAndLocalOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "novelfetch.json5")
	require.NoError(t, os.WriteFile(path, []byte(`{
		// shared settings
		proxy: { enabled: true, host: "127.0.0.1", port: 7890 },
		search: { concurrency: 3 },
	}`), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "novelfetch.local.json5"), []byte(`{
		search: { concurrency: 7 },
		export_dir: "out",
	}`), 0600))

	cfg, err := configutil.ReadConfigOrDefault[Config](path)
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:7890", cfg.Proxy.URL())
	require.Equal(t, 7, cfg.Search.Concurrency)
	require.Equal(t, "out", cfg.ExportDir)
	require.Equal(t, 12*time.Second, millis(cfg.Search.SourceTimeoutMs))
	require.Equal(t, "data/novelfetch.db", cfg.DB.File)

	missing, err := configutil.ReadConfigOrDefault[Config](filepath.Join(dir, "missing.json5"))
	require.NoError(t, err)
	require.Equal(t, download.DefaultParallelism, missing.Download.Parallelism)
	require.Equal(t, 10, missing.Prefetch.BatchSize)
}

func TestParseMode(t *testing.T) {
	t.Cleanup(func() {
		downloadRange, downloadLatest = "", 0
	})

	mode, err := parseMode()
	require.NoError(t, err)
	require.Equal(t, download.FullBookMode(), mode)

	downloadRange = "3:9"
	mode, err = parseMode()
	require.NoError(t, err)
	require.Equal(t, download.RangeMode(3, 9), mode)

	downloadRange = "3-9"
	_, err = parseMode()
	require.Error(t, err)

	downloadRange, downloadLatest = "", 5
	mode, err = parseMode()
	require.NoError(t, err)
	require.Equal(t, download.LatestNMode(5), mode)

	downloadRange = "1:2"
	_, err = parseMode()
	require.Error(t, err)
}
