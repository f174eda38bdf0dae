package conf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := NewCfg().Load(&CommandLineArgs{})
	assert.Equal(t, 4096, cfg.NodeSize)
	assert.Equal(t, 20, cfg.MaxOpenTrees)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, filepath.Join("data", "btree0.seg"), cfg.SegmentPath())
}

func TestLoadFromIni(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "my.ini")
	content := `
[engine]
data-dir        = /var/lib/xbtree
segment-file    = main.seg
node-size       = 8192
max-open-trees  = 8

[log]
log-level       = debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg := NewCfg().Load(&CommandLineArgs{ConfigPath: path})
	assert.Equal(t, 8192, cfg.NodeSize)
	assert.Equal(t, 8, cfg.MaxOpenTrees)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, filepath.Join("/var/lib/xbtree", "main.seg"), cfg.SegmentPath())
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg := NewCfg().Load(&CommandLineArgs{ConfigPath: "/does/not/exist.ini"})
	assert.Equal(t, 4096, cfg.NodeSize)
}
