package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "sightline.yaml")
	tempConfig := `
server:
    address: localhost:0  # 0 lets OS choose free port
log:
    path: "` + filepath.ToSlash(filepath.Join(dir, "logs", "test.log")) + `"
    level: "debug"
db:
    path: "` + filepath.ToSlash(filepath.Join(dir, "tiles.db")) + `"
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(tempConfig), 0o644))

	// Cancels quickly to verify the startup sequence
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	require.NoError(t, run(ctx, cfgPath))
	assert.FileExists(t, filepath.Join(dir, "tiles.db"))
}

func TestRun_InvalidConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("tiles:\n    source_url: \"https://example.com/tile.png\"\n"), 0o644))

	err := run(context.Background(), cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}
