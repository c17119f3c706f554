package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_RendersExamplePlans(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "site")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	data, err := os.ReadFile(filepath.Join("..", "..", "examples", "site", "plan.yaml"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plan.yaml"), data, 0o644))

	require.NoError(t, run(context.Background(), root))

	mermaid, err := os.ReadFile(filepath.Join(dir, "diagram.md"))
	require.NoError(t, err)
	assert.Contains(t, string(mermaid), "config --> page_count")
	assert.Contains(t, string(mermaid), "checksum -.->|after| announce")
	assert.FileExists(t, filepath.Join(dir, "diagram.txt"))
}
